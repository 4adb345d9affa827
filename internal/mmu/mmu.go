// Package mmu simulates the hardware-facing half of the x86-64 MMU
// that the rest of this module drives: page table entries keyed by
// page-aligned virtual address, with the present/writable/accessed/
// dirty bits the fault handler and eviction policy depend on.
//
// This is a hosted simulation, not a bare-metal driver: there is no
// real CPU walking these tables on every memory reference, so the
// accessed bit is not set automatically by hardware. Callers that
// want the approximate-LRU eviction policy to see
// realistic access patterns must call Pmap.Touch on simulated memory
// references; HandleFault and Claim already do this on every claim.
package mmu

import (
	"sync"

	"pgvm/internal/defs"
	"pgvm/internal/util"
)

const (
	PGSIZE  = defs.PGSIZE
	PGSHIFT = defs.PGSHIFT
)

// PTE is one simulated page table entry. The kernel virtual address a
// present PTE resolves to is carried directly as a byte slice backing
// the frame's storage, standing in for a physical frame pointer.
type PTE struct {
	KVA      []byte
	Present  bool
	Writable bool
	Accessed bool
	Dirty    bool
}

// Pmap is one address space's page table. Its zero value is not
// usable; construct with New.
type Pmap struct {
	mu      sync.Mutex
	entries map[uintptr]*PTE
}

// New returns an empty page map.
func New() *Pmap {
	return &Pmap{entries: make(map[uintptr]*PTE)}
}

func pgRoundDown(va uintptr) uintptr {
	return util.Rounddown(va, uintptr(PGSIZE))
}

// Lookup returns the PTE for the page-aligned containing va, if any.
func (pm *Pmap) Lookup(va uintptr) (*PTE, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pte, ok := pm.entries[pgRoundDown(va)]
	return pte, ok
}

// Install creates a present PTE mapping va to kva. It fails (returns
// false) if a PTE already exists at va, mirroring Vm_t.Page_insert's
// "pte not empty" check in the claim path.
func (pm *Pmap) Install(va uintptr, kva []byte, writable bool) (*PTE, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	va = pgRoundDown(va)
	if existing, ok := pm.entries[va]; ok && existing.Present {
		return nil, false
	}
	pte := &PTE{KVA: kva, Present: true, Writable: writable, Accessed: true}
	pm.entries[va] = pte
	return pte, true
}

// Clear removes the PTE at va, if present. It returns whether a
// mapping was actually removed.
func (pm *Pmap) Clear(va uintptr) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	va = pgRoundDown(va)
	pte, ok := pm.entries[va]
	if !ok || !pte.Present {
		return false
	}
	delete(pm.entries, va)
	return true
}

// Touch simulates a hardware memory reference at va: it sets the
// accessed bit (and, if write is true, the dirty bit) on the PTE
// backing va. No-op if va is not currently mapped.
func (pm *Pmap) Touch(va uintptr, write bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pte, ok := pm.entries[pgRoundDown(va)]
	if !ok || !pte.Present {
		return
	}
	pte.Accessed = true
	if write {
		pte.Dirty = true
	}
}

// ClearAccessed clears the accessed bit at va, used by the frame
// table's approximate-LRU scan.
func (pm *Pmap) ClearAccessed(va uintptr) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pte, ok := pm.entries[pgRoundDown(va)]; ok {
		pte.Accessed = false
	}
}

// ClearDirty clears the dirty bit at va, used after a file-backed
// writeback.
func (pm *Pmap) ClearDirty(va uintptr) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pte, ok := pm.entries[pgRoundDown(va)]; ok {
		pte.Dirty = false
	}
}
