// Package swap implements the swap area: a bitmap over 512-byte
// sectors of a blockdev.Disk, allocated in page-sized (8-sector) runs.
// All bitmap mutation and disk I/O for a slot happens under a single
// lock (swap_lock). Lock order is frame_lock then swap_lock: eviction
// calls WriteOut with frame_lock held, and nothing here acquires
// frame_lock.
package swap

import (
	"fmt"
	"sync"

	"pgvm/internal/blockdev"
	"pgvm/internal/defs"
)

// NoSlot marks a page as not currently resident in swap.
const NoSlot = -1

// Area is the process-global swap area: one bitmap bit per sector,
// one page occupying SWAP_SECTORS_PER_PAGE contiguous bits.
type Area struct {
	mu   sync.Mutex
	disk blockdev.Disk_i
	bits []bool // true = in use
}

// New constructs a swap area over disk, with an all-free bitmap: the
// bitmap lives in RAM only and is reconstructed from zero at boot,
// never persisted to disk.
func New(disk blockdev.Disk_i) *Area {
	return &Area{disk: disk, bits: make([]bool, disk.Sectors())}
}

const run = defs.SWAP_SECTORS_PER_PAGE

// allocSlot finds the first free run of `run` contiguous bits and
// marks them used. Caller must hold mu.
func (a *Area) allocSlot() (int, bool) {
	n := len(a.bits)
	for start := 0; start+run <= n; start++ {
		free := true
		for i := 0; i < run; i++ {
			if a.bits[start+i] {
				free = false
				break
			}
		}
		if free {
			for i := 0; i < run; i++ {
				a.bits[start+i] = true
			}
			return start, true
		}
	}
	return 0, false
}

func (a *Area) freeSlot(slot int) {
	for i := 0; i < run; i++ {
		a.bits[slot+i] = false
	}
}

// WriteOut allocates a fresh slot and writes PGSIZE bytes from page
// into it. On bitmap exhaustion it returns ENOSWAP and leaves nothing
// allocated, per the anonymous backend's swap_out contract.
func (a *Area) WriteOut(page []byte) (int, defs.Err_t) {
	if len(page) != defs.PGSIZE {
		panic("swap: WriteOut requires a full page")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.allocSlot()
	if !ok {
		return 0, defs.ENOSWAP
	}
	for i := 0; i < run; i++ {
		sec := page[i*blockdev.SectorSize : (i+1)*blockdev.SectorSize]
		if err := a.disk.WriteSector(slot+i, sec); err != nil {
			a.freeSlot(slot)
			return 0, defs.EIO
		}
	}
	return slot, 0
}

// ReadIn reads the page at slot into dst and frees the slot, per the
// anonymous backend's swap_in contract (a slot is consumed exactly
// once).
func (a *Area) ReadIn(slot int, dst []byte) defs.Err_t {
	if len(dst) != defs.PGSIZE {
		panic("swap: ReadIn requires a full page")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < run; i++ {
		sec := dst[i*blockdev.SectorSize : (i+1)*blockdev.SectorSize]
		if err := a.disk.ReadSector(slot+i, sec); err != nil {
			return defs.EIO
		}
	}
	a.freeSlot(slot)
	return 0
}

// Peek reads the page at slot into dst without freeing it, used by
// fork to duplicate a swapped-out anonymous page's contents without
// disturbing the parent's slot.
func (a *Area) Peek(slot int, dst []byte) defs.Err_t {
	if len(dst) != defs.PGSIZE {
		panic("swap: Peek requires a full page")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < run; i++ {
		sec := dst[i*blockdev.SectorSize : (i+1)*blockdev.SectorSize]
		if err := a.disk.ReadSector(slot+i, sec); err != nil {
			return defs.EIO
		}
	}
	return 0
}

// Release frees slot without reading it back, used when destroying a
// page that is currently swapped out rather than resident.
func (a *Area) Release(slot int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeSlot(slot)
}

// TotalSectors reports the swap area's total sector count.
func (a *Area) TotalSectors() int {
	return len(a.bits)
}

// UsedBits reports how many bits are currently set: the swap bitmap
// always holds exactly SWAP_SECTORS_PER_PAGE bits per anonymous page
// that currently has a swap slot assigned.
func (a *Area) UsedBits() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, b := range a.bits {
		if b {
			n++
		}
	}
	return n
}

func (a *Area) String() string {
	return fmt.Sprintf("swap.Area{sectors=%d used=%d}", len(a.bits), a.UsedBits())
}
