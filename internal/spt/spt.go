// Package spt implements the supplemental page table: the per-address-
// space index from page-aligned virtual address to *page.Page.
// Adapted from the kernel's lock-striped hashtable.Hashtable_t
// (biscuit/src/hashtable/hashtable.go), specialized to uintptr keys
// and trimmed of the lock-free-Get atomic pointer tricks: an address
// space's SPT is touched by at most one faulting thread plus the
// evictor, so a plain per-bucket mutex is enough here.
package spt

import (
	"fmt"
	"sync"

	"pgvm/internal/defs"
	"pgvm/internal/page"
	"pgvm/internal/util"
)

const buckets = 64

type elem struct {
	va   uintptr
	page *page.Page
	next *elem
}

type bucket struct {
	sync.Mutex
	first *elem
}

// Table is one address space's supplemental page table.
type Table struct {
	b [buckets]bucket
}

// New allocates an empty supplemental page table.
func New() *Table {
	return &Table{}
}

func (t *Table) bucketFor(va uintptr) *bucket {
	return &t.b[(va>>12)%buckets]
}

// Find looks up the page covering addr, rounding down to the
// containing page boundary.
func (t *Table) Find(addr uintptr) (*page.Page, bool) {
	va := util.Rounddown(addr, uintptr(defs.PGSIZE))
	b := t.bucketFor(va)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.va == va {
			return e.page, true
		}
	}
	return nil, false
}

// Insert adds p, keyed by p.VA. Reports false without modifying the
// table if a page at that address already exists.
func (t *Table) Insert(p *page.Page) bool {
	b := t.bucketFor(p.VA)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.va == p.VA {
			return false
		}
	}
	b.first = &elem{va: p.VA, page: p, next: b.first}
	return true
}

// Remove deletes p from the table. It is a no-op if p (or its VA) is
// not present.
func (t *Table) Remove(p *page.Page) {
	b := t.bucketFor(p.VA)
	b.Lock()
	defer b.Unlock()
	var last *elem
	for e := b.first; e != nil; e = e.next {
		if e.va == p.VA {
			if last == nil {
				b.first = e.next
			} else {
				last.next = e.next
			}
			return
		}
		last = e
	}
}

// Copy duplicates every entry of t into dst, used by ForkCopy: each
// page is deep-copied via the supplied dup callback rather than
// shared.
func (t *Table) Copy(dst *Table, dup func(*page.Page) (*page.Page, error)) error {
	for i := range t.b {
		b := &t.b[i]
		b.Lock()
		for e := b.first; e != nil; e = e.next {
			np, err := dup(e.page)
			if err != nil {
				b.Unlock()
				return fmt.Errorf("spt: copy va=%#x: %w", e.va, err)
			}
			dst.Insert(np)
		}
		b.Unlock()
	}
	return nil
}

// Kill destroys every page in the table and empties it, used when an
// address space is torn down.
func (t *Table) Kill() {
	for i := range t.b {
		b := &t.b[i]
		b.Lock()
		for e := b.first; e != nil; e = e.next {
			e.page.Destroy()
		}
		b.first = nil
		b.Unlock()
	}
}

// Len reports the total number of pages tracked, for diagnostics and
// tests.
func (t *Table) Len() int {
	n := 0
	for i := range t.b {
		b := &t.b[i]
		b.Lock()
		for e := b.first; e != nil; e = e.next {
			n++
		}
		b.Unlock()
	}
	return n
}

// ForEach visits every page in the table. f must not call back into
// t.
func (t *Table) ForEach(f func(*page.Page)) {
	for i := range t.b {
		b := &t.b[i]
		b.Lock()
		for e := b.first; e != nil; e = e.next {
			f(e.page)
		}
		b.Unlock()
	}
}
