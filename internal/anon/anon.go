// Package anon implements the anonymous page backend. An anonymous
// page holds no file identity; once evicted it lives in the swap
// area at SwapSlot until faulted back in.
package anon

import (
	"pgvm/internal/defs"
	"pgvm/internal/page"
	"pgvm/internal/swap"
)

// State is the anonymous variant: page.Variant backed by a shared
// swap.Area. Grounded on original_source/vm/anon.c's anon_page
// (swap_slot, swap_lock-serialized swap_in/swap_out).
type State struct {
	area     *swap.Area
	SwapSlot int // swap.NoSlot when resident or never swapped out
}

// New returns a backend-selector callback suitable for
// page.UninitState.Transmute: it builds a fresh *State backed by
// area, with no swap slot yet (the page's first fault always zero-
// fills, per original_source/vm/uninit.c's VM_ANON initializer).
func New(area *swap.Area) page.TransmuteFunc {
	return func(p *page.Page, aux interface{}) page.Variant {
		return &State{area: area, SwapSlot: swap.NoSlot}
	}
}

func (s *State) Kind() page.Kind         { return page.KindAnon }
func (s *State) EventualKind() page.Kind { return page.KindAnon }

// Area returns the swap area backing this page, used by fork to read
// a swapped-out page's contents without consuming the parent's slot.
func (s *State) Area() *swap.Area { return s.area }

// SwapIn loads the page's swapped-out contents into kva, or zero-
// fills it if it has never been written to swap (the initial fault
// on a freshly transmuted anonymous page).
func (s *State) SwapIn(p *page.Page, kva []byte) defs.Err_t {
	if s.SwapSlot == swap.NoSlot {
		for i := range kva {
			kva[i] = 0
		}
		return 0
	}
	if err := s.area.ReadIn(s.SwapSlot, kva); err != 0 {
		return err
	}
	s.SwapSlot = swap.NoSlot
	return 0
}

// SwapOut writes the frame's contents to a fresh swap slot and clears
// the page's mapping. On ENOSWAP the page is left resident and
// mapped, matching the frame table's retry-next-victim contract.
func (s *State) SwapOut(p *page.Page) defs.Err_t {
	slot, err := s.area.WriteOut(p.Frame.KVA)
	if err != 0 {
		return err
	}
	s.SwapSlot = slot
	p.OwnerPagemap.Clear(p.VA)
	p.Frame = nil
	return 0
}

// Destroy releases the page's swap slot, if any; the frame (if
// resident) is freed by the caller.
func (s *State) Destroy(p *page.Page) {
	if s.SwapSlot != swap.NoSlot {
		s.area.Release(s.SwapSlot)
		s.SwapSlot = swap.NoSlot
	}
}
