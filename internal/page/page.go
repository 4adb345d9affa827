// Package page implements the page descriptor: the record kept per
// logical page of a process's address space, and its
// Uninit→{Anon,File} transmutation on first fault.
//
// The original kernel's C union is expressed here as a Go interface:
// Variant is the per-page operations set (swap_in/swap_out/destroy),
// implemented by *UninitState, *anon.State and *filebacked.State (the
// latter two live in sibling packages to avoid a
// page<->anon<->filebacked import cycle). Page itself implements
// frametable.Resident so the frame table can evict it without
// importing this package.
package page

import (
	"pgvm/internal/defs"
	"pgvm/internal/frametable"
	"pgvm/internal/mmu"
)

// Kind identifies a page's variant, including the eventual variant of
// a still-Uninit page (EventualVariant, the "page_get_type" helper
// from original_source/vm/vm.c).
type Kind int

const (
	KindUninit Kind = iota
	KindAnon
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindUninit:
		return "uninit"
	case KindAnon:
		return "anon"
	case KindFile:
		return "file"
	default:
		return "kind(?)"
	}
}

// Variant is the per-page operations set: swap_in/swap_out/destroy,
// dispatched on the page's current tag.
type Variant interface {
	Kind() Kind
	// EventualKind is Kind() once transmuted, or the eventual target
	// kind while still Uninit.
	EventualKind() Kind
	SwapIn(p *Page, kva []byte) defs.Err_t
	SwapOut(p *Page) defs.Err_t
	Destroy(p *Page)
}

// Page is one logical page of one address space: the SPT's value
// type, and the frame table's weak back-reference target.
type Page struct {
	VA           uintptr
	Writable     bool
	OwnerPagemap *mmu.Pmap
	Frame        *frametable.Frame // nil iff not resident
	Variant      Variant
}

// New constructs a page in whatever variant v starts as (normally an
// *UninitState from Alloc, below).
func New(va uintptr, writable bool, pm *mmu.Pmap, v Variant) *Page {
	if va%defs.PGSIZE != 0 {
		panic("page: va must be page-aligned")
	}
	return &Page{VA: va, Writable: writable, OwnerPagemap: pm, Variant: v}
}

// EventualVariant reports what this page will be (or already is)
// once fully materialized — original_source/vm/vm.c's page_get_type,
// useful both for diagnostics and for the mmap invariant check.
func (p *Page) EventualVariant() Kind {
	return p.Variant.EventualKind()
}

// --- frametable.Resident ---

// Accessed reports the hardware accessed bit for this page's mapping.
// A page with no frame (not resident) is never a victim candidate;
// the frame table skips it implicitly by never holding a frame whose
// Page points at a non-resident page.
func (p *Page) Accessed() bool {
	pte, ok := p.OwnerPagemap.Lookup(p.VA)
	return ok && pte.Accessed
}

// ClearAccessed clears the hardware accessed bit, part of the
// approximate-LRU scan.
func (p *Page) ClearAccessed() {
	p.OwnerPagemap.ClearAccessed(p.VA)
}

// SwapOut dispatches to the current variant's swap_out, satisfying
// frametable.Resident.
func (p *Page) SwapOut() defs.Err_t {
	return p.Variant.SwapOut(p)
}

// --- claim path support ---

// SwapIn dispatches to the current variant's swap_in (for Uninit,
// this is the transmute path in UninitState.SwapIn).
func (p *Page) SwapIn(kva []byte) defs.Err_t {
	return p.Variant.SwapIn(p, kva)
}

// Destroy dispatches to the current variant's destructor, then clears
// the variant so a double-destroy panics loudly instead of silently
// re-running teardown.
func (p *Page) Destroy() {
	if p.Variant == nil {
		panic("page: double destroy")
	}
	p.Variant.Destroy(p)
	p.Variant = nil
}

// Initializer is the callback the loader/mmap populate Uninit pages
// with: it fills the freshly claimed frame's bytes.
type Initializer func(p *Page, aux interface{}) defs.Err_t

// TransmuteFunc installs the target variant's state onto p, replacing
// p.Variant with an Anon or File state built from aux, and installs
// that variant's operations. It is supplied by the allocator
// (anon.New / filebacked.New) at vm_alloc_page_with_initializer
// time so that this package never imports anon or filebacked.
type TransmuteFunc func(p *Page, aux interface{}) Variant

// UninitState is the Uninit variant: It carries the
// eventual kind, the stored initializer and its aux payload, and the
// transmute callback that builds the real variant state.
type UninitState struct {
	Target    Kind
	Init      Initializer
	Aux       interface{}
	Transmute TransmuteFunc
}

func (u *UninitState) Kind() Kind         { return KindUninit }
func (u *UninitState) EventualKind() Kind { return u.Target }

// SwapIn performs the one-shot transmutation: install the target
// variant's state (which takes ownership of Aux), then populate kva
// — via the stored Init callback if the
// allocator supplied one (a loader reading from a file), or otherwise
// by handing off to the new variant's own SwapIn (an anonymous page's
// zero-fill).
func (u *UninitState) SwapIn(p *Page, kva []byte) defs.Err_t {
	aux := u.Aux
	init := u.Init
	newVariant := u.Transmute(p, aux)
	p.Variant = newVariant
	var err defs.Err_t
	if init != nil {
		err = init(p, aux)
	} else {
		err = newVariant.SwapIn(p, kva)
	}
	// aux is now owned by the new variant or has been fully consumed
	// by init; there is nothing further to free in a garbage-collected
	// runtime, but dropping our reference here documents the ownership
	// transfer.
	u.Aux = nil
	return err
}

// SwapOut is never called on an Uninit page: it has no frame to
// evict.
func (u *UninitState) SwapOut(p *Page) defs.Err_t {
	panic("page: swap_out on uninit page")
}

// Destroy frees Aux only, ("Destroy on an un-faulted
// Uninit page frees aux only").
func (u *UninitState) Destroy(p *Page) {
	u.Aux = nil
}
