// Package vm is the umbrella virtual-memory subsystem: an
// AddressSpace glues together a hardware pagemap (internal/mmu), a
// supplemental page table (internal/spt), a shared frame pool
// (internal/frametable) and swap area (internal/swap), and the mmap
// registry and fault handler that tie them together. Grounded on the
// shape of the kernel's Vm_t and its Sys_pgfault (biscuit/src/vm/as.go).
package vm

import (
	"fmt"
	"sync"

	"pgvm/internal/anon"
	"pgvm/internal/defs"
	"pgvm/internal/filebacked"
	"pgvm/internal/frametable"
	"pgvm/internal/mmu"
	"pgvm/internal/oommsg"
	"pgvm/internal/page"
	"pgvm/internal/spt"
	"pgvm/internal/swap"
	"pgvm/internal/util"
	"pgvm/internal/vfile"
)

// Debug gates fault-path tracing, mirroring the kernel's
// pgfault/vm_debug texture.
var Debug = false

func trace(format string, args ...interface{}) {
	if Debug {
		fmt.Printf(format, args...)
	}
}

// TrapFrame is the minimal fault context HandleFault needs: the
// faulting instruction and stack pointers, used for the stack-growth
// heuristic.
type TrapFrame struct {
	PC uintptr
	SP uintptr
}

// mapping is one mmap'd region, tracked so Munmap can find every page
// it spans and tear down the backing file exactly once.
type mapping struct {
	addr  uintptr
	pages []*page.Page
	m     *filebacked.Mapping
}

// AddressSpace is one process's virtual memory: its own pagemap and
// supplemental page table, sharing the system-wide frame pool and
// swap area with every other address space.
type AddressSpace struct {
	mu       sync.Mutex // protects mappings and StackBottom; spt/pagemap/frametable/swap lock themselves
	Pagemap  *mmu.Pmap
	SPT      *spt.Table
	Frames   *frametable.Table
	Swap     *swap.Area
	mappings []*mapping

	// StackBottom is the lowest address the stack currently covers;
	// HandleFault grows it downward on demand.
	StackBottom uintptr
}

// New constructs an empty address space sharing frames and sw with
// the rest of the system.
func New(frames *frametable.Table, sw *swap.Area) *AddressSpace {
	return &AddressSpace{
		Pagemap:     mmu.New(),
		SPT:         spt.New(),
		Frames:      frames,
		Swap:        sw,
		StackBottom: defs.USER_STACK - defs.PGSIZE,
	}
}

// AllocAnon registers an anonymous page at va: its
// first fault will zero-fill a fresh frame.
func (as *AddressSpace) AllocAnon(va uintptr, writable bool) defs.Err_t {
	va = util.Rounddown(va, uintptr(defs.PGSIZE))
	u := &page.UninitState{Target: page.KindAnon, Transmute: anon.New(as.Swap)}
	p := page.New(va, writable, as.Pagemap, u)
	if !as.SPT.Insert(p) {
		return defs.EEXIST
	}
	return 0
}

// HandleFault is the page-fault entry point. It returns
// true if the fault was resolved (the faulting instruction may be
// retried) and false if it is a genuine segmentation violation.
func (as *AddressSpace) HandleFault(tf *TrapFrame, addr uintptr, user, write, notPresent bool) bool {
	if addr == 0 || addr >= defs.KernelMin {
		return false
	}
	va := util.Rounddown(addr, uintptr(defs.PGSIZE))

	if !notPresent {
		// A fault on an already-mapped page is either a write to a
		// read-only page (handled below once we look the page up) or a
		// bug: original_source/vm/vm.c's vm_try_handle_fault panics with
		// "already in the frame" when the PTE claims presence but the
		// fault still fired for a reason other than the write-protect
		// check.
		p, ok := as.SPT.Find(va)
		if !ok || p.Frame == nil {
			panic("vm: already in the frame")
		}
		if write && !p.Writable {
			return false
		}
		panic("vm: already in the frame")
	}

	p, ok := as.SPT.Find(va)
	if !ok {
		if !as.tryGrowStack(tf, addr) {
			return false
		}
		p, ok = as.SPT.Find(va)
		if !ok {
			return false
		}
	}

	if write && !p.Writable {
		return false
	}

	if err := as.claim(p); err != 0 {
		trace("vm: claim va=%#x failed: %s\n", va, err)
		return false
	}
	return true
}

// tryGrowStack implements the bounded stack-growth heuristic: a fault
// within one page below the trap frame's stack pointer (specifically
// tf.SP-PGSIZE/4 <= addr <= tf.SP, on the unrounded fault address) and
// within STACK_RESERVED_SIZE of USER_STACK allocates a single fresh
// anonymous page at addr's page and lowers StackBottom to cover it if
// it doesn't already.
func (as *AddressSpace) tryGrowStack(tf *TrapFrame, addr uintptr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	if addr < tf.SP-defs.PGSIZE/4 || addr > tf.SP {
		return false
	}
	if defs.USER_STACK-addr > defs.STACK_RESERVED_SIZE {
		return false
	}
	va := util.Rounddown(addr, uintptr(defs.PGSIZE))
	if err := as.AllocAnon(va, true); err != 0 && err != defs.EEXIST {
		return false
	}
	if va < as.StackBottom {
		as.StackBottom = va
	}
	return true
}

// claim pairs an un-resident page with a freshly allocated frame,
// populates it via the page's current variant (transmuting Uninit
// pages on their first claim), and installs the mapping — the
// kernel's do_claim_page.
func (as *AddressSpace) claim(p *page.Page) defs.Err_t {
	if p.Frame != nil {
		return 0
	}
	frame, err := as.Frames.Alloc()
	if err != 0 {
		oommsg.Notify(1)
		return err
	}
	p.Frame = frame
	frame.Page = p

	if err := p.SwapIn(frame.KVA); err != 0 {
		as.Frames.Free(frame)
		p.Frame = nil
		frame.Page = nil
		return err
	}

	if _, ok := as.Pagemap.Install(p.VA, frame.KVA, p.Writable); !ok {
		as.Frames.Free(frame)
		p.Frame = nil
		frame.Page = nil
		return defs.EINVAL
	}
	as.Pagemap.Touch(p.VA, false)
	return 0
}

// Mmap maps length bytes of f starting at offset into the address
// space at addr. Each page is registered as Uninit with a file-backed
// transmute target; claim (on first fault) reads its slice of the
// file and zero-fills any remainder of the final page.
func (as *AddressSpace) Mmap(addr uintptr, length int, writable bool, f vfile.File, offset int64) (uintptr, defs.Err_t) {
	if addr%defs.PGSIZE != 0 || length <= 0 {
		return 0, defs.EINVAL
	}
	npages := (length + defs.PGSIZE - 1) / defs.PGSIZE

	fileSize, lerr := f.Length()
	if lerr != nil {
		return 0, defs.EIO
	}
	fileAvail := fileSize - offset
	if fileAvail < 0 {
		fileAvail = 0
	}

	dup, err := f.Duplicate()
	if err != nil {
		return 0, defs.EIO
	}
	m := filebacked.NewMapping(dup, npages)

	pages := make([]*page.Page, 0, npages)
	remaining := length
	for i := 0; i < npages; i++ {
		va := addr + uintptr(i*defs.PGSIZE)
		pageLen := defs.PGSIZE
		if remaining < defs.PGSIZE {
			pageLen = remaining
		}
		remaining -= pageLen

		// read_bytes for this page is bounded by what the file actually
		// still has from offset, not just by the caller's length: a
		// writable mapping past end-of-file must zero-fill and must
		// never write those zero-filled bytes back past the file's real
		// extent.
		fileLen := pageLen
		if int64(fileLen) > fileAvail {
			fileLen = int(fileAvail)
		}
		fileAvail -= int64(fileLen)

		aux := &filebacked.Aux{
			Mapping:  m,
			Offset:   offset + int64(i*defs.PGSIZE),
			FileLen:  fileLen,
			Writable: writable,
		}
		u := &page.UninitState{
			Target:    page.KindFile,
			Init:      filebacked.Init,
			Aux:       aux,
			Transmute: filebacked.New(),
		}
		p := page.New(va, writable, as.Pagemap, u)
		if !as.SPT.Insert(p) {
			// Roll back everything inserted so far and the pages not yet
			// inserted, then drop our reference to the duplicated file
			// handle so it's closed exactly once.
			for _, ip := range pages {
				as.SPT.Remove(ip)
				ip.Destroy()
			}
			// None of the created-but-rolled-back pages ever transmuted,
			// so none incremented the mapping's refcount beyond the
			// npages it was constructed with; drop all of it here.
			for j := 0; j < npages; j++ {
				m.DecrefUnused()
			}
			return 0, defs.EEXIST
		}
		pages = append(pages, p)
	}

	as.mu.Lock()
	as.mappings = append(as.mappings, &mapping{addr: addr, pages: pages, m: m})
	as.mu.Unlock()
	return addr, 0
}

// Munmap tears down the mapping starting at addr, writing back any
// page whose hardware dirty bit is set before releasing its frame.
func (as *AddressSpace) Munmap(addr uintptr) defs.Err_t {
	as.mu.Lock()
	idx := -1
	for i, mp := range as.mappings {
		if mp.addr == addr {
			idx = i
			break
		}
	}
	if idx < 0 {
		as.mu.Unlock()
		return defs.EINVAL
	}
	mp := as.mappings[idx]
	as.mappings = append(as.mappings[:idx], as.mappings[idx+1:]...)
	as.mu.Unlock()

	for _, p := range mp.pages {
		as.SPT.Remove(p)
		if u, ok := p.Variant.(*page.UninitState); ok {
			if a, ok := u.Aux.(*filebacked.Aux); ok {
				// Never faulted: its reference was never handed to a State.
				a.Mapping.DecrefUnused()
			}
		}
		frame := p.Frame
		// Destroy checks the hardware dirty bit and writes back before
		// the mapping disappears, so the pagemap entry must still be
		// present when it runs.
		p.Destroy()
		if frame != nil {
			as.Pagemap.Clear(p.VA)
			as.Frames.Free(frame)
			p.Frame = nil
		}
	}
	return 0
}

// ForkCopy copies every page of as into child: no frame is shared
// between parent and child. A resident anonymous page is byte-copied
// into a freshly allocated child frame, a swapped-out anonymous page
// is duplicated via swap.Area.Peek without disturbing the parent's
// slot, and a resident file-backed page gets a fresh child frame
// filled from the file. The mmap registry is copied too, so the child
// can Munmap the regions it inherited.
func (as *AddressSpace) ForkCopy(child *AddressSpace) defs.Err_t {
	var ferr defs.Err_t
	err := as.SPT.Copy(child.SPT, func(p *page.Page) (*page.Page, error) {
		np, e := as.dupPage(child, p)
		if e != 0 {
			ferr = e
			return nil, fmt.Errorf("%s", e)
		}
		return np, nil
	})
	if err != nil {
		if ferr != 0 {
			return ferr
		}
		return defs.EINVAL
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, mp := range as.mappings {
		cm := &mapping{addr: mp.addr, m: mp.m}
		for _, p := range mp.pages {
			if cp, ok := child.SPT.Find(p.VA); ok {
				cm.pages = append(cm.pages, cp)
			}
		}
		child.mu.Lock()
		child.mappings = append(child.mappings, cm)
		child.mu.Unlock()
	}
	return 0
}

func (as *AddressSpace) dupPage(child *AddressSpace, p *page.Page) (*page.Page, defs.Err_t) {
	switch v := p.Variant.(type) {
	case *page.UninitState:
		return as.dupUninit(child, p, v)
	case *anon.State:
		return as.dupAnon(child, p, v)
	case *filebacked.State:
		return as.dupFile(child, p, v)
	default:
		return nil, defs.EINVAL
	}
}

func (as *AddressSpace) dupUninit(child *AddressSpace, p *page.Page, v *page.UninitState) (*page.Page, defs.Err_t) {
	nu := &page.UninitState{Target: v.Target, Init: v.Init}
	switch a := v.Aux.(type) {
	case *filebacked.Aux:
		a.Mapping.Incref()
		na := *a
		nu.Aux = &na
		nu.Transmute = filebacked.New()
	default:
		nu.Aux = v.Aux
		nu.Transmute = anon.New(child.Swap)
	}
	return page.New(p.VA, p.Writable, child.Pagemap, nu), 0
}

func (as *AddressSpace) dupAnon(child *AddressSpace, p *page.Page, v *anon.State) (*page.Page, defs.Err_t) {
	buf := make([]byte, defs.PGSIZE)
	switch {
	case p.Frame != nil:
		copy(buf, p.Frame.KVA)
	case v.SwapSlot != swap.NoSlot:
		if err := v.Area().Peek(v.SwapSlot, buf); err != 0 {
			return nil, err
		}
	default:
		// never faulted in; leave buf zeroed
	}
	frame, err := child.Frames.Alloc()
	if err != 0 {
		return nil, err
	}
	copy(frame.KVA, buf)
	ns := anon.New(child.Swap)(nil, nil).(*anon.State)
	np := page.New(p.VA, p.Writable, child.Pagemap, ns)
	np.Frame = frame
	frame.Page = np
	if _, ok := child.Pagemap.Install(np.VA, frame.KVA, np.Writable); !ok {
		child.Frames.Free(frame)
		return nil, defs.EINVAL
	}
	return np, 0
}

func (as *AddressSpace) dupFile(child *AddressSpace, p *page.Page, v *filebacked.State) (*page.Page, defs.Err_t) {
	nv := v.Dup()
	np := page.New(p.VA, p.Writable, child.Pagemap, nv)
	if p.Frame != nil {
		frame, err := child.Frames.Alloc()
		if err != 0 {
			return nil, err
		}
		if err := nv.SwapIn(np, frame.KVA); err != 0 {
			child.Frames.Free(frame)
			return nil, err
		}
		np.Frame = frame
		frame.Page = np
		if _, ok := child.Pagemap.Install(np.VA, frame.KVA, np.Writable); !ok {
			child.Frames.Free(frame)
			return nil, defs.EINVAL
		}
	}
	return np, 0
}

// Teardown destroys every page of the address space and frees its
// frames. The pagemap and SPT are left empty but usable should the
// caller reuse the AddressSpace value.
func (as *AddressSpace) Teardown() {
	as.mu.Lock()
	as.mappings = nil
	as.mu.Unlock()

	var frames []*frametable.Frame
	var vas []uintptr
	as.SPT.ForEach(func(p *page.Page) {
		if p.Frame != nil {
			frames = append(frames, p.Frame)
			vas = append(vas, p.VA)
		}
		if u, ok := p.Variant.(*page.UninitState); ok {
			if a, ok := u.Aux.(*filebacked.Aux); ok {
				a.Mapping.DecrefUnused()
			}
		}
	})
	// Kill runs each page's Destroy while its PTE is still installed, so
	// a dirty file-backed page gets its writeback before we tear down
	// the mapping below.
	as.SPT.Kill()
	for i, f := range frames {
		as.Pagemap.Clear(vas[i])
		as.Frames.Free(f)
	}
}
