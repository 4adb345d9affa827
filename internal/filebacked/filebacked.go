// Package filebacked implements the file-backed page variant used by
// mmap. Each page reads its initial contents from (file, offset) and,
// if dirty at eviction or munmap time, writes them back before giving
// up its frame.
package filebacked

import (
	"sync"

	"pgvm/internal/defs"
	"pgvm/internal/page"
	"pgvm/internal/vfile"
)

// Mapping is the state shared by every page of one mmap'd region: the
// backing file handle and a reference count so the handle is closed
// exactly once, when the last page of the mapping is torn down.
type Mapping struct {
	mu   sync.Mutex
	File vfile.File
	refs int
}

// NewMapping wraps f with a refcount of n, one per page the mapping
// will cover.
func NewMapping(f vfile.File, n int) *Mapping {
	return &Mapping{File: f, refs: n}
}

// Incref adds one reference, used when fork duplicates a page backed
// by this mapping.
func (m *Mapping) Incref() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs++
}

// DecrefUnused drops one reference without a page ever having been
// attached to it, used to unwind an Mmap call that failed partway
// through building its pages and by Munmap/Teardown for a page that
// was never faulted in.
func (m *Mapping) DecrefUnused() {
	m.release()
}

func (m *Mapping) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs--
	if m.refs == 0 {
		m.File.Close()
	}
}

// Aux is the per-page initializer payload: where in the mapping's
// file this page's bytes live, and how many of its PGSIZE bytes are
// backed by the file (the remainder is zero-filled, for a mapping
// whose length isn't page-aligned).
type Aux struct {
	Mapping  *Mapping
	Offset   int64
	FileLen  int // bytes of this page actually covered by the file
	Writable bool
}

// New returns a backend-selector callback suitable for
// page.UninitState.Transmute, building a *State over the Aux payload
// stashed at mmap time.
func New() page.TransmuteFunc {
	return func(p *page.Page, aux interface{}) page.Variant {
		a := aux.(*Aux)
		return &State{mapping: a.Mapping, offset: a.Offset, fileLen: a.FileLen}
	}
}

// Init is the page.Initializer paired with New: it reads the page's
// file-backed bytes into the freshly claimed frame and zero-fills the
// rest.
func Init(p *page.Page, aux interface{}) defs.Err_t {
	a := aux.(*Aux)
	kva := p.Frame.KVA
	if a.FileLen > 0 {
		if _, err := a.Mapping.File.ReadAt(kva[:a.FileLen], a.Offset); err != nil {
			return defs.EIO
		}
	}
	for i := a.FileLen; i < len(kva); i++ {
		kva[i] = 0
	}
	return 0
}

// State is the file-backed variant: page.Variant over a shared
// Mapping. Grounded on original_source/vm/file.c's file_page
// (file, ofs, read_bytes, zero_bytes): swap_out writes back only if
// the hardware dirty bit is set.
type State struct {
	mapping *Mapping
	offset  int64
	fileLen int
}

func (s *State) Kind() page.Kind         { return page.KindFile }
func (s *State) EventualKind() page.Kind { return page.KindFile }

// SwapIn re-reads the page's bytes from the backing file. A
// file-backed page is never written to the swap area, so this is the
// only path a fault after eviction takes.
func (s *State) SwapIn(p *page.Page, kva []byte) defs.Err_t {
	if s.fileLen > 0 {
		if _, err := s.mapping.File.ReadAt(kva[:s.fileLen], s.offset); err != nil {
			return defs.EIO
		}
	}
	for i := s.fileLen; i < len(kva); i++ {
		kva[i] = 0
	}
	return 0
}

// SwapOut writes the page back to its file if the hardware dirty bit
// is set, then unmaps it. File-backed pages never fail for lack of
// swap space; only a failed writeback (EIO) fails, leaving the page
// resident.
func (s *State) SwapOut(p *page.Page) defs.Err_t {
	if err := s.writebackIfDirty(p); err != 0 {
		return err
	}
	p.OwnerPagemap.Clear(p.VA)
	p.Frame = nil
	return 0
}

func (s *State) writebackIfDirty(p *page.Page) defs.Err_t {
	pte, ok := lookupDirty(p)
	if !ok || !pte {
		return 0
	}
	if s.fileLen > 0 {
		if _, err := s.mapping.File.WriteAt(p.Frame.KVA[:s.fileLen], s.offset); err != nil {
			return defs.EIO
		}
	}
	p.OwnerPagemap.ClearDirty(p.VA)
	return 0
}

func lookupDirty(p *page.Page) (bool, bool) {
	pm, ok := p.OwnerPagemap.Lookup(p.VA)
	if !ok {
		return false, false
	}
	return pm.Dirty, true
}

// Dup returns a new State over the same backing mapping, with the
// mapping's refcount incremented — used by fork to duplicate a
// file-backed page. The file's contents are the shared
// source of truth, so the child reads the same bytes the parent would
// on its own next fault; nothing here is copy-on-write, since neither
// page shares a frame.
func (s *State) Dup() *State {
	s.mapping.Incref()
	return &State{mapping: s.mapping, offset: s.offset, fileLen: s.fileLen}
}

// Destroy writes back a resident dirty page, then releases this
// page's reference on the shared mapping.
func (s *State) Destroy(p *page.Page) {
	if p.Frame != nil {
		s.writebackIfDirty(p)
	}
	s.mapping.release()
}
