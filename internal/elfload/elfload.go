// Package elfload loads an ELF executable's segments into an address
// space as lazily-faulted anonymous pages, grounded on
// original_source/userprog/process.c's load_segment /
// lazy_load_segment (the pintos loader this subsystem's host kernel
// would call before handing control to user code) and expressed with
// the stdlib debug/elf reader — the pack carries no third-party ELF
// parser, so stdlib is the only reasonable choice here (DESIGN.md).
package elfload

import (
	"bytes"
	"debug/elf"

	"golang.org/x/sync/errgroup"

	vm "pgvm"
	"pgvm/internal/anon"
	"pgvm/internal/defs"
	"pgvm/internal/page"
	"pgvm/internal/util"
	"pgvm/internal/vfile"
)

// segAux is the initializer payload for one lazily-loaded page of a
// PT_LOAD segment: where in the backing file its bytes live, and how
// many of them are file-backed versus zero-filled (the bss tail).
type segAux struct {
	file    vfile.File
	offset  int64
	fileLen int
}

// segErr adapts a defs.Err_t to the error interface errgroup expects.
type segErr struct{ code defs.Err_t }

func (e segErr) Error() string { return e.code.String() }

func segInit(p *page.Page, aux interface{}) defs.Err_t {
	a := aux.(*segAux)
	kva := p.Frame.KVA
	if a.fileLen > 0 {
		if _, err := a.file.ReadAt(kva[:a.fileLen], a.offset); err != nil {
			return defs.EIO
		}
	}
	for i := a.fileLen; i < len(kva); i++ {
		kva[i] = 0
	}
	return 0
}

// Result describes where the loaded binary expects execution to
// begin and where its initial stack should be carved out, the two
// facts a thread-creation path needs from a load.
type Result struct {
	Entry    uintptr
	StackTop uintptr
}

// Load reads the ELF executable backed by f and registers one
// lazily-faulted anonymous page per page of every PT_LOAD segment in
// as: every user mapping — code, stack, mmap — is represented as a
// supplemental page table entry.
func Load(as *vm.AddressSpace, f vfile.File) (*Result, defs.Err_t) {
	length, err := f.Length()
	if err != nil {
		return nil, defs.EIO
	}
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, defs.EIO
	}

	ef, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, defs.EINVAL
	}
	defer ef.Close()

	// Every PT_LOAD segment duplicates its own file handle and inserts
	// into the lock-striped SPT independently, so segments load
	// concurrently rather than one at a time.
	var g errgroup.Group
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		prog := prog
		g.Go(func() error {
			if err := loadSegment(as, f, prog); err != 0 {
				return segErr{err}
			}
			return nil
		})
	}
	if ferr := g.Wait(); ferr != nil {
		return nil, ferr.(segErr).code
	}

	stackTop := defs.USER_STACK
	if err := as.AllocAnon(stackTop-defs.PGSIZE, true); err != 0 && err != defs.EEXIST {
		return nil, err
	}

	return &Result{Entry: uintptr(ef.Entry), StackTop: stackTop}, 0
}

func loadSegment(as *vm.AddressSpace, f vfile.File, prog *elf.Prog) defs.Err_t {
	base := util.Rounddown(uintptr(prog.Vaddr), uintptr(defs.PGSIZE))
	skew := uintptr(prog.Vaddr) - base
	if skew != 0 {
		// segInit always writes a page's file bytes starting at kva[0];
		// original_source's load_segment carries the same assumption
		// (segments are expected page-aligned in practice). Treat a
		// skewed PT_LOAD as an invalid binary rather than mis-loading it.
		return defs.EINVAL
	}
	npages := (uintptr(prog.Memsz) + defs.PGSIZE - 1) / defs.PGSIZE
	writable := prog.Flags&elf.PF_W != 0

	fileBytesLeft := int64(prog.Filesz)
	fileOff := int64(prog.Off)

	for i := uintptr(0); i < npages; i++ {
		va := base + i*defs.PGSIZE
		fileLen := 0
		if fileBytesLeft > 0 {
			fileLen = defs.PGSIZE
			if int64(fileLen) > fileBytesLeft {
				fileLen = int(fileBytesLeft)
			}
		}
		fileBytesLeft -= int64(fileLen)

		dup, derr := f.Duplicate()
		if derr != nil {
			return defs.EIO
		}

		aux := &segAux{file: dup, offset: fileOff, fileLen: fileLen}
		fileOff += int64(fileLen)

		u := &page.UninitState{
			Target:    page.KindAnon,
			Init:      segInit,
			Aux:       aux,
			Transmute: anon.New(as.Swap),
		}
		p := page.New(va, writable, as.Pagemap, u)
		if !as.SPT.Insert(p) {
			return defs.EEXIST
		}
	}
	return 0
}
