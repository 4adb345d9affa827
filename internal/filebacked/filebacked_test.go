package filebacked

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"pgvm/internal/defs"
	"pgvm/internal/frametable"
	"pgvm/internal/mmu"
	"pgvm/internal/page"
	"pgvm/internal/vfile"
)

func tempFile(t *testing.T, contents string) vfile.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backing")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := vfile.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestInitReadsFileAndZeroFillsTail(t *testing.T) {
	f := tempFile(t, "hello")
	defer f.Close()

	pm := mmu.New()
	m := NewMapping(f, 1)
	aux := &Aux{Mapping: m, Offset: 0, FileLen: 5, Writable: true}
	u := &page.UninitState{Target: page.KindFile, Init: Init, Aux: aux, Transmute: New()}
	p := page.New(0x1000, true, pm, u)

	kva := bytes.Repeat([]byte{0xff}, defs.PGSIZE)
	p.Frame = &frametable.Frame{KVA: kva}
	if err := p.SwapIn(p.Frame.KVA); err != 0 {
		t.Fatalf("SwapIn: %s", err)
	}
	if string(p.Frame.KVA[:5]) != "hello" {
		t.Fatalf("file bytes not read: %q", p.Frame.KVA[:5])
	}
	for i := 5; i < len(p.Frame.KVA); i++ {
		if p.Frame.KVA[i] != 0 {
			t.Fatalf("tail byte %d not zero-filled", i)
		}
	}
}

func TestSwapOutWritesBackOnlyIfDirty(t *testing.T) {
	f := tempFile(t, "0123456789")
	pm := mmu.New()
	m := NewMapping(f, 2)
	s := &State{mapping: m, offset: 0, fileLen: 10}

	frame := &frametable.Frame{KVA: make([]byte, defs.PGSIZE)}
	copy(frame.KVA, "ZZZZZZZZZZ")
	p := page.New(0x2000, true, pm, s)
	p.Frame = frame
	pm.Install(p.VA, frame.KVA, true)

	if err := s.SwapOut(p); err != 0 {
		t.Fatalf("SwapOut: %s", err)
	}
	got := make([]byte, 10)
	f.ReadAt(got, 0)
	if string(got) != "0123456789" {
		t.Fatalf("clean page should not be written back, got %q", got)
	}

	s2 := &State{mapping: m, offset: 0, fileLen: 10}
	frame2 := &frametable.Frame{KVA: make([]byte, defs.PGSIZE)}
	copy(frame2.KVA, "ZZZZZZZZZZ")
	p2 := page.New(0x2000, true, pm, s2)
	p2.Frame = frame2
	pm.Install(p2.VA, frame2.KVA, true)
	pm.Touch(p2.VA, true)

	if err := s2.SwapOut(p2); err != 0 {
		t.Fatalf("SwapOut (dirty): %s", err)
	}
	f.ReadAt(got, 0)
	if string(got) != "ZZZZZZZZZZ" {
		t.Fatalf("dirty page should be written back, got %q", got)
	}
}

func TestMappingClosesOnceAllPagesDestroyed(t *testing.T) {
	f := tempFile(t, "x")
	m := NewMapping(f, 2)
	s1 := &State{mapping: m}
	s2 := &State{mapping: m}
	pm := mmu.New()
	p1 := page.New(0x1000, true, pm, s1)
	p2 := page.New(0x2000, true, pm, s2)

	p1.Destroy()
	if _, err := f.Length(); err != nil {
		t.Fatal("file should still be open after only one of two pages is destroyed")
	}
	p2.Destroy()
	if _, err := f.Length(); err == nil {
		t.Fatal("file should be closed once every page referencing the mapping is destroyed")
	}
}
