package spt

import (
	"errors"
	"testing"

	"pgvm/internal/defs"
	"pgvm/internal/mmu"
	"pgvm/internal/page"
)

type stubVariant struct{ kind page.Kind }

func (s *stubVariant) Kind() page.Kind                            { return s.kind }
func (s *stubVariant) EventualKind() page.Kind                    { return s.kind }
func (s *stubVariant) SwapIn(p *page.Page, kva []byte) defs.Err_t { return 0 }
func (s *stubVariant) SwapOut(p *page.Page) defs.Err_t            { return 0 }
func (s *stubVariant) Destroy(p *page.Page)                       {}

func TestInsertFindRemove(t *testing.T) {
	tbl := New()
	pm := mmu.New()
	p := page.New(0x1000, true, pm, &stubVariant{kind: page.KindAnon})
	if !tbl.Insert(p) {
		t.Fatal("Insert should succeed for a fresh address")
	}
	if tbl.Insert(p) {
		t.Fatal("Insert should fail for a duplicate address")
	}
	got, ok := tbl.Find(0x1000)
	if !ok || got != p {
		t.Fatal("Find mismatch")
	}
	if _, ok := tbl.Find(0x1050); !ok {
		t.Fatal("Find should round down to the page boundary")
	}
	tbl.Remove(p)
	if _, ok := tbl.Find(0x1000); ok {
		t.Fatal("Find should fail after Remove")
	}
}

func TestLenAndForEach(t *testing.T) {
	tbl := New()
	pm := mmu.New()
	for i := 0; i < 5; i++ {
		tbl.Insert(page.New(uintptr(i*4096), true, pm, &stubVariant{kind: page.KindAnon}))
	}
	if tbl.Len() != 5 {
		t.Fatalf("Len: got %d want 5", tbl.Len())
	}
	seen := 0
	tbl.ForEach(func(p *page.Page) { seen++ })
	if seen != 5 {
		t.Fatalf("ForEach visited %d want 5", seen)
	}
}

func TestCopy(t *testing.T) {
	src := New()
	dst := New()
	pm := mmu.New()
	for i := 0; i < 3; i++ {
		src.Insert(page.New(uintptr(i*4096), true, pm, &stubVariant{kind: page.KindAnon}))
	}
	err := src.Copy(dst, func(p *page.Page) (*page.Page, error) {
		return page.New(p.VA, p.Writable, pm, &stubVariant{kind: page.KindAnon}), nil
	})
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if dst.Len() != 3 {
		t.Fatalf("Copy: dst.Len()=%d want 3", dst.Len())
	}
}

func TestCopyPropagatesDupError(t *testing.T) {
	src := New()
	dst := New()
	pm := mmu.New()
	src.Insert(page.New(0x1000, true, pm, &stubVariant{kind: page.KindAnon}))
	want := errors.New("boom")
	if err := src.Copy(dst, func(p *page.Page) (*page.Page, error) { return nil, want }); err == nil {
		t.Fatal("expected Copy to propagate the dup error")
	}
}

func TestKillDestroysEveryPage(t *testing.T) {
	tbl := New()
	pm := mmu.New()
	destroyed := 0
	for i := 0; i < 3; i++ {
		v := &countingVariant{stubVariant: stubVariant{kind: page.KindAnon}, counter: &destroyed}
		tbl.Insert(page.New(uintptr(i*4096), true, pm, v))
	}
	tbl.Kill()
	if destroyed != 3 {
		t.Fatalf("Kill destroyed %d pages, want 3", destroyed)
	}
	if tbl.Len() != 0 {
		t.Fatal("Kill should empty the table")
	}
}

type countingVariant struct {
	stubVariant
	counter *int
}

func (c *countingVariant) Destroy(p *page.Page) { *c.counter++ }
