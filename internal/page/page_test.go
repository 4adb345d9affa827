package page

import (
	"testing"

	"pgvm/internal/defs"
	"pgvm/internal/mmu"
)

// stubVariant is a minimal Variant for exercising Page's dispatch
// logic without depending on anon/filebacked (which depend on page).
type stubVariant struct {
	kind        Kind
	swapInCalls int
	swapOutErr  defs.Err_t
	destroyed   bool
}

func (s *stubVariant) Kind() Kind         { return s.kind }
func (s *stubVariant) EventualKind() Kind { return s.kind }
func (s *stubVariant) SwapIn(p *Page, kva []byte) defs.Err_t {
	s.swapInCalls++
	return 0
}
func (s *stubVariant) SwapOut(p *Page) defs.Err_t { return s.swapOutErr }
func (s *stubVariant) Destroy(p *Page)            { s.destroyed = true }

func TestPageDispatch(t *testing.T) {
	pm := mmu.New()
	sv := &stubVariant{kind: KindAnon}
	p := New(0x1000, true, pm, sv)

	if err := p.SwapIn(make([]byte, defs.PGSIZE)); err != 0 {
		t.Fatalf("SwapIn: %s", err)
	}
	if sv.swapInCalls != 1 {
		t.Fatal("SwapIn did not dispatch to the variant")
	}
	if err := p.SwapOut(); err != 0 {
		t.Fatalf("SwapOut: %s", err)
	}
	p.Destroy()
	if !sv.destroyed {
		t.Fatal("Destroy did not dispatch to the variant")
	}
}

func TestDoubleDestroyPanics(t *testing.T) {
	pm := mmu.New()
	p := New(0x1000, true, pm, &stubVariant{kind: KindAnon})
	p.Destroy()
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on double destroy")
		}
	}()
	p.Destroy()
}

func TestAccessedDelegatesToPagemap(t *testing.T) {
	pm := mmu.New()
	p := New(0x2000, true, pm, &stubVariant{kind: KindAnon})
	if p.Accessed() {
		t.Fatal("page with no mapping should report not-accessed")
	}
	pm.Install(0x2000, make([]byte, defs.PGSIZE), true)
	if !p.Accessed() {
		t.Fatal("Install sets the accessed bit; Accessed() should see it")
	}
	p.ClearAccessed()
	if p.Accessed() {
		t.Fatal("ClearAccessed did not clear")
	}
}

func TestUninitTransmute(t *testing.T) {
	pm := mmu.New()
	target := &stubVariant{kind: KindAnon}
	initCalls := 0
	u := &UninitState{
		Target: KindAnon,
		Init: func(p *Page, aux interface{}) defs.Err_t {
			initCalls++
			return 0
		},
		Aux: "payload",
		Transmute: func(p *Page, aux interface{}) Variant {
			if aux != "payload" {
				t.Fatalf("transmute got unexpected aux %v", aux)
			}
			return target
		},
	}
	p := New(0x3000, true, pm, u)
	if p.EventualVariant() != KindAnon {
		t.Fatal("EventualVariant should report the uninit target before transmute")
	}
	kva := make([]byte, defs.PGSIZE)
	if err := p.SwapIn(kva); err != 0 {
		t.Fatalf("SwapIn (transmute): %s", err)
	}
	if p.Variant != target {
		t.Fatal("transmute did not install the target variant")
	}
	if initCalls != 1 {
		t.Fatalf("expected Init to run exactly once, got %d", initCalls)
	}
}
