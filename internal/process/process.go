// Package process tracks the minimal per-thread state the VM
// subsystem needs to resolve a fault: which address space and trap
// frame a given goroutine is running on behalf of. Adapted from the
// kernel's own tinfo package (biscuit/src/tinfo/tinfo.go), whose
// Current/SetCurrent rely on a forked runtime's per-g scratch
// pointer; a hosted, unmodified Go runtime has no such slot, so the
// association here is kept in an ordinary map keyed by an explicit
// Handle instead of a runtime-level pointer.
package process

import (
	"sync"

	vm "pgvm"
	"pgvm/internal/defs"
)

// Thread is one schedulable unit of execution: its identity, the
// address space it faults against, and its current trap frame.
type Thread struct {
	Tid defs.Tid_t
	AS  *vm.AddressSpace
	TF  *vm.TrapFrame
}

var (
	mu      sync.Mutex
	current = map[uint64]*Thread{}
	nextKey uint64
)

// Handle identifies one goroutine's registration, returned by Register
// and required by CurrentThread and Unregister. It stands in for the
// kernel's implicit "whatever goroutine calls this" association: a
// hosted runtime can't recover a calling goroutine's identity on its
// own, so the caller threads the handle through explicitly.
type Handle uint64

// Register associates t with a fresh Handle, to be passed to
// CurrentThread by every caller that conceptually "runs as" t.
func Register(t *Thread) Handle {
	mu.Lock()
	defer mu.Unlock()
	nextKey++
	h := nextKey
	current[h] = t
	return Handle(h)
}

// CurrentThread returns the thread registered under h.
func CurrentThread(h Handle) *Thread {
	mu.Lock()
	defer mu.Unlock()
	t, ok := current[uint64(h)]
	if !ok {
		panic("process: unregistered handle")
	}
	return t
}

// Unregister drops h's association, done when a thread exits.
func Unregister(h Handle) {
	mu.Lock()
	defer mu.Unlock()
	delete(current, uint64(h))
}
