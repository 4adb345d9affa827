// Package oommsg notifies interested observers when the frame table
// and swap area are simultaneously exhausted, adapted from the
// kernel's own oommsg package (biscuit/src/oommsg/oommsg.go), which
// notifies a reclaim daemon over a channel rather than failing the
// syscall outright. Here it's an optional diagnostic hook: callers
// that don't select on Ch simply never see it, and HandleFault still
// reports OutOfFrames/OutOfSwap to its caller regardless.
package oommsg

// Ch is sent to whenever frametable.Alloc and swap.Area.WriteOut both
// fail for the same request. It is never closed.
var Ch = make(chan Msg, 1)

// Msg describes one out-of-memory event.
type Msg struct {
	// Need is the number of frames the failing request wanted.
	Need int
}

// Notify reports an OOM event without blocking: if nothing is
// listening on Ch, the event is dropped rather than stalling the
// faulting thread.
func Notify(need int) {
	select {
	case Ch <- Msg{Need: need}:
	default:
	}
}
