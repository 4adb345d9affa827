// Package diag collects runtime diagnostics for the virtual memory
// subsystem: a locale-formatted summary of frame table and swap area
// occupancy, and an optional heap profile capture, for an operator
// inspecting a running system. Built on runtime/pprof for profile
// capture and golang.org/x/text/message for locale-aware count
// formatting, since the kernel this subsystem is part of has no
// diagnostics package of its own to adapt.
package diag

import (
	"bytes"
	"fmt"
	"io"
	"runtime/pprof"

	pprofproto "github.com/google/pprof/profile"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"pgvm/internal/frametable"
	"pgvm/internal/swap"
)

// Snapshot is a point-in-time view of shared-resource occupancy.
type Snapshot struct {
	FrameCapacity int
	FramesUsed    int
	SwapSectors   int
	SwapUsed      int
}

// Capture reads the current occupancy of frames and sw.
func Capture(frames *frametable.Table, sw *swap.Area) Snapshot {
	return Snapshot{
		FrameCapacity: frames.Capacity(),
		FramesUsed:    frames.Len(),
		SwapSectors:   sw.TotalSectors(),
		SwapUsed:      sw.UsedBits(),
	}
}

// String renders s with language.AmericanEnglish digit grouping, e.g.
// "frames: 12,345 / 20,000 used".
func (s Snapshot) String() string {
	return s.Localized(language.AmericanEnglish)
}

// Localized renders s using tag's digit grouping and number formatting.
func (s Snapshot) Localized(tag language.Tag) string {
	p := message.NewPrinter(tag)
	return p.Sprintf("frames: %d / %d used, swap sectors in use: %d", s.FramesUsed, s.FrameCapacity, s.SwapUsed)
}

// CaptureHeapProfile writes the current heap profile to w in
// pprof's protobuf format, re-parsing it through
// github.com/google/pprof/profile first so a caller can inspect
// sample counts before deciding whether to persist it.
func CaptureHeapProfile(w io.Writer) (*pprofproto.Profile, error) {
	var buf bytes.Buffer
	if err := pprof.WriteHeapProfile(&buf); err != nil {
		return nil, fmt.Errorf("diag: write heap profile: %w", err)
	}
	prof, err := pprofproto.Parse(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("diag: parse heap profile: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return nil, err
	}
	return prof, nil
}
