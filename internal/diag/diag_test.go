package diag

import (
	"bytes"
	"strings"
	"testing"

	"golang.org/x/text/language"

	"pgvm/internal/blockdev"
	"pgvm/internal/frametable"
	"pgvm/internal/swap"
)

func TestCaptureAndString(t *testing.T) {
	frames := frametable.New(4)
	disk := blockdev.NewMemDisk(32)
	sw := swap.New(disk)

	buf := make([]byte, 4096)
	if _, err := sw.WriteOut(buf); err != 0 {
		t.Fatalf("WriteOut: %s", err)
	}

	snap := Capture(frames, sw)
	if snap.FrameCapacity != 4 {
		t.Fatalf("FrameCapacity: got %d want 4", snap.FrameCapacity)
	}
	if snap.SwapSectors != 32 {
		t.Fatalf("SwapSectors: got %d want 32", snap.SwapSectors)
	}
	if snap.SwapUsed != 8 {
		t.Fatalf("SwapUsed: got %d want 8", snap.SwapUsed)
	}

	s := snap.String()
	if !strings.Contains(s, "frames: 0 / 4 used") {
		t.Fatalf("String: got %q, missing frame occupancy", s)
	}
}

func TestLocalizedDigitGrouping(t *testing.T) {
	snap := Snapshot{FrameCapacity: 20000, FramesUsed: 12345, SwapSectors: 1, SwapUsed: 0}
	s := snap.Localized(language.AmericanEnglish)
	if !strings.Contains(s, "12,345") || !strings.Contains(s, "20,000") {
		t.Fatalf("Localized: got %q, expected comma-grouped digits", s)
	}
}

func TestCaptureHeapProfile(t *testing.T) {
	var buf bytes.Buffer
	prof, err := CaptureHeapProfile(&buf)
	if err != nil {
		t.Fatalf("CaptureHeapProfile: %v", err)
	}
	if prof == nil {
		t.Fatal("CaptureHeapProfile: nil profile")
	}
	if buf.Len() == 0 {
		t.Fatal("CaptureHeapProfile: nothing written to w")
	}
}
