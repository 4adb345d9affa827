package swap

import (
	"bytes"
	"testing"

	"pgvm/internal/blockdev"
	"pgvm/internal/defs"
)

func TestWriteOutReadIn(t *testing.T) {
	disk := blockdev.NewMemDisk(defs.SWAP_SECTORS_PER_PAGE * 4)
	a := New(disk)

	page := bytes.Repeat([]byte{0x42}, defs.PGSIZE)
	slot, err := a.WriteOut(page)
	if err != 0 {
		t.Fatalf("WriteOut: %s", err)
	}
	if a.UsedBits() != defs.SWAP_SECTORS_PER_PAGE {
		t.Fatalf("UsedBits: got %d want %d", a.UsedBits(), defs.SWAP_SECTORS_PER_PAGE)
	}

	got := make([]byte, defs.PGSIZE)
	if err := a.ReadIn(slot, got); err != 0 {
		t.Fatalf("ReadIn: %s", err)
	}
	if !bytes.Equal(got, page) {
		t.Fatal("ReadIn mismatch")
	}
	if a.UsedBits() != 0 {
		t.Fatalf("slot should be freed after ReadIn, used=%d", a.UsedBits())
	}
}

func TestExhaustion(t *testing.T) {
	disk := blockdev.NewMemDisk(defs.SWAP_SECTORS_PER_PAGE)
	a := New(disk)
	page := make([]byte, defs.PGSIZE)

	if _, err := a.WriteOut(page); err != 0 {
		t.Fatalf("first WriteOut: %s", err)
	}
	if _, err := a.WriteOut(page); err != defs.ENOSWAP {
		t.Fatalf("second WriteOut: got %s want ENOSWAP", err)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	disk := blockdev.NewMemDisk(defs.SWAP_SECTORS_PER_PAGE * 2)
	a := New(disk)
	page := bytes.Repeat([]byte{0x7}, defs.PGSIZE)
	slot, _ := a.WriteOut(page)

	got := make([]byte, defs.PGSIZE)
	if err := a.Peek(slot, got); err != 0 {
		t.Fatalf("Peek: %s", err)
	}
	if !bytes.Equal(got, page) {
		t.Fatal("Peek mismatch")
	}
	if a.UsedBits() != defs.SWAP_SECTORS_PER_PAGE {
		t.Fatal("Peek must not free the slot")
	}
}
