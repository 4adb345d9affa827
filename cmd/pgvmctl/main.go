// Command pgvmctl exercises the virtual memory subsystem end to end
// against a scratch disk and a scratch address space: touch a handful
// of anonymous pages until the frame pool is forced to evict, mmap a
// file and write through it, then report occupancy. Grounded on the
// kernel's own mkfs command (biscuit/src/mkfs/mkfs.go) for its plain,
// no-flag-parsing-library CLI shape.
package main

import (
	"fmt"
	"os"

	vm "pgvm"
	"pgvm/internal/blockdev"
	"pgvm/internal/diag"
	"pgvm/internal/frametable"
	"pgvm/internal/swap"
	"pgvm/internal/vfile"
)

func usage() {
	fmt.Printf("usage: pgvmctl <scratch-file>\n")
}

func main() {
	if len(os.Args) != 2 {
		usage()
		os.Exit(1)
	}
	path := os.Args[1]

	const frameCapacity = 8
	const swapSectors = frameCapacity * 8 * 4 // room for 4x the frame pool in swap

	frames := frametable.New(frameCapacity)
	disk := blockdev.NewMemDisk(swapSectors)
	sw := swap.New(disk)

	as := vm.New(frames, sw)

	// Touch more anonymous pages than the frame pool holds, forcing
	// eviction under approximate-LRU policy.
	const npages = frameCapacity * 2
	base := uintptr(0x4000_0000)
	for i := 0; i < npages; i++ {
		va := base + uintptr(i)*4096
		if err := as.AllocAnon(va, true); err != 0 {
			fmt.Printf("pgvmctl: AllocAnon va=%#x: %s\n", va, err)
			os.Exit(1)
		}
		if !as.HandleFault(&vm.TrapFrame{}, va, true, true, true) {
			fmt.Printf("pgvmctl: fault at va=%#x did not resolve\n", va)
			os.Exit(1)
		}
	}
	fmt.Printf("pgvmctl: resolved %d anonymous faults against a %d-frame pool\n", npages, frameCapacity)
	fmt.Println(diag.Capture(frames, sw).String())

	f, err := os.Create(path)
	if err != nil {
		fmt.Printf("pgvmctl: create %s: %v\n", path, err)
		os.Exit(1)
	}
	if err := f.Truncate(4096); err != nil {
		fmt.Printf("pgvmctl: truncate: %v\n", err)
		os.Exit(1)
	}
	f.Close()

	vf, err := vfile.Open(path)
	if err != nil {
		fmt.Printf("pgvmctl: open %s: %v\n", path, err)
		os.Exit(1)
	}

	mmapAddr := base + uintptr(npages)*4096
	if _, mmerr := as.Mmap(mmapAddr, 4096, true, vf, 0); mmerr != 0 {
		fmt.Printf("pgvmctl: mmap: %s\n", mmerr)
		os.Exit(1)
	}
	if !as.HandleFault(&vm.TrapFrame{}, mmapAddr, true, true, true) {
		fmt.Printf("pgvmctl: fault on mmap'd page did not resolve\n")
		os.Exit(1)
	}
	if err := as.Munmap(mmapAddr); err != 0 {
		fmt.Printf("pgvmctl: munmap: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("pgvmctl: mmap/munmap round trip over %s succeeded\n", path)

	as.Teardown()
	fmt.Println(diag.Capture(frames, sw).String())
}
