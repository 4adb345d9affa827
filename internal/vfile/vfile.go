// Package vfile provides the minimal file interface mmap'd pages are
// backed by: ReadAt/WriteAt/Length/Seek/Duplicate, standing in for the
// out-of-scope filesystem module's file_open/close/read_at/write_at/
// length/seek/duplicate contract.
package vfile

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// File is the handle a mapping's file-backed pages read and write
// through. Duplicate must return a handle to the same underlying file
// whose lifetime is independent of the caller's, so do_mmap's reopen
// doesn't break when the caller later closes its own descriptor.
// ReadAt and WriteAt are positioned and never move the seek offset.
type File interface {
	ReadAt(buf []byte, offset int64) (int, error)
	WriteAt(buf []byte, offset int64) (int, error)
	Length() (int64, error)
	Seek(offset int64) error
	Duplicate() (File, error)
	Close() error
}

// OSFile backs File with a real *os.File, using golang.org/x/sys/unix
// directly for Duplicate (a raw dup(2): the two handles share the open
// file description, including its seek offset, but close
// independently) — the same
// positioned-I/O ecosystem package the swap disk uses.
type OSFile struct {
	f *os.File
}

// Open opens path for reading and writing.
func Open(path string) (*OSFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return &OSFile{f: f}, nil
}

func (o *OSFile) ReadAt(buf []byte, offset int64) (int, error) {
	n, err := o.f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	return n, nil
}

func (o *OSFile) WriteAt(buf []byte, offset int64) (int, error) {
	return o.f.WriteAt(buf, offset)
}

func (o *OSFile) Length() (int64, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (o *OSFile) Seek(offset int64) error {
	_, err := o.f.Seek(offset, os.SEEK_SET)
	return err
}

func (o *OSFile) Duplicate() (File, error) {
	nfd, err := unix.Dup(int(o.f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("vfile: dup: %w", err)
	}
	return &OSFile{f: os.NewFile(uintptr(nfd), o.f.Name())}, nil
}

func (o *OSFile) Close() error {
	return o.f.Close()
}
