// Package backend provides the storage devices a filesystem image lives on:
// regular files, block devices and in-memory images.
package backend

import (
	"errors"
	"io"
)

var (
	// ErrShortRead is returned when a device returns fewer bytes than requested
	ErrShortRead = errors.New("short read")
	// ErrReadOnlyStorage is returned when writing to storage opened read-only
	ErrReadOnlyStorage = errors.New("storage is read-only")
)

// Mode is the access mode a Storage is opened with
type Mode int

const (
	// ReadOnly opens the storage for reading only
	ReadOnly Mode = iota
	// ReadWrite opens the storage for reading and writing
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// Geometry describes the physical properties of a device
type Geometry struct {
	// Size of the device in bytes
	Size int64
	// LogicalSectorSize is the smallest addressable unit of the device
	LogicalSectorSize int64
	// PhysicalSectorSize is the unit the device writes atomically
	PhysicalSectorSize int64
	// ReadOnly is set when the device itself refuses writes, regardless of the open mode
	ReadOnly bool
}

// Storage is a random access device holding a filesystem
type Storage interface {
	io.ReaderAt
	io.WriterAt
	// Sync forces written data to stable storage
	Sync() error
	Close() error
	Geometry() (Geometry, error)
}

// Opener opens a named device
type Opener interface {
	Open(path string, mode Mode) (Storage, error)
}

// OpenerFunc adapts a function to the Opener interface
type OpenerFunc func(path string, mode Mode) (Storage, error)

// Open calls f(path, mode)
func (f OpenerFunc) Open(path string, mode Mode) (Storage, error) {
	return f(path, mode)
}

// ReadFull reads exactly len(b) bytes at offset off, treating a short read as an error
func ReadFull(s Storage, b []byte, off int64) error {
	n, err := s.ReadAt(b, off)
	if n == len(b) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return ErrShortRead
	}
	return err
}
