package ext2

import "errors"

var (
	// ErrIO is returned when reading or writing the device or block cache fails
	ErrIO = errors.New("i/o error")
	// ErrBadValue is returned for malformed on-disk structures and out of range arguments
	ErrBadValue = errors.New("bad value")
	// ErrNotSupported is returned for filesystem features this package does not implement
	ErrNotSupported = errors.New("not supported")
	// ErrReadOnlyDevice is returned when modifying a volume mounted read-only
	ErrReadOnlyDevice = errors.New("read-only device")
	// ErrDeviceFull is returned when no free blocks or inodes satisfy an allocation
	ErrDeviceFull = errors.New("no space left on device")
)
