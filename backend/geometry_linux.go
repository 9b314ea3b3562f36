package backend

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// queryDevice fills geo from the block device ioctls of f. Fields whose ioctl
// fails keep their previous value, and the failures are returned together.
func queryDevice(f *os.File, geo *Geometry) error {
	fd := int(f.Fd())
	var errs []error

	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
		errs = append(errs, os.NewSyscallError("ioctl: BLKGETSIZE64", errno))
	} else {
		geo.Size = int64(size)
	}

	queries := []struct {
		req  uint
		name string
		set  func(n int)
	}{
		{unix.BLKSSZGET, "BLKSSZGET", func(n int) { geo.LogicalSectorSize = int64(n) }},
		{unix.BLKPBSZGET, "BLKPBSZGET", func(n int) { geo.PhysicalSectorSize = int64(n) }},
		{unix.BLKROGET, "BLKROGET", func(n int) { geo.ReadOnly = n != 0 }},
	}
	for _, q := range queries {
		n, err := unix.IoctlGetInt(fd, q.req)
		if err != nil {
			errs = append(errs, fmt.Errorf("ioctl: %s: %w", q.name, err))
			continue
		}
		q.set(n)
	}
	return errors.Join(errs...)
}
