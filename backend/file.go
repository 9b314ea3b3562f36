package backend

import (
	"fmt"
	"os"
)

// FileOpener opens regular files and block devices from the host
var FileOpener Opener = OpenerFunc(func(path string, mode Mode) (Storage, error) {
	f, err := OpenFile(path, mode)
	if err != nil {
		return nil, err
	}
	return f, nil
})

// File is a Storage backed by a host file or block device
type File struct {
	*os.File
	readOnly bool
}

// OpenFile opens the file or device at path in the given mode
func OpenFile(path string, mode Mode) (*File, error) {
	flag := os.O_RDONLY
	if mode == ReadWrite {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("could not open %s %s: %w", path, mode, err)
	}
	return &File{File: f, readOnly: mode == ReadOnly}, nil
}

// WriteAt writes to the file, refusing when it was opened read-only
func (f *File) WriteAt(b []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, ErrReadOnlyStorage
	}
	return f.File.WriteAt(b, off)
}

// Geometry reports the device geometry. Block devices are queried with ioctls,
// anything else falls back to the size reported by stat.
func (f *File) Geometry() (Geometry, error) {
	fi, err := f.Stat()
	if err != nil {
		return Geometry{}, fmt.Errorf("could not stat %s: %w", f.Name(), err)
	}
	geo := Geometry{
		Size:               fi.Size(),
		LogicalSectorSize:  512,
		PhysicalSectorSize: 512,
	}
	if fi.Mode()&os.ModeDevice == 0 {
		return geo, nil
	}
	if err := queryDevice(f.File, &geo); err != nil && geo.Size == 0 {
		return Geometry{}, fmt.Errorf("could not size device %s: %w", f.Name(), err)
	}
	return geo, nil
}
