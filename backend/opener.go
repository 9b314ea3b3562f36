package backend

import (
	"fmt"
)

// DeviceOpener opens a device for mounting. A read-write open that fails is
// retried read-only, and a device whose geometry says it is write protected is
// treated as read-only even when the read-write open succeeded.
//
// The opener owns the storage until Keep is called; Close releases it otherwise.
type DeviceOpener struct {
	path     string
	storage  Storage
	readOnly bool
	fellBack bool
	kept     bool
}

// OpenDevice opens path through o in the requested mode
func OpenDevice(o Opener, path string, mode Mode) (*DeviceOpener, error) {
	d := &DeviceOpener{path: path, readOnly: mode == ReadOnly}
	s, err := o.Open(path, mode)
	if err != nil && mode == ReadWrite {
		s, err = o.Open(path, ReadOnly)
		d.readOnly = true
		d.fellBack = true
	}
	if err != nil {
		return nil, fmt.Errorf("could not open device %s: %w", path, err)
	}
	d.storage = s
	if !d.readOnly {
		if geo, err := s.Geometry(); err == nil && geo.ReadOnly {
			d.readOnly = true
			d.fellBack = true
		}
	}
	return d, nil
}

// Storage returns the opened storage
func (d *DeviceOpener) Storage() Storage {
	return d.storage
}

// IsReadOnly reports whether the device must be used read-only
func (d *DeviceOpener) IsReadOnly() bool {
	return d.readOnly
}

// FellBack reports whether read-write was requested but the device ended up read-only
func (d *DeviceOpener) FellBack() bool {
	return d.fellBack
}

// Size returns the device size in bytes
func (d *DeviceOpener) Size() (int64, error) {
	geo, err := d.storage.Geometry()
	if err != nil {
		return 0, fmt.Errorf("could not get geometry of %s: %w", d.path, err)
	}
	return geo.Size, nil
}

// Keep transfers ownership of the storage to the caller; Close will no longer close it
func (d *DeviceOpener) Keep() Storage {
	d.kept = true
	return d.storage
}

// Close closes the storage unless ownership was transferred with Keep
func (d *DeviceOpener) Close() error {
	if d.kept || d.storage == nil {
		return nil
	}
	err := d.storage.Close()
	d.storage = nil
	return err
}
