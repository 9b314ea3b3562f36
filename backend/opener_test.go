package backend

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// closeCounter counts how often its storage is closed
type closeCounter struct {
	*Memory
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestOpenDevice(t *testing.T) {
	tests := []struct {
		name     string
		mode     Mode
		setup    func(m *Memory)
		readOnly bool
		fellBack bool
	}{
		{"read-write", ReadWrite, func(*Memory) {}, false, false},
		{"read-only requested", ReadOnly, func(*Memory) {}, true, false},
		{"write protected", ReadWrite, func(m *Memory) { m.SetWriteProtected(true) }, true, true},
		{"geometry read-only", ReadWrite, func(m *Memory) { m.SetReportReadOnly(true) }, true, true},
		{"read-only geometry ignored for read-only", ReadOnly, func(m *Memory) { m.SetReportReadOnly(true) }, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory(4096)
			tt.setup(m)
			d, err := OpenDevice(m, "mem", tt.mode)
			if err != nil {
				t.Fatalf("OpenDevice() failed: %v", err)
			}
			defer d.Close()
			if d.IsReadOnly() != tt.readOnly {
				t.Errorf("IsReadOnly() = %v, want %v", d.IsReadOnly(), tt.readOnly)
			}
			if d.FellBack() != tt.fellBack {
				t.Errorf("FellBack() = %v, want %v", d.FellBack(), tt.fellBack)
			}
			size, err := d.Size()
			if err != nil || size != 4096 {
				t.Errorf("Size() = %d, %v, want 4096", size, err)
			}
		})
	}
}

func TestOpenDeviceFails(t *testing.T) {
	errOpen := errors.New("no such device")
	o := OpenerFunc(func(string, Mode) (Storage, error) {
		return nil, errOpen
	})
	if _, err := OpenDevice(o, "missing", ReadWrite); !errors.Is(err, errOpen) {
		t.Errorf("OpenDevice() error = %v, want %v", err, errOpen)
	}
}

func TestDeviceOpenerKeep(t *testing.T) {
	c := &closeCounter{Memory: NewMemory(1024)}
	o := OpenerFunc(func(string, Mode) (Storage, error) {
		return c, nil
	})

	d, err := OpenDevice(o, "mem", ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil || c.closed != 1 {
		t.Errorf("Close() = %v, closed %d times, want once", err, c.closed)
	}
	if err := d.Close(); err != nil || c.closed != 1 {
		t.Errorf("second Close() = %v, closed %d times, want once", err, c.closed)
	}

	d, err = OpenDevice(o, "mem", ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if s := d.Keep(); s != Storage(c) {
		t.Errorf("Keep() returned a different storage")
	}
	if err := d.Close(); err != nil || c.closed != 1 {
		t.Errorf("Close() after Keep() = %v, closed %d times, want once", err, c.closed)
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory(1024)
	if _, err := m.WriteAt([]byte("data"), 1022); err == nil {
		t.Errorf("WriteAt() past the end did not fail")
	}
	if _, err := m.WriteAt([]byte("data"), 100); err != nil {
		t.Fatalf("WriteAt() failed: %v", err)
	}
	b := make([]byte, 4)
	if err := ReadFull(m, b, 100); err != nil || string(b) != "data" {
		t.Errorf("ReadFull() = %q, %v", b, err)
	}
	if err := ReadFull(m, make([]byte, 8), 1020); !errors.Is(err, ErrShortRead) {
		t.Errorf("ReadFull() past the end error = %v, want %v", err, ErrShortRead)
	}
	snapshot := m.Bytes()
	snapshot[100] = 'X'
	if err := ReadFull(m, b, 100); err != nil || string(b) != "data" {
		t.Errorf("Bytes() shares memory with the device")
	}

	r, err := m.Open("", ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.WriteAt([]byte("x"), 0); !errors.Is(err, ErrReadOnlyStorage) {
		t.Errorf("WriteAt() on a read-only handle error = %v, want %v", err, ErrReadOnlyStorage)
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 8192), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := FileOpener.Open(path, ReadOnly)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()
	if _, err := s.WriteAt([]byte("x"), 0); !errors.Is(err, ErrReadOnlyStorage) {
		t.Errorf("WriteAt() on a read-only file error = %v, want %v", err, ErrReadOnlyStorage)
	}
	geo, err := s.Geometry()
	if err != nil {
		t.Fatalf("Geometry() failed: %v", err)
	}
	if geo.Size != 8192 || geo.ReadOnly {
		t.Errorf("Geometry() = %+v", geo)
	}

	rw, err := FileOpener.Open(path, ReadWrite)
	if err != nil {
		t.Fatalf("Open() read-write failed: %v", err)
	}
	defer rw.Close()
	if _, err := rw.WriteAt([]byte("ext2"), 1024); err != nil {
		t.Errorf("WriteAt() failed: %v", err)
	}
	if _, err := FileOpener.Open(filepath.Join(t.TempDir(), "missing"), ReadOnly); err == nil {
		t.Errorf("Open() of a missing file did not fail")
	}
}

func TestQueryDeviceRegularFile(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "disk.img"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	geo := Geometry{Size: 4096, LogicalSectorSize: 512, PhysicalSectorSize: 512}
	want := geo
	if err := queryDevice(f, &geo); err == nil {
		t.Errorf("queryDevice() on a regular file did not fail")
	}
	if geo != want {
		t.Errorf("queryDevice() changed the geometry of a regular file to %+v", geo)
	}
}
