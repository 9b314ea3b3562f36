package backend

import (
	"fmt"
	"io"
	"sync"
)

// Memory is a fixed size Storage held in memory. It can stand in for a device:
// it can refuse read-write opens and report itself write protected.
type Memory struct {
	mu             sync.RWMutex
	data           []byte
	writeProtected bool
	reportReadOnly bool
}

// NewMemory creates a zeroed in-memory device of size bytes
func NewMemory(size int64) *Memory {
	return &Memory{data: make([]byte, size)}
}

// NewMemoryFrom creates an in-memory device over b. The slice is used directly.
func NewMemoryFrom(b []byte) *Memory {
	return &Memory{data: b}
}

// SetWriteProtected makes read-write opens fail, the way a locked device does
func (m *Memory) SetWriteProtected(p bool) {
	m.mu.Lock()
	m.writeProtected = p
	m.mu.Unlock()
}

// SetReportReadOnly makes Geometry report a read-only device while still accepting read-write opens
func (m *Memory) SetReportReadOnly(ro bool) {
	m.mu.Lock()
	m.reportReadOnly = ro
	m.mu.Unlock()
}

// Bytes returns a copy of the device contents
func (m *Memory) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := make([]byte, len(m.data))
	copy(b, m.data)
	return b
}

// ReadAt implements io.ReaderAt
func (m *Memory) ReadAt(b []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(b, m.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Writes past the end of the device fail.
func (m *Memory) WriteAt(b []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(b)) > int64(len(m.data)) {
		return 0, fmt.Errorf("write of %d bytes at %d beyond device size %d: %w", len(b), off, len(m.data), io.ErrShortWrite)
	}
	return copy(m.data[off:], b), nil
}

// Sync is a no-op
func (m *Memory) Sync() error {
	return nil
}

// Close is a no-op; the contents stay available for another Open
func (m *Memory) Close() error {
	return nil
}

// Geometry reports the size of the image and the simulated read-only flag
func (m *Memory) Geometry() (Geometry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Geometry{
		Size:               int64(len(m.data)),
		LogicalSectorSize:  512,
		PhysicalSectorSize: 512,
		ReadOnly:           m.reportReadOnly,
	}, nil
}

// Open implements Opener; the path is ignored
func (m *Memory) Open(_ string, mode Mode) (Storage, error) {
	m.mu.RLock()
	protected := m.writeProtected
	m.mu.RUnlock()
	if mode == ReadWrite {
		if protected {
			return nil, ErrReadOnlyStorage
		}
		return m, nil
	}
	return &memoryReader{m}, nil
}

// memoryReader is a read-only handle on a Memory
type memoryReader struct {
	*Memory
}

func (r *memoryReader) WriteAt(_ []byte, _ int64) (int, error) {
	return 0, ErrReadOnlyStorage
}
