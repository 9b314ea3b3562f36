package ext2

import (
	"fmt"
	"sync"
)

// VNodeManager tracks which inodes of a volume are in use by the layer above
type VNodeManager interface {
	GetVNode(v *Volume, id uint32) error
	PutVNode(v *Volume, id uint32) error
}

type vnodeKey struct {
	volume *Volume
	id     uint32
}

// VNodeTable is a reference counted VNodeManager. Getting a vnode reads and
// checks its inode; the root inode must be a directory.
type VNodeTable struct {
	mu   sync.Mutex
	refs map[vnodeKey]int
}

// NewVNodeTable creates an empty table
func NewVNodeTable() *VNodeTable {
	return &VNodeTable{refs: make(map[vnodeKey]int)}
}

// GetVNode takes a reference on inode id of v
func (t *VNodeTable) GetVNode(v *Volume, id uint32) error {
	key := vnodeKey{volume: v, id: id}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refs[key] > 0 {
		t.refs[key]++
		return nil
	}
	in, err := v.ReadInode(id)
	if err != nil {
		return err
	}
	if in.Links == 0 {
		return fmt.Errorf("%w: inode %d is not in use", ErrBadValue, id)
	}
	if id == RootInode && !in.IsDir() {
		return fmt.Errorf("%w: root inode is not a directory", ErrBadValue)
	}
	t.refs[key] = 1
	return nil
}

// PutVNode drops a reference on inode id of v
func (t *VNodeTable) PutVNode(v *Volume, id uint32) error {
	key := vnodeKey{volume: v, id: id}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.refs[key] {
	case 0:
		return fmt.Errorf("%w: vnode %d is not referenced", ErrBadValue, id)
	case 1:
		delete(t.refs, key)
	default:
		t.refs[key]--
	}
	return nil
}

// Refs returns the reference count of inode id of v
func (t *VNodeTable) Refs(v *Volume, id uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs[vnodeKey{volume: v, id: id}]
}
