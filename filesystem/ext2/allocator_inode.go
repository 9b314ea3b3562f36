package ext2

import (
	"fmt"

	"github.com/diskfs/go-ext2/blockcache"
	"github.com/diskfs/go-ext2/util/bitmap"
)

// InodeAllocator hands out and releases inodes using the inode bitmaps of the block groups
type InodeAllocator struct {
	v *Volume
}

func newInodeAllocator(v *Volume) *InodeAllocator {
	return &InodeAllocator{v: v}
}

func (a *InodeAllocator) inodesInGroup(g int) int {
	sb := a.v.geometry
	return int(min(sb.InodesPerGroup, sb.InodesCount-uint32(g)*sb.InodesPerGroup))
}

// New allocates an inode for a child of parent, preferring the parent's block
// group. Reserved inodes are never handed out.
func (a *InodeAllocator) New(tx *blockcache.Transaction, parent uint32, mode uint16) (uint32, error) {
	sb := a.v.geometry
	numGroups := int(a.v.numGroups)
	preferred := 0
	if parent != 0 && parent <= sb.InodesCount {
		preferred = int((parent - 1) / sb.InodesPerGroup)
	}
	isDir := mode&ModeTypeMask == ModeDirectory
	reserved := int(sb.firstInode()) - 1

	for i := 0; i < numGroups; i++ {
		g := (preferred + i) % numGroups
		gd, err := a.v.GetBlockGroup(g)
		if err != nil {
			return 0, err
		}
		if gd.FreeInodes == 0 {
			continue
		}
		groupFirst := g * int(sb.InodesPerGroup)
		from := max(0, reserved-groupFirst)
		if from >= a.inodesInGroup(g) {
			continue
		}
		b, err := tx.Get(uint64(gd.InodeBitmap))
		if err != nil {
			return 0, fmt.Errorf("%w: could not read inode bitmap of group %d: %v", ErrIO, g, err)
		}
		pos := bitmap.FromBytes(b, a.inodesInGroup(g)).FirstFree(from)
		if pos < 0 {
			continue
		}

		w, err := a.v.cache.GetWritable(tx, uint64(gd.InodeBitmap))
		if err != nil {
			return 0, fmt.Errorf("%w: could not write inode bitmap of group %d: %v", ErrIO, g, err)
		}
		if err := bitmap.FromBytes(w, a.inodesInGroup(g)).Set(pos); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadValue, err)
		}
		if err := a.v.updateBlockGroup(g, func(gd *GroupDescriptor) {
			gd.FreeInodes--
			if isDir {
				gd.UsedDirectories++
			}
		}); err != nil {
			return 0, err
		}
		if err := a.v.WriteBlockGroup(tx, g); err != nil {
			return 0, err
		}
		return uint32(groupFirst+pos) + 1, nil
	}
	return 0, fmt.Errorf("%w: no free inodes", ErrDeviceFull)
}

// Free releases inode id. isDirectory must match how the inode was allocated.
func (a *InodeAllocator) Free(tx *blockcache.Transaction, id uint32, isDirectory bool) error {
	sb := a.v.geometry
	if err := a.v.checkInode(id); err != nil {
		return err
	}
	if id < sb.firstInode() {
		return fmt.Errorf("%w: inode %d is reserved", ErrBadValue, id)
	}
	g := int((id - 1) / sb.InodesPerGroup)
	pos := int((id - 1) % sb.InodesPerGroup)
	gd, err := a.v.GetBlockGroup(g)
	if err != nil {
		return err
	}
	w, err := a.v.cache.GetWritable(tx, uint64(gd.InodeBitmap))
	if err != nil {
		return fmt.Errorf("%w: could not write inode bitmap of group %d: %v", ErrIO, g, err)
	}
	bm := bitmap.FromBytes(w, a.inodesInGroup(g))
	if set, err := bm.IsSet(pos); err != nil || !set {
		return fmt.Errorf("%w: inode %d is already free", ErrBadValue, id)
	}
	_ = bm.Clear(pos)
	if err := a.v.updateBlockGroup(g, func(gd *GroupDescriptor) {
		gd.FreeInodes++
		if isDirectory && gd.UsedDirectories > 0 {
			gd.UsedDirectories--
		}
	}); err != nil {
		return err
	}
	return a.v.WriteBlockGroup(tx, g)
}
