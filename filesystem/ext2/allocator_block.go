package ext2

import (
	"fmt"

	"github.com/diskfs/go-ext2/blockcache"
	"github.com/diskfs/go-ext2/util/bitmap"
	log "github.com/sirupsen/logrus"
)

// Run is a contiguous range of blocks inside one block group
type Run struct {
	Group  int
	Start  uint64
	Length uint32
}

// BlockAllocator hands out and releases blocks using the block bitmaps of the block groups
type BlockAllocator struct {
	v   *Volume
	log *log.Entry
}

func newBlockAllocator(v *Volume) *BlockAllocator {
	return &BlockAllocator{v: v, log: v.log.WithField("allocator", "block")}
}

// blocksInGroup is the number of blocks of group g; the last group may be short
func (a *BlockAllocator) blocksInGroup(g int) uint32 {
	sb := a.v.geometry
	start := uint64(sb.FirstDataBlock) + uint64(g)*uint64(sb.BlocksPerGroup)
	return uint32(min(uint64(sb.BlocksPerGroup), uint64(sb.BlocksCount)-start))
}

// hasSuperblock reports whether group g starts with a superblock and group descriptor table
func (a *BlockAllocator) hasSuperblock(g int) bool {
	if a.v.geometry.ROCompatFeatures&ROCompatSparseSuper == 0 {
		return true
	}
	return hasSuperblockBackup(uint32(g))
}

func (a *BlockAllocator) groupStart(g int) uint64 {
	return uint64(a.v.firstDataBlock) + uint64(g)*uint64(a.v.geometry.BlocksPerGroup)
}

// Initialize checks that every group descriptor points inside the volume and
// that the free counts of the groups add up to the superblock's.
func (a *BlockAllocator) Initialize() error {
	sb := a.v.geometry
	inodeTableBlocks := (sb.InodesPerGroup*a.v.inodeSize + a.v.blockSize - 1) / a.v.blockSize
	var freeBlocks, freeInodes uint64
	for g := 0; g < int(a.v.numGroups); g++ {
		gd, err := a.v.GetBlockGroup(g)
		if err != nil {
			return err
		}
		for _, block := range []uint32{gd.BlockBitmap, gd.InodeBitmap, gd.InodeTable, gd.InodeTable + inodeTableBlocks - 1} {
			if block < sb.FirstDataBlock || block >= sb.BlocksCount {
				return fmt.Errorf("%w: block group %d refers to block %d outside the volume", ErrBadValue, g, block)
			}
		}
		if uint32(gd.FreeBlocks) > a.blocksInGroup(g) {
			return fmt.Errorf("%w: block group %d claims %d free blocks of %d", ErrBadValue, g, gd.FreeBlocks, a.blocksInGroup(g))
		}
		freeBlocks += uint64(gd.FreeBlocks)
		freeInodes += uint64(gd.FreeInodes)
	}
	liveBlocks, liveInodes := a.v.FreeBlocksCount(), a.v.FreeInodesCount()
	if freeBlocks != uint64(liveBlocks) || freeInodes != uint64(liveInodes) {
		a.log.WithFields(log.Fields{
			"groupFreeBlocks": freeBlocks,
			"freeBlocks":      liveBlocks,
			"groupFreeInodes": freeInodes,
			"freeInodes":      liveInodes,
		}).Warn("free counts of the block groups do not match the superblock")
	}
	return nil
}

// AllocateBlocks finds a run of free blocks, starting with preferredGroup and
// moving on through the following groups. The first run of maximum blocks is
// taken; failing that, the longest run of at least minimum blocks. Runs never
// cross a group boundary.
func (a *BlockAllocator) AllocateBlocks(tx *blockcache.Transaction, minimum, maximum uint32, preferredGroup int) (Run, error) {
	if minimum == 0 || minimum > maximum {
		return Run{}, fmt.Errorf("%w: cannot allocate between %d and %d blocks", ErrBadValue, minimum, maximum)
	}
	maximum = min(maximum, a.v.geometry.BlocksPerGroup)
	if minimum > maximum {
		return Run{}, fmt.Errorf("%w: %d blocks do not fit in a block group", ErrDeviceFull, minimum)
	}
	numGroups := int(a.v.numGroups)
	if preferredGroup < 0 || preferredGroup >= numGroups {
		preferredGroup = 0
	}

	var best Run
	for i := 0; i < numGroups; i++ {
		g := (preferredGroup + i) % numGroups
		gd, err := a.v.GetBlockGroup(g)
		if err != nil {
			return Run{}, err
		}
		if uint32(gd.FreeBlocks) < minimum {
			continue
		}
		b, err := tx.Get(uint64(gd.BlockBitmap))
		if err != nil {
			return Run{}, fmt.Errorf("%w: could not read block bitmap of group %d: %v", ErrIO, g, err)
		}
		for _, free := range bitmap.FromBytes(b, int(a.blocksInGroup(g))).FreeList() {
			if uint32(free.Count) >= maximum {
				return a.take(tx, g, free.Position, maximum)
			}
			if uint32(free.Count) > best.Length {
				best = Run{Group: g, Start: uint64(free.Position), Length: uint32(free.Count)}
			}
		}
	}
	if best.Length < minimum {
		return Run{}, fmt.Errorf("%w: no run of %d free blocks", ErrDeviceFull, minimum)
	}
	return a.take(tx, best.Group, int(best.Start), best.Length)
}

// take marks length blocks from position pos of group g as used
func (a *BlockAllocator) take(tx *blockcache.Transaction, g, pos int, length uint32) (Run, error) {
	gd, err := a.v.GetBlockGroup(g)
	if err != nil {
		return Run{}, err
	}
	b, err := a.v.cache.GetWritable(tx, uint64(gd.BlockBitmap))
	if err != nil {
		return Run{}, fmt.Errorf("%w: could not write block bitmap of group %d: %v", ErrIO, g, err)
	}
	if err := bitmap.FromBytes(b, int(a.blocksInGroup(g))).SetRange(pos, int(length)); err != nil {
		return Run{}, fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	if err := a.v.updateBlockGroup(g, func(gd *GroupDescriptor) {
		gd.FreeBlocks -= uint16(length)
	}); err != nil {
		return Run{}, err
	}
	if err := a.v.WriteBlockGroup(tx, g); err != nil {
		return Run{}, err
	}
	return Run{Group: g, Start: a.groupStart(g) + uint64(pos), Length: length}, nil
}

// Free releases length blocks from start, which may span several groups.
// Freeing a block that is not in use, or that holds group metadata, fails.
// Every group's part of the range is checked before any bitmap changes.
func (a *BlockAllocator) Free(tx *blockcache.Transaction, start uint64, length uint32) error {
	sb := a.v.geometry
	if length == 0 || start < uint64(sb.FirstDataBlock) || start+uint64(length) > uint64(sb.BlocksCount) {
		return fmt.Errorf("%w: cannot free %d blocks at %d", ErrBadValue, length, start)
	}
	inodeTableBlocks := uint64((sb.InodesPerGroup*a.v.inodeSize + a.v.blockSize - 1) / a.v.blockSize)

	type span struct {
		group  int
		pos    int
		count  uint32
		bitmap uint64
	}
	var spans []span
	for block, left := start, length; left > 0; {
		g := int((block - uint64(sb.FirstDataBlock)) / uint64(sb.BlocksPerGroup))
		pos := int(block - a.groupStart(g))
		count := min(left, sb.BlocksPerGroup-uint32(pos))

		gd, err := a.v.GetBlockGroup(g)
		if err != nil {
			return err
		}
		end := block + uint64(count)
		metadata := [][2]uint64{
			{uint64(gd.BlockBitmap), 1},
			{uint64(gd.InodeBitmap), 1},
			{uint64(gd.InodeTable), inodeTableBlocks},
		}
		if a.hasSuperblock(g) {
			metadata = append(metadata, [2]uint64{a.groupStart(g), 1 + uint64(len(a.v.groupBlocks))})
		}
		for _, meta := range metadata {
			if block < meta[0]+meta[1] && meta[0] < end {
				return fmt.Errorf("%w: blocks %d-%d overlap the metadata of group %d", ErrBadValue, block, end-1, g)
			}
		}
		b, err := tx.Get(uint64(gd.BlockBitmap))
		if err != nil {
			return fmt.Errorf("%w: could not read block bitmap of group %d: %v", ErrIO, g, err)
		}
		bm := bitmap.FromBytes(b, int(a.blocksInGroup(g)))
		for i := pos; i < pos+int(count); i++ {
			if set, err := bm.IsSet(i); err != nil || !set {
				return fmt.Errorf("%w: block %d is already free", ErrBadValue, a.groupStart(g)+uint64(i))
			}
		}
		spans = append(spans, span{group: g, pos: pos, count: count, bitmap: uint64(gd.BlockBitmap)})
		block += uint64(count)
		left -= count
	}

	for _, s := range spans {
		b, err := a.v.cache.GetWritable(tx, s.bitmap)
		if err != nil {
			return fmt.Errorf("%w: could not write block bitmap of group %d: %v", ErrIO, s.group, err)
		}
		bm := bitmap.FromBytes(b, int(a.blocksInGroup(s.group)))
		for i := s.pos; i < s.pos+int(s.count); i++ {
			_ = bm.Clear(i)
		}
		if err := a.v.updateBlockGroup(s.group, func(gd *GroupDescriptor) {
			gd.FreeBlocks += uint16(s.count)
		}); err != nil {
			return err
		}
		if err := a.v.WriteBlockGroup(tx, s.group); err != nil {
			return err
		}
	}
	return nil
}
