package ext2

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// RootInode is the inode of the root directory
	RootInode uint32 = 2
	// JournalInode is the inode reserved for an internal journal
	JournalInode uint32 = 8

	directBlocks   = 12
	indirectBlock  = 12
	dIndirectBlock = 13
	tIndirectBlock = 14
	blockPointers  = 15

	inodeFlagExtents uint32 = 0x80000
)

// Inode mode bits
const (
	ModeTypeMask   uint16 = 0xf000
	ModeDirectory  uint16 = 0x4000
	ModeRegular    uint16 = 0x8000
	ModeSymlink    uint16 = 0xa000
	ModePermission uint16 = 0x0fff
)

// Inode is an on-disk ext2 inode. Bytes of the inode not decoded here are
// preserved when it is written back.
type Inode struct {
	Number     uint32
	Mode       uint16
	UID        uint16
	Size       uint64
	AccessTime time.Time
	ChangeTime time.Time
	ModifyTime time.Time
	// NextOrphan is the next inode on the orphan list. On disk it shares the deletion time field.
	NextOrphan uint32
	GID        uint16
	Links      uint16
	Sectors    uint32
	Flags      uint32
	Block      [blockPointers]uint32
	Generation uint32

	raw []byte
}

func inodeFromBytes(b []byte, number uint32) (*Inode, error) {
	if len(b) < int(goodOldInodeSize) {
		return nil, fmt.Errorf("cannot read inode %d from %d bytes, need at least %d", number, len(b), goodOldInodeSize)
	}
	in := Inode{
		Number:     number,
		Mode:       binary.LittleEndian.Uint16(b[0x0:0x2]),
		UID:        binary.LittleEndian.Uint16(b[0x2:0x4]),
		Size:       uint64(binary.LittleEndian.Uint32(b[0x4:0x8])) | uint64(binary.LittleEndian.Uint32(b[0x6c:0x70]))<<32,
		AccessTime: time.Unix(int64(binary.LittleEndian.Uint32(b[0x8:0xc])), 0),
		ChangeTime: time.Unix(int64(binary.LittleEndian.Uint32(b[0xc:0x10])), 0),
		ModifyTime: time.Unix(int64(binary.LittleEndian.Uint32(b[0x10:0x14])), 0),
		NextOrphan: binary.LittleEndian.Uint32(b[0x14:0x18]),
		GID:        binary.LittleEndian.Uint16(b[0x18:0x1a]),
		Links:      binary.LittleEndian.Uint16(b[0x1a:0x1c]),
		Sectors:    binary.LittleEndian.Uint32(b[0x1c:0x20]),
		Flags:      binary.LittleEndian.Uint32(b[0x20:0x24]),
		Generation: binary.LittleEndian.Uint32(b[0x64:0x68]),
	}
	for i := range in.Block {
		in.Block[i] = binary.LittleEndian.Uint32(b[0x28+4*i:])
	}
	in.raw = make([]byte, len(b))
	copy(in.raw, b)
	return &in, nil
}

// putBytes encodes the inode into b, which is the inode's slot in its inode table block
func (in *Inode) putBytes(b []byte) {
	if in.raw != nil {
		copy(b, in.raw)
	}
	binary.LittleEndian.PutUint16(b[0x0:0x2], in.Mode)
	binary.LittleEndian.PutUint16(b[0x2:0x4], in.UID)
	binary.LittleEndian.PutUint32(b[0x4:0x8], uint32(in.Size))
	binary.LittleEndian.PutUint32(b[0x8:0xc], unixSeconds(in.AccessTime))
	binary.LittleEndian.PutUint32(b[0xc:0x10], unixSeconds(in.ChangeTime))
	binary.LittleEndian.PutUint32(b[0x10:0x14], unixSeconds(in.ModifyTime))
	binary.LittleEndian.PutUint32(b[0x14:0x18], in.NextOrphan)
	binary.LittleEndian.PutUint16(b[0x18:0x1a], in.GID)
	binary.LittleEndian.PutUint16(b[0x1a:0x1c], in.Links)
	binary.LittleEndian.PutUint32(b[0x1c:0x20], in.Sectors)
	binary.LittleEndian.PutUint32(b[0x20:0x24], in.Flags)
	for i, block := range in.Block {
		binary.LittleEndian.PutUint32(b[0x28+4*i:], block)
	}
	binary.LittleEndian.PutUint32(b[0x64:0x68], in.Generation)
	binary.LittleEndian.PutUint32(b[0x6c:0x70], uint32(in.Size>>32))
}

// IsDir reports whether the inode is a directory
func (in *Inode) IsDir() bool {
	return in.Mode&ModeTypeMask == ModeDirectory
}

// blockReader returns the committed or in-transaction contents of a block
type blockReader func(block uint64) ([]byte, error)

// mapBlock translates a block index within the file to a block on the volume.
// Holes map to 0.
func (in *Inode) mapBlock(index uint64, blockSize uint32, read blockReader) (uint64, error) {
	if in.Flags&inodeFlagExtents != 0 {
		return 0, fmt.Errorf("%w: inode %d uses extents", ErrNotSupported, in.Number)
	}
	perBlock := uint64(blockSize / 4)
	if index < directBlocks {
		return uint64(in.Block[index]), nil
	}
	index -= directBlocks
	var (
		root  uint32
		depth int
	)
	switch {
	case index < perBlock:
		root, depth = in.Block[indirectBlock], 1
	case index < perBlock+perBlock*perBlock:
		index -= perBlock
		root, depth = in.Block[dIndirectBlock], 2
	case index < perBlock+perBlock*perBlock+perBlock*perBlock*perBlock:
		index -= perBlock + perBlock*perBlock
		root, depth = in.Block[tIndirectBlock], 3
	default:
		return 0, fmt.Errorf("%w: block index %d beyond the block map of inode %d", ErrBadValue, index+directBlocks, in.Number)
	}
	block := root
	for level := depth - 1; level >= 0 && block != 0; level-- {
		b, err := read(uint64(block))
		if err != nil {
			return 0, fmt.Errorf("%w: could not read indirect block %d of inode %d: %v", ErrIO, block, in.Number, err)
		}
		span := uint64(1)
		for i := 0; i < level; i++ {
			span *= perBlock
		}
		slot := index / span
		index %= span
		block = binary.LittleEndian.Uint32(b[4*slot:])
	}
	return uint64(block), nil
}
