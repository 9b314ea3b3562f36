package ext2

import (
	"encoding/binary"
	"fmt"
)

const groupDescriptorSize = 32

// GroupDescriptor describes one block group: where its bitmaps and inode table live and how much of it is free
type GroupDescriptor struct {
	Number          uint32 `yaml:"number"`
	BlockBitmap     uint32 `yaml:"blockBitmap"`
	InodeBitmap     uint32 `yaml:"inodeBitmap"`
	InodeTable      uint32 `yaml:"inodeTable"`
	FreeBlocks      uint16 `yaml:"freeBlocks"`
	FreeInodes      uint16 `yaml:"freeInodes"`
	UsedDirectories uint16 `yaml:"usedDirectories"`
	Flags           uint16 `yaml:"flags"`
}

func groupDescriptorFromBytes(b []byte, number uint32) (GroupDescriptor, error) {
	if len(b) < groupDescriptorSize {
		return GroupDescriptor{}, fmt.Errorf("cannot read group descriptor from %d bytes instead of expected %d", len(b), groupDescriptorSize)
	}
	return GroupDescriptor{
		Number:          number,
		BlockBitmap:     binary.LittleEndian.Uint32(b[0x0:0x4]),
		InodeBitmap:     binary.LittleEndian.Uint32(b[0x4:0x8]),
		InodeTable:      binary.LittleEndian.Uint32(b[0x8:0xc]),
		FreeBlocks:      binary.LittleEndian.Uint16(b[0xc:0xe]),
		FreeInodes:      binary.LittleEndian.Uint16(b[0xe:0x10]),
		UsedDirectories: binary.LittleEndian.Uint16(b[0x10:0x12]),
		Flags:           binary.LittleEndian.Uint16(b[0x12:0x14]),
	}, nil
}

// putBytes encodes gd into b, leaving the reserved tail untouched
func (gd *GroupDescriptor) putBytes(b []byte) {
	binary.LittleEndian.PutUint32(b[0x0:0x4], gd.BlockBitmap)
	binary.LittleEndian.PutUint32(b[0x4:0x8], gd.InodeBitmap)
	binary.LittleEndian.PutUint32(b[0x8:0xc], gd.InodeTable)
	binary.LittleEndian.PutUint16(b[0xc:0xe], gd.FreeBlocks)
	binary.LittleEndian.PutUint16(b[0xe:0x10], gd.FreeInodes)
	binary.LittleEndian.PutUint16(b[0x10:0x12], gd.UsedDirectories)
	binary.LittleEndian.PutUint16(b[0x12:0x14], gd.Flags)
}

// groupDescriptorBlock returns the block holding descriptor block blockIndex
// of the group descriptor table.
func groupDescriptorBlock(sb *Superblock, blockIndex uint32) uint64 {
	if sb.IncompatFeatures&IncompatMetaBG != 0 && blockIndex >= sb.FirstMetaBlockGroup {
		panic(fmt.Sprintf("ext2: meta block groups are not implemented (descriptor block %d, first meta group %d)", blockIndex, sb.FirstMetaBlockGroup))
	}
	return uint64(sb.FirstDataBlock) + uint64(blockIndex) + 1
}
