package ext2

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// journal structures are big-endian, unlike the rest of ext2

type journalBlockType uint32

const (
	journalMagic uint32 = 0xc03b3998

	journalBlockDescriptor   journalBlockType = 1
	journalBlockCommit       journalBlockType = 2
	journalBlockSuperblockV1 journalBlockType = 3
	journalBlockSuperblockV2 journalBlockType = 4
	journalBlockRevoke       journalBlockType = 5

	journalHeaderSize         = 12
	journalSuperblockSize     = 1024
	journalTagSize            = 8
	journalRevokeHeaderSize   = 16
	journalUUIDSize           = 16
	journalCommitTimeOffset   = 0x30
	journalSuperblockUsersOff = 0x100

	journalTagEscape   uint16 = 0x1
	journalTagSameUUID uint16 = 0x2
	journalTagDeleted  uint16 = 0x4
	journalTagLast     uint16 = 0x8

	journalIncompatRevoke      uint32 = 0x1
	journalIncompat64Bit       uint32 = 0x2
	journalIncompatAsyncCommit uint32 = 0x4
	journalIncompatCsumV2      uint32 = 0x8
	journalIncompatCsumV3      uint32 = 0x10
	journalIncompatFastCommit  uint32 = 0x20

	supportedJournalIncompat = journalIncompatRevoke
)

type journalHeader struct {
	blockType journalBlockType
	sequence  uint32
}

// journalHeaderFromBytes returns false when b does not start with a journal header
func journalHeaderFromBytes(b []byte) (journalHeader, bool) {
	if len(b) < journalHeaderSize || binary.BigEndian.Uint32(b[0x0:0x4]) != journalMagic {
		return journalHeader{}, false
	}
	return journalHeader{
		blockType: journalBlockType(binary.BigEndian.Uint32(b[0x4:0x8])),
		sequence:  binary.BigEndian.Uint32(b[0x8:0xc]),
	}, true
}

func (h journalHeader) putBytes(b []byte) {
	binary.BigEndian.PutUint32(b[0x0:0x4], journalMagic)
	binary.BigEndian.PutUint32(b[0x4:0x8], uint32(h.blockType))
	binary.BigEndian.PutUint32(b[0x8:0xc], h.sequence)
}

// journalSuperblock is the first block of the journal
type journalSuperblock struct {
	blockType       journalBlockType
	blockSize       uint32
	maxLen          uint32
	first           uint32
	sequence        uint32
	start           uint32
	errno           int32
	featureCompat   uint32
	featureIncompat uint32
	featureROCompat uint32
	uuid            uuid.UUID
	users           uint32
	raw             []byte
}

func journalSuperblockFromBytes(b []byte) (*journalSuperblock, error) {
	if len(b) < journalSuperblockSize {
		return nil, fmt.Errorf("%w: cannot read journal superblock from %d bytes", ErrBadValue, len(b))
	}
	h, ok := journalHeaderFromBytes(b)
	if !ok {
		return nil, fmt.Errorf("%w: journal superblock has bad signature", ErrBadValue)
	}
	if h.blockType != journalBlockSuperblockV1 && h.blockType != journalBlockSuperblockV2 {
		return nil, fmt.Errorf("%w: journal superblock has block type %d", ErrBadValue, h.blockType)
	}
	jsb := journalSuperblock{
		blockType: h.blockType,
		blockSize: binary.BigEndian.Uint32(b[0xc:0x10]),
		maxLen:    binary.BigEndian.Uint32(b[0x10:0x14]),
		first:     binary.BigEndian.Uint32(b[0x14:0x18]),
		sequence:  binary.BigEndian.Uint32(b[0x18:0x1c]),
		start:     binary.BigEndian.Uint32(b[0x1c:0x20]),
		errno:     int32(binary.BigEndian.Uint32(b[0x20:0x24])),
	}
	// version 1 superblocks end after errno
	if h.blockType == journalBlockSuperblockV2 {
		jsb.featureCompat = binary.BigEndian.Uint32(b[0x24:0x28])
		jsb.featureIncompat = binary.BigEndian.Uint32(b[0x28:0x2c])
		jsb.featureROCompat = binary.BigEndian.Uint32(b[0x2c:0x30])
		copy(jsb.uuid[:], b[0x30:0x40])
		jsb.users = binary.BigEndian.Uint32(b[0x40:0x44])
	}
	jsb.raw = make([]byte, journalSuperblockSize)
	copy(jsb.raw, b)
	return &jsb, nil
}

func (jsb *journalSuperblock) toBytes(blockSize int) []byte {
	b := make([]byte, blockSize)
	copy(b, jsb.raw)
	journalHeader{blockType: jsb.blockType}.putBytes(b)
	binary.BigEndian.PutUint32(b[0xc:0x10], jsb.blockSize)
	binary.BigEndian.PutUint32(b[0x10:0x14], jsb.maxLen)
	binary.BigEndian.PutUint32(b[0x14:0x18], jsb.first)
	binary.BigEndian.PutUint32(b[0x18:0x1c], jsb.sequence)
	binary.BigEndian.PutUint32(b[0x1c:0x20], jsb.start)
	binary.BigEndian.PutUint32(b[0x20:0x24], uint32(jsb.errno))
	if jsb.blockType == journalBlockSuperblockV2 {
		binary.BigEndian.PutUint32(b[0x24:0x28], jsb.featureCompat)
		binary.BigEndian.PutUint32(b[0x28:0x2c], jsb.featureIncompat)
		binary.BigEndian.PutUint32(b[0x2c:0x30], jsb.featureROCompat)
		copy(b[0x30:0x40], jsb.uuid[:])
		binary.BigEndian.PutUint32(b[0x40:0x44], jsb.users)
	}
	return b
}

func (jsb *journalSuperblock) checkFeatures() error {
	if jsb.blockType == journalBlockSuperblockV1 {
		return nil
	}
	if unsupported := jsb.featureIncompat &^ supportedJournalIncompat; unsupported != 0 {
		return fmt.Errorf("%w: journal incompatible features %#x", ErrNotSupported, unsupported)
	}
	return nil
}

// journalTag names one logged block inside a descriptor block
type journalTag struct {
	block uint32
	flags uint16
}

// tagsPerDescriptor is how many tags always fit in one descriptor block, counting one UUID
func tagsPerDescriptor(blockSize int) int {
	return (blockSize - journalHeaderSize - journalUUIDSize) / journalTagSize
}

// parseDescriptorTags reads the tags of a descriptor block
func parseDescriptorTags(b []byte) ([]journalTag, error) {
	var tags []journalTag
	offset := journalHeaderSize
	for {
		if offset+journalTagSize > len(b) {
			return nil, fmt.Errorf("%w: descriptor block ends without a last tag", ErrBadValue)
		}
		tag := journalTag{
			block: binary.BigEndian.Uint32(b[offset : offset+4]),
			flags: binary.BigEndian.Uint16(b[offset+6 : offset+8]),
		}
		offset += journalTagSize
		if tag.flags&journalTagSameUUID == 0 {
			offset += journalUUIDSize
		}
		tags = append(tags, tag)
		if tag.flags&journalTagLast != 0 {
			return tags, nil
		}
	}
}

// descriptorBlock builds a descriptor block for tags. The first tag carries the journal UUID.
func descriptorBlock(blockSize int, sequence uint32, id uuid.UUID, tags []journalTag) []byte {
	b := make([]byte, blockSize)
	journalHeader{blockType: journalBlockDescriptor, sequence: sequence}.putBytes(b)
	offset := journalHeaderSize
	for i, tag := range tags {
		flags := tag.flags
		if i > 0 {
			flags |= journalTagSameUUID
		}
		if i == len(tags)-1 {
			flags |= journalTagLast
		}
		binary.BigEndian.PutUint32(b[offset:offset+4], tag.block)
		binary.BigEndian.PutUint16(b[offset+6:offset+8], flags)
		offset += journalTagSize
		if i == 0 {
			copy(b[offset:offset+journalUUIDSize], id[:])
			offset += journalUUIDSize
		}
	}
	return b
}

// parseRevokeBlock returns the blocks revoked by a revoke block
func parseRevokeBlock(b []byte) ([]uint32, error) {
	count := int(binary.BigEndian.Uint32(b[0xc:0x10]))
	if count < journalRevokeHeaderSize || count > len(b) {
		return nil, fmt.Errorf("%w: revoke block claims %d bytes", ErrBadValue, count)
	}
	var blocks []uint32
	for offset := journalRevokeHeaderSize; offset+4 <= count; offset += 4 {
		blocks = append(blocks, binary.BigEndian.Uint32(b[offset:offset+4]))
	}
	return blocks, nil
}

func revokeBlock(blockSize int, sequence uint32, blocks []uint32) []byte {
	b := make([]byte, blockSize)
	journalHeader{blockType: journalBlockRevoke, sequence: sequence}.putBytes(b)
	count := journalRevokeHeaderSize + 4*len(blocks)
	binary.BigEndian.PutUint32(b[0xc:0x10], uint32(count))
	for i, block := range blocks {
		binary.BigEndian.PutUint32(b[journalRevokeHeaderSize+4*i:], block)
	}
	return b
}

func commitBlock(blockSize int, sequence uint32, sec uint64, nsec uint32) []byte {
	b := make([]byte, blockSize)
	journalHeader{blockType: journalBlockCommit, sequence: sequence}.putBytes(b)
	binary.BigEndian.PutUint64(b[journalCommitTimeOffset:journalCommitTimeOffset+8], sec)
	binary.BigEndian.PutUint32(b[journalCommitTimeOffset+8:journalCommitTimeOffset+12], nsec)
	return b
}

// escapeBlock clears a leading journal signature so the block cannot be taken for
// journal metadata. It reports whether it did.
func escapeBlock(b []byte) bool {
	if binary.BigEndian.Uint32(b[0:4]) != journalMagic {
		return false
	}
	clear(b[0:4])
	return true
}

func unescapeBlock(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], journalMagic)
}
