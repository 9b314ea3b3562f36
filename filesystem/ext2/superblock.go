package ext2

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/diskfs/go-ext2/backend"
	"github.com/google/uuid"
)

type filesystemState uint16

const (
	// SuperblockOffset is the byte offset of the primary superblock from the start of the volume
	SuperblockOffset int64 = 1024
	// SuperblockSize is the on-disk size of the superblock
	SuperblockSize int = 1024

	superblockSignature uint16 = 0xef53

	fsStateCleanlyUnmounted filesystemState = 0x0001
	fsStateErrors           filesystemState = 0x0002

	errorsContinue uint16 = 1

	minBlockLogSize = 10
	maxBlockLogSize = 16

	goodOldRevision    uint32 = 0
	dynamicRevision    uint32 = 1
	goodOldInodeSize   uint16 = 128
	goodOldFirstInode  uint32 = 11
	volumeNameLength          = 16
	lastMountedLength         = 64
	superblockUUIDSize        = 16
)

// Compatible features: an implementation that does not know them can still read and write the volume
const (
	CompatDirPrealloc  uint32 = 0x1
	CompatImagicInodes uint32 = 0x2
	CompatHasJournal   uint32 = 0x4
	CompatExtAttr      uint32 = 0x8
	CompatResizeInode  uint32 = 0x10
	CompatDirIndex     uint32 = 0x20
)

// Incompatible features: an implementation that does not know them must not mount the volume
const (
	IncompatCompression uint32 = 0x1
	IncompatFileType    uint32 = 0x2
	IncompatRecover     uint32 = 0x4
	IncompatJournalDev  uint32 = 0x8
	IncompatMetaBG      uint32 = 0x10
	IncompatExtents     uint32 = 0x40
	Incompat64Bit       uint32 = 0x80
	IncompatFlexBG      uint32 = 0x200

	supportedIncompat = IncompatFileType | IncompatRecover | IncompatJournalDev
)

// Read-only compatible features: an implementation that does not know them may only mount read-only
const (
	ROCompatSparseSuper uint32 = 0x1
	ROCompatLargeFile   uint32 = 0x2
	ROCompatBtreeDir    uint32 = 0x4
	ROCompatHugeFile    uint32 = 0x8
	ROCompatGDTChecksum uint32 = 0x10

	supportedROCompat = ROCompatSparseSuper | ROCompatHugeFile
)

// Superblock is the ext2 superblock. Fields not listed here are kept from the
// bytes the superblock was read from, so a read superblock writes back unchanged.
type Superblock struct {
	InodesCount         uint32
	BlocksCount         uint32
	ReservedBlocks      uint32
	FreeBlocks          uint32
	FreeInodes          uint32
	FirstDataBlock      uint32
	LogBlockSize        uint32
	LogFragSize         uint32
	BlocksPerGroup      uint32
	FragsPerGroup       uint32
	InodesPerGroup      uint32
	MountTime           time.Time
	WriteTime           time.Time
	MountCount          uint16
	MaxMountCount       uint16
	Magic               uint16
	State               uint16
	Errors              uint16
	MinorRevision       uint16
	LastCheck           time.Time
	CheckInterval       uint32
	CreatorOS           uint32
	RevisionLevel       uint32
	FirstInode          uint32
	InodeSize           uint16
	BlockGroupNumber    uint16
	CompatFeatures      uint32
	IncompatFeatures    uint32
	ROCompatFeatures    uint32
	UUID                uuid.UUID
	VolumeName          string
	LastMounted         string
	JournalUUID         uuid.UUID
	JournalInode        uint32
	JournalDevice       uint32
	LastOrphan          uint32
	FirstMetaBlockGroup uint32

	raw []byte
}

// superblockFromBytes decodes a superblock without validating it
func superblockFromBytes(b []byte) (*Superblock, error) {
	if len(b) != SuperblockSize {
		return nil, fmt.Errorf("cannot read superblock from %d bytes instead of expected %d", len(b), SuperblockSize)
	}
	sb := Superblock{
		InodesCount:         binary.LittleEndian.Uint32(b[0x0:0x4]),
		BlocksCount:         binary.LittleEndian.Uint32(b[0x4:0x8]),
		ReservedBlocks:      binary.LittleEndian.Uint32(b[0x8:0xc]),
		FreeBlocks:          binary.LittleEndian.Uint32(b[0xc:0x10]),
		FreeInodes:          binary.LittleEndian.Uint32(b[0x10:0x14]),
		FirstDataBlock:      binary.LittleEndian.Uint32(b[0x14:0x18]),
		LogBlockSize:        binary.LittleEndian.Uint32(b[0x18:0x1c]),
		LogFragSize:         binary.LittleEndian.Uint32(b[0x1c:0x20]),
		BlocksPerGroup:      binary.LittleEndian.Uint32(b[0x20:0x24]),
		FragsPerGroup:       binary.LittleEndian.Uint32(b[0x24:0x28]),
		InodesPerGroup:      binary.LittleEndian.Uint32(b[0x28:0x2c]),
		MountTime:           time.Unix(int64(binary.LittleEndian.Uint32(b[0x2c:0x30])), 0),
		WriteTime:           time.Unix(int64(binary.LittleEndian.Uint32(b[0x30:0x34])), 0),
		MountCount:          binary.LittleEndian.Uint16(b[0x34:0x36]),
		MaxMountCount:       binary.LittleEndian.Uint16(b[0x36:0x38]),
		Magic:               binary.LittleEndian.Uint16(b[0x38:0x3a]),
		State:               binary.LittleEndian.Uint16(b[0x3a:0x3c]),
		Errors:              binary.LittleEndian.Uint16(b[0x3c:0x3e]),
		MinorRevision:       binary.LittleEndian.Uint16(b[0x3e:0x40]),
		LastCheck:           time.Unix(int64(binary.LittleEndian.Uint32(b[0x40:0x44])), 0),
		CheckInterval:       binary.LittleEndian.Uint32(b[0x44:0x48]),
		CreatorOS:           binary.LittleEndian.Uint32(b[0x48:0x4c]),
		RevisionLevel:       binary.LittleEndian.Uint32(b[0x4c:0x50]),
		FirstInode:          binary.LittleEndian.Uint32(b[0x54:0x58]),
		InodeSize:           binary.LittleEndian.Uint16(b[0x58:0x5a]),
		BlockGroupNumber:    binary.LittleEndian.Uint16(b[0x5a:0x5c]),
		CompatFeatures:      binary.LittleEndian.Uint32(b[0x5c:0x60]),
		IncompatFeatures:    binary.LittleEndian.Uint32(b[0x60:0x64]),
		ROCompatFeatures:    binary.LittleEndian.Uint32(b[0x64:0x68]),
		VolumeName:          cString(b[0x78:0x88]),
		LastMounted:         cString(b[0x88:0xc8]),
		JournalInode:        binary.LittleEndian.Uint32(b[0xe0:0xe4]),
		JournalDevice:       binary.LittleEndian.Uint32(b[0xe4:0xe8]),
		LastOrphan:          binary.LittleEndian.Uint32(b[0xe8:0xec]),
		FirstMetaBlockGroup: binary.LittleEndian.Uint32(b[0x104:0x108]),
	}
	copy(sb.UUID[:], b[0x68:0x78])
	copy(sb.JournalUUID[:], b[0xd0:0xe0])
	sb.raw = make([]byte, SuperblockSize)
	copy(sb.raw, b)
	return &sb, nil
}

// toBytes encodes the superblock over the bytes it was read from
func (sb *Superblock) toBytes() []byte {
	b := make([]byte, SuperblockSize)
	copy(b, sb.raw)

	binary.LittleEndian.PutUint32(b[0x0:0x4], sb.InodesCount)
	binary.LittleEndian.PutUint32(b[0x4:0x8], sb.BlocksCount)
	binary.LittleEndian.PutUint32(b[0x8:0xc], sb.ReservedBlocks)
	binary.LittleEndian.PutUint32(b[0xc:0x10], sb.FreeBlocks)
	binary.LittleEndian.PutUint32(b[0x10:0x14], sb.FreeInodes)
	binary.LittleEndian.PutUint32(b[0x14:0x18], sb.FirstDataBlock)
	binary.LittleEndian.PutUint32(b[0x18:0x1c], sb.LogBlockSize)
	binary.LittleEndian.PutUint32(b[0x1c:0x20], sb.LogFragSize)
	binary.LittleEndian.PutUint32(b[0x20:0x24], sb.BlocksPerGroup)
	binary.LittleEndian.PutUint32(b[0x24:0x28], sb.FragsPerGroup)
	binary.LittleEndian.PutUint32(b[0x28:0x2c], sb.InodesPerGroup)
	binary.LittleEndian.PutUint32(b[0x2c:0x30], unixSeconds(sb.MountTime))
	binary.LittleEndian.PutUint32(b[0x30:0x34], unixSeconds(sb.WriteTime))
	binary.LittleEndian.PutUint16(b[0x34:0x36], sb.MountCount)
	binary.LittleEndian.PutUint16(b[0x36:0x38], sb.MaxMountCount)
	binary.LittleEndian.PutUint16(b[0x38:0x3a], sb.Magic)
	binary.LittleEndian.PutUint16(b[0x3a:0x3c], sb.State)
	binary.LittleEndian.PutUint16(b[0x3c:0x3e], sb.Errors)
	binary.LittleEndian.PutUint16(b[0x3e:0x40], sb.MinorRevision)
	binary.LittleEndian.PutUint32(b[0x40:0x44], unixSeconds(sb.LastCheck))
	binary.LittleEndian.PutUint32(b[0x44:0x48], sb.CheckInterval)
	binary.LittleEndian.PutUint32(b[0x48:0x4c], sb.CreatorOS)
	binary.LittleEndian.PutUint32(b[0x4c:0x50], sb.RevisionLevel)
	binary.LittleEndian.PutUint32(b[0x54:0x58], sb.FirstInode)
	binary.LittleEndian.PutUint16(b[0x58:0x5a], sb.InodeSize)
	binary.LittleEndian.PutUint16(b[0x5a:0x5c], sb.BlockGroupNumber)
	binary.LittleEndian.PutUint32(b[0x5c:0x60], sb.CompatFeatures)
	binary.LittleEndian.PutUint32(b[0x60:0x64], sb.IncompatFeatures)
	binary.LittleEndian.PutUint32(b[0x64:0x68], sb.ROCompatFeatures)
	copy(b[0x68:0x78], sb.UUID[:])
	putCString(b[0x78:0x88], sb.VolumeName)
	putCString(b[0x88:0xc8], sb.LastMounted)
	copy(b[0xd0:0xe0], sb.JournalUUID[:])
	binary.LittleEndian.PutUint32(b[0xe0:0xe4], sb.JournalInode)
	binary.LittleEndian.PutUint32(b[0xe4:0xe8], sb.JournalDevice)
	binary.LittleEndian.PutUint32(b[0xe8:0xec], sb.LastOrphan)
	binary.LittleEndian.PutUint32(b[0x104:0x108], sb.FirstMetaBlockGroup)
	return b
}

// IsValid reports whether the superblock carries the ext2 signature
func (sb *Superblock) IsValid() bool {
	return sb.Magic == superblockSignature
}

// validate checks the geometry fields that later arithmetic divides by or shifts with
func (sb *Superblock) validate() error {
	if !sb.IsValid() {
		return fmt.Errorf("%w: signature %#x instead of expected %#x", ErrBadValue, sb.Magic, superblockSignature)
	}
	if sb.LogBlockSize > maxBlockLogSize-minBlockLogSize {
		return fmt.Errorf("%w: block size shift %d too large", ErrBadValue, sb.LogBlockSize)
	}
	blockSize := sb.BlockSize()
	switch {
	case sb.BlocksPerGroup == 0 || sb.BlocksPerGroup > 8*blockSize:
		return fmt.Errorf("%w: %d blocks per group", ErrBadValue, sb.BlocksPerGroup)
	case sb.InodesPerGroup == 0 || sb.InodesPerGroup > 8*blockSize:
		return fmt.Errorf("%w: %d inodes per group", ErrBadValue, sb.InodesPerGroup)
	case sb.BlocksCount <= sb.FirstDataBlock:
		return fmt.Errorf("%w: %d blocks with first data block %d", ErrBadValue, sb.BlocksCount, sb.FirstDataBlock)
	case sb.FirstDataBlock > 1:
		return fmt.Errorf("%w: first data block %d", ErrBadValue, sb.FirstDataBlock)
	}
	inodeSize := sb.inodeSize()
	if inodeSize < uint32(goodOldInodeSize) || inodeSize > blockSize || inodeSize&(inodeSize-1) != 0 {
		return fmt.Errorf("%w: inode size %d", ErrBadValue, inodeSize)
	}
	if sb.firstInode() <= RootInode || sb.firstInode() > sb.InodesCount {
		return fmt.Errorf("%w: first inode %d", ErrBadValue, sb.firstInode())
	}
	if uint64(sb.InodesCount) > uint64(sb.InodesPerGroup)*uint64(sb.numGroups()) {
		return fmt.Errorf("%w: %d inodes do not fit in %d groups", ErrBadValue, sb.InodesCount, sb.numGroups())
	}
	return nil
}

// BlockShift returns log2 of the block size
func (sb *Superblock) BlockShift() uint32 {
	return minBlockLogSize + sb.LogBlockSize
}

// BlockSize returns the block size in bytes
func (sb *Superblock) BlockSize() uint32 {
	return 1 << sb.BlockShift()
}

func (sb *Superblock) numGroups() uint32 {
	return (sb.BlocksCount - sb.FirstDataBlock + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
}

func (sb *Superblock) inodeSize() uint32 {
	if sb.RevisionLevel == goodOldRevision {
		return uint32(goodOldInodeSize)
	}
	return uint32(sb.InodeSize)
}

func (sb *Superblock) firstInode() uint32 {
	if sb.RevisionLevel == goodOldRevision {
		return goodOldFirstInode
	}
	return sb.FirstInode
}

// HasJournal reports whether the volume has a journal
func (sb *Superblock) HasJournal() bool {
	return sb.CompatFeatures&CompatHasJournal != 0
}

// NeedsRecovery reports whether the journal holds transactions not yet written in place
func (sb *Superblock) NeedsRecovery() bool {
	return sb.IncompatFeatures&IncompatRecover != 0
}

// UnsupportedIncompatFeatures returns the incompatible feature bits this package cannot handle
func (sb *Superblock) UnsupportedIncompatFeatures() uint32 {
	return sb.IncompatFeatures &^ supportedIncompat
}

// UnsupportedReadOnlyFeatures returns the read-only compatible feature bits that prevent a read-write mount
func (sb *Superblock) UnsupportedReadOnlyFeatures() uint32 {
	return sb.ROCompatFeatures &^ supportedROCompat
}

// location returns the block holding the primary superblock and the byte offset within it
func (sb *Superblock) location() (block uint64, offset int) {
	blockSize := int64(sb.BlockSize())
	return uint64(SuperblockOffset / blockSize), int(SuperblockOffset % blockSize)
}

func (sb *Superblock) copy() *Superblock {
	out := *sb
	out.raw = make([]byte, len(sb.raw))
	copy(out.raw, sb.raw)
	return &out
}

// Identify reads and checks the primary superblock of storage
func Identify(storage backend.Storage) (*Superblock, error) {
	b := make([]byte, SuperblockSize)
	if err := backend.ReadFull(storage, b, SuperblockOffset); err != nil {
		return nil, fmt.Errorf("%w: could not read superblock: %v", ErrIO, err)
	}
	sb, err := superblockFromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	if err := sb.validate(); err != nil {
		return nil, err
	}
	if unsupported := sb.UnsupportedIncompatFeatures(); unsupported != 0 {
		return nil, fmt.Errorf("%w: incompatible features %#x", ErrNotSupported, unsupported)
	}
	return sb, nil
}

func unixSeconds(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Unix())
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func putCString(b []byte, s string) {
	clear(b)
	copy(b, s)
}
