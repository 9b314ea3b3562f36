package ext2

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/diskfs/go-ext2/backend"
	"github.com/diskfs/go-ext2/util/bitmap"
	"github.com/google/uuid"
)

const (
	// DefaultInodeRatio is the number of bytes of volume per inode
	DefaultInodeRatio int64 = 8192
	// DefaultInodeSize is the on-disk inode size of new volumes
	DefaultInodeSize uint16 = 128
	// DefaultReservedBlocksPercent is the share of blocks reserved for the superuser
	DefaultReservedBlocksPercent uint32 = 5

	minBlocksPerGroup    uint32 = 256
	// group descriptors count free blocks and inodes in 16 bits
	maxPerGroup          uint32 = 65528
	minJournalBlocks     uint32 = 16
	minInodesPerGroup    uint32 = 16
	smallVolumeThreshold int64  = 512 << 20
	creatorOSLinux       uint32 = 0
)

// Params are the options for Create. Zero values pick defaults.
type Params struct {
	UUID           *uuid.UUID
	BlockSize      uint32
	BlocksPerGroup uint32
	InodesPerGroup uint32
	InodeRatio     int64
	InodeSize      uint16
	VolumeName     string
	// JournalBlocks is the size of the internal journal; 0 creates no journal
	JournalBlocks uint32
	// extra feature bits, added to the defaults
	CompatFeatures   uint32
	IncompatFeatures uint32
	ROCompatFeatures uint32
}

// groupLayout is where the metadata of one block group lives
type groupLayout struct {
	start       uint32
	blocks      uint32
	hasSuper    bool
	blockBitmap uint32
	inodeBitmap uint32
	inodeTable  uint32
	// firstFree is the first block after the group's metadata
	firstFree uint32
}

// hasSuperblockBackup reports whether group g holds a superblock copy:
// groups 0 and 1 and the powers of 3, 5 and 7.
func hasSuperblockBackup(g uint32) bool {
	if g <= 1 {
		return true
	}
	for _, base := range []uint32{3, 5, 7} {
		n := base
		for n < g {
			n *= base
		}
		if n == g {
			return true
		}
	}
	return false
}

type layout struct {
	blockSize        uint32
	numBlocks        uint32
	firstDataBlock   uint32
	blocksPerGroup   uint32
	numGroups        uint32
	inodesPerGroup   uint32
	inodeSize        uint32
	gdtBlocks        uint32
	inodeTableBlocks uint32
}

func (l *layout) group(g uint32) groupLayout {
	gl := groupLayout{
		start:    l.firstDataBlock + g*l.blocksPerGroup,
		hasSuper: hasSuperblockBackup(g),
	}
	gl.blocks = min(l.blocksPerGroup, l.numBlocks-gl.start)
	next := gl.start
	if gl.hasSuper {
		next += 1 + l.gdtBlocks
	}
	gl.blockBitmap = next
	gl.inodeBitmap = next + 1
	gl.inodeTable = next + 2
	gl.firstFree = gl.inodeTable + l.inodeTableBlocks
	return gl
}

func (l *layout) overhead(g uint32) uint32 {
	gl := l.group(g)
	return gl.firstFree - gl.start
}

// Create formats storage, which must be at least size bytes, with an ext2 filesystem
//
//nolint:gocyclo // formatting has many independent steps
func Create(storage backend.Storage, size int64, p *Params) (*Superblock, error) {
	if p == nil {
		p = &Params{}
	}
	if err := validateVolumeName(p.VolumeName); err != nil {
		return nil, err
	}
	fsuuid := p.UUID
	if fsuuid == nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return nil, fmt.Errorf("could not generate volume uuid: %w", err)
		}
		fsuuid = &id
	}

	blockSize := p.BlockSize
	if blockSize == 0 {
		blockSize = 4096
		if size < smallVolumeThreshold {
			blockSize = 1024
		}
	}
	if blockSize < 1<<minBlockLogSize || blockSize > 1<<maxBlockLogSize || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("%w: invalid block size %d", ErrBadValue, blockSize)
	}
	if size/int64(blockSize) > int64(^uint32(0)) {
		return nil, fmt.Errorf("%w: %d bytes is too large for block size %d", ErrBadValue, size, blockSize)
	}

	blocksPerGroup := p.BlocksPerGroup
	switch {
	case blocksPerGroup == 0:
		blocksPerGroup = min(blockSize*8, maxPerGroup)
	case blocksPerGroup < minBlocksPerGroup:
		return nil, fmt.Errorf("%w: invalid number of blocks per group %d, must be at least %d", ErrBadValue, blocksPerGroup, minBlocksPerGroup)
	case blocksPerGroup > 8*blockSize || blocksPerGroup > maxPerGroup:
		return nil, fmt.Errorf("%w: invalid number of blocks per group %d, must be no larger than 8*blocksize of %d", ErrBadValue, blocksPerGroup, blockSize)
	case blocksPerGroup%8 != 0:
		return nil, fmt.Errorf("%w: invalid number of blocks per group %d, must be divisible by 8", ErrBadValue, blocksPerGroup)
	}

	inodeSize := p.InodeSize
	if inodeSize == 0 {
		inodeSize = DefaultInodeSize
	}
	if inodeSize < goodOldInodeSize || uint32(inodeSize) > blockSize || inodeSize&(inodeSize-1) != 0 {
		return nil, fmt.Errorf("%w: invalid inode size %d", ErrBadValue, inodeSize)
	}

	l := layout{
		blockSize:      blockSize,
		numBlocks:      uint32(size / int64(blockSize)),
		blocksPerGroup: blocksPerGroup,
		inodeSize:      uint32(inodeSize),
	}
	if blockSize == 1024 {
		l.firstDataBlock = 1
	}
	if l.numBlocks <= l.firstDataBlock {
		return nil, fmt.Errorf("%w: %d bytes is too small for a filesystem", ErrBadValue, size)
	}
	l.numGroups = (l.numBlocks - l.firstDataBlock + blocksPerGroup - 1) / blocksPerGroup

	inodesPerBlock := blockSize / uint32(inodeSize)
	l.inodesPerGroup = p.InodesPerGroup
	if l.inodesPerGroup == 0 {
		ratio := p.InodeRatio
		if ratio <= 0 {
			ratio = DefaultInodeRatio
		}
		total := uint32(int64(l.numBlocks) * int64(blockSize) / ratio)
		l.inodesPerGroup = max(minInodesPerGroup, (total+l.numGroups-1)/l.numGroups)
	}
	// fill whole inode table blocks, and whole bytes of the inode bitmap
	l.inodesPerGroup = (l.inodesPerGroup + inodesPerBlock - 1) / inodesPerBlock * inodesPerBlock
	l.inodesPerGroup = (l.inodesPerGroup + 7) / 8 * 8
	if l.inodesPerGroup > 8*blockSize || l.inodesPerGroup > maxPerGroup {
		return nil, fmt.Errorf("%w: %d inodes per group do not fit in one bitmap block", ErrBadValue, l.inodesPerGroup)
	}
	if l.inodesPerGroup < goodOldFirstInode {
		return nil, fmt.Errorf("%w: %d inodes per group leave no room for the reserved inodes", ErrBadValue, l.inodesPerGroup)
	}
	l.inodeTableBlocks = l.inodesPerGroup * uint32(inodeSize) / blockSize
	l.gdtBlocks = (l.numGroups*groupDescriptorSize + blockSize - 1) / blockSize

	// a last group too small to hold its own metadata is dropped
	if last := l.numGroups - 1; l.numGroups > 1 && l.group(last).blocks < l.overhead(last)+minInodesPerGroup {
		l.numBlocks = l.group(last).start
		l.numGroups--
		l.gdtBlocks = (l.numGroups*groupDescriptorSize + blockSize - 1) / blockSize
	}
	if g0 := l.group(0); g0.blocks <= l.overhead(0) {
		return nil, fmt.Errorf("%w: %d bytes is too small for the metadata of a block group", ErrBadValue, size)
	}
	inodeCount := l.inodesPerGroup * l.numGroups

	// group 0 holds the root directory block and the journal after its metadata
	g0 := l.group(0)
	rootBlock := g0.firstFree
	var (
		journal     *journalLayout
		used0       = l.overhead(0) + 1
		now         = time.Now()
		compat      = p.CompatFeatures
		firstInodes = goodOldFirstInode - 1
	)
	if p.JournalBlocks > 0 {
		if p.JournalBlocks < minJournalBlocks {
			return nil, fmt.Errorf("%w: journal of %d blocks is smaller than the minimum of %d", ErrBadValue, p.JournalBlocks, minJournalBlocks)
		}
		var err error
		if journal, err = layoutJournal(rootBlock+1, p.JournalBlocks, blockSize); err != nil {
			return nil, err
		}
		used0 += journal.total()
		compat |= CompatHasJournal
	}
	if used0 > g0.blocks {
		return nil, fmt.Errorf("%w: root directory and journal need %d blocks, block group 0 has %d", ErrBadValue, used0, g0.blocks)
	}

	// bitmaps and descriptors
	gdt := make([]byte, l.gdtBlocks*blockSize)
	var freeBlocks uint32
	for g := uint32(0); g < l.numGroups; g++ {
		gl := l.group(g)
		used := l.overhead(g)
		inodesUsed := 0
		dirs := uint16(0)
		if g == 0 {
			used = used0
			inodesUsed = int(firstInodes)
			dirs = 1
		}

		blockBitmap := bitmap.FromBytes(make([]byte, blockSize), 0)
		if err := blockBitmap.SetRange(0, int(used)); err != nil {
			return nil, fmt.Errorf("could not build block bitmap of group %d: %w", g, err)
		}
		if err := blockBitmap.SetRange(int(gl.blocks), int(8*blockSize-gl.blocks)); err != nil {
			return nil, fmt.Errorf("could not pad block bitmap of group %d: %w", g, err)
		}
		inodeBitmap := bitmap.FromBytes(make([]byte, blockSize), 0)
		if err := inodeBitmap.SetRange(0, inodesUsed); err != nil {
			return nil, fmt.Errorf("could not build inode bitmap of group %d: %w", g, err)
		}
		if err := inodeBitmap.SetRange(int(l.inodesPerGroup), int(8*blockSize-l.inodesPerGroup)); err != nil {
			return nil, fmt.Errorf("could not pad inode bitmap of group %d: %w", g, err)
		}
		if err := writeBlock(storage, blockSize, gl.blockBitmap, blockBitmap.ToBytes()); err != nil {
			return nil, err
		}
		if err := writeBlock(storage, blockSize, gl.inodeBitmap, inodeBitmap.ToBytes()); err != nil {
			return nil, err
		}
		if err := writeBlock(storage, blockSize, gl.inodeTable, make([]byte, l.inodeTableBlocks*blockSize)); err != nil {
			return nil, err
		}

		gd := GroupDescriptor{
			BlockBitmap:     gl.blockBitmap,
			InodeBitmap:     gl.inodeBitmap,
			InodeTable:      gl.inodeTable,
			FreeBlocks:      uint16(gl.blocks - used),
			FreeInodes:      uint16(int(l.inodesPerGroup) - inodesUsed),
			UsedDirectories: dirs,
		}
		gd.putBytes(gdt[g*groupDescriptorSize:])
		freeBlocks += gl.blocks - used
	}

	// root directory
	dir, err := directoryBlock([]DirectoryEntry{
		{Inode: RootInode, Name: ".", FileType: uint8(dirFileTypeDirectory)},
		{Inode: RootInode, Name: "..", FileType: uint8(dirFileTypeDirectory)},
	}, int(blockSize), true)
	if err != nil {
		return nil, err
	}
	if err := writeBlock(storage, blockSize, rootBlock, dir); err != nil {
		return nil, err
	}
	root := &Inode{
		Number:     RootInode,
		Mode:       ModeDirectory | 0o755,
		Size:       uint64(blockSize),
		AccessTime: now,
		ChangeTime: now,
		ModifyTime: now,
		Links:      2,
		Sectors:    blockSize / 512,
	}
	root.Block[0] = rootBlock
	if err := writeNewInode(storage, &l, g0, root); err != nil {
		return nil, err
	}

	if journal != nil {
		if err := journal.write(storage, blockSize, *fsuuid); err != nil {
			return nil, err
		}
		jin := &Inode{
			Number:     JournalInode,
			Mode:       ModeRegular | 0o600,
			Size:       uint64(p.JournalBlocks) * uint64(blockSize),
			AccessTime: now,
			ChangeTime: now,
			ModifyTime: now,
			Links:      1,
			Sectors:    journal.total() * (blockSize / 512),
			Block:      journal.inodeBlocks,
		}
		if err := writeNewInode(storage, &l, g0, jin); err != nil {
			return nil, err
		}
	}

	sb := &Superblock{
		InodesCount:      inodeCount,
		BlocksCount:      l.numBlocks,
		ReservedBlocks:   l.numBlocks / 100 * DefaultReservedBlocksPercent,
		FreeBlocks:       freeBlocks,
		FreeInodes:       inodeCount - firstInodes,
		FirstDataBlock:   l.firstDataBlock,
		LogBlockSize:     log2(blockSize) - minBlockLogSize,
		LogFragSize:      log2(blockSize) - minBlockLogSize,
		BlocksPerGroup:   blocksPerGroup,
		FragsPerGroup:    blocksPerGroup,
		InodesPerGroup:   l.inodesPerGroup,
		WriteTime:        now,
		MaxMountCount:    0xffff,
		Magic:            superblockSignature,
		State:            uint16(fsStateCleanlyUnmounted),
		Errors:           errorsContinue,
		LastCheck:        now,
		CreatorOS:        creatorOSLinux,
		RevisionLevel:    dynamicRevision,
		FirstInode:       goodOldFirstInode,
		InodeSize:        inodeSize,
		CompatFeatures:   compat,
		IncompatFeatures: IncompatFileType | p.IncompatFeatures,
		ROCompatFeatures: ROCompatSparseSuper | p.ROCompatFeatures,
		UUID:             *fsuuid,
		VolumeName:       p.VolumeName,
	}
	if journal != nil {
		sb.JournalInode = JournalInode
	}

	for g := uint32(0); g < l.numGroups; g++ {
		gl := l.group(g)
		if !gl.hasSuper {
			continue
		}
		sb.BlockGroupNumber = uint16(g)
		offset := int64(gl.start) * int64(blockSize)
		if g == 0 {
			offset = SuperblockOffset
		}
		if _, err := storage.WriteAt(sb.toBytes(), offset); err != nil {
			return nil, fmt.Errorf("%w: error writing superblock for block group %d: %v", ErrIO, g, err)
		}
		if err := writeBlock(storage, blockSize, gl.start+1, gdt); err != nil {
			return nil, err
		}
	}
	sb.BlockGroupNumber = 0
	if err := storage.Sync(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return superblockFromBytes(sb.toBytes())
}

func writeBlock(storage backend.Storage, blockSize, block uint32, b []byte) error {
	if _, err := storage.WriteAt(b, int64(block)*int64(blockSize)); err != nil {
		return fmt.Errorf("%w: could not write block %d: %v", ErrIO, block, err)
	}
	return nil
}

// writeNewInode writes in into the inode table of group 0
func writeNewInode(storage backend.Storage, l *layout, g0 groupLayout, in *Inode) error {
	b := make([]byte, l.inodeSize)
	in.putBytes(b)
	offset := int64(g0.inodeTable)*int64(l.blockSize) + int64(in.Number-1)*int64(l.inodeSize)
	if _, err := storage.WriteAt(b, offset); err != nil {
		return fmt.Errorf("%w: could not write inode %d: %v", ErrIO, in.Number, err)
	}
	return nil
}

func log2(n uint32) uint32 {
	var shift uint32
	for n > 1 {
		n >>= 1
		shift++
	}
	return shift
}

// journalLayout places the blocks of an internal journal and its indirect blocks
type journalLayout struct {
	data        []uint32
	indirect    map[uint32][]uint32
	inodeBlocks [blockPointers]uint32
}

func (j *journalLayout) total() uint32 {
	return uint32(len(j.data) + len(j.indirect))
}

// layoutJournal lays out count journal blocks from block first on, in file order with
// each indirect block placed before the blocks it maps
func layoutJournal(first, count, blockSize uint32) (*journalLayout, error) {
	perBlock := blockSize / 4
	if uint64(count) > uint64(directBlocks)+uint64(perBlock)+uint64(perBlock)*uint64(perBlock) {
		return nil, fmt.Errorf("%w: journal of %d blocks needs triple indirect blocks", ErrNotSupported, count)
	}
	j := &journalLayout{data: make([]uint32, 0, count), indirect: make(map[uint32][]uint32)}
	cursor := first
	next := func() uint32 {
		cursor++
		return cursor - 1
	}
	var single uint32
	for i := uint32(0); i < count; i++ {
		switch {
		case i < directBlocks:
			j.inodeBlocks[i] = next()
			j.data = append(j.data, j.inodeBlocks[i])
		case i < directBlocks+perBlock:
			if i == directBlocks {
				j.inodeBlocks[indirectBlock] = next()
			}
			b := next()
			j.indirect[j.inodeBlocks[indirectBlock]] = append(j.indirect[j.inodeBlocks[indirectBlock]], b)
			j.data = append(j.data, b)
		default:
			k := i - directBlocks - perBlock
			if k == 0 {
				j.inodeBlocks[dIndirectBlock] = next()
			}
			if k%perBlock == 0 {
				single = next()
				j.indirect[j.inodeBlocks[dIndirectBlock]] = append(j.indirect[j.inodeBlocks[dIndirectBlock]], single)
			}
			b := next()
			j.indirect[single] = append(j.indirect[single], b)
			j.data = append(j.data, b)
		}
	}
	return j, nil
}

// write writes the indirect blocks, an empty log and the journal superblock
func (j *journalLayout) write(storage backend.Storage, blockSize uint32, id uuid.UUID) error {
	for block, pointers := range j.indirect {
		b := make([]byte, blockSize)
		for i, p := range pointers {
			binary.LittleEndian.PutUint32(b[4*i:], p)
		}
		if err := writeBlock(storage, blockSize, block, b); err != nil {
			return err
		}
	}
	zero := make([]byte, blockSize)
	for _, block := range j.data[1:] {
		if err := writeBlock(storage, blockSize, block, zero); err != nil {
			return err
		}
	}
	jsb := journalSuperblock{
		blockType: journalBlockSuperblockV2,
		blockSize: blockSize,
		maxLen:    uint32(len(j.data)),
		first:     1,
		sequence:  1,
		uuid:      id,
		users:     1,
	}
	b := jsb.toBytes(int(blockSize))
	copy(b[journalSuperblockUsersOff:journalSuperblockUsersOff+journalUUIDSize], id[:])
	return writeBlock(storage, blockSize, j.data[0], b)
}
