// Package ext2 implements the volume layer of an ext2 filesystem: the
// superblock, the block group descriptors, block and inode allocation, the
// orphan list and the journal that keeps them consistent across crashes.
package ext2

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/diskfs/go-ext2/backend"
	"github.com/diskfs/go-ext2/blockcache"
	"github.com/elliotwutingfeng/asciiset"
	log "github.com/sirupsen/logrus"
)

// MountFlags modify how a volume is mounted
type MountFlags uint32

const (
	// MountReadOnly mounts the volume read-only
	MountReadOnly MountFlags = 1 << iota
)

var volumeNameCharacters asciiset.ASCIISet

func init() {
	chars := make([]byte, 0, 0x7f-0x20)
	for c := byte(0x20); c < 0x7f; c++ {
		chars = append(chars, c)
	}
	volumeNameCharacters, _ = asciiset.MakeASCIISet(string(chars))
}

// VolumeOption configures a Volume
type VolumeOption func(*Volume)

// WithLogger sets the logger the volume and its journal log through
func WithLogger(l *log.Entry) VolumeOption {
	return func(v *Volume) {
		v.log = l
	}
}

// WithOpener sets how devices are opened. The default opens host files and block devices.
func WithOpener(o backend.Opener) VolumeOption {
	return func(v *Volume) {
		v.opener = o
	}
}

// WithVNodes sets the vnode manager the root directory is acquired from
func WithVNodes(m VNodeManager) VolumeOption {
	return func(v *Volume) {
		v.vnodes = m
	}
}

// WithCacheBlocks sets how many clean blocks the block cache keeps
func WithCacheBlocks(n int) VolumeOption {
	return func(v *Volume) {
		v.cacheBlocks = n
	}
}

// Volume is a mounted ext2 filesystem
type Volume struct {
	opener  backend.Opener
	device  string
	storage backend.Storage
	cache   *blockcache.Cache
	vnodes  VNodeManager
	log     *log.Entry

	// geometry is the superblock as identified at mount. Only its layout and
	// feature fields are read, and it is never modified.
	geometry *Superblock
	flags    MountFlags

	// sbLock guards sb, the free counts and name. They change only inside
	// transactions; readers outside a transaction take the read lock.
	sbLock sync.RWMutex
	sb     *Superblock

	blockShift     uint32
	blockSize      uint32
	firstDataBlock uint32
	numGroups      uint32
	groupsPerBlock uint32
	inodesPerBlock uint32
	inodeSize      uint32

	// free counts are the truth while mounted; WriteSuperBlock copies them to the superblock
	freeBlocks uint32
	freeInodes uint32

	journal        Journal
	blockAllocator *BlockAllocator
	inodeAllocator *InodeAllocator

	// lock guards groupBlocks
	lock        sync.Mutex
	groupBlocks [][]byte

	cacheBlocks int
	name        string
	mounted     bool
}

// NewVolume creates an unmounted volume
func NewVolume(opts ...VolumeOption) *Volume {
	v := &Volume{
		opener:      backend.FileOpener,
		cacheBlocks: blockcache.DefaultCleanCacheSize,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.log == nil {
		v.log = log.NewEntry(log.StandardLogger())
	}
	if v.vnodes == nil {
		v.vnodes = NewVNodeTable()
	}
	return v
}

// Mount opens device and mounts the filesystem on it. A device that cannot be
// opened read-write, or that reports itself write protected, is mounted read-only.
//
//nolint:gocyclo // mounting is a long sequence of steps, each of which can fail
func (v *Volume) Mount(device string, flags MountFlags) (err error) {
	if v.mounted {
		return fmt.Errorf("%w: volume is already mounted", ErrBadValue)
	}
	v.device = device
	v.log = v.log.WithField("device", device)

	mode := backend.ReadWrite
	if flags&MountReadOnly != 0 {
		mode = backend.ReadOnly
	}
	opener, err := backend.OpenDevice(v.opener, device, mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if opener.FellBack() {
		v.log.Warn("device is not writable, mounting read-only")
	}
	if opener.IsReadOnly() {
		flags |= MountReadOnly
	}
	v.flags = flags

	var rootAcquired bool
	defer func() {
		if err == nil {
			return
		}
		if rootAcquired {
			_ = v.vnodes.PutVNode(v, RootInode)
		}
		if v.cache != nil {
			_ = v.cache.Close(false)
			v.cache = nil
		}
		v.journal = nil
		_ = opener.Close()
	}()

	sb, err := Identify(opener.Storage())
	if err != nil {
		return err
	}
	if !v.IsReadOnly() {
		if unsupported := sb.UnsupportedReadOnlyFeatures(); unsupported != 0 {
			return fmt.Errorf("%w: read-only compatible features %#x prevent mounting read-write", ErrNotSupported, unsupported)
		}
	}
	v.sb = sb
	v.geometry = sb.copy()
	v.deriveGeometry()
	v.groupBlocks = make([][]byte, (v.numGroups+v.groupsPerBlock-1)/v.groupsPerBlock)
	v.log.WithFields(log.Fields{
		"blockSize": v.blockSize,
		"blocks":    sb.BlocksCount,
		"groups":    v.numGroups,
		"inodes":    sb.InodesCount,
		"readOnly":  v.IsReadOnly(),
	}).Debug("identified ext2 volume")

	size, err := opener.Size()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if fsSize := int64(sb.BlocksCount) << v.blockShift; size < fsSize {
		return fmt.Errorf("%w: device of %d bytes is smaller than the filesystem of %d bytes", ErrBadValue, size, fsSize)
	}

	if v.cache, err = blockcache.New(opener.Storage(), uint64(sb.BlocksCount), int(v.blockSize), v.IsReadOnly(), blockcache.WithCleanCacheSize(v.cacheBlocks)); err != nil {
		return fmt.Errorf("%w: could not create block cache: %v", ErrIO, err)
	}

	switch {
	case !v.IsReadOnly() && sb.HasJournal():
		if sb.JournalInode == 0 {
			return fmt.Errorf("%w: external journals", ErrNotSupported)
		}
		v.journal = newLogJournal(v, sb.JournalInode)
	default:
		if sb.NeedsRecovery() {
			v.log.Warn("journal needs recovery but the volume is mounted read-only; the volume may appear inconsistent")
		}
		v.journal = newNoJournal(v.cache, v)
	}

	if err = v.journal.InitCheck(); err != nil {
		return fmt.Errorf("journal is not usable: %w", err)
	}
	if err = v.journal.Recover(); err != nil {
		return fmt.Errorf("could not recover journal: %w", err)
	}
	if err = v.journal.StartLog(); err != nil {
		return fmt.Errorf("could not start journal: %w", err)
	}
	// recovery may have rewritten the superblock and descriptors in place
	if err = v.LoadSuperBlock(); err != nil {
		return err
	}
	v.resetFreeCounts()
	v.refreshGroupCache()

	v.blockAllocator = newBlockAllocator(v)
	if err = v.blockAllocator.Initialize(); err != nil {
		return fmt.Errorf("could not initialize block allocator: %w", err)
	}
	v.inodeAllocator = newInodeAllocator(v)

	if err = v.vnodes.GetVNode(v, RootInode); err != nil {
		return fmt.Errorf("could not get root directory: %w", err)
	}
	rootAcquired = true

	v.updateName()

	if !v.IsReadOnly() {
		if err = v.Update(v.markMounted); err != nil {
			return fmt.Errorf("could not record mount: %w", err)
		}
		if _, ok := v.journal.(*LogJournal); ok {
			if err = v.flushSuperBlock(); err != nil {
				return fmt.Errorf("could not record mount: %w", err)
			}
		}
	}

	v.storage = opener.Keep()
	v.mounted = true
	v.log.WithField("name", v.name).Info("mounted volume")
	return nil
}

func (v *Volume) deriveGeometry() {
	sb := v.geometry
	v.blockShift = sb.BlockShift()
	v.blockSize = sb.BlockSize()
	v.firstDataBlock = sb.FirstDataBlock
	v.numGroups = sb.numGroups()
	v.groupsPerBlock = v.blockSize / groupDescriptorSize
	v.inodeSize = sb.inodeSize()
	v.inodesPerBlock = v.blockSize / v.inodeSize
}

func (v *Volume) markMounted(tx *blockcache.Transaction) error {
	_, journaled := v.journal.(*LogJournal)
	v.updateSuperBlock(func(sb *Superblock) {
		sb.MountCount++
		sb.MountTime = time.Now()
		sb.State &^= uint16(fsStateCleanlyUnmounted)
		if journaled {
			sb.IncompatFeatures |= IncompatRecover
		}
	})
	return v.WriteSuperBlock(tx)
}

func (v *Volume) markUnmounted(tx *blockcache.Transaction) error {
	v.updateSuperBlock(func(sb *Superblock) {
		sb.WriteTime = time.Now()
		sb.State |= uint16(fsStateCleanlyUnmounted)
		sb.IncompatFeatures &^= IncompatRecover
	})
	return v.WriteSuperBlock(tx)
}

// flushSuperBlock writes the committed superblock in place ahead of the next
// checkpoint. Its transaction must already be in the log.
func (v *Volume) flushSuperBlock() error {
	block, _ := v.geometry.location()
	b, err := v.cache.Get(block)
	if err != nil {
		return fmt.Errorf("%w: could not read superblock: %v", ErrIO, err)
	}
	if err := v.cache.WriteDirect(block, b); err != nil {
		return fmt.Errorf("%w: could not write superblock: %v", ErrIO, err)
	}
	if err := v.cache.SyncDevice(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Unmount flushes the journal and releases the device. Failures are reported,
// but the volume is unmounted regardless.
func (v *Volume) Unmount() error {
	if !v.mounted {
		return fmt.Errorf("%w: volume is not mounted", ErrBadValue)
	}
	var errs []error
	if !v.IsReadOnly() {
		if err := v.Update(v.markUnmounted); err != nil {
			errs = append(errs, err)
		}
	}
	if err := v.journal.Uninit(); err != nil {
		errs = append(errs, err)
	}
	v.journal = nil
	if err := v.vnodes.PutVNode(v, RootInode); err != nil {
		errs = append(errs, err)
	}
	if err := v.cache.Close(!v.IsReadOnly()); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrIO, err))
	}
	if err := v.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrIO, err))
	}
	v.cache = nil
	v.storage = nil
	v.mounted = false
	err := errors.Join(errs...)
	if err != nil {
		v.log.WithError(err).Error("unmount did not complete cleanly")
	}
	return err
}

// Sync makes every committed transaction durable and writes it in place.
// It must not be called from inside Update.
func (v *Volume) Sync() error {
	return v.journal.FlushLogAndBlocks()
}

// Update runs fn inside a transaction, committing it if fn succeeds and aborting it otherwise
func (v *Volume) Update(fn func(tx *blockcache.Transaction) error) error {
	tx, err := v.journal.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		v.journal.Abort(tx)
		return err
	}
	return v.journal.Commit(tx)
}

// TransactionDone is called when a transaction of this volume finishes. A
// failed transaction may have changed the in-memory superblock and group
// descriptors, so both are reloaded from the committed blocks.
func (v *Volume) TransactionDone(success bool) {
	if success {
		return
	}
	if err := v.LoadSuperBlock(); err != nil {
		v.log.WithError(err).Error("could not reload superblock after failed transaction")
		return
	}
	v.resetFreeCounts()
	v.refreshGroupCache()
	v.updateName()
}

// resetFreeCounts takes the live free counts from the superblock
func (v *Volume) resetFreeCounts() {
	v.sbLock.Lock()
	defer v.sbLock.Unlock()
	v.freeBlocks = v.sb.FreeBlocks
	v.freeInodes = v.sb.FreeInodes
}

// addFreeCounts adjusts the live free counts by the given amounts
func (v *Volume) addFreeCounts(blocks, inodes int64) {
	v.sbLock.Lock()
	defer v.sbLock.Unlock()
	v.freeBlocks = uint32(int64(v.freeBlocks) + blocks)
	v.freeInodes = uint32(int64(v.freeInodes) + inodes)
}

// updateSuperBlock changes the in-memory superblock. The change reaches the
// disk with WriteSuperBlock.
func (v *Volume) updateSuperBlock(fn func(sb *Superblock)) {
	v.sbLock.Lock()
	defer v.sbLock.Unlock()
	fn(v.sb)
}

// LoadSuperBlock reads the committed superblock into memory
func (v *Volume) LoadSuperBlock() error {
	block, offset := v.geometry.location()
	b, err := v.cache.Get(block)
	if err != nil {
		return fmt.Errorf("%w: could not read superblock: %v", ErrIO, err)
	}
	sb, err := superblockFromBytes(b[offset : offset+SuperblockSize])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	v.sbLock.Lock()
	v.sb = sb
	v.sbLock.Unlock()
	return nil
}

// WriteSuperBlock copies the free counts into the superblock and writes it as part of tx
func (v *Volume) WriteSuperBlock(tx *blockcache.Transaction) error {
	block, offset := v.geometry.location()
	b, err := v.cache.GetWritable(tx, block)
	if err != nil {
		return fmt.Errorf("%w: could not write superblock: %v", ErrIO, err)
	}
	v.sbLock.Lock()
	v.sb.FreeBlocks = v.freeBlocks
	v.sb.FreeInodes = v.freeInodes
	raw := v.sb.toBytes()
	v.sbLock.Unlock()
	copy(b[offset:offset+SuperblockSize], raw)
	return nil
}

func (v *Volume) checkGroup(index int) error {
	if index < 0 || index >= int(v.numGroups) {
		return fmt.Errorf("%w: block group %d of %d", ErrBadValue, index, v.numGroups)
	}
	return nil
}

// groupBlock returns the cached descriptor block holding group index, loading it
// on first use. v.lock must be held.
func (v *Volume) groupBlock(index int) ([]byte, error) {
	blockIndex := uint32(index) / v.groupsPerBlock
	if b := v.groupBlocks[blockIndex]; b != nil {
		return b, nil
	}
	b, err := v.cache.Get(groupDescriptorBlock(v.geometry, blockIndex))
	if err != nil {
		return nil, fmt.Errorf("%w: could not read group descriptors: %v", ErrIO, err)
	}
	v.groupBlocks[blockIndex] = b
	return b, nil
}

func (v *Volume) groupOffset(index int) int {
	return (index % int(v.groupsPerBlock)) * groupDescriptorSize
}

// GetBlockGroup returns the descriptor of block group index
func (v *Volume) GetBlockGroup(index int) (GroupDescriptor, error) {
	if err := v.checkGroup(index); err != nil {
		return GroupDescriptor{}, err
	}
	v.lock.Lock()
	defer v.lock.Unlock()
	b, err := v.groupBlock(index)
	if err != nil {
		return GroupDescriptor{}, err
	}
	off := v.groupOffset(index)
	return groupDescriptorFromBytes(b[off:off+groupDescriptorSize], uint32(index))
}

// updateBlockGroup changes the cached descriptor of group index. The change reaches
// the disk with WriteBlockGroup.
func (v *Volume) updateBlockGroup(index int, fn func(gd *GroupDescriptor)) error {
	if err := v.checkGroup(index); err != nil {
		return err
	}
	v.lock.Lock()
	defer v.lock.Unlock()
	b, err := v.groupBlock(index)
	if err != nil {
		return err
	}
	off := v.groupOffset(index)
	gd, err := groupDescriptorFromBytes(b[off:off+groupDescriptorSize], uint32(index))
	if err != nil {
		return err
	}
	fn(&gd)
	gd.putBytes(b[off : off+groupDescriptorSize])
	return nil
}

// WriteBlockGroup writes the cached descriptor block holding group index as part of tx
func (v *Volume) WriteBlockGroup(tx *blockcache.Transaction, index int) error {
	if err := v.checkGroup(index); err != nil {
		return err
	}
	v.lock.Lock()
	defer v.lock.Unlock()
	blockIndex := uint32(index) / v.groupsPerBlock
	cached := v.groupBlocks[blockIndex]
	if cached == nil {
		return fmt.Errorf("%w: block group %d was not read before writing", ErrBadValue, index)
	}
	b, err := v.cache.GetWritable(tx, groupDescriptorBlock(v.geometry, blockIndex))
	if err != nil {
		return fmt.Errorf("%w: could not write group descriptors: %v", ErrIO, err)
	}
	copy(b, cached)
	return nil
}

// refreshGroupCache reloads every cached descriptor block from the committed blocks
func (v *Volume) refreshGroupCache() {
	v.lock.Lock()
	defer v.lock.Unlock()
	for i, cached := range v.groupBlocks {
		if cached == nil {
			continue
		}
		b, err := v.cache.Get(groupDescriptorBlock(v.geometry, uint32(i)))
		if err != nil {
			v.log.WithError(err).Warnf("dropping cached group descriptor block %d", i)
			v.groupBlocks[i] = nil
			continue
		}
		copy(cached, b)
	}
}

func (v *Volume) checkInode(id uint32) error {
	if id == 0 || id > v.geometry.InodesCount {
		return fmt.Errorf("%w: inode %d of %d", ErrBadValue, id, v.geometry.InodesCount)
	}
	return nil
}

// GetInodeBlock returns the inode table block holding inode id
func (v *Volume) GetInodeBlock(id uint32) (uint64, error) {
	if err := v.checkInode(id); err != nil {
		return 0, err
	}
	gd, err := v.GetBlockGroup(int((id - 1) / v.geometry.InodesPerGroup))
	if err != nil {
		return 0, err
	}
	return uint64(gd.InodeTable) + uint64(((id-1)%v.geometry.InodesPerGroup)/v.inodesPerBlock), nil
}

// InodeBlockIndex returns the position of inode id within its inode table block
func (v *Volume) InodeBlockIndex(id uint32) uint32 {
	return ((id - 1) % v.geometry.InodesPerGroup) % v.inodesPerBlock
}

func (v *Volume) readInode(read blockReader, id uint32) (*Inode, error) {
	block, err := v.GetInodeBlock(id)
	if err != nil {
		return nil, err
	}
	b, err := read(block)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read inode %d: %v", ErrIO, id, err)
	}
	off := v.InodeBlockIndex(id) * v.inodeSize
	return inodeFromBytes(b[off:off+v.inodeSize], id)
}

// ReadInode reads the committed version of inode id
func (v *Volume) ReadInode(id uint32) (*Inode, error) {
	return v.readInode(v.cache.Get, id)
}

// ReadInodeTx reads inode id as seen from inside tx
func (v *Volume) ReadInodeTx(tx *blockcache.Transaction, id uint32) (*Inode, error) {
	return v.readInode(tx.Get, id)
}

// WriteInode writes in as part of tx
func (v *Volume) WriteInode(tx *blockcache.Transaction, in *Inode) error {
	block, err := v.GetInodeBlock(in.Number)
	if err != nil {
		return err
	}
	b, err := v.cache.GetWritable(tx, block)
	if err != nil {
		return fmt.Errorf("%w: could not write inode %d: %v", ErrIO, in.Number, err)
	}
	off := v.InodeBlockIndex(in.Number) * v.inodeSize
	in.putBytes(b[off : off+v.inodeSize])
	return nil
}

// AllocateInode allocates an inode for a child of parent and updates the free count
func (v *Volume) AllocateInode(tx *blockcache.Transaction, parent uint32, mode uint16) (uint32, error) {
	if v.IsReadOnly() {
		return 0, ErrReadOnlyDevice
	}
	id, err := v.inodeAllocator.New(tx, parent, mode)
	if err != nil {
		return 0, err
	}
	v.addFreeCounts(0, -1)
	return id, v.WriteSuperBlock(tx)
}

// FreeInode releases inode id and updates the free count
func (v *Volume) FreeInode(tx *blockcache.Transaction, id uint32, isDirectory bool) error {
	if v.IsReadOnly() {
		return ErrReadOnlyDevice
	}
	if err := v.inodeAllocator.Free(tx, id, isDirectory); err != nil {
		return err
	}
	v.addFreeCounts(0, 1)
	return v.WriteSuperBlock(tx)
}

// AllocateBlocks allocates a run of between minimum and maximum contiguous blocks,
// looking in preferredGroup first, and updates the free count
func (v *Volume) AllocateBlocks(tx *blockcache.Transaction, minimum, maximum uint32, preferredGroup int) (Run, error) {
	if v.IsReadOnly() {
		return Run{}, ErrReadOnlyDevice
	}
	run, err := v.blockAllocator.AllocateBlocks(tx, minimum, maximum, preferredGroup)
	if err != nil {
		return Run{}, err
	}
	v.addFreeCounts(-int64(run.Length), 0)
	return run, v.WriteSuperBlock(tx)
}

// FreeBlocks releases length blocks starting at start and updates the free count
func (v *Volume) FreeBlocks(tx *blockcache.Transaction, start uint64, length uint32) error {
	if v.IsReadOnly() {
		return ErrReadOnlyDevice
	}
	if err := v.blockAllocator.Free(tx, start, length); err != nil {
		return err
	}
	v.addFreeCounts(int64(length), 0)
	return v.WriteSuperBlock(tx)
}

func (v *Volume) updateName() {
	v.sbLock.Lock()
	defer v.sbLock.Unlock()
	if v.sb.VolumeName != "" {
		v.name = v.sb.VolumeName
		return
	}
	v.name = defaultVolumeName(int64(v.geometry.BlocksCount) << v.blockShift)
}

// defaultVolumeName names a volume without a label by its size
func defaultVolumeName(size int64) string {
	unit, divisor := 'M', float64(1<<20)
	if size >= 1<<30 {
		unit, divisor = 'G', float64(1<<30)
	}
	return fmt.Sprintf("%.1f %cB Ext2 Volume", math.Ceil(float64(size)*10/divisor)/10, unit)
}

// SetVolumeName changes the volume label as part of tx
func (v *Volume) SetVolumeName(tx *blockcache.Transaction, name string) error {
	if v.IsReadOnly() {
		return ErrReadOnlyDevice
	}
	if err := validateVolumeName(name); err != nil {
		return err
	}
	v.updateSuperBlock(func(sb *Superblock) {
		sb.VolumeName = name
	})
	if err := v.WriteSuperBlock(tx); err != nil {
		return err
	}
	v.updateName()
	return nil
}

func validateVolumeName(name string) error {
	if len(name) > volumeNameLength {
		return fmt.Errorf("%w: volume name %q longer than %d bytes", ErrBadValue, name, volumeNameLength)
	}
	for i := 0; i < len(name); i++ {
		if !volumeNameCharacters.Contains(name[i]) {
			return fmt.Errorf("%w: volume name %q has invalid character %q", ErrBadValue, name, name[i])
		}
	}
	return nil
}

// Name returns the volume label, or a name derived from the volume size if it has none
func (v *Volume) Name() string {
	v.sbLock.RLock()
	defer v.sbLock.RUnlock()
	return v.name
}

// IsReadOnly reports whether the volume is mounted read-only
func (v *Volume) IsReadOnly() bool {
	return v.flags&MountReadOnly != 0
}

// SuperBlock returns a copy of the in-memory superblock
func (v *Volume) SuperBlock() Superblock {
	v.sbLock.RLock()
	defer v.sbLock.RUnlock()
	return *v.sb.copy()
}

// Journal returns the journal the volume was mounted with
func (v *Volume) Journal() Journal {
	return v.journal
}

// FreeBlocksCount returns the live free block count
func (v *Volume) FreeBlocksCount() uint32 {
	v.sbLock.RLock()
	defer v.sbLock.RUnlock()
	return v.freeBlocks
}

// FreeInodesCount returns the live free inode count
func (v *Volume) FreeInodesCount() uint32 {
	v.sbLock.RLock()
	defer v.sbLock.RUnlock()
	return v.freeInodes
}

// NumGroups returns the number of block groups
func (v *Volume) NumGroups() int {
	return int(v.numGroups)
}

// BlockSize returns the block size in bytes
func (v *Volume) BlockSize() uint32 {
	return v.blockSize
}

// Cache returns the block cache of the mounted volume
func (v *Volume) Cache() *blockcache.Cache {
	return v.cache
}
