package ext2

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/diskfs/go-ext2/backend"
	"github.com/diskfs/go-ext2/blockcache"
	"github.com/go-test/deep"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	testImageSize      int64  = 8 << 20
	testBlockSize      uint32 = 1024
	testBlocksPerGroup uint32 = 2048
	testJournalBlocks  uint32 = 1024
)

var testUUID = uuid.MustParse("5f6b9d43-6a3e-4e0b-9c1f-2d7a8e4b1c90")

func testLogger() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

// testParams describes an 8MiB image of four groups with a journal
func testParams() *Params {
	id := testUUID
	return &Params{
		UUID:           &id,
		BlockSize:      testBlockSize,
		BlocksPerGroup: testBlocksPerGroup,
		JournalBlocks:  testJournalBlocks,
	}
}

func newTestImage(t *testing.T, p *Params) *backend.Memory {
	t.Helper()
	m := backend.NewMemory(testImageSize)
	if _, err := Create(m, testImageSize, p); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	return m
}

func mountTestVolume(t *testing.T, o backend.Opener, flags MountFlags, opts ...VolumeOption) *Volume {
	t.Helper()
	v := NewVolume(append([]VolumeOption{WithOpener(o), WithLogger(testLogger())}, opts...)...)
	if err := v.Mount("test.img", flags); err != nil {
		t.Fatalf("Mount() failed: %v", err)
	}
	return v
}

func unmountTestVolume(t *testing.T, v *Volume) {
	t.Helper()
	if err := v.Unmount(); err != nil {
		t.Fatalf("Unmount() failed: %v", err)
	}
}

// patchSuperblock changes the primary superblock of an unmounted image
func patchSuperblock(t *testing.T, m *backend.Memory, fn func(sb *Superblock)) {
	t.Helper()
	b := make([]byte, SuperblockSize)
	if _, err := m.ReadAt(b, SuperblockOffset); err != nil {
		t.Fatalf("could not read superblock: %v", err)
	}
	sb, err := superblockFromBytes(b)
	if err != nil {
		t.Fatal(err)
	}
	fn(sb)
	if _, err := m.WriteAt(sb.toBytes(), SuperblockOffset); err != nil {
		t.Fatalf("could not write superblock: %v", err)
	}
}

func identifyImage(t *testing.T, m *backend.Memory) *Superblock {
	t.Helper()
	sb, err := Identify(m)
	if err != nil {
		t.Fatalf("Identify() failed: %v", err)
	}
	return sb
}

// countingOpener counts the reads of the storage it opens
type countingOpener struct {
	*backend.Memory
	mu    sync.Mutex
	reads int
}

func (o *countingOpener) Open(path string, mode backend.Mode) (backend.Storage, error) {
	s, err := o.Memory.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return &countingStorage{Storage: s, opener: o}, nil
}

func (o *countingOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reads
}

type countingStorage struct {
	backend.Storage
	opener *countingOpener
}

func (s *countingStorage) ReadAt(b []byte, off int64) (int, error) {
	s.opener.mu.Lock()
	s.opener.reads++
	s.opener.mu.Unlock()
	return s.Storage.ReadAt(b, off)
}

func TestMountUnmount(t *testing.T) {
	m := newTestImage(t, testParams())
	v := mountTestVolume(t, m, 0)

	if _, ok := v.Journal().(*LogJournal); !ok {
		t.Errorf("Journal() = %T, want *LogJournal", v.Journal())
	}
	sb := v.SuperBlock()
	if !sb.NeedsRecovery() {
		t.Errorf("mounted volume does not have the recovery flag set")
	}
	if sb.MountCount != 1 {
		t.Errorf("MountCount = %d, want 1", sb.MountCount)
	}
	if sb.State&uint16(fsStateCleanlyUnmounted) != 0 {
		t.Errorf("mounted volume is marked clean")
	}
	// a crash from here on must leave the flag on disk
	if !identifyImage(t, m).NeedsRecovery() {
		t.Errorf("recovery flag is not written in place while mounted")
	}
	if err := v.Mount("test.img", 0); !errors.Is(err, ErrBadValue) {
		t.Errorf("second Mount() error = %v, want %v", err, ErrBadValue)
	}
	unmountTestVolume(t, v)

	sb = *identifyImage(t, m)
	if sb.NeedsRecovery() {
		t.Errorf("unmounted volume still has the recovery flag set")
	}
	if sb.State&uint16(fsStateCleanlyUnmounted) == 0 {
		t.Errorf("unmounted volume is not marked clean")
	}
	if sb.MountCount != 1 {
		t.Errorf("MountCount on disk = %d, want 1", sb.MountCount)
	}
	if err := v.Unmount(); !errors.Is(err, ErrBadValue) {
		t.Errorf("second Unmount() error = %v, want %v", err, ErrBadValue)
	}
}

func TestMountReadOnly(t *testing.T) {
	m := newTestImage(t, testParams())
	before := m.Bytes()
	v := mountTestVolume(t, m, MountReadOnly)
	if !v.IsReadOnly() {
		t.Fatalf("volume mounted with MountReadOnly is not read-only")
	}
	if _, ok := v.Journal().(*NoJournal); !ok {
		t.Errorf("Journal() = %T, want *NoJournal", v.Journal())
	}
	freeBlocks, freeInodes := v.FreeBlocksCount(), v.FreeInodesCount()
	err := v.Update(func(tx *blockcache.Transaction) error {
		if _, err := v.AllocateInode(tx, RootInode, ModeRegular); !errors.Is(err, ErrReadOnlyDevice) {
			t.Errorf("AllocateInode() error = %v, want %v", err, ErrReadOnlyDevice)
		}
		if err := v.FreeInode(tx, 11, false); !errors.Is(err, ErrReadOnlyDevice) {
			t.Errorf("FreeInode() error = %v, want %v", err, ErrReadOnlyDevice)
		}
		if _, err := v.AllocateBlocks(tx, 1, 1, 0); !errors.Is(err, ErrReadOnlyDevice) {
			t.Errorf("AllocateBlocks() error = %v, want %v", err, ErrReadOnlyDevice)
		}
		if err := v.FreeBlocks(tx, 100, 1); !errors.Is(err, ErrReadOnlyDevice) {
			t.Errorf("FreeBlocks() error = %v, want %v", err, ErrReadOnlyDevice)
		}
		if err := v.SetVolumeName(tx, "x"); !errors.Is(err, ErrReadOnlyDevice) {
			t.Errorf("SetVolumeName() error = %v, want %v", err, ErrReadOnlyDevice)
		}
		return nil
	})
	if err != nil {
		t.Errorf("Update() of an empty transaction failed: %v", err)
	}
	if v.FreeBlocksCount() != freeBlocks || v.FreeInodesCount() != freeInodes {
		t.Errorf("free counts = %d/%d after rejected changes, want %d/%d", v.FreeBlocksCount(), v.FreeInodesCount(), freeBlocks, freeInodes)
	}
	unmountTestVolume(t, v)
	if !bytes.Equal(m.Bytes(), before) {
		t.Errorf("read-only mount changed the image")
	}
}

func TestMountFallsBackToReadOnly(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *backend.Memory)
	}{
		{"write protected", func(m *backend.Memory) { m.SetWriteProtected(true) }},
		{"geometry read-only", func(m *backend.Memory) { m.SetReportReadOnly(true) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestImage(t, testParams())
			tt.setup(m)
			v := mountTestVolume(t, m, 0)
			if !v.IsReadOnly() {
				t.Errorf("volume on a read-only device was mounted read-write")
			}
			if _, ok := v.Journal().(*NoJournal); !ok {
				t.Errorf("Journal() = %T, want *NoJournal", v.Journal())
			}
			unmountTestVolume(t, v)
		})
	}
}

func TestMountFeatureGating(t *testing.T) {
	tests := []struct {
		name      string
		patch     func(sb *Superblock)
		readWrite error
		readOnly  error
	}{
		{"large file", func(sb *Superblock) { sb.ROCompatFeatures |= ROCompatLargeFile }, ErrNotSupported, nil},
		{"btree dir", func(sb *Superblock) { sb.ROCompatFeatures |= ROCompatBtreeDir }, ErrNotSupported, nil},
		{"huge file", func(sb *Superblock) { sb.ROCompatFeatures |= ROCompatHugeFile }, nil, nil},
		{"extents", func(sb *Superblock) { sb.IncompatFeatures |= IncompatExtents }, ErrNotSupported, ErrNotSupported},
		{"meta bg", func(sb *Superblock) { sb.IncompatFeatures |= IncompatMetaBG }, ErrNotSupported, ErrNotSupported},
		{"external journal", func(sb *Superblock) { sb.JournalInode = 0 }, ErrNotSupported, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, mode := range []struct {
				flags MountFlags
				want  error
			}{
				{0, tt.readWrite},
				{MountReadOnly, tt.readOnly},
			} {
				m := newTestImage(t, testParams())
				patchSuperblock(t, m, tt.patch)
				v := NewVolume(WithOpener(m), WithLogger(testLogger()))
				err := v.Mount("test.img", mode.flags)
				switch {
				case mode.want == nil && err != nil:
					t.Errorf("Mount(%d) failed: %v", mode.flags, err)
				case mode.want != nil && !errors.Is(err, mode.want):
					t.Errorf("Mount(%d) error = %v, want %v", mode.flags, err, mode.want)
				}
				if err == nil {
					unmountTestVolume(t, v)
				}
			}
		})
	}
}

func TestMountWithoutJournal(t *testing.T) {
	p := testParams()
	p.JournalBlocks = 0
	m := newTestImage(t, p)
	v := mountTestVolume(t, m, 0)
	defer unmountTestVolume(t, v)
	if _, ok := v.Journal().(*NoJournal); !ok {
		t.Errorf("Journal() = %T, want *NoJournal", v.Journal())
	}
	if sb := v.SuperBlock(); sb.NeedsRecovery() {
		t.Errorf("volume without a journal has the recovery flag set")
	}
}

func TestGroupCacheReadsOnce(t *testing.T) {
	o := &countingOpener{Memory: newTestImage(t, testParams())}
	v := mountTestVolume(t, o, MountReadOnly, WithCacheBlocks(0))
	defer unmountTestVolume(t, v)

	want, err := v.GetBlockGroup(0)
	if err != nil {
		t.Fatal(err)
	}
	v.groupBlocks[0] = nil
	before := o.count()
	for i := 0; i < 3; i++ {
		gd, err := v.GetBlockGroup(0)
		if err != nil {
			t.Fatalf("GetBlockGroup(0) failed: %v", err)
		}
		if diff := deep.Equal(gd, want); diff != nil {
			t.Errorf("GetBlockGroup(0) = %v", diff)
		}
	}
	if reads := o.count() - before; reads != 1 {
		t.Errorf("descriptor block read %d times, want 1", reads)
	}
}

func TestGetBlockGroupBounds(t *testing.T) {
	v := mountTestVolume(t, newTestImage(t, testParams()), MountReadOnly)
	defer unmountTestVolume(t, v)

	if v.NumGroups() != 4 {
		t.Fatalf("NumGroups() = %d, want 4", v.NumGroups())
	}
	for _, index := range []int{-1, v.NumGroups()} {
		if _, err := v.GetBlockGroup(index); !errors.Is(err, ErrBadValue) {
			t.Errorf("GetBlockGroup(%d) error = %v, want %v", index, err, ErrBadValue)
		}
	}
	gd, err := v.GetBlockGroup(v.NumGroups() - 1)
	if err != nil {
		t.Fatalf("GetBlockGroup(%d) failed: %v", v.NumGroups()-1, err)
	}
	if gd.Number != uint32(v.NumGroups()-1) {
		t.Errorf("Number = %d, want %d", gd.Number, v.NumGroups()-1)
	}
}

func TestDefaultVolumeName(t *testing.T) {
	tests := []struct {
		size int64
		want string
	}{
		{8 << 20, "8.0 MB Ext2 Volume"},
		{10<<20 + 1, "10.1 MB Ext2 Volume"},
		{1536 << 20, "1.5 GB Ext2 Volume"},
		{1023 << 20, "1023.0 MB Ext2 Volume"},
		{1 << 30, "1.0 GB Ext2 Volume"},
	}
	for _, tt := range tests {
		if got := defaultVolumeName(tt.size); got != tt.want {
			t.Errorf("defaultVolumeName(%d) = %q, want %q", tt.size, got, tt.want)
		}
	}
}

func TestVolumeName(t *testing.T) {
	m := newTestImage(t, testParams())
	v := mountTestVolume(t, m, 0)
	if got := v.Name(); got != "8.0 MB Ext2 Volume" {
		t.Errorf("Name() = %q, want the size derived name", got)
	}
	for _, name := range []string{"this name is far too long", "tab\tname", "caf\xe9"} {
		err := v.Update(func(tx *blockcache.Transaction) error {
			return v.SetVolumeName(tx, name)
		})
		if !errors.Is(err, ErrBadValue) {
			t.Errorf("SetVolumeName(%q) error = %v, want %v", name, err, ErrBadValue)
		}
	}
	if err := v.Update(func(tx *blockcache.Transaction) error {
		return v.SetVolumeName(tx, "scratch")
	}); err != nil {
		t.Fatalf("SetVolumeName() failed: %v", err)
	}
	if got := v.Name(); got != "scratch" {
		t.Errorf("Name() = %q, want %q", got, "scratch")
	}
	// a failed transaction restores the committed name
	errFail := errors.New("fail")
	err := v.Update(func(tx *blockcache.Transaction) error {
		if err := v.SetVolumeName(tx, "discarded"); err != nil {
			return err
		}
		return errFail
	})
	if !errors.Is(err, errFail) {
		t.Fatalf("Update() error = %v, want %v", err, errFail)
	}
	if got := v.Name(); got != "scratch" {
		t.Errorf("Name() after rollback = %q, want %q", got, "scratch")
	}
	unmountTestVolume(t, v)

	if got := identifyImage(t, m).VolumeName; got != "scratch" {
		t.Errorf("VolumeName on disk = %q, want %q", got, "scratch")
	}
	v = mountTestVolume(t, m, MountReadOnly)
	defer unmountTestVolume(t, v)
	if got := v.Name(); got != "scratch" {
		t.Errorf("Name() after remount = %q, want %q", got, "scratch")
	}
}

func TestTransactionRollback(t *testing.T) {
	v := mountTestVolume(t, newTestImage(t, testParams()), 0)
	defer unmountTestVolume(t, v)

	freeBlocks, freeInodes := v.FreeBlocksCount(), v.FreeInodesCount()
	sb := v.SuperBlock()
	groups := make([]GroupDescriptor, v.NumGroups())
	for i := range groups {
		gd, err := v.GetBlockGroup(i)
		if err != nil {
			t.Fatal(err)
		}
		groups[i] = gd
	}

	errFail := errors.New("fail")
	err := v.Update(func(tx *blockcache.Transaction) error {
		if _, err := v.AllocateInode(tx, RootInode, ModeDirectory); err != nil {
			return err
		}
		if _, err := v.AllocateBlocks(tx, 4, 64, 2); err != nil {
			return err
		}
		if _, err := v.SaveOrphan(tx, 12); err != nil {
			return err
		}
		return errFail
	})
	if !errors.Is(err, errFail) {
		t.Fatalf("Update() error = %v, want %v", err, errFail)
	}

	if v.FreeBlocksCount() != freeBlocks || v.FreeInodesCount() != freeInodes {
		t.Errorf("free counts after rollback = %d/%d, want %d/%d", v.FreeBlocksCount(), v.FreeInodesCount(), freeBlocks, freeInodes)
	}
	current := v.SuperBlock()
	if diff := deep.Equal(current.toBytes(), sb.toBytes()); diff != nil {
		t.Errorf("superblock changed by a failed transaction: %v", diff)
	}
	block, offset := sb.location()
	committed, err := v.Cache().Get(block)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(current.toBytes(), committed[offset:offset+SuperblockSize]); diff != nil {
		t.Errorf("in-memory superblock differs from the committed one: %v", diff)
	}
	for i := range groups {
		gd, err := v.GetBlockGroup(i)
		if err != nil {
			t.Fatal(err)
		}
		if diff := deep.Equal(gd, groups[i]); diff != nil {
			t.Errorf("group %d changed by a failed transaction: %v", i, diff)
		}
	}
}

func TestVNodeTable(t *testing.T) {
	vnodes := NewVNodeTable()
	v := mountTestVolume(t, newTestImage(t, testParams()), MountReadOnly, WithVNodes(vnodes))

	if refs := vnodes.Refs(v, RootInode); refs != 1 {
		t.Errorf("root refs after mount = %d, want 1", refs)
	}
	if err := vnodes.GetVNode(v, RootInode); err != nil {
		t.Fatalf("GetVNode(root) failed: %v", err)
	}
	if refs := vnodes.Refs(v, RootInode); refs != 2 {
		t.Errorf("root refs = %d, want 2", refs)
	}
	if err := vnodes.PutVNode(v, RootInode); err != nil {
		t.Fatalf("PutVNode(root) failed: %v", err)
	}
	if err := vnodes.GetVNode(v, 20); !errors.Is(err, ErrBadValue) {
		t.Errorf("GetVNode() of an unused inode error = %v, want %v", err, ErrBadValue)
	}
	if err := vnodes.PutVNode(v, 20); !errors.Is(err, ErrBadValue) {
		t.Errorf("PutVNode() of an unreferenced inode error = %v, want %v", err, ErrBadValue)
	}

	unmountTestVolume(t, v)
	if refs := vnodes.Refs(v, RootInode); refs != 0 {
		t.Errorf("root refs after unmount = %d, want 0", refs)
	}
}

func TestRootMustBeDirectory(t *testing.T) {
	m := newTestImage(t, testParams())
	v := mountTestVolume(t, m, 0)
	if err := v.Update(func(tx *blockcache.Transaction) error {
		root, err := v.ReadInodeTx(tx, RootInode)
		if err != nil {
			return err
		}
		root.Mode = ModeRegular | 0o644
		return v.WriteInode(tx, root)
	}); err != nil {
		t.Fatal(err)
	}
	unmountTestVolume(t, v)

	v = NewVolume(WithOpener(m), WithLogger(testLogger()))
	if err := v.Mount("test.img", MountReadOnly); !errors.Is(err, ErrBadValue) {
		t.Errorf("Mount() with a regular file as root error = %v, want %v", err, ErrBadValue)
	}
}

func TestMountTooSmallDevice(t *testing.T) {
	m := newTestImage(t, testParams())
	small := backend.NewMemoryFrom(m.Bytes()[:testImageSize/2])
	v := NewVolume(WithOpener(small), WithLogger(testLogger()))
	if err := v.Mount("test.img", MountReadOnly); !errors.Is(err, ErrBadValue) {
		t.Errorf("Mount() of a truncated device error = %v, want %v", err, ErrBadValue)
	}
}

func TestInodeLocation(t *testing.T) {
	v := mountTestVolume(t, newTestImage(t, testParams()), MountReadOnly)
	defer unmountTestVolume(t, v)

	sb := v.SuperBlock()
	perBlock := testBlockSize / uint32(sb.InodeSize)
	tests := []struct {
		id    uint32
		group int
		index uint32
	}{
		{1, 0, 0},
		{RootInode, 0, 1},
		{perBlock + 1, 0, 0},
		{sb.InodesPerGroup + 3, 1, 2},
		{sb.InodesCount, v.NumGroups() - 1, perBlock - 1},
	}
	for _, tt := range tests {
		gd, err := v.GetBlockGroup(tt.group)
		if err != nil {
			t.Fatal(err)
		}
		want := uint64(gd.InodeTable) + uint64((tt.id-1)%sb.InodesPerGroup/perBlock)
		block, err := v.GetInodeBlock(tt.id)
		if err != nil {
			t.Errorf("GetInodeBlock(%d) failed: %v", tt.id, err)
			continue
		}
		if block != want {
			t.Errorf("GetInodeBlock(%d) = %d, want %d", tt.id, block, want)
		}
		if got := v.InodeBlockIndex(tt.id); got != tt.index {
			t.Errorf("InodeBlockIndex(%d) = %d, want %d", tt.id, got, tt.index)
		}
	}
	for _, id := range []uint32{0, sb.InodesCount + 1} {
		if _, err := v.GetInodeBlock(id); !errors.Is(err, ErrBadValue) {
			t.Errorf("GetInodeBlock(%d) error = %v, want %v", id, err, ErrBadValue)
		}
	}
}

func TestSuperBlockRoundTrip(t *testing.T) {
	v := mountTestVolume(t, newTestImage(t, testParams()), 0)
	defer unmountTestVolume(t, v)

	freeBlocks, freeInodes := v.FreeBlocksCount(), v.FreeInodesCount()
	if err := v.Update(func(tx *blockcache.Transaction) error {
		v.addFreeCounts(-3, -2)
		return v.WriteSuperBlock(tx)
	}); err != nil {
		t.Fatal(err)
	}
	if err := v.LoadSuperBlock(); err != nil {
		t.Fatalf("LoadSuperBlock() failed: %v", err)
	}
	sb := v.SuperBlock()
	if sb.FreeBlocks != freeBlocks-3 || sb.FreeInodes != freeInodes-2 {
		t.Errorf("loaded free counts = %d/%d, want %d/%d", sb.FreeBlocks, sb.FreeInodes, freeBlocks-3, freeInodes-2)
	}
	if sb.FreeBlocks != v.FreeBlocksCount() || sb.FreeInodes != v.FreeInodesCount() {
		t.Errorf("loaded free counts = %d/%d, live counts are %d/%d", sb.FreeBlocks, sb.FreeInodes, v.FreeBlocksCount(), v.FreeInodesCount())
	}

	// put the counts back so the volume unmounts consistent
	if err := v.Update(func(tx *blockcache.Transaction) error {
		v.addFreeCounts(3, 2)
		return v.WriteSuperBlock(tx)
	}); err != nil {
		t.Fatal(err)
	}
	checkConsistent(t, v)
}

func TestConcurrentReaders(t *testing.T) {
	v := mountTestVolume(t, newTestImage(t, testParams()), 0)
	defer unmountTestVolume(t, v)

	free := v.FreeBlocksCount()
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 50; i++ {
			if err := v.Update(func(tx *blockcache.Transaction) error {
				run, err := v.AllocateBlocks(tx, 1, 8, i%v.NumGroups())
				if err != nil {
					return err
				}
				if err := v.SetVolumeName(tx, fmt.Sprintf("pass%d", i)); err != nil {
					return err
				}
				return v.FreeBlocks(tx, run.Start, run.Length)
			}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for running := true; running; {
		select {
		case err := <-done:
			if err != nil {
				t.Fatal(err)
			}
			running = false
		default:
		}
		if got := v.FreeBlocksCount(); got > free {
			t.Fatalf("FreeBlocksCount() = %d, more than the %d free at mount", got, free)
		}
		sb := v.SuperBlock()
		if sb.FreeBlocks > free {
			t.Fatalf("superblock FreeBlocks = %d, more than the %d free at mount", sb.FreeBlocks, free)
		}
		_ = v.Name()
		_ = v.LastOrphan()
		if _, err := v.GetBlockGroup(0); err != nil {
			t.Fatal(err)
		}
	}
	if got := v.FreeBlocksCount(); got != free {
		t.Errorf("FreeBlocksCount() = %d, want %d", got, free)
	}
	checkConsistent(t, v)
}
