package ext2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/diskfs/go-ext2/backend"
	"github.com/diskfs/go-ext2/blockcache"
	"github.com/google/go-cmp/cmp"
)

// crash copies the device as it is now, without unmounting
func crash(m *backend.Memory) *backend.Memory {
	return backend.NewMemoryFrom(m.Bytes())
}

func TestJournalReplay(t *testing.T) {
	m := newTestImage(t, testParams())
	v := mountTestVolume(t, m, 0)
	free := v.FreeInodesCount()
	var id uint32
	if err := v.Update(func(tx *blockcache.Transaction) (err error) {
		if id, err = v.AllocateInode(tx, RootInode, ModeRegular); err != nil {
			return err
		}
		return v.SetVolumeName(tx, "replayed")
	}); err != nil {
		t.Fatal(err)
	}
	crashed := crash(m)
	unmountTestVolume(t, v)

	// nothing was written in place before the crash
	if got := identifyImage(t, crashed).VolumeName; got != "" {
		t.Errorf("VolumeName in place before replay = %q, want none", got)
	}
	ro := mountTestVolume(t, crashed, MountReadOnly)
	if got := ro.Name(); got == "replayed" {
		t.Errorf("read-only mount replayed the journal")
	}
	unmountTestVolume(t, ro)

	v = mountTestVolume(t, crashed, 0)
	if got := v.Name(); got != "replayed" {
		t.Errorf("Name() after replay = %q, want %q", got, "replayed")
	}
	if got := v.FreeInodesCount(); got != free-1 {
		t.Errorf("FreeInodesCount() after replay = %d, want %d", got, free-1)
	}
	checkConsistent(t, v)
	// the replayed allocation is not handed out again
	if err := v.Update(func(tx *blockcache.Transaction) error {
		next, err := v.AllocateInode(tx, RootInode, ModeRegular)
		if err == nil && next == id {
			return fmt.Errorf("inode %d allocated twice", id)
		}
		return err
	}); err != nil {
		t.Error(err)
	}
	unmountTestVolume(t, v)

	if sb := identifyImage(t, crashed); sb.VolumeName != "replayed" || sb.NeedsRecovery() {
		t.Errorf("after unmount VolumeName = %q, NeedsRecovery() = %v", sb.VolumeName, sb.NeedsRecovery())
	}
}

// recordingOpener records the block writes and syncs of the storage it opens, in order
type recordingOpener struct {
	*backend.Memory
	mu     sync.Mutex
	events []string
}

func (o *recordingOpener) Open(path string, mode backend.Mode) (backend.Storage, error) {
	s, err := o.Memory.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return &recordingStorage{Storage: s, opener: o}, nil
}

func (o *recordingOpener) record(event string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func (o *recordingOpener) recorded() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.events)
}

type recordingStorage struct {
	backend.Storage
	opener *recordingOpener
}

func (s *recordingStorage) WriteAt(b []byte, off int64) (int, error) {
	s.opener.record(fmt.Sprintf("write %d", off/int64(testBlockSize)))
	return s.Storage.WriteAt(b, off)
}

func (s *recordingStorage) Sync() error {
	s.opener.record("sync")
	return s.Storage.Sync()
}

func TestJournalRecoverSyncsBeforeReset(t *testing.T) {
	m := newTestImage(t, testParams())
	v := mountTestVolume(t, m, 0)
	journal, err := v.ReadInode(JournalInode)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Update(func(tx *blockcache.Transaction) error {
		return v.SetVolumeName(tx, "durable")
	}); err != nil {
		t.Fatal(err)
	}
	crashed := crash(m)
	unmountTestVolume(t, v)

	o := &recordingOpener{Memory: crashed}
	v = mountTestVolume(t, o, 0)
	defer unmountTestVolume(t, v)
	if got := v.Name(); got != "durable" {
		t.Errorf("Name() after replay = %q, want %q", got, "durable")
	}

	events := o.recorded()
	reset := slices.Index(events, fmt.Sprintf("write %d", journal.Block[0]))
	if reset < 0 {
		t.Fatalf("journal superblock was never written: %v", events)
	}
	replayed := events[:reset]
	if len(replayed) < 2 || replayed[0] == "sync" {
		t.Fatalf("no replayed blocks before the journal superblock write: %v", replayed)
	}
	if replayed[len(replayed)-1] != "sync" {
		t.Errorf("journal superblock written before the replayed blocks were synced: %v", replayed)
	}
}

func TestJournalReplayEscapedBlock(t *testing.T) {
	m := newTestImage(t, testParams())
	v := mountTestVolume(t, m, 0)

	data := bytes.Repeat([]byte{0x5a}, int(testBlockSize))
	binary.BigEndian.PutUint32(data, journalMagic)
	binary.BigEndian.PutUint32(data[4:], uint32(journalBlockCommit))
	var run Run
	if err := v.Update(func(tx *blockcache.Transaction) (err error) {
		if run, err = v.AllocateBlocks(tx, 1, 1, 3); err != nil {
			return err
		}
		b, err := v.Cache().GetEmpty(tx, run.Start)
		if err != nil {
			return err
		}
		copy(b, data)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	crashed := crash(m)
	unmountTestVolume(t, v)

	v = mountTestVolume(t, crashed, 0)
	defer unmountTestVolume(t, v)
	got, err := v.Cache().Get(run.Start)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("replayed block starts with % x, want % x", got[:8], data[:8])
	}
	checkConsistent(t, v)
}

func TestJournalRevoke(t *testing.T) {
	m := newTestImage(t, testParams())
	v := mountTestVolume(t, m, MountReadOnly)
	j := newLogJournal(v, JournalInode)
	if err := j.InitCheck(); err != nil {
		t.Fatalf("InitCheck() failed: %v", err)
	}
	logBlocks, jsb := j.blocks, j.sb
	unmountTestVolume(t, v)

	bs := int(testBlockSize)
	fill := func(c byte) []byte {
		return bytes.Repeat([]byte{c}, bs)
	}
	const x, y, z, w = 8000, 8001, 8002, 8003
	entries := [][]byte{
		revokeBlock(bs, 1, []uint32{z}),
		descriptorBlock(bs, 1, jsb.uuid, []journalTag{{block: x}}),
		fill('x'),
		commitBlock(bs, 1, 0, 0),
		revokeBlock(bs, 2, []uint32{x}),
		descriptorBlock(bs, 2, jsb.uuid, []journalTag{{block: y}, {block: z}}),
		fill('y'),
		fill('z'),
		commitBlock(bs, 2, 0, 0),
		// never committed
		descriptorBlock(bs, 3, jsb.uuid, []journalTag{{block: w}}),
		fill('w'),
	}
	for i, b := range entries {
		if _, err := m.WriteAt(b, int64(logBlocks[int(jsb.first)+i])*int64(bs)); err != nil {
			t.Fatal(err)
		}
	}
	jsb.start = jsb.first
	jsb.sequence = 1
	if _, err := m.WriteAt(jsb.toBytes(bs), int64(logBlocks[0])*int64(bs)); err != nil {
		t.Fatal(err)
	}

	v = mountTestVolume(t, m, 0)
	defer unmountTestVolume(t, v)
	want := map[uint64][]byte{
		x: make([]byte, bs),
		y: fill('y'),
		z: fill('z'),
		w: make([]byte, bs),
	}
	for block, expected := range want {
		got, err := v.Cache().Get(block)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, expected) {
			t.Errorf("block %d starts with %q after replay, want %q", block, got[:4], expected[:4])
		}
	}
	lj, ok := v.Journal().(*LogJournal)
	if !ok {
		t.Fatalf("Journal() = %T, want *LogJournal", v.Journal())
	}
	// two replayed transactions, then the mount itself
	if got := lj.Sequence(); got != 4 {
		t.Errorf("Sequence() = %d, want 4", got)
	}
	if lj.UUID() != testUUID {
		t.Errorf("UUID() = %s, want %s", lj.UUID(), testUUID)
	}
}

func TestJournalCheckpoint(t *testing.T) {
	m := newTestImage(t, testParams())
	v := mountTestVolume(t, m, 0)

	// each transaction takes three log blocks, so the log fills up several times
	const updates = 800
	for i := 0; i < updates; i++ {
		if err := v.Update(func(tx *blockcache.Transaction) error {
			return v.SetVolumeName(tx, fmt.Sprintf("name %d", i))
		}); err != nil {
			t.Fatalf("update %d failed: %v", i, err)
		}
	}
	last := fmt.Sprintf("name %d", updates-1)
	inPlace := identifyImage(t, m).VolumeName
	if inPlace == "" || inPlace == last {
		t.Errorf("VolumeName in place = %q, want an intermediate checkpoint", inPlace)
	}
	crashed := crash(m)

	if err := v.Sync(); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if got := identifyImage(t, m).VolumeName; got != last {
		t.Errorf("VolumeName in place after Sync() = %q, want %q", got, last)
	}
	if v.Cache().DirtyCount() != 0 {
		t.Errorf("DirtyCount() = %d after Sync()", v.Cache().DirtyCount())
	}
	unmountTestVolume(t, v)

	v = mountTestVolume(t, crashed, 0)
	defer unmountTestVolume(t, v)
	if got := v.Name(); got != last {
		t.Errorf("Name() after replay = %q, want %q", got, last)
	}
	checkConsistent(t, v)
}

func TestJournalTransactionTooLarge(t *testing.T) {
	p := testParams()
	p.JournalBlocks = 32
	v := mountTestVolume(t, newTestImage(t, p), 0)
	defer unmountTestVolume(t, v)

	free := v.FreeBlocksCount()
	err := v.Update(func(tx *blockcache.Transaction) error {
		run, err := v.AllocateBlocks(tx, 64, 64, 1)
		if err != nil {
			return err
		}
		for i := uint64(0); i < uint64(run.Length); i++ {
			if _, err := v.Cache().GetEmpty(tx, run.Start+i); err != nil {
				return err
			}
		}
		return nil
	})
	if !errors.Is(err, ErrIO) {
		t.Fatalf("Update() of a transaction larger than the journal error = %v, want %v", err, ErrIO)
	}
	if v.FreeBlocksCount() != free {
		t.Errorf("FreeBlocksCount() = %d after the failed commit, want %d", v.FreeBlocksCount(), free)
	}
	checkConsistent(t, v)
}

func TestJournalInitCheck(t *testing.T) {
	tests := []struct {
		name  string
		patch func(jsb *journalSuperblock)
		want  error
	}{
		{"block size", func(jsb *journalSuperblock) { jsb.blockSize = 4096 }, ErrNotSupported},
		{"incompat feature", func(jsb *journalSuperblock) { jsb.featureIncompat |= journalIncompat64Bit }, ErrNotSupported},
		{"length", func(jsb *journalSuperblock) { jsb.maxLen = testJournalBlocks + 1 }, ErrBadValue},
		{"first", func(jsb *journalSuperblock) { jsb.first = 0 }, ErrBadValue},
		{"start", func(jsb *journalSuperblock) { jsb.start = testJournalBlocks }, ErrBadValue},
		{"block type", func(jsb *journalSuperblock) { jsb.blockType = journalBlockCommit }, ErrBadValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestImage(t, testParams())
			v := mountTestVolume(t, m, MountReadOnly)
			j := newLogJournal(v, JournalInode)
			if err := j.InitCheck(); err != nil {
				t.Fatalf("InitCheck() failed: %v", err)
			}
			unmountTestVolume(t, v)
			tt.patch(j.sb)
			if _, err := m.WriteAt(j.sb.toBytes(int(testBlockSize)), int64(j.blocks[0])*int64(testBlockSize)); err != nil {
				t.Fatal(err)
			}

			v = NewVolume(WithOpener(m), WithLogger(testLogger()))
			if err := v.Mount("test.img", 0); !errors.Is(err, tt.want) {
				t.Errorf("Mount() error = %v, want %v", err, tt.want)
			}
			// read-only mounts do not use the journal
			v = mountTestVolume(t, m, MountReadOnly)
			unmountTestVolume(t, v)
		})
	}
}

func TestTransactionGate(t *testing.T) {
	v := mountTestVolume(t, newTestImage(t, testParams()), 0)
	defer unmountTestVolume(t, v)

	j := v.Journal()
	tx, err := j.Begin()
	if err != nil {
		t.Fatal(err)
	}
	stale := v.Cache().StartTransaction()
	if err := j.Commit(stale); !errors.Is(err, ErrBadValue) {
		t.Errorf("Commit() of a transaction that was not begun error = %v, want %v", err, ErrBadValue)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		next, err := j.Begin()
		if err != nil {
			t.Error(err)
			return
		}
		j.Abort(next)
	}()
	select {
	case <-done:
		t.Fatalf("second Begin() did not wait for the open transaction")
	default:
	}
	if err := j.Commit(tx); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	<-done
}

func TestJournalFormat(t *testing.T) {
	bs := int(testBlockSize)
	tags := []journalTag{{block: 10}, {block: 11, flags: journalTagEscape}, {block: 12}}
	b := descriptorBlock(bs, 7, testUUID, tags)
	h, ok := journalHeaderFromBytes(b)
	if !ok || h.blockType != journalBlockDescriptor || h.sequence != 7 {
		t.Fatalf("descriptor header = %+v, %v", h, ok)
	}
	parsed, err := parseDescriptorTags(b)
	if err != nil {
		t.Fatalf("parseDescriptorTags() failed: %v", err)
	}
	want := []journalTag{
		{block: 10},
		{block: 11, flags: journalTagEscape | journalTagSameUUID},
		{block: 12, flags: journalTagSameUUID | journalTagLast},
	}
	if diff := cmp.Diff(want, parsed, cmp.AllowUnexported(journalTag{})); diff != "" {
		t.Errorf("parseDescriptorTags() mismatch (-want +got):\n%s", diff)
	}
	if _, err := parseDescriptorTags(make([]byte, bs)); !errors.Is(err, ErrBadValue) {
		t.Errorf("parseDescriptorTags() without a last tag error = %v, want %v", err, ErrBadValue)
	}

	revoked, err := parseRevokeBlock(revokeBlock(bs, 3, []uint32{5, 6, 9}))
	if err != nil {
		t.Fatalf("parseRevokeBlock() failed: %v", err)
	}
	if diff := cmp.Diff([]uint32{5, 6, 9}, revoked); diff != "" {
		t.Errorf("parseRevokeBlock() mismatch (-want +got):\n%s", diff)
	}

	data := make([]byte, bs)
	binary.BigEndian.PutUint32(data, journalMagic)
	if !escapeBlock(data) {
		t.Fatalf("escapeBlock() did not escape a block starting with the journal signature")
	}
	if _, ok := journalHeaderFromBytes(data); ok {
		t.Errorf("escaped block still looks like journal metadata")
	}
	unescapeBlock(data)
	if binary.BigEndian.Uint32(data) != journalMagic {
		t.Errorf("unescapeBlock() did not restore the signature")
	}
	if escapeBlock(make([]byte, bs)) {
		t.Errorf("escapeBlock() escaped a plain block")
	}
	if tagsPerDescriptor(bs) != 124 {
		t.Errorf("tagsPerDescriptor(%d) = %d, want 124", bs, tagsPerDescriptor(bs))
	}
}

func TestJournalSuperblockBytes(t *testing.T) {
	m := newTestImage(t, testParams())
	v := mountTestVolume(t, m, MountReadOnly)
	defer unmountTestVolume(t, v)
	j := newLogJournal(v, JournalInode)
	if err := j.InitCheck(); err != nil {
		t.Fatal(err)
	}
	raw, err := v.Cache().Get(j.blocks[0])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(raw, j.sb.toBytes(int(testBlockSize))); diff != "" {
		t.Errorf("journal superblock round trip mismatch (-want +got):\n%s", diff)
	}
	if j.sb.maxLen != testJournalBlocks || j.sb.first != 1 || j.sb.sequence != 1 || j.sb.start != 0 {
		t.Errorf("new journal has length %d, first %d, sequence %d, start %d", j.sb.maxLen, j.sb.first, j.sb.sequence, j.sb.start)
	}
	if j.sb.users != 1 || !bytes.Equal(raw[journalSuperblockUsersOff:journalSuperblockUsersOff+journalUUIDSize], testUUID[:]) {
		t.Errorf("journal users not recorded")
	}
}
