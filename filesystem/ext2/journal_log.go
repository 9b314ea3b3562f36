package ext2

import (
	"fmt"
	"sync"
	"time"

	"github.com/diskfs/go-ext2/blockcache"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// LogJournal is a JBD compatible write-ahead log kept in an inode of the volume.
//
// Each committed transaction is written to the log as descriptor blocks, the
// logged blocks and a commit block before it becomes visible in the block
// cache. The log is checkpointed, writing the cached blocks in place, when the
// next transaction would not fit and on FlushLogAndBlocks.
type LogJournal struct {
	gate transactionGate

	// mu guards the log position
	mu        sync.Mutex
	cache     *blockcache.Cache
	log       *log.Entry
	inode     uint32
	readInode func(id uint32) (*Inode, error)
	blockSize int

	// blocks maps log block numbers to volume blocks
	blocks []uint64
	sb     *journalSuperblock

	head     uint32
	sequence uint32
	start    uint32
}

func newLogJournal(v *Volume, inode uint32) *LogJournal {
	return &LogJournal{
		gate:      transactionGate{cache: v.cache, listener: v},
		cache:     v.cache,
		log:       v.log.WithField("journal", inode),
		inode:     inode,
		readInode: v.ReadInode,
		blockSize: int(v.blockSize),
	}
}

// InitCheck reads the journal inode and the journal superblock
func (j *LogJournal) InitCheck() error {
	in, err := j.readInode(j.inode)
	if err != nil {
		return fmt.Errorf("could not read journal inode %d: %w", j.inode, err)
	}
	if in.Mode&ModeTypeMask != ModeRegular {
		return fmt.Errorf("%w: journal inode %d is not a regular file", ErrBadValue, j.inode)
	}
	count := in.Size / uint64(j.blockSize)
	if count < 2 {
		return fmt.Errorf("%w: journal of %d bytes is too small", ErrBadValue, in.Size)
	}
	first, err := in.mapBlock(0, uint32(j.blockSize), j.cache.Get)
	if err != nil {
		return err
	}
	if first == 0 {
		return fmt.Errorf("%w: journal superblock is not mapped", ErrBadValue)
	}
	b, err := j.cache.Get(first)
	if err != nil {
		return fmt.Errorf("%w: could not read journal superblock: %v", ErrIO, err)
	}
	jsb, err := journalSuperblockFromBytes(b)
	if err != nil {
		return err
	}
	if err := jsb.checkFeatures(); err != nil {
		return err
	}
	switch {
	case int(jsb.blockSize) != j.blockSize:
		return fmt.Errorf("%w: journal block size %d differs from volume block size %d", ErrNotSupported, jsb.blockSize, j.blockSize)
	case uint64(jsb.maxLen) > count:
		return fmt.Errorf("%w: journal length %d exceeds journal inode of %d blocks", ErrBadValue, jsb.maxLen, count)
	case jsb.first == 0 || jsb.first+2 > jsb.maxLen:
		return fmt.Errorf("%w: journal first block %d with length %d", ErrBadValue, jsb.first, jsb.maxLen)
	case jsb.start != 0 && (jsb.start < jsb.first || jsb.start >= jsb.maxLen):
		return fmt.Errorf("%w: journal start %d outside the log", ErrBadValue, jsb.start)
	}

	j.blocks = make([]uint64, jsb.maxLen)
	j.blocks[0] = first
	for i := uint64(1); i < uint64(jsb.maxLen); i++ {
		if j.blocks[i], err = in.mapBlock(i, uint32(j.blockSize), j.cache.Get); err != nil {
			return err
		}
		if j.blocks[i] == 0 {
			return fmt.Errorf("%w: journal block %d is not mapped", ErrBadValue, i)
		}
	}
	j.sb = jsb
	j.sequence = jsb.sequence
	j.start = jsb.start
	return nil
}

func (j *LogJournal) next(pos uint32) uint32 {
	pos++
	if pos >= j.sb.maxLen {
		pos = j.sb.first
	}
	return pos
}

func (j *LogJournal) readLog(pos uint32) ([]byte, error) {
	b, err := j.cache.Get(j.blocks[pos])
	if err != nil {
		return nil, fmt.Errorf("%w: could not read journal block %d: %v", ErrIO, pos, err)
	}
	return b, nil
}

// loggedTransaction is one complete transaction found in the log
type loggedTransaction struct {
	sequence uint32
	// log positions of the data blocks, by their home block
	data    []loggedBlock
	revoked []uint32
}

type loggedBlock struct {
	home    uint32
	pos     uint32
	escaped bool
}

// scan walks the log from its start and returns every transaction that has a commit block
func (j *LogJournal) scan() ([]loggedTransaction, uint32, error) {
	var (
		found    []loggedTransaction
		current  = loggedTransaction{sequence: j.sb.sequence}
		pos      = j.start
		sequence = j.sb.sequence
		steps    uint32
	)
	limit := j.sb.maxLen - j.sb.first
	for steps < limit {
		b, err := j.readLog(pos)
		if err != nil {
			return nil, 0, err
		}
		h, ok := journalHeaderFromBytes(b)
		if !ok || h.sequence != sequence {
			break
		}
		switch h.blockType {
		case journalBlockDescriptor:
			tags, err := parseDescriptorTags(b)
			if err != nil {
				return nil, 0, err
			}
			for _, tag := range tags {
				pos = j.next(pos)
				steps++
				current.data = append(current.data, loggedBlock{home: tag.block, pos: pos, escaped: tag.flags&journalTagEscape != 0})
			}
		case journalBlockRevoke:
			blocks, err := parseRevokeBlock(b)
			if err != nil {
				return nil, 0, err
			}
			current.revoked = append(current.revoked, blocks...)
		case journalBlockCommit:
			found = append(found, current)
			sequence++
			current = loggedTransaction{sequence: sequence}
		default:
			return nil, 0, fmt.Errorf("%w: unknown journal block type %d at %d", ErrBadValue, h.blockType, pos)
		}
		pos = j.next(pos)
		steps++
	}
	return found, sequence, nil
}

// Recover replays the committed transactions left in the log. Blocks revoked by
// a transaction are not replayed from it or any earlier transaction.
func (j *LogJournal) Recover() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.start == 0 {
		j.log.Debug("journal is clean")
		return nil
	}
	transactions, next, err := j.scan()
	if err != nil {
		return err
	}

	revokedAt := make(map[uint32]uint32)
	for _, t := range transactions {
		for _, block := range t.revoked {
			revokedAt[block] = t.sequence
		}
	}

	replayed := 0
	for _, t := range transactions {
		for _, lb := range t.data {
			if seq, ok := revokedAt[lb.home]; ok && seq >= t.sequence {
				continue
			}
			if uint64(lb.home) >= j.cache.NumBlocks() {
				return fmt.Errorf("%w: journal block %d logs block %d beyond the volume", ErrBadValue, lb.pos, lb.home)
			}
			b, err := j.readLog(lb.pos)
			if err != nil {
				return err
			}
			if lb.escaped {
				unescapeBlock(b)
			}
			if err := j.cache.WriteDirect(uint64(lb.home), b); err != nil {
				return fmt.Errorf("%w: could not replay block %d: %v", ErrIO, lb.home, err)
			}
			replayed++
		}
	}
	j.log.WithFields(log.Fields{
		"transactions": len(transactions),
		"blocks":       replayed,
	}).Info("replayed journal")

	// the replayed blocks must be stable before the log is marked empty
	if err := j.cache.SyncDevice(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	j.sequence = next
	j.start = 0
	return j.writeSuperblock()
}

// writeSuperblock records the log start and sequence and syncs the device. j.mu must be held.
func (j *LogJournal) writeSuperblock() error {
	j.sb.start = j.start
	j.sb.sequence = j.sequence
	if err := j.cache.WriteDirect(j.blocks[0], j.sb.toBytes(j.blockSize)); err != nil {
		return fmt.Errorf("%w: could not write journal superblock: %v", ErrIO, err)
	}
	if err := j.cache.SyncDevice(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// StartLog positions the log at its first block
func (j *LogJournal) StartLog() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.start != 0 {
		return fmt.Errorf("%w: journal was not recovered", ErrBadValue)
	}
	j.head = j.sb.first
	return nil
}

// Begin opens a transaction, waiting for the open one to finish
func (j *LogJournal) Begin() (*blockcache.Transaction, error) {
	return j.gate.begin(), nil
}

// Abort discards tx
func (j *LogJournal) Abort(tx *blockcache.Transaction) {
	if j.gate.check(tx) != nil {
		return
	}
	defer j.gate.release()
	j.cache.Abort(tx)
}

// Commit writes tx to the log and then makes it visible in the block cache.
// If writing the log fails the transaction is aborted.
func (j *LogJournal) Commit(tx *blockcache.Transaction) error {
	if err := j.gate.check(tx); err != nil {
		return err
	}
	defer j.gate.release()
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writeTransaction(tx); err != nil {
		j.cache.Abort(tx)
		return err
	}
	if err := j.cache.Commit(tx); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (j *LogJournal) writeTransaction(tx *blockcache.Transaction) error {
	blocks := tx.Blocks()
	if len(blocks) == 0 {
		return nil
	}
	perDescriptor := tagsPerDescriptor(j.blockSize)
	descriptors := (len(blocks) + perDescriptor - 1) / perDescriptor
	needed := uint32(descriptors + len(blocks) + 1)
	if needed > j.sb.maxLen-j.sb.first {
		return fmt.Errorf("%w: transaction of %d blocks does not fit in a journal of %d blocks", ErrIO, len(blocks), j.sb.maxLen-j.sb.first)
	}
	if j.head+needed > j.sb.maxLen {
		if err := j.checkpoint(); err != nil {
			return err
		}
	}

	pos := j.head
	for i := 0; i < len(blocks); i += perDescriptor {
		chunk := blocks[i:min(i+perDescriptor, len(blocks))]
		tags := make([]journalTag, 0, len(chunk))
		for k, block := range chunk {
			data := tx.Data(block)
			tag := journalTag{block: uint32(block)}
			if escapeBlock(data) {
				tag.flags |= journalTagEscape
			}
			tags = append(tags, tag)
			if err := j.writeLog(pos+1+uint32(k), data); err != nil {
				return err
			}
		}
		if err := j.writeLog(pos, descriptorBlock(j.blockSize, j.sequence, j.sb.uuid, tags)); err != nil {
			return err
		}
		pos += 1 + uint32(len(chunk))
	}

	if j.start == 0 {
		j.start = j.head
		if err := j.writeSuperblock(); err != nil {
			return err
		}
	} else if err := j.cache.SyncDevice(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	now := time.Now()
	if err := j.writeLog(pos, commitBlock(j.blockSize, j.sequence, uint64(now.Unix()), uint32(now.Nanosecond()))); err != nil {
		return err
	}
	if err := j.cache.SyncDevice(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	j.log.WithFields(log.Fields{
		"sequence": j.sequence,
		"blocks":   len(blocks),
	}).Debug("committed transaction")
	j.sequence++
	j.head = pos + 1
	return nil
}

func (j *LogJournal) writeLog(pos uint32, b []byte) error {
	if err := j.cache.WriteDirect(j.blocks[pos], b); err != nil {
		return fmt.Errorf("%w: could not write journal block %d: %v", ErrIO, pos, err)
	}
	return nil
}

// checkpoint writes every committed block in place and empties the log. j.mu must be held.
func (j *LogJournal) checkpoint() error {
	if err := j.cache.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	j.head = j.sb.first
	if j.start == 0 {
		return nil
	}
	j.start = 0
	return j.writeSuperblock()
}

// FlushLogAndBlocks checkpoints the log
func (j *LogJournal) FlushLogAndBlocks() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.checkpoint()
}

// Uninit checkpoints the log so the volume is clean on disk
func (j *LogJournal) Uninit() error {
	return j.FlushLogAndBlocks()
}

// UUID returns the journal's UUID
func (j *LogJournal) UUID() uuid.UUID {
	return j.sb.uuid
}

// Sequence returns the sequence number the next transaction will get
func (j *LogJournal) Sequence() uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sequence
}
