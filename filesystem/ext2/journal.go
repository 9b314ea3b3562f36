package ext2

import (
	"fmt"
	"sync"

	"github.com/diskfs/go-ext2/blockcache"
)

// Journal keeps the volume consistent across crashes. A volume uses a LogJournal
// when it is mounted read-write and has an internal journal, and a NoJournal
// otherwise.
//
// A journal is used in this order: InitCheck, Recover, StartLog, any number of
// transactions, Uninit. At most one transaction is open at a time; Begin blocks
// until the previous one is committed or aborted.
type Journal interface {
	// InitCheck validates the journal before it is used
	InitCheck() error
	// Recover replays transactions committed to the log but not yet written in place
	Recover() error
	// StartLog begins a new log epoch
	StartLog() error
	// Begin opens a transaction
	Begin() (*blockcache.Transaction, error)
	// Commit makes the transaction durable in the log and visible in the block cache
	Commit(tx *blockcache.Transaction) error
	// Abort discards the transaction
	Abort(tx *blockcache.Transaction)
	// FlushLogAndBlocks writes every committed transaction in place and syncs the device
	FlushLogAndBlocks() error
	// Uninit flushes the journal for unmount
	Uninit() error
}

// transactionGate admits one open transaction at a time
type transactionGate struct {
	mu       sync.Mutex
	cache    *blockcache.Cache
	listener blockcache.TransactionListener
	open     *blockcache.Transaction
}

func (g *transactionGate) begin() *blockcache.Transaction {
	g.mu.Lock()
	tx := g.cache.StartTransaction()
	if g.listener != nil {
		tx.AddListener(g.listener)
	}
	g.open = tx
	return tx
}

func (g *transactionGate) check(tx *blockcache.Transaction) error {
	if tx == nil || tx != g.open {
		return fmt.Errorf("%w: transaction is not the open transaction", ErrBadValue)
	}
	return nil
}

func (g *transactionGate) release() {
	g.open = nil
	g.mu.Unlock()
}

// NoJournal is the journal of volumes mounted read-only or without a journal.
// Transactions go straight to the block cache.
type NoJournal struct {
	gate transactionGate
}

func newNoJournal(cache *blockcache.Cache, listener blockcache.TransactionListener) *NoJournal {
	return &NoJournal{gate: transactionGate{cache: cache, listener: listener}}
}

func (j *NoJournal) InitCheck() error { return nil }

func (j *NoJournal) Recover() error { return nil }

func (j *NoJournal) StartLog() error { return nil }

func (j *NoJournal) Begin() (*blockcache.Transaction, error) {
	return j.gate.begin(), nil
}

func (j *NoJournal) Commit(tx *blockcache.Transaction) error {
	if err := j.gate.check(tx); err != nil {
		return err
	}
	defer j.gate.release()
	if err := j.gate.cache.Commit(tx); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (j *NoJournal) Abort(tx *blockcache.Transaction) {
	if j.gate.check(tx) != nil {
		return
	}
	defer j.gate.release()
	j.gate.cache.Abort(tx)
}

func (j *NoJournal) FlushLogAndBlocks() error {
	if err := j.gate.cache.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (j *NoJournal) Uninit() error {
	return j.FlushLogAndBlocks()
}
