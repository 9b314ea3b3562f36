package blockcache

import (
	"slices"
)

// TransactionListener is told when a transaction it was added to finishes
type TransactionListener interface {
	TransactionDone(success bool)
}

// Transaction is a set of block changes that are committed or aborted together.
// A Transaction is not safe for use by more than one goroutine.
type Transaction struct {
	id        int64
	cache     *Cache
	blocks    map[uint64][]byte
	listeners []TransactionListener
	done      bool
}

// ID returns the transaction id, unique within its cache
func (t *Transaction) ID() int64 {
	return t.id
}

// Done reports whether the transaction was committed or aborted
func (t *Transaction) Done() bool {
	t.cache.mu.Lock()
	defer t.cache.mu.Unlock()
	return t.done
}

// AddListener registers l to be told when the transaction finishes. Adding the same listener twice has no effect.
func (t *Transaction) AddListener(l TransactionListener) {
	t.cache.mu.Lock()
	defer t.cache.mu.Unlock()
	if slices.Contains(t.listeners, l) {
		return
	}
	t.listeners = append(t.listeners, l)
}

// Get returns a copy of block as seen from inside the transaction
func (t *Transaction) Get(block uint64) ([]byte, error) {
	t.cache.mu.Lock()
	defer t.cache.mu.Unlock()
	data, ok := t.blocks[block]
	if !ok {
		var err error
		if data, err = t.cache.committed(block); err != nil {
			return nil, err
		}
	}
	b := make([]byte, len(data))
	copy(b, data)
	return b, nil
}

// Blocks returns the numbers of the blocks changed in the transaction, ascending
func (t *Transaction) Blocks() []uint64 {
	t.cache.mu.Lock()
	defer t.cache.mu.Unlock()
	blocks := make([]uint64, 0, len(t.blocks))
	for b := range t.blocks {
		blocks = append(blocks, b)
	}
	slices.Sort(blocks)
	return blocks
}

// Data returns a copy of the transaction's version of block, or nil if the transaction did not change it
func (t *Transaction) Data(block uint64) []byte {
	t.cache.mu.Lock()
	defer t.cache.mu.Unlock()
	data, ok := t.blocks[block]
	if !ok {
		return nil
	}
	b := make([]byte, len(data))
	copy(b, data)
	return b
}
