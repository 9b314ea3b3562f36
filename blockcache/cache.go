// Package blockcache caches the blocks of a device and groups block writes
// into transactions.
//
// Blocks are read through Get, which returns the committed view of a block:
// its contents as of the last committed transaction, whether or not that
// transaction has been written back to the device yet. Writers start a
// Transaction, obtain writable copies with GetWritable or GetEmpty, and then
// either Commit, which makes the copies the committed view, or Abort, which
// discards them. Committed blocks stay dirty until Sync writes them back in
// ascending block order.
package blockcache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/diskfs/go-ext2/backend"
	"github.com/golang/groupcache/lru"
	"github.com/google/btree"
)

const (
	// DefaultCleanCacheSize is the default number of clean blocks kept in memory
	DefaultCleanCacheSize = 4096

	btreeDegree = 32
)

var (
	// ErrReadOnly is returned when writing through a read-only cache
	ErrReadOnly = errors.New("block cache is read-only")
	// ErrTransactionDone is returned when using a transaction that was already committed or aborted
	ErrTransactionDone = errors.New("transaction already finished")
	// ErrOutOfRange is returned for block numbers past the end of the cached device
	ErrOutOfRange = errors.New("block out of range")
)

// Option configures a Cache
type Option func(*Cache)

// WithCleanCacheSize sets how many clean blocks are kept in memory. 0 disables the clean cache.
func WithCleanCacheSize(n int) Option {
	return func(c *Cache) {
		c.cleanMax = n
	}
}

// Cache is a write-back block cache over a Storage
type Cache struct {
	mu        sync.Mutex
	storage   backend.Storage
	numBlocks uint64
	blockSize int
	readOnly  bool

	// committed but not yet written back
	dirty      map[uint64][]byte
	dirtyOrder *btree.BTreeG[uint64]

	// clean blocks keyed by block number; not consulted when cleanMax is 0
	cleanMax int
	clean    *lru.Cache

	nextID int64
}

// New creates a cache of numBlocks blocks of blockSize bytes over storage
func New(storage backend.Storage, numBlocks uint64, blockSize int, readOnly bool, opts ...Option) (*Cache, error) {
	if storage == nil {
		return nil, errors.New("no storage provided")
	}
	if blockSize <= 0 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("invalid block size %d", blockSize)
	}
	if numBlocks == 0 {
		return nil, errors.New("cache must hold at least one block")
	}
	c := &Cache{
		storage:    storage,
		numBlocks:  numBlocks,
		blockSize:  blockSize,
		readOnly:   readOnly,
		dirty:      make(map[uint64][]byte),
		dirtyOrder: btree.NewG[uint64](btreeDegree, func(a, b uint64) bool { return a < b }),
		cleanMax:   DefaultCleanCacheSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cleanMax < 0 {
		c.cleanMax = 0
	}
	c.clean = lru.New(c.cleanMax)
	return c, nil
}

// BlockSize returns the size of each block in bytes
func (c *Cache) BlockSize() int {
	return c.blockSize
}

// NumBlocks returns the number of blocks the cache covers
func (c *Cache) NumBlocks() uint64 {
	return c.numBlocks
}

// ReadOnly reports whether the cache refuses writes
func (c *Cache) ReadOnly() bool {
	return c.readOnly
}

// DirtyCount returns the number of committed blocks not yet written back
func (c *Cache) DirtyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirty)
}

// Get returns a copy of the committed contents of block
func (c *Cache) Get(block uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.committed(block)
	if err != nil {
		return nil, err
	}
	b := make([]byte, len(data))
	copy(b, data)
	return b, nil
}

// committed returns the committed view of block without copying. c.mu must be held.
func (c *Cache) committed(block uint64) ([]byte, error) {
	if block >= c.numBlocks {
		return nil, fmt.Errorf("block %d of %d: %w", block, c.numBlocks, ErrOutOfRange)
	}
	if data, ok := c.dirty[block]; ok {
		return data, nil
	}
	if data, ok := c.clean.Get(block); ok {
		return data.([]byte), nil
	}
	data := make([]byte, c.blockSize)
	if err := backend.ReadFull(c.storage, data, int64(block)*int64(c.blockSize)); err != nil {
		return nil, fmt.Errorf("could not read block %d: %w", block, err)
	}
	c.remember(block, data)
	return data, nil
}

// remember adds block to the clean cache, evicting the least recently used entry when full. c.mu must be held.
func (c *Cache) remember(block uint64, data []byte) {
	// lru treats a limit of 0 as unbounded
	if c.cleanMax == 0 {
		return
	}
	c.clean.Add(block, data)
}

// forget drops block from the clean cache. c.mu must be held.
func (c *Cache) forget(block uint64) {
	c.clean.Remove(block)
}

// StartTransaction starts a new transaction
func (c *Cache) StartTransaction() *Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return &Transaction{
		id:     c.nextID,
		cache:  c,
		blocks: make(map[uint64][]byte),
	}
}

// GetWritable returns the transaction's private copy of block, creating it from the
// committed view on first use. Changes made to the returned slice become part of tx.
func (c *Cache) GetWritable(tx *Transaction, block uint64) ([]byte, error) {
	return c.writable(tx, block, false)
}

// GetEmpty is like GetWritable, but the block starts zeroed instead of being read
func (c *Cache) GetEmpty(tx *Transaction, block uint64) ([]byte, error) {
	return c.writable(tx, block, true)
}

func (c *Cache) writable(tx *Transaction, block uint64, empty bool) ([]byte, error) {
	if c.readOnly {
		return nil, ErrReadOnly
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx.done {
		return nil, ErrTransactionDone
	}
	if block >= c.numBlocks {
		return nil, fmt.Errorf("block %d of %d: %w", block, c.numBlocks, ErrOutOfRange)
	}
	if data, ok := tx.blocks[block]; ok {
		if empty {
			clear(data)
		}
		return data, nil
	}
	data := make([]byte, c.blockSize)
	if !empty {
		current, err := c.committed(block)
		if err != nil {
			return nil, err
		}
		copy(data, current)
	}
	tx.blocks[block] = data
	return data, nil
}

// Commit makes the blocks changed in tx the committed view and notifies the
// transaction's listeners. Nothing is written to the device.
func (c *Cache) Commit(tx *Transaction) error {
	c.mu.Lock()
	if tx.done {
		c.mu.Unlock()
		return ErrTransactionDone
	}
	for block, data := range tx.blocks {
		c.forget(block)
		c.dirty[block] = data
		c.dirtyOrder.ReplaceOrInsert(block)
	}
	tx.done = true
	tx.blocks = nil
	listeners := tx.listeners
	c.mu.Unlock()

	for _, l := range listeners {
		l.TransactionDone(true)
	}
	return nil
}

// Abort discards the blocks changed in tx and notifies the transaction's listeners
func (c *Cache) Abort(tx *Transaction) {
	c.mu.Lock()
	if tx.done {
		c.mu.Unlock()
		return
	}
	tx.done = true
	tx.blocks = nil
	listeners := tx.listeners
	c.mu.Unlock()

	for _, l := range listeners {
		l.TransactionDone(false)
	}
}

// WriteDirect writes data to block on the device immediately, bypassing
// transactions. The committed view of the block becomes data.
func (c *Cache) WriteDirect(block uint64, data []byte) error {
	if c.readOnly {
		return ErrReadOnly
	}
	if len(data) != c.blockSize {
		return fmt.Errorf("write of %d bytes to block %d, block size is %d", len(data), block, c.blockSize)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if block >= c.numBlocks {
		return fmt.Errorf("block %d of %d: %w", block, c.numBlocks, ErrOutOfRange)
	}
	if _, err := c.storage.WriteAt(data, int64(block)*int64(c.blockSize)); err != nil {
		return fmt.Errorf("could not write block %d: %w", block, err)
	}
	b := make([]byte, len(data))
	copy(b, data)
	if _, ok := c.dirty[block]; ok {
		c.dirty[block] = b
		return nil
	}
	c.remember(block, b)
	return nil
}

// SyncDevice flushes the device's own write cache
func (c *Cache) SyncDevice() error {
	if c.readOnly {
		return nil
	}
	if err := c.storage.Sync(); err != nil {
		return fmt.Errorf("could not sync device: %w", err)
	}
	return nil
}

// Sync writes every dirty block back to the device in ascending order, then syncs the device
func (c *Cache) Sync() error {
	if c.readOnly {
		return nil
	}
	c.mu.Lock()
	var err error
	written := make([]uint64, 0, len(c.dirty))
	c.dirtyOrder.Ascend(func(block uint64) bool {
		if _, err = c.storage.WriteAt(c.dirty[block], int64(block)*int64(c.blockSize)); err != nil {
			err = fmt.Errorf("could not write back block %d: %w", block, err)
			return false
		}
		written = append(written, block)
		return true
	})
	for _, block := range written {
		c.remember(block, c.dirty[block])
		delete(c.dirty, block)
		c.dirtyOrder.Delete(block)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.SyncDevice()
}

// Close releases the cache, writing back dirty blocks first when flush is set.
// The storage itself is left open.
func (c *Cache) Close(flush bool) error {
	var err error
	if flush {
		err = c.Sync()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = make(map[uint64][]byte)
	c.dirtyOrder.Clear(false)
	c.clean.Clear()
	return err
}
