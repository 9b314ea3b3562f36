package ext2

import (
	"fmt"

	"github.com/diskfs/go-ext2/blockcache"
)

// The orphan list holds inodes that were unlinked while still open. It is
// threaded through the superblock's LastOrphan field and the NextOrphan field
// of each orphan, so the inodes can be deleted after a crash.

// SaveOrphan pushes id onto the orphan list as part of tx and returns the previous head
func (v *Volume) SaveOrphan(tx *blockcache.Transaction, id uint32) (uint32, error) {
	in, err := v.ReadInodeTx(tx, id)
	if err != nil {
		return 0, err
	}
	oldID := v.LastOrphan()
	in.NextOrphan = oldID
	if err := v.WriteInode(tx, in); err != nil {
		return 0, err
	}
	v.updateSuperBlock(func(sb *Superblock) {
		sb.LastOrphan = id
	})
	if err := v.WriteSuperBlock(tx); err != nil {
		return 0, err
	}
	return oldID, nil
}

// RemoveOrphan unlinks id from the orphan list as part of tx
func (v *Volume) RemoveOrphan(tx *blockcache.Transaction, id uint32) error {
	head := v.LastOrphan()
	if head == 0 {
		return fmt.Errorf("%w: orphan list is empty", ErrBadValue)
	}
	in, err := v.ReadInodeTx(tx, head)
	if err != nil {
		return err
	}
	if head == id {
		next := in.NextOrphan
		v.updateSuperBlock(func(sb *Superblock) {
			sb.LastOrphan = next
		})
		in.NextOrphan = 0
		if err := v.WriteInode(tx, in); err != nil {
			return err
		}
		return v.WriteSuperBlock(tx)
	}

	prev := in
	for steps := uint32(0); prev.NextOrphan != 0; steps++ {
		if steps > v.geometry.InodesCount {
			return fmt.Errorf("%w: orphan list has a cycle", ErrBadValue)
		}
		cur, err := v.ReadInodeTx(tx, prev.NextOrphan)
		if err != nil {
			return err
		}
		if cur.Number == id {
			prev.NextOrphan = cur.NextOrphan
			cur.NextOrphan = 0
			if err := v.WriteInode(tx, prev); err != nil {
				return err
			}
			if err := v.WriteInode(tx, cur); err != nil {
				return err
			}
			return v.WriteSuperBlock(tx)
		}
		prev = cur
	}
	return fmt.Errorf("%w: inode %d is not on the orphan list", ErrBadValue, id)
}

// LastOrphan returns the head of the orphan list, 0 when it is empty
func (v *Volume) LastOrphan() uint32 {
	v.sbLock.RLock()
	defer v.sbLock.RUnlock()
	return v.sb.LastOrphan
}

// Orphans lists the committed orphan list, head first
func (v *Volume) Orphans() ([]uint32, error) {
	var ids []uint32
	for id := v.LastOrphan(); id != 0; {
		if uint32(len(ids)) > v.geometry.InodesCount {
			return nil, fmt.Errorf("%w: orphan list has a cycle", ErrBadValue)
		}
		ids = append(ids, id)
		in, err := v.ReadInode(id)
		if err != nil {
			return nil, err
		}
		id = in.NextOrphan
	}
	return ids, nil
}
