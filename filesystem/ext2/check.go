package ext2

import (
	"context"
	"fmt"
	"runtime"

	"github.com/diskfs/go-ext2/util/bitmap"
	"golang.org/x/sync/errgroup"
)

// GroupReport compares a block group's descriptor with its bitmaps
type GroupReport struct {
	Group                uint32 `yaml:"group"`
	DescriptorFreeBlocks uint32 `yaml:"descriptorFreeBlocks"`
	BitmapFreeBlocks     uint32 `yaml:"bitmapFreeBlocks"`
	DescriptorFreeInodes uint32 `yaml:"descriptorFreeInodes"`
	BitmapFreeInodes     uint32 `yaml:"bitmapFreeInodes"`
}

// Consistent reports whether the descriptor matches the bitmaps
func (r GroupReport) Consistent() bool {
	return r.DescriptorFreeBlocks == r.BitmapFreeBlocks && r.DescriptorFreeInodes == r.BitmapFreeInodes
}

// CheckReport is the result of Volume.Check
type CheckReport struct {
	Groups               []GroupReport `yaml:"groups"`
	BitmapFreeBlocks     uint64        `yaml:"bitmapFreeBlocks"`
	BitmapFreeInodes     uint64        `yaml:"bitmapFreeInodes"`
	SuperblockFreeBlocks uint32        `yaml:"superblockFreeBlocks"`
	SuperblockFreeInodes uint32        `yaml:"superblockFreeInodes"`
	LiveFreeBlocks       uint32        `yaml:"liveFreeBlocks"`
	LiveFreeInodes       uint32        `yaml:"liveFreeInodes"`
	Problems             []string      `yaml:"problems,omitempty"`
}

// Consistent reports whether no problems were found
func (r *CheckReport) Consistent() bool {
	return len(r.Problems) == 0
}

// Check counts the free blocks and inodes in the committed bitmaps of every
// group and compares them with the group descriptors, the superblock and the
// live counters. Groups are scanned concurrently.
func (v *Volume) Check(ctx context.Context) (*CheckReport, error) {
	groups := make([]GroupReport, v.numGroups)
	blocks := newBlockAllocator(v)
	inodes := newInodeAllocator(v)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range groups {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			gd, err := v.GetBlockGroup(i)
			if err != nil {
				return err
			}
			blockBitmap, err := v.cache.Get(uint64(gd.BlockBitmap))
			if err != nil {
				return fmt.Errorf("%w: could not read block bitmap of group %d: %v", ErrIO, i, err)
			}
			inodeBitmap, err := v.cache.Get(uint64(gd.InodeBitmap))
			if err != nil {
				return fmt.Errorf("%w: could not read inode bitmap of group %d: %v", ErrIO, i, err)
			}
			groups[i] = GroupReport{
				Group:                uint32(i),
				DescriptorFreeBlocks: uint32(gd.FreeBlocks),
				BitmapFreeBlocks:     uint32(bitmap.FromBytes(blockBitmap, int(blocks.blocksInGroup(i))).CountFree()),
				DescriptorFreeInodes: uint32(gd.FreeInodes),
				BitmapFreeInodes:     uint32(bitmap.FromBytes(inodeBitmap, inodes.inodesInGroup(i)).CountFree()),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	v.sbLock.RLock()
	report := &CheckReport{
		Groups:               groups,
		SuperblockFreeBlocks: v.sb.FreeBlocks,
		SuperblockFreeInodes: v.sb.FreeInodes,
		LiveFreeBlocks:       v.freeBlocks,
		LiveFreeInodes:       v.freeInodes,
	}
	v.sbLock.RUnlock()
	for _, gr := range groups {
		report.BitmapFreeBlocks += uint64(gr.BitmapFreeBlocks)
		report.BitmapFreeInodes += uint64(gr.BitmapFreeInodes)
		if !gr.Consistent() {
			report.Problems = append(report.Problems, fmt.Sprintf("group %d: descriptor has %d free blocks and %d free inodes, bitmaps have %d and %d",
				gr.Group, gr.DescriptorFreeBlocks, gr.DescriptorFreeInodes, gr.BitmapFreeBlocks, gr.BitmapFreeInodes))
		}
	}
	if report.BitmapFreeBlocks != uint64(report.SuperblockFreeBlocks) {
		report.Problems = append(report.Problems, fmt.Sprintf("superblock has %d free blocks, bitmaps have %d", report.SuperblockFreeBlocks, report.BitmapFreeBlocks))
	}
	if report.BitmapFreeInodes != uint64(report.SuperblockFreeInodes) {
		report.Problems = append(report.Problems, fmt.Sprintf("superblock has %d free inodes, bitmaps have %d", report.SuperblockFreeInodes, report.BitmapFreeInodes))
	}
	if report.LiveFreeBlocks != report.SuperblockFreeBlocks || report.LiveFreeInodes != report.SuperblockFreeInodes {
		report.Problems = append(report.Problems, fmt.Sprintf("live counts %d blocks and %d inodes differ from the superblock", report.LiveFreeBlocks, report.LiveFreeInodes))
	}
	return report, nil
}

// CountFreeBlocks counts the free blocks in the committed block bitmaps
func (v *Volume) CountFreeBlocks(ctx context.Context) (uint64, error) {
	report, err := v.Check(ctx)
	if err != nil {
		return 0, err
	}
	return report.BitmapFreeBlocks, nil
}
