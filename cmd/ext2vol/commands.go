package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/diskfs/go-ext2/backend"
	"github.com/diskfs/go-ext2/config"
	"github.com/diskfs/go-ext2/filesystem/ext2"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

var errInconsistent = errors.New("volume is inconsistent")

// volumeAction runs against a mounted volume
type volumeAction func(c *cli.Context, v *ext2.Volume) error

// withVolume mounts the device named by the first argument around fn.
// readOnly actions are mounted read-only regardless of the configuration.
func withVolume(cfg *config.Config, readOnly bool, fn volumeAction) cli.ActionFunc {
	return func(c *cli.Context) (err error) {
		device := c.Args().First()
		if device == "" {
			return fmt.Errorf("missing DEVICE argument")
		}
		var flags ext2.MountFlags
		if readOnly || cfg.ReadOnly {
			flags |= ext2.MountReadOnly
		}
		v := ext2.NewVolume(
			ext2.WithLogger(cfg.Logger()),
			ext2.WithCacheBlocks(cfg.CacheBlocks),
		)
		if err := v.Mount(device, flags); err != nil {
			return fmt.Errorf("mounting %s: %w", device, err)
		}
		defer func() {
			err = errors.Join(err, v.Unmount())
		}()
		return fn(c, v)
	}
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}
	return enc.Close()
}

// volumeInfo is the summary printed by info and mkfs
type volumeInfo struct {
	Name             string                 `yaml:"name"`
	UUID             string                 `yaml:"uuid"`
	BlockSize        uint32                 `yaml:"blockSize"`
	Blocks           uint32                 `yaml:"blocks"`
	FreeBlocks       uint32                 `yaml:"freeBlocks"`
	ReservedBlocks   uint32                 `yaml:"reservedBlocks"`
	Inodes           uint32                 `yaml:"inodes"`
	FreeInodes       uint32                 `yaml:"freeInodes"`
	InodeSize        uint16                 `yaml:"inodeSize"`
	BlocksPerGroup   uint32                 `yaml:"blocksPerGroup"`
	InodesPerGroup   uint32                 `yaml:"inodesPerGroup"`
	MountCount       uint16                 `yaml:"mountCount"`
	CompatFeatures   string                 `yaml:"compatFeatures"`
	IncompatFeatures string                 `yaml:"incompatFeatures"`
	ROCompatFeatures string                 `yaml:"roCompatFeatures"`
	Journal          string                 `yaml:"journal"`
	NeedsRecovery    bool                   `yaml:"needsRecovery"`
	LastOrphan       uint32                 `yaml:"lastOrphan,omitempty"`
	Groups           []ext2.GroupDescriptor `yaml:"groups,omitempty"`
}

func newVolumeInfo(sb *ext2.Superblock) volumeInfo {
	vi := volumeInfo{
		Name:             sb.VolumeName,
		UUID:             sb.UUID.String(),
		BlockSize:        sb.BlockSize(),
		Blocks:           sb.BlocksCount,
		FreeBlocks:       sb.FreeBlocks,
		ReservedBlocks:   sb.ReservedBlocks,
		Inodes:           sb.InodesCount,
		FreeInodes:       sb.FreeInodes,
		InodeSize:        sb.InodeSize,
		BlocksPerGroup:   sb.BlocksPerGroup,
		InodesPerGroup:   sb.InodesPerGroup,
		MountCount:       sb.MountCount,
		CompatFeatures:   fmt.Sprintf("%#x", sb.CompatFeatures),
		IncompatFeatures: fmt.Sprintf("%#x", sb.IncompatFeatures),
		ROCompatFeatures: fmt.Sprintf("%#x", sb.ROCompatFeatures),
		Journal:          "none",
		NeedsRecovery:    sb.NeedsRecovery(),
		LastOrphan:       sb.LastOrphan,
	}
	switch {
	case sb.HasJournal() && sb.JournalInode != 0:
		vi.Journal = fmt.Sprintf("inode %d", sb.JournalInode)
	case sb.HasJournal():
		vi.Journal = "external " + sb.JournalUUID.String()
	}
	return vi
}

func info(c *cli.Context, v *ext2.Volume) error {
	sb := v.SuperBlock()
	vi := newVolumeInfo(&sb)
	vi.Name = v.Name()
	vi.FreeBlocks = v.FreeBlocksCount()
	vi.FreeInodes = v.FreeInodesCount()
	if c.Bool("groups") {
		for i := 0; i < v.NumGroups(); i++ {
			gd, err := v.GetBlockGroup(i)
			if err != nil {
				return err
			}
			vi.Groups = append(vi.Groups, gd)
		}
	}
	return writeYAML(c.App.Writer, vi)
}

func check(c *cli.Context, v *ext2.Volume) error {
	report, err := v.Check(c.Context)
	if err != nil {
		return err
	}
	if err := writeYAML(c.App.Writer, report); err != nil {
		return err
	}
	if !report.Consistent() {
		return errInconsistent
	}
	return nil
}

func orphans(c *cli.Context, v *ext2.Volume) error {
	ids, err := v.Orphans()
	if err != nil {
		return err
	}
	return writeYAML(c.App.Writer, map[string][]uint32{"orphans": ids})
}

func list(c *cli.Context, v *ext2.Volume) error {
	entries, err := v.ReadDirectory(uint32(c.Uint("inode")))
	if err != nil {
		return err
	}
	for _, de := range entries {
		fmt.Fprintf(c.App.Writer, "%8d %s\n", de.Inode, de.Name)
	}
	return nil
}

func recoverVolume(c *cli.Context, v *ext2.Volume) error {
	if v.IsReadOnly() {
		return fmt.Errorf("%w: cannot recover a read-only volume", ext2.ErrReadOnlyDevice)
	}
	// Mount has replayed the journal; Sync writes everything in place before the unmount
	return v.Sync()
}

func mkfsCommand() *cli.Command {
	return &cli.Command{
		Name:      "mkfs",
		Usage:     "create an ext2 filesystem",
		ArgsUsage: "DEVICE",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "size", Usage: "size in bytes; creates or grows an image file, default is the current device size"},
			&cli.UintFlag{Name: "block-size", Usage: "block size in bytes, default 1024 below 512MiB and 4096 above"},
			&cli.UintFlag{Name: "blocks-per-group", Usage: "blocks per block group"},
			&cli.UintFlag{Name: "inodes-per-group", Usage: "inodes per block group, overrides --inode-ratio"},
			&cli.UintFlag{Name: "inode-size", Usage: "inode size in bytes"},
			&cli.Int64Flag{Name: "inode-ratio", Usage: "bytes per inode"},
			&cli.UintFlag{Name: "journal-blocks", Usage: "size of the internal journal in blocks, 0 for none"},
			&cli.StringFlag{Name: "label", Usage: "volume name"},
			&cli.StringFlag{Name: "uuid", Usage: "volume UUID, random by default"},
		},
		Action: mkfs,
	}
}

func mkfs(c *cli.Context) error {
	device := c.Args().First()
	if device == "" {
		return fmt.Errorf("missing DEVICE argument")
	}
	p := &ext2.Params{
		BlockSize:      uint32(c.Uint("block-size")),
		BlocksPerGroup: uint32(c.Uint("blocks-per-group")),
		InodesPerGroup: uint32(c.Uint("inodes-per-group")),
		InodeSize:      uint16(c.Uint("inode-size")),
		InodeRatio:     c.Int64("inode-ratio"),
		JournalBlocks:  uint32(c.Uint("journal-blocks")),
		VolumeName:     c.String("label"),
	}
	if s := c.String("uuid"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid --uuid: %w", err)
		}
		p.UUID = &id
	}

	size := c.Int64("size")
	if size > 0 {
		f, err := os.OpenFile(device, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("could not create %s: %w", device, err)
		}
		fi, err := f.Stat()
		if err == nil && fi.Mode().IsRegular() && fi.Size() < size {
			err = f.Truncate(size)
		}
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("could not size %s: %w", device, err)
		}
	}

	storage, err := backend.OpenFile(device, backend.ReadWrite)
	if err != nil {
		return err
	}
	defer storage.Close()
	if size <= 0 {
		geo, err := storage.Geometry()
		if err != nil {
			return err
		}
		size = geo.Size
	}
	sb, err := ext2.Create(storage, size, p)
	if err != nil {
		return fmt.Errorf("formatting %s: %w", device, err)
	}
	return writeYAML(c.App.Writer, newVolumeInfo(sb))
}
