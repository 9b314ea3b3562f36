// Command ext2vol formats, inspects and repairs ext2 volumes
package main

import (
	"fmt"
	"os"

	"github.com/diskfs/go-ext2/config"
	"github.com/urfave/cli/v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	app := newApp(cfg)
	if err := app.Run(os.Args); err != nil {
		cfg.Logger().WithError(err).Fatal("ext2vol failed")
	}
}

func newApp(cfg *config.Config) *cli.App {
	return &cli.App{
		Name:  "ext2vol",
		Usage: "format, inspect and repair ext2 volumes",
		Commands: []*cli.Command{
			mkfsCommand(),
			{
				Name:      "info",
				Usage:     "print the superblock summary",
				ArgsUsage: "DEVICE",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "groups", Usage: "include every block group descriptor"},
				},
				Action: withVolume(cfg, true, info),
			},
			{
				Name:      "check",
				Usage:     "compare the free counts with the bitmaps",
				ArgsUsage: "DEVICE",
				Action:    withVolume(cfg, true, check),
			},
			{
				Name:      "orphans",
				Usage:     "list the orphan inodes",
				ArgsUsage: "DEVICE",
				Action:    withVolume(cfg, true, orphans),
			},
			{
				Name:      "ls",
				Usage:     "list a directory by inode number",
				ArgsUsage: "DEVICE",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "inode", Value: 2, Usage: "the directory inode"},
				},
				Action: withVolume(cfg, true, list),
			},
			{
				Name:      "recover",
				Usage:     "mount read-write to replay the journal, then unmount cleanly",
				ArgsUsage: "DEVICE",
				Action:    withVolume(cfg, false, recoverVolume),
			},
		},
	}
}
