package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/ahmethakanbesel/ecar-manager/internal/importer"
)

// ImportAction queues one import per ecar path and runs them to completion.
func ImportAction(ctx context.Context, cmd *cli.Command) error {
	paths := cmd.Args().Slice()
	if len(paths) == 0 {
		return fmt.Errorf("at least one ecar path is required")
	}
	c, err := open(cmd.String("env"), os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ids, err := c.Imports.RegisterImports(ctx, importer.RegisterRequest{Paths: paths})
	if err != nil {
		return err
	}
	if cmd.Bool("detach") {
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}
	recs, err := drive(ctx, c, ids, os.Stdout)
	if err != nil {
		return err
	}
	return failed(recs)
}

// DownloadAction queues a catalog download and runs it to completion.
func DownloadAction(ctx context.Context, cmd *cli.Command) error {
	contentID := cmd.Args().First()
	if contentID == "" {
		return fmt.Errorf("content id is required")
	}
	c, err := open(cmd.String("env"), os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	id, err := c.Downloads.Register(ctx, contentID)
	if err != nil {
		return err
	}
	if cmd.Bool("detach") {
		fmt.Println(id)
		return nil
	}
	recs, err := drive(ctx, c, []string{id}, os.Stdout)
	if err != nil {
		return err
	}
	return failed(recs)
}

// ExportAction writes an ecar for a content id into a destination folder.
func ExportAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return fmt.Errorf("usage: export <contentId> <destFolder>")
	}
	c, err := open(cmd.String("env"), os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	res, err := c.Exporter.Export(ctx, cmd.Args().Get(0), cmd.Args().Get(1))
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s, %s)\n", res.EcarFilePath, humanize.IBytes(uint64(res.EcarSize)), res.TimeTaken.Round(time.Millisecond))
	for _, s := range res.SkippedContent {
		fmt.Printf("skipped %s: %s\n", s.Identifier, s.Reason)
	}
	return nil
}
