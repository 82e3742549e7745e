package commands

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/ahmethakanbesel/ecar-manager/internal/platform/container"
	"github.com/ahmethakanbesel/ecar-manager/internal/worker"
)

// WorkerAction serves step requests on stdin/stdout. stdout carries the
// protocol so logs go to stderr.
func WorkerAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd.String("env"), os.Stderr)
	if err != nil {
		return err
	}
	reg, _, err := container.Registry(cfg)
	if err != nil {
		return err
	}
	return worker.Serve(ctx, os.Stdin, os.Stdout, reg)
}
