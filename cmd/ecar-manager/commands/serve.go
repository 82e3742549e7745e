package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v3"

	"github.com/ahmethakanbesel/ecar-manager/internal/server"
)

// ServeAction runs the HTTP API and the job queue until ctx is cancelled.
func ServeAction(ctx context.Context, cmd *cli.Command) error {
	c, err := open(cmd.String("env"), os.Stdout)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if p := cmd.String("port"); p != "" {
		c.Config.Port = p
	}

	// Root context: cancelled on shutdown so in-flight executors and
	// synchronous exports stop promptly.
	rootCtx, rootCancel := context.WithCancel(ctx)
	defer rootCancel()

	managerDone := make(chan struct{})
	go func() {
		c.Manager.Run(rootCtx)
		close(managerDone)
	}()

	// Jobs interrupted by an unclean shutdown restart from their last step.
	if err := c.Manager.Reconcile(rootCtx); err != nil {
		slog.Error("failed to reconcile jobs", "error", err)
	}

	sweep := cron.New()
	if _, err := sweep.AddFunc(c.Config.QueueSweep, c.Manager.Notify); err != nil {
		return fmt.Errorf("schedule queue sweep %q: %w", c.Config.QueueSweep, err)
	}
	sweep.Start()

	srv := server.New(rootCtx, c.Config.Port, c.Services())
	errc := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	slog.Info("server started", "port", c.Config.Port)
	select {
	case <-ctx.Done():
	case err = <-errc:
		slog.Error("server error", "error", err)
	}

	<-sweep.Stop().Done()
	rootCancel()

	// Wait for executors to report back before shutting down HTTP.
	<-managerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		slog.Error("shutdown error", "error", serr)
	}
	slog.Info("server stopped")
	return err
}
