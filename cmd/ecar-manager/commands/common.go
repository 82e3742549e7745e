package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ahmethakanbesel/ecar-manager/internal/config"
	"github.com/ahmethakanbesel/ecar-manager/internal/job"
	"github.com/ahmethakanbesel/ecar-manager/internal/platform/container"
	"github.com/ahmethakanbesel/ecar-manager/internal/platform/logger"
)

const awaitInterval = 500 * time.Millisecond

// loadConfig reads configuration and installs the default logger on w.
func loadConfig(envFile string, w io.Writer) (config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, err
	}
	logger.New(w, logger.Config{Level: logger.ParseLevel(cfg.LogLevel), Format: cfg.LogFormat})
	return cfg, nil
}

// open builds the container for a command. Logs go to w.
func open(envFile string, w io.Writer) (*container.Container, error) {
	cfg, err := loadConfig(envFile, w)
	if err != nil {
		return nil, err
	}
	c, err := container.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("build container: %w", err)
	}
	return c, nil
}

// drive runs the queue in this process until every job in ids has stopped,
// then drains the manager. Interrupted jobs are left for reconcile.
func drive(ctx context.Context, c *container.Container, ids []string, out io.Writer) ([]*job.Record, error) {
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		c.Manager.Run(runCtx)
		close(done)
	}()
	defer func() {
		stop()
		<-done
	}()

	recs := make([]*job.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := c.Manager.Await(ctx, id, awaitInterval)
		if err != nil {
			return recs, fmt.Errorf("await job %s: %w", id, err)
		}
		printRecord(out, rec)
		recs = append(recs, rec)
	}
	return recs, nil
}

func printRecord(out io.Writer, rec *job.Record) {
	_, _ = fmt.Fprintf(out, "%s\t%s\t%s\t%.0f%%", rec.ID, rec.Type, rec.Status, rec.Progress)
	if rec.FailedCode != "" {
		_, _ = fmt.Fprintf(out, "\t%s: %s", rec.FailedCode, rec.FailedReason)
	}
	_, _ = fmt.Fprintln(out)
}

// failed reports the first failed record as an error so the exit code is set.
func failed(recs []*job.Record) error {
	for _, r := range recs {
		if r.Status == job.StatusFailed {
			slog.Error("job failed", "job", r.ID, "code", r.FailedCode, "reason", r.FailedReason)
			return fmt.Errorf("job %s failed: %s", r.ID, r.FailedCode)
		}
	}
	return nil
}
