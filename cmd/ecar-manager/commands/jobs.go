package commands

import (
	"context"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/ahmethakanbesel/ecar-manager/internal/job"
)

// JobsListAction prints jobs, newest first.
func JobsListAction(ctx context.Context, cmd *cli.Command) error {
	c, err := open(cmd.String("env"), os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	req := job.ListJobsRequest{Limit: int(cmd.Int("limit"))}
	for _, t := range cmd.StringSlice("type") {
		req.Types = append(req.Types, job.Type(t))
	}
	for _, s := range cmd.StringSlice("status") {
		req.Statuses = append(req.Statuses, job.Status(s))
	}
	recs, err := c.Manager.List(ctx, req)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTYPE\tNAME\tSTATUS\tPROGRESS\tUPDATED\tERROR")
	for _, r := range recs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			r.ID, r.Type, r.Name, r.Status, r.Progress, humanize.Time(r.UpdatedOn), r.FailedCode)
	}
	return tw.Flush()
}

// serverOwned lists the statuses in which a running server may hold a live
// executor for the job.
var serverOwned = []job.Status{
	job.StatusInProgress, job.StatusResuming, job.StatusPausing, job.StatusCanceling,
}

// checkOffline refuses verbs that would override a job a server may be
// running. This process has no handle on that server's executors.
func checkOffline(verb string, rec *job.Record) error {
	if verb != "pause" && verb != "cancel" {
		return nil
	}
	if slices.Contains(serverOwned, rec.Status) {
		return fmt.Errorf("job %s is %s and may be owned by a running server; use POST /api/v1/jobs/%s/%s instead",
			rec.ID, rec.Status, rec.ID, verb)
	}
	return nil
}

// JobsControlAction returns the action for one control verb. It acts on the
// local database, so it is meant for use while no server is running.
func JobsControlAction(verb string) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		id := cmd.Args().First()
		if id == "" {
			return fmt.Errorf("job id is required")
		}
		c, err := open(cmd.String("env"), os.Stderr)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		var fn func(context.Context, string) error
		switch verb {
		case "pause":
			fn = c.Manager.Pause
		case "resume":
			fn = c.Manager.Resume
		case "cancel":
			fn = c.Manager.Cancel
		case "retry":
			fn = c.Manager.Retry
		default:
			return fmt.Errorf("unknown verb %q", verb)
		}
		rec, err := c.Manager.Get(ctx, job.GetJobRequest{ID: id})
		if err != nil {
			return err
		}
		if err := checkOffline(verb, rec); err != nil {
			return err
		}
		if err := fn(ctx, id); err != nil {
			return err
		}
		rec, err = c.Manager.Get(ctx, job.GetJobRequest{ID: id})
		if err != nil {
			return err
		}
		printRecord(os.Stdout, rec)
		return nil
	}
}
