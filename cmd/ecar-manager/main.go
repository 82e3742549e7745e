package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/ahmethakanbesel/ecar-manager/cmd/ecar-manager/commands"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "environment file path",
		Value: ".env",
	}
}

func detachFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "detach",
		Usage: "only queue the job and print its id",
	}
}

func controlCommand(verb, usage string) *cli.Command {
	return &cli.Command{
		Name:      verb,
		Usage:     usage,
		ArgsUsage: "<jobId>",
		Flags:     []cli.Flag{envFlag()},
		Action:    commands.JobsControlAction(verb),
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "ecar-manager",
		Usage: "import, download and export offline ecar content",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API and the job queue",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:  "port",
						Usage: "HTTP port (overrides PORT)",
					},
				},
				Action: commands.ServeAction,
			},
			{
				Name:   "worker",
				Usage:  "serve worker steps over stdin/stdout",
				Hidden: true,
				Flags:  []cli.Flag{envFlag()},
				Action: commands.WorkerAction,
			},
			{
				Name:      "import",
				Usage:     "import ecar files",
				ArgsUsage: "<path.ecar>...",
				Flags:     []cli.Flag{envFlag(), detachFlag()},
				Action:    commands.ImportAction,
			},
			{
				Name:      "download",
				Usage:     "download content from the catalog",
				ArgsUsage: "<contentId>",
				Flags:     []cli.Flag{envFlag(), detachFlag()},
				Action:    commands.DownloadAction,
			},
			{
				Name:      "export",
				Usage:     "export local content as an ecar file",
				ArgsUsage: "<contentId> <destFolder>",
				Flags:     []cli.Flag{envFlag()},
				Action:    commands.ExportAction,
			},
			{
				Name:  "jobs",
				Usage: "inspect and control jobs",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "list jobs",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringSliceFlag{
								Name:  "type",
								Usage: "filter by type (IMPORT, DOWNLOAD, EXPORT)",
							},
							&cli.StringSliceFlag{
								Name:  "status",
								Usage: "filter by status",
							},
							&cli.IntFlag{
								Name:  "limit",
								Usage: "maximum number of jobs",
								Value: 50,
							},
						},
						Action: commands.JobsListAction,
					},
					controlCommand("pause", "pause a job"),
					controlCommand("resume", "resume a paused job"),
					controlCommand("cancel", "cancel a job"),
					controlCommand("retry", "requeue a failed job"),
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
