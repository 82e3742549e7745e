// Package container builds the process-wide object graph from Config.
package container

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ahmethakanbesel/ecar-manager/internal/catalog"
	"github.com/ahmethakanbesel/ecar-manager/internal/config"
	"github.com/ahmethakanbesel/ecar-manager/internal/diskspace"
	"github.com/ahmethakanbesel/ecar-manager/internal/download"
	"github.com/ahmethakanbesel/ecar-manager/internal/export"
	"github.com/ahmethakanbesel/ecar-manager/internal/filestore"
	"github.com/ahmethakanbesel/ecar-manager/internal/importer"
	"github.com/ahmethakanbesel/ecar-manager/internal/job"
	"github.com/ahmethakanbesel/ecar-manager/internal/platform/sqlite"
	contentrepo "github.com/ahmethakanbesel/ecar-manager/internal/repository/content"
	jobrepo "github.com/ahmethakanbesel/ecar-manager/internal/repository/job"
	"github.com/ahmethakanbesel/ecar-manager/internal/server"
	"github.com/ahmethakanbesel/ecar-manager/internal/worker"
)

type Container struct {
	Config config.Config

	DB       *sqlite.DB
	Jobs     *jobrepo.Repository
	Content  *contentrepo.Repository
	Files    *filestore.Store
	Space    *diskspace.Guard
	Catalog  *catalog.Client
	Registry worker.Registry

	Manager   *job.Manager
	Imports   *importer.Service
	Downloads *download.Service
	Exports   *export.Service
	Exporter  *export.Exporter
}

// Registry returns the steps a worker process can run. The worker side needs
// only the file store, so it does not open the database.
func Registry(cfg config.Config) (worker.Registry, *filestore.Store, error) {
	files, err := filestore.New(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open data dir: %w", err)
	}
	reg := worker.Registry{}
	(&importer.Steps{Files: files, MaxCompatibilityLevel: cfg.MaxCompatibilityLevel}).Register(reg)
	(&download.Steps{Files: files}).Register(reg)
	return reg, files, nil
}

// New wires every component. Close releases the database.
func New(cfg config.Config) (*Container, error) {
	reg, files, err := Registry(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	c := &Container{
		Config:   cfg,
		DB:       db,
		Jobs:     jobrepo.NewRepository(db.DB),
		Content:  contentrepo.NewRepository(db.DB),
		Files:    files,
		Space:    diskspace.NewGuard(diskspace.StatfsProbe{Path: files.Root()}, cfg.DiskSafetyMargin),
		Catalog:  catalog.New(catalog.WithBaseURL(cfg.CatalogBaseURL)),
		Registry: reg,
	}

	spawner, err := c.spawner()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	imports := &importer.Deps{
		Jobs:             c.Jobs,
		Content:          c.Content,
		Files:            files,
		Spawner:          spawner,
		ProgressInterval: cfg.ProgressInterval,
	}
	downloads := &download.Deps{
		Jobs:             c.Jobs,
		Content:          c.Content,
		Files:            files,
		Catalog:          c.Catalog,
		Spawner:          spawner,
		Space:            c.Space,
		Parallel:         cfg.ParallelItemDownloads,
		ProgressInterval: cfg.ProgressInterval,
	}
	c.Exporter = export.NewExporter(files, c.Content)

	c.Manager = job.NewManager(c.Jobs, map[job.Type]job.Handler{
		job.TypeImport:   {Factory: imports.Factory(), Concurrency: cfg.ImportConcurrency},
		job.TypeDownload: {Factory: downloads.Factory(), Concurrency: cfg.DownloadConcurrency},
		job.TypeExport:   {Factory: c.Exporter.Factory(c.Jobs), Concurrency: cfg.ExportConcurrency},
	})
	c.Imports = importer.NewService(c.Jobs, c.Manager, c.Space)
	c.Downloads = download.NewService(c.Jobs, c.Manager, c.Catalog, c.Content, c.Space)
	c.Exports = export.NewService(c.Jobs, c.Manager)

	slog.Debug("container ready", "dataDir", files.Root(), "db", cfg.DBPath, "workerMode", cfg.WorkerMode)
	return c, nil
}

func (c *Container) spawner() (worker.Spawner, error) {
	if c.Config.WorkerMode == "inprocess" {
		return &worker.InProcessSpawner{Registry: c.Registry}, nil
	}
	s, err := worker.NewProcessSpawner("worker")
	if err != nil {
		return nil, err
	}
	// The child reads the same configuration from its environment.
	s.Env = []string{"DATA_DIR=" + c.Files.Root()}
	s.Stderr = os.Stderr
	return s, nil
}

// Services exposes the HTTP-facing collaborators.
func (c *Container) Services() server.Services {
	return server.Services{
		Jobs:        c.Manager,
		Imports:     c.Imports,
		Downloads:   c.Downloads,
		Exporter:    c.Exporter,
		ExportQueue: c.Exports,
	}
}

func (c *Container) Close() error {
	return c.DB.Close()
}
