package download

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
	"github.com/ahmethakanbesel/ecar-manager/internal/catalog"
	"github.com/ahmethakanbesel/ecar-manager/internal/content"
	"github.com/ahmethakanbesel/ecar-manager/internal/job"
)

// Catalog is the remote content catalog.
type Catalog interface {
	Read(ctx context.Context, id string) (*content.Item, error)
	Search(ctx context.Context, ids []string) ([]content.Item, error)
	Open(ctx context.Context, url string, offset int64) (*catalog.Body, error)
}

type Queue interface {
	Register(ctx context.Context, rec *job.Record) (string, error)
}

type SpaceChecker interface {
	Check(ctx context.Context, required int64) error
}

type Service struct {
	jobs    job.Repository
	queue   Queue
	catalog Catalog
	content content.Store
	space   SpaceChecker
}

func NewService(jobs job.Repository, queue Queue, cat Catalog, store content.Store, space SpaceChecker) *Service {
	return &Service{jobs: jobs, queue: queue, catalog: cat, content: store, space: space}
}

// Register resolves the content to download, checks that it fits on disk
// and queues a download job for it.
func (s *Service) Register(ctx context.Context, contentID string) (string, error) {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return "", apperror.New(apperror.BadRequest, "content id cannot be empty")
	}
	active, err := s.jobs.FindActive(ctx, job.TypeDownload, contentID)
	if err != nil {
		return "", fmt.Errorf("check existing downloads: %w", err)
	}
	if active != nil {
		return "", apperror.New(apperror.AlreadyRegistered, "content already queued for download: "+contentID)
	}

	meta, err := s.build(ctx, contentID)
	if err != nil {
		return "", err
	}
	if err := s.space.Check(ctx, meta.TotalSize); err != nil {
		return "", err
	}

	root := meta.Items[0]
	name := root.Name
	if name == "" {
		name = contentID
	}
	rec, err := job.NewRecord(job.TypeDownload, name, contentID, meta)
	if err != nil {
		return "", err
	}
	id, err := s.queue.Register(ctx, rec)
	if err != nil {
		return "", err
	}
	slog.Info("download queued", "job", id, "content", contentID, "items", len(meta.Items), "bytes", meta.TotalSize)
	return id, nil
}

// build collects the items of a download: the requested content and, for a
// collection, every descendant that can be fetched. Children that the stored
// copy of the collection has but the catalog no longer lists become delete
// items.
func (s *Service) build(ctx context.Context, contentID string) (*Meta, error) {
	root, err := s.catalog.Read(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if root.DownloadURL == "" {
		return nil, apperror.New(apperror.BadRequest, "content has no download url: "+contentID)
	}

	meta := &Meta{
		ContentID:  root.Identifier,
		MimeType:   root.MimeType,
		PkgVersion: root.PkgVersion,
		Items:      []*Item{newItem(root)},
	}
	meta.TotalSize = root.Size

	if !root.IsCollection() {
		return meta, nil
	}

	children, err := s.catalog.Search(ctx, root.ChildNodes)
	if err != nil {
		return nil, err
	}
	current := make(map[string]bool, len(children))
	for i := range children {
		c := &children[i]
		if c.IsCollection() || c.Size <= 0 || c.DownloadURL == "" {
			continue
		}
		current[c.Identifier] = true
		meta.Items = append(meta.Items, newItem(c))
		meta.TotalSize += c.Size
	}

	prev, err := s.content.Get(ctx, root.Identifier)
	if err != nil && !apperror.Is(err, apperror.ContentNotFound) {
		return nil, fmt.Errorf("load stored collection: %w", err)
	}
	if prev != nil {
		listed := make(map[string]bool, len(root.ChildNodes))
		for _, id := range root.ChildNodes {
			listed[id] = true
		}
		for _, id := range prev.ChildNodes {
			if listed[id] || current[id] {
				continue
			}
			meta.Items = append(meta.Items, &Item{Identifier: id, Step: ItemDelete})
		}
	}
	return meta, nil
}

func newItem(c *content.Item) *Item {
	return &Item{
		Identifier:  c.Identifier,
		Name:        c.Name,
		MimeType:    c.MimeType,
		PkgVersion:  c.PkgVersion,
		DownloadURL: c.DownloadURL,
		Size:        c.Size,
		Step:        ItemDownload,
	}
}
