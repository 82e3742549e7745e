package importer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
	"github.com/ahmethakanbesel/ecar-manager/internal/content"
	"github.com/ahmethakanbesel/ecar-manager/internal/filestore"
	"github.com/ahmethakanbesel/ecar-manager/internal/worker"
)

// Steps implements the worker side of an import.
type Steps struct {
	Files                 *filestore.Store
	MaxCompatibilityLevel int
}

// Register adds the import steps to reg.
func (s *Steps) Register(reg worker.Registry) {
	reg[worker.Kind(StepCopyEcar)] = s.handle(s.copyEcar)
	reg[worker.Kind(StepParseEcar)] = s.handle(s.parseEcar)
	reg[worker.Kind(StepExtractEcar)] = s.handle(s.extractEcar)
}

type stepFunc func(ctx context.Context, m *Meta, rep worker.Reporter) (Step, error)

func (s *Steps) handle(fn stepFunc) worker.Handler {
	return func(ctx context.Context, in worker.Message, rep worker.Reporter) (worker.Message, error) {
		var m Meta
		if err := in.Decode(&m); err != nil {
			return worker.Message{}, err
		}
		m.Step = Step(in.Kind)
		next, err := fn(ctx, &m, rep)
		if err != nil {
			out, _ := worker.NewMessage(in.Kind, m)
			return out, err
		}
		m.Step = next
		return worker.NewMessage(worker.Kind(next), m)
	}
}

// syncer reports progress at most once per whole percent.
type syncer struct {
	rep  worker.Reporter
	m    *Meta
	last float64
}

func (s *syncer) progress(p float64) error {
	s.m.Progress = p
	if p-s.last < 1 {
		return nil
	}
	s.last = p
	return s.rep.Sync(s.m)
}

func (s *Steps) copyEcar(ctx context.Context, m *Meta, rep worker.Reporter) (Step, error) {
	sy := &syncer{rep: rep, m: m}
	size := m.FileSize
	_, err := s.Files.CopyFrom(m.EcarSourcePath, m.EcarFilePath, func(written int64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if size <= 0 {
			return nil
		}
		return sy.progress(progressCopyEnd * float64(written) / float64(size))
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("copy ecar %s: %w", m.EcarSourcePath, err)
	}
	m.Progress = progressCopyEnd
	rep.Log("ecar copied: " + m.EcarFilePath)
	return StepParseEcar, nil
}

func (s *Steps) parseEcar(ctx context.Context, m *Meta, rep worker.Reporter) (Step, error) {
	zr, err := s.Files.OpenArchive(m.EcarFilePath)
	if err != nil {
		return "", apperror.Wrap(apperror.InvalidManifest, fmt.Errorf("open ecar: %w", err))
	}
	defer func() { _ = zr.Close() }()

	var entry *zip.File
	for _, f := range zr.File {
		if f.Name == content.ManifestFile {
			entry = f
			break
		}
	}
	if entry == nil {
		return "", apperror.New(apperror.ManifestMissing, "manifest.json not found in ecar")
	}
	rc, err := entry.Open()
	if err != nil {
		return "", apperror.Wrap(apperror.InvalidManifest, err)
	}
	manifest, err := content.ParseManifest(rc)
	_ = rc.Close()
	if err != nil {
		return "", apperror.Wrap(apperror.InvalidManifest, err)
	}

	root := manifest.Root()
	if root == nil || root.Identifier == "" {
		return "", apperror.New(apperror.InvalidManifest, "manifest has no items")
	}
	if root.Visibility != content.VisibilityDefault {
		return "", apperror.New(apperror.InvalidManifest,
			fmt.Sprintf("root item %s has visibility %q", root.Identifier, root.Visibility))
	}
	if root.CompatibilityLevel > s.MaxCompatibilityLevel {
		return "", apperror.New(apperror.UnsupportedCompat,
			fmt.Sprintf("compatibility level %d exceeds supported %d", root.CompatibilityLevel, s.MaxCompatibilityLevel))
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.ContentID = root.Identifier
	m.MimeType = root.MimeType
	m.PkgVersion = root.PkgVersion
	m.ChildNodes = nil
	if root.IsCollection() {
		m.ChildNodes = content.NonCollectionDescendants(manifest.Archive.Items, root)
	}

	if !s.Files.Exists(content.BaseDir(root.Identifier)) {
		m.CreatedFolders = appendUnique(m.CreatedFolders, root.Identifier)
	}
	if err := s.Files.WriteJSON(manifestPath(root.Identifier), manifest); err != nil {
		return "", fmt.Errorf("persist manifest: %w", err)
	}
	rep.Log(fmt.Sprintf("manifest parsed: %s (%d items)", root.Identifier, len(manifest.Archive.Items)))
	return StepExtractEcar, nil
}

func (s *Steps) extractEcar(ctx context.Context, m *Meta, rep worker.Reporter) (Step, error) {
	var manifest content.Manifest
	if err := s.Files.ReadJSON(manifestPath(m.ContentID), &manifest); err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}

	zr, err := s.Files.OpenArchive(m.EcarFilePath)
	if err != nil {
		return "", fmt.Errorf("open ecar: %w", err)
	}
	defer func() { _ = zr.Close() }()

	if m.ExtractedEntries == nil {
		m.ExtractedEntries = map[string]bool{}
	}
	total := filestore.UncompressedSize(zr.File)
	var done int64
	sy := &syncer{rep: rep, m: m, last: m.Progress}
	span := progressExtractEnd - progressCopyEnd

	for _, f := range zr.File {
		id, rest := splitEntry(f.Name)
		if id == "" || m.skipped(id) {
			done += int64(f.UncompressedSize64) //nolint:gosec // archive entries are far below 2^63
			continue
		}
		if m.ExtractedEntries[f.Name] {
			done += int64(f.UncompressedSize64) //nolint:gosec // archive entries are far below 2^63
			continue
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if rest == ".." || strings.HasPrefix(rest, "../") || path.IsAbs(rest) {
			return "", apperror.New(apperror.ExtractFailed, "illegal entry name "+f.Name)
		}
		if !s.Files.Exists(content.BaseDir(id)) {
			m.CreatedFolders = appendUnique(m.CreatedFolders, id)
		}
		n, err := s.Files.ExtractEntry(f, path.Join(content.BaseDir(id), rest))
		if err != nil {
			return "", apperror.Wrap(apperror.ExtractFailed, err)
		}
		m.ExtractedEntries[f.Name] = true
		done += n
		if total > 0 {
			if err := sy.progress(progressCopyEnd + span*float64(done)/float64(total)); err != nil {
				return "", err
			}
		}
	}

	if err := s.checkArtifacts(m, &manifest, rep); err != nil {
		return "", err
	}
	if err := s.unzipArtifacts(ctx, m, &manifest, rep); err != nil {
		return "", err
	}
	m.Progress = progressExtractEnd
	return StepProcessContents, nil
}

// checkArtifacts records items whose declared artifact was not in the ecar.
// A missing artifact fails the import when the item is the whole package.
func (s *Steps) checkArtifacts(m *Meta, manifest *content.Manifest, rep worker.Reporter) error {
	for _, it := range manifest.Archive.Items {
		if it.IsCollection() || it.ArtifactURL == "" || m.skipped(it.Identifier) || m.corrupt(it.Identifier) {
			continue
		}
		if m.UnzippedArtifacts[it.Identifier] || s.Files.Exists(content.ArtifactFile(it)) {
			continue
		}
		missing := apperror.New(apperror.ExtractFailed,
			fmt.Sprintf("artifact %s of %s not found in ecar", it.ArtifactURL, it.Identifier))
		if len(manifest.Archive.Items) == 1 {
			return missing
		}
		m.CorruptContents = append(m.CorruptContents, it.Identifier)
		rep.Telemetry(missing)
	}
	return nil
}

// unzipArtifacts expands zipped artifacts in place. An item whose artifact
// cannot be expanded is recorded as corrupt; it is fatal only when it is the
// whole package.
func (s *Steps) unzipArtifacts(ctx context.Context, m *Meta, manifest *content.Manifest, rep worker.Reporter) error {
	if m.UnzippedArtifacts == nil {
		m.UnzippedArtifacts = map[string]bool{}
	}
	for _, it := range manifest.Archive.Items {
		if !it.HasZipArtifact() || m.skipped(it.Identifier) || m.UnzippedArtifacts[it.Identifier] || m.corrupt(it.Identifier) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		artifact := content.ArtifactFile(it)
		if !s.Files.Exists(artifact) {
			continue
		}
		err := s.Files.Unzip(ctx, artifact, content.BaseDir(it.Identifier), false)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			if len(manifest.Archive.Items) == 1 {
				return apperror.Wrap(apperror.ExtractFailed, err)
			}
			m.CorruptContents = append(m.CorruptContents, it.Identifier)
			rep.Telemetry(apperror.Wrap(apperror.ExtractFailed, fmt.Errorf("unzip artifact of %s: %w", it.Identifier, err)))
			continue
		}
		if err := s.Files.Remove(artifact); err != nil {
			return fmt.Errorf("remove artifact %s: %w", artifact, err)
		}
		m.UnzippedArtifacts[it.Identifier] = true
		if err := rep.Sync(m); err != nil {
			return err
		}
	}
	return nil
}

// splitEntry splits "id/rest/of/path" into its content id and remainder.
func splitEntry(name string) (string, string) {
	name = strings.TrimPrefix(strings.ReplaceAll(name, "\\", "/"), "/")
	id, rest, found := strings.Cut(name, "/")
	if !found {
		return "", ""
	}
	return id, path.Clean(rest)
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
