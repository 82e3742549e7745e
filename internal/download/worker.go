package download

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
	"github.com/ahmethakanbesel/ecar-manager/internal/content"
	"github.com/ahmethakanbesel/ecar-manager/internal/filestore"
	"github.com/ahmethakanbesel/ecar-manager/internal/worker"
)

// Steps implements the worker side of a download.
type Steps struct {
	Files *filestore.Store
}

func (s *Steps) Register(reg worker.Registry) {
	reg[StepExtractDownload] = s.extract
}

// extract unpacks a downloaded ecar into the item's content folder, expands
// a zipped artifact in place and removes the archive.
func (s *Steps) extract(ctx context.Context, in worker.Message, rep worker.Reporter) (worker.Message, error) {
	var t extractTask
	if err := in.Decode(&t); err != nil {
		return worker.Message{}, err
	}
	if t.Dest == "" {
		t.Dest = content.BaseDir(t.Identifier)
	}

	zr, err := s.Files.OpenArchive(t.ArchivePath)
	if err != nil {
		return in, apperror.Wrap(apperror.ExtractFailed, fmt.Errorf("open %s: %w", t.ArchivePath, err))
	}
	defer func() { _ = zr.Close() }()

	t.Entries = 0
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return in, err
		}
		name := path.Clean(strings.TrimPrefix(strings.ReplaceAll(f.Name, "\\", "/"), "/"))
		// Packages nest their files under the identifier; flatten that level.
		name = strings.TrimPrefix(name, t.Identifier+"/")
		if name == t.Identifier && f.FileInfo().IsDir() {
			continue
		}
		if name == "." || name == ".." || strings.HasPrefix(name, "../") {
			return in, apperror.New(apperror.ExtractFailed, "illegal entry name "+f.Name)
		}
		if _, err := s.Files.ExtractEntry(f, path.Join(t.Dest, name)); err != nil {
			return in, apperror.Wrap(apperror.ExtractFailed, err)
		}
		t.Entries++
	}

	unzipped, err := s.unzipArtifact(ctx, &t)
	if err != nil {
		return in, err
	}
	t.Unzipped = unzipped

	_ = zr.Close()
	if err := s.Files.Remove(t.ArchivePath); err != nil {
		rep.Log("remove archive: " + err.Error())
	}
	rep.Log(fmt.Sprintf("extracted %s (%d entries)", t.Identifier, t.Entries))
	return worker.NewMessage(worker.Kind(ItemIndex), t)
}

func (s *Steps) unzipArtifact(ctx context.Context, t *extractTask) (bool, error) {
	mp := path.Join(t.Dest, content.ManifestFile)
	if !s.Files.Exists(mp) {
		return false, nil
	}
	var manifest content.Manifest
	if err := s.Files.ReadJSON(mp, &manifest); err != nil {
		return false, apperror.Wrap(apperror.ExtractFailed, err)
	}
	it := manifest.Find(t.Identifier)
	if it == nil || !it.HasZipArtifact() {
		return false, nil
	}
	artifact := path.Join(t.Dest, path.Base(it.ArtifactURL))
	if !s.Files.Exists(artifact) {
		return false, nil
	}
	if err := s.Files.Unzip(ctx, artifact, t.Dest, false); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, apperror.Wrap(apperror.ExtractFailed, fmt.Errorf("unzip artifact of %s: %w", t.Identifier, err))
	}
	if err := s.Files.Remove(artifact); err != nil {
		return false, fmt.Errorf("remove artifact %s: %w", artifact, err)
	}
	return true, nil
}
