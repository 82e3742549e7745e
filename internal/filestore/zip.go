package filestore

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// OpenArchive opens a zip archive stored at rel.
func (s *Store) OpenArchive(rel string) (*zip.ReadCloser, error) {
	p, err := s.Abs(rel)
	if err != nil {
		return nil, err
	}
	return zip.OpenReader(p)
}

// UncompressedSize sums the uncompressed size of every entry in the archive.
func UncompressedSize(files []*zip.File) int64 {
	var total int64
	for _, f := range files {
		total += int64(f.UncompressedSize64) //nolint:gosec // archive entries are far below 2^63
	}
	return total
}

// ExtractEntry writes one archive entry to the store-relative dest path.
func (s *Store) ExtractEntry(f *zip.File, dest string) (int64, error) {
	if f.FileInfo().IsDir() {
		return 0, s.Mkdir(dest)
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := s.Create(dest)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("extract entry %s: %w", f.Name, err)
	}
	return n, nil
}

// Unzip extracts the archive at src into dest. With intoNamedFolder the
// entries land in dest/<archive name without extension>. Entries that would
// escape dest are rejected.
func (s *Store) Unzip(ctx context.Context, src, dest string, intoNamedFolder bool) error {
	zr, err := s.OpenArchive(src)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", src, err)
	}
	defer func() { _ = zr.Close() }()

	if intoNamedFolder {
		base := path.Base(filepath.ToSlash(src))
		dest = path.Join(dest, strings.TrimSuffix(base, path.Ext(base)))
	}
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := path.Clean(strings.ReplaceAll(f.Name, "\\", "/"))
		if name == "." || strings.HasPrefix(name, "../") || path.IsAbs(name) {
			return fmt.Errorf("illegal entry name %q in %s", f.Name, src)
		}
		if _, err := s.ExtractEntry(f, path.Join(dest, name)); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveWriter builds a zip archive inside the store.
type ArchiveWriter struct {
	f  *os.File
	zw *zip.Writer
}

func (s *Store) NewArchive(rel string) (*ArchiveWriter, error) {
	f, err := s.Create(rel)
	if err != nil {
		return nil, err
	}
	return &ArchiveWriter{f: f, zw: zip.NewWriter(f)}, nil
}

// NewArchiveFile builds a zip archive at an absolute path outside the store.
func NewArchiveFile(absPath string) (*ArchiveWriter, error) {
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(absPath)
	if err != nil {
		return nil, err
	}
	return &ArchiveWriter{f: f, zw: zip.NewWriter(f)}, nil
}

// AddFile appends a store-relative file under name.
func (a *ArchiveWriter) AddFile(store *Store, src, name string) error {
	in, err := store.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	return a.AddReader(name, in)
}

func (a *ArchiveWriter) AddReader(name string, r io.Reader) error {
	w, err := a.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}
	return nil
}

// AddStream appends an entry whose content is produced by fn.
func (a *ArchiveWriter) AddStream(name string, fn func(w io.Writer) error) error {
	w, err := a.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	return fn(w)
}

func (a *ArchiveWriter) AddEmptyDir(name string) error {
	if !strings.HasSuffix(name, "/") {
		name += "/"
	}
	_, err := a.zw.Create(name)
	return err
}

// AddDir appends every file below the store-relative dir under prefix.
// Files for which exclude returns true (given the path relative to dir) are
// skipped.
func (a *ArchiveWriter) AddDir(store *Store, dir, prefix string, exclude func(rel string) bool) error {
	return WriteDir(a.zw, store, dir, prefix, exclude)
}

// WriteDir writes a folder tree into zw. It is shared by AddDir and nested
// artifact streams.
func WriteDir(zw *zip.Writer, store *Store, dir, prefix string, exclude func(rel string) bool) error {
	root, err := store.Abs(dir)
	if err != nil {
		return err
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if exclude != nil && exclude(rel) {
			return nil
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()
		w, err := zw.CreateHeader(&zip.FileHeader{Name: path.Join(prefix, rel), Method: zip.Deflate})
		if err != nil {
			return err
		}
		_, err = io.Copy(w, in)
		return err
	})
}

func (a *ArchiveWriter) Close() error {
	if err := a.zw.Close(); err != nil {
		_ = a.f.Close()
		return fmt.Errorf("finalize archive: %w", err)
	}
	return a.f.Close()
}

// Abort closes and deletes a partially written archive.
func (a *ArchiveWriter) Abort() {
	_ = a.zw.Close()
	_ = a.f.Close()
	_ = os.Remove(a.f.Name())
}
