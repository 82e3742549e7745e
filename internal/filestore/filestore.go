// Package filestore provides path-scoped file operations rooted at the data
// directory. Every path accepted by Store is relative to that root.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrOutsideRoot = errors.New("path escapes file store root")

type Store struct {
	root string
}

func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve file store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create file store root: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string { return s.root }

// Abs resolves a store-relative path to an absolute one.
func (s *Store) Abs(rel string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(rel))
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", rel, ErrOutsideRoot)
	}
	return p, nil
}

func (s *Store) Mkdir(rel string) error {
	p, err := s.Abs(rel)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o755)
}

// Remove deletes a file or folder tree. Missing paths are not an error.
func (s *Store) Remove(rel string) error {
	p, err := s.Abs(rel)
	if err != nil {
		return err
	}
	if p == s.root {
		return fmt.Errorf("refusing to remove file store root")
	}
	return os.RemoveAll(p)
}

func (s *Store) Move(src, dst string) error {
	from, err := s.Abs(src)
	if err != nil {
		return err
	}
	to, err := s.Abs(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	return os.Rename(from, to)
}

func (s *Store) Exists(rel string) bool {
	p, err := s.Abs(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

func (s *Store) Size(rel string) (int64, error) {
	p, err := s.Abs(rel)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *Store) ReadJSON(rel string, v any) error {
	f, err := s.Open(rel)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", rel, err)
	}
	return nil
}

func (s *Store) WriteJSON(rel string, v any) error {
	f, err := s.Create(rel)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", rel, err)
	}
	return f.Close()
}

func (s *Store) Open(rel string) (*os.File, error) {
	p, err := s.Abs(rel)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Create truncates or creates rel, creating parent folders as needed.
func (s *Store) Create(rel string) (*os.File, error) {
	p, err := s.Abs(rel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	return os.Create(p)
}

// OpenAppend opens rel for appending and returns its current size.
func (s *Store) OpenAppend(rel string) (*os.File, int64, error) {
	p, err := s.Abs(rel)
	if err != nil {
		return nil, 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, 0, err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// CopyFrom streams an absolute source file into rel, calling progress with
// the running byte count after each chunk.
func (s *Store) CopyFrom(src, rel string, progress func(written int64) error) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	out, err := s.Create(rel)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, &progressReader{r: in, fn: progress})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

type progressReader struct {
	r  io.Reader
	n  int64
	fn func(int64) error
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.n += int64(n)
	if p.fn != nil && n > 0 {
		if ferr := p.fn(p.n); ferr != nil {
			return n, ferr
		}
	}
	return n, err
}
