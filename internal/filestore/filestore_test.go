package filestore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func writeZip(t *testing.T, s *Store, rel string, files map[string]string) {
	t.Helper()
	aw, err := s.NewArchive(rel)
	require.NoError(t, err)
	for name, body := range files {
		require.NoError(t, aw.AddReader(name, bytes.NewBufferString(body)))
	}
	require.NoError(t, aw.Close())
}

func TestAbs_RejectsEscape(t *testing.T) {
	s := newStore(t)
	_, err := s.Abs("../outside")
	assert.ErrorIs(t, err, ErrOutsideRoot)

	p, err := s.Abs("content/x")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "content", "x"), p)
}

func TestJSONRoundTripAndMove(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.WriteJSON("a/doc.json", map[string]int{"n": 1}))
	require.NoError(t, s.Move("a/doc.json", "b/c/doc.json"))
	assert.False(t, s.Exists("a/doc.json"))

	var got map[string]int
	require.NoError(t, s.ReadJSON("b/c/doc.json", &got))
	assert.Equal(t, 1, got["n"])

	require.NoError(t, s.Remove("b"))
	assert.False(t, s.Exists("b/c/doc.json"))
	require.NoError(t, s.Remove("does/not/exist"))
}

func TestUnzip(t *testing.T) {
	s := newStore(t)
	writeZip(t, s, "src/pack.zip", map[string]string{
		"index.html":   "<html/>",
		"assets/a.txt": "a",
	})

	require.NoError(t, s.Unzip(context.Background(), "src/pack.zip", "out", false))
	assert.True(t, s.Exists("out/index.html"))
	assert.True(t, s.Exists("out/assets/a.txt"))

	require.NoError(t, s.Unzip(context.Background(), "src/pack.zip", "named", true))
	assert.True(t, s.Exists("named/pack/index.html"))
}

func TestUnzip_RejectsZipSlip(t *testing.T) {
	s := newStore(t)
	writeZip(t, s, "evil.zip", map[string]string{"../../escape.txt": "x"})

	err := s.Unzip(context.Background(), "evil.zip", "out", false)
	assert.Error(t, err)
}

func TestArchiveWriter_DirAndNestedStream(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "content/x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "content/x/index.html"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "content/x/icon.png"), []byte("png"), 0o644))

	aw, err := s.NewArchive("out.ecar")
	require.NoError(t, err)
	require.NoError(t, aw.AddEmptyDir("x"))
	require.NoError(t, aw.AddFile(s, "content/x/icon.png", "x/icon.png"))
	require.NoError(t, aw.AddStream("x/x.zip", func(w io.Writer) error {
		inner := zip.NewWriter(w)
		if err := WriteDir(inner, s, "content/x", "", func(rel string) bool { return rel == "icon.png" }); err != nil {
			return err
		}
		return inner.Close()
	}))
	require.NoError(t, aw.Close())

	zr, err := s.OpenArchive("out.ecar")
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()

	names := map[string]*zip.File{}
	for _, f := range zr.File {
		names[f.Name] = f
	}
	require.Contains(t, names, "x/")
	require.Contains(t, names, "x/icon.png")
	require.Contains(t, names, "x/x.zip")

	rc, err := names["x/x.zip"].Open()
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()

	inner, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	require.Len(t, inner.File, 1)
	assert.Equal(t, "index.html", inner.File[0].Name)
}

func TestCopyFrom_ReportsProgress(t *testing.T) {
	s := newStore(t)
	src := filepath.Join(t.TempDir(), "src.bin")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte("a"), 10_000), 0o644))

	var last int64
	n, err := s.CopyFrom(src, "ecars/copy.bin", func(w int64) error {
		assert.GreaterOrEqual(t, w, last)
		last = w
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), n)
	assert.Equal(t, int64(10_000), last)
}
