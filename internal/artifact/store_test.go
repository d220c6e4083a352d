package artifact_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodle-backup/exportd/internal/artifact"
	"github.com/moodle-backup/exportd/internal/fingerprint"
	"github.com/moodle-backup/exportd/internal/model"
)

var fp = fingerprint.New("https://moodle.example.edu/", "alice", "hunter2")

func writeCourse(t *testing.T, dir billy.Filesystem) {
	t.Helper()
	require.NoError(t, dir.MkdirAll("Calculus/Week 1", 0o755))
	require.NoError(t, util.WriteFile(dir, "Calculus/Week 1/notes.pdf", []byte("%PDF-1.4 notes"), 0o644))
	require.NoError(t, util.WriteFile(dir, "Calculus/syllabus.html", []byte("<h1>Calculus</h1>"), 0o644))
	require.NoError(t, util.WriteFile(dir, "index.txt", bytes.Repeat([]byte("moodle "), 1024), 0o644))
}

func readBundle(t *testing.T, s *artifact.Store, fp string) map[string][]byte {
	t.Helper()
	f, info, err := s.OpenBundle(fp)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, info.Size(), int64(len(b)))

	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	entries := make(map[string][]byte, len(zr.File))
	for _, zf := range zr.File {
		rc, err := zf.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		entries[zf.Name] = content
	}
	return entries
}

func TestStore_Bundle(t *testing.T) {
	t.Parallel()
	s := artifact.NewStore(memfs.New())

	exists, err := s.BundleExists(fp)
	require.NoError(t, err)
	require.False(t, exists)

	dir, err := s.WorkDir(fp)
	require.NoError(t, err)
	writeCourse(t, dir)

	require.NoError(t, s.Bundle(t.Context(), fp))
	exists, err = s.BundleExists(fp)
	require.NoError(t, err)
	require.True(t, exists)

	entries := readBundle(t, s, fp)
	require.Equal(t, []byte("%PDF-1.4 notes"), entries["Calculus/Week 1/notes.pdf"])
	require.Equal(t, []byte("<h1>Calculus</h1>"), entries["Calculus/syllabus.html"])
	require.Len(t, entries["index.txt"], 7*1024)
	require.Contains(t, entries, "Calculus/")
	require.Contains(t, entries, "Calculus/Week 1/")

	// bundling does not consume the work dir, the caller does
	dirs, err := s.WorkDirs()
	require.NoError(t, err)
	require.Equal(t, []string{fp}, dirs)
	require.NoError(t, s.RemoveWorkDir(fp))
	dirs, err = s.WorkDirs()
	require.NoError(t, err)
	require.Empty(t, dirs)

	bundles, err := s.Bundles()
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	require.Equal(t, fp, bundles[0].Fingerprint)
	require.Positive(t, bundles[0].Size)
}

func TestStore_Bundle_NoWorkDir(t *testing.T) {
	t.Parallel()
	s := artifact.NewStore(memfs.New())
	err := s.Bundle(t.Context(), fp)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_Bundle_Canceled(t *testing.T) {
	t.Parallel()
	s := artifact.NewStore(memfs.New())
	dir, err := s.WorkDir(fp)
	require.NoError(t, err)
	writeCourse(t, dir)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err = s.Bundle(ctx, fp)
	require.ErrorIs(t, err, context.Canceled)

	exists, err := s.BundleExists(fp)
	require.NoError(t, err)
	require.False(t, exists)
	bundles, err := s.Bundles()
	require.NoError(t, err)
	require.Empty(t, bundles)
}

func TestStore_OpenBundle_NotFound(t *testing.T) {
	t.Parallel()
	s := artifact.NewStore(memfs.New())
	_, _, err := s.OpenBundle(fp)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_RemoveBundle(t *testing.T) {
	t.Parallel()
	s := artifact.NewStore(memfs.New())
	dir, err := s.WorkDir(fp)
	require.NoError(t, err)
	writeCourse(t, dir)
	require.NoError(t, s.Bundle(t.Context(), fp))

	removed, err := s.RemoveBundle(fp)
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = s.RemoveBundle(fp)
	require.NoError(t, err)
	require.False(t, removed)

	require.NoError(t, s.RemoveWorkDir(fp))
	require.NoError(t, s.RemoveWorkDir(fp))
}

func TestStore_Record(t *testing.T) {
	t.Parallel()
	s := artifact.NewStore(memfs.New())

	rec, err := s.Record(fp)
	require.NoError(t, err)
	require.Equal(t, artifact.Record{}, rec)

	rec, err = s.UpdateRecord(fp, func(r *artifact.Record) {
		r.Username = "alice"
		r.Exported++
	})
	require.NoError(t, err)
	require.Equal(t, artifact.Record{Username: "alice", Exported: 1}, rec)

	const downloads = 32
	var wg sync.WaitGroup
	for range downloads {
		wg.Go(func() {
			_, err := s.UpdateRecord(fp, func(r *artifact.Record) {
				r.Downloaded++
			})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	rec, err = s.Record(fp)
	require.NoError(t, err)
	require.Equal(t, artifact.Record{Username: "alice", Exported: 1, Downloaded: downloads}, rec)
}

func TestStore_Open(t *testing.T) {
	t.Parallel()
	root := filepath.Join(t.TempDir(), "data")
	s, err := artifact.Open(root)
	require.NoError(t, err)
	require.Equal(t, root, s.Root())

	other := fingerprint.New("https://moodle.example.edu/", "bob", "swordfish")
	for _, f := range []string{fp, other} {
		dir, err := s.WorkDir(f)
		require.NoError(t, err)
		writeCourse(t, dir)
	}
	require.NoError(t, s.Bundle(t.Context(), other))
	_, err = s.UpdateRecord(other, func(r *artifact.Record) { r.Username = "bob" })
	require.NoError(t, err)

	// foreign entries are ignored
	require.NoError(t, os.Mkdir(filepath.Join(root, "lost+found"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("hi"), 0o644))

	fps, err := s.Fingerprints()
	require.NoError(t, err)
	sort.Strings(fps)
	want := []string{fp, other}
	sort.Strings(want)
	require.Equal(t, want, fps)

	bundles, err := s.Bundles()
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	require.Equal(t, other, bundles[0].Fingerprint)

	require.FileExists(t, filepath.Join(root, other, "bundled.zip"))
	require.NoFileExists(t, filepath.Join(root, other, "bundled.zip.part"))
	require.FileExists(t, filepath.Join(root, other, "record"))
	require.DirExists(t, filepath.Join(root, fp, "temp", "Calculus"))
}
