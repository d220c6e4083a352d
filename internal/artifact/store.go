// Package artifact persists what an export leaves behind, keyed by fingerprint:
//
//	<fingerprint>/temp/         scratch directory the exporter writes into
//	<fingerprint>/bundled.zip   the downloadable bundle
//	<fingerprint>/record        JSON metadata {username, exported, downloaded}
//
// The bundle is written under a temporary name and renamed into place, so it is
// never observable half written and never changes once visible.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/moodle-backup/exportd/internal/fingerprint"
	"github.com/moodle-backup/exportd/internal/model"
)

const (
	workDirName = "temp"
	bundleName  = "bundled.zip"
	recordName  = "record"
	partSuffix  = ".part"
)

// Record is the metadata kept per fingerprint. It outlives the bundle.
type Record struct {
	Username   string `json:"username"`
	Exported   int    `json:"exported"`
	Downloaded int    `json:"downloaded"`
}

// Bundle describes an existing bundle file.
type Bundle struct {
	Fingerprint string
	Size        int64
	ModTime     time.Time
}

type Store struct {
	fs billy.Filesystem
	// serializes read-modify-write cycles of records
	recordMx sync.Mutex
}

// Open returns a store rooted at dir on the local filesystem, creating dir if needed.
func Open(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact: resolving %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: creating %q: %w", abs, err)
	}
	return NewStore(osfs.New(abs)), nil
}

// NewStore returns a store on top of fs.
func NewStore(fs billy.Filesystem) *Store {
	return &Store{fs: fs}
}

// Root returns the location of the store on the underlying filesystem.
func (s *Store) Root() string {
	return s.fs.Root()
}

func workPath(fp string) string   { return path.Join(fp, workDirName) }
func bundlePath(fp string) string { return path.Join(fp, bundleName) }
func recordPath(fp string) string { return path.Join(fp, recordName) }

func (s *Store) BundleExists(fp string) (bool, error) {
	_, err := s.fs.Stat(bundlePath(fp))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("artifact: stat bundle %s: %w", fp, err)
	}
}

// OpenBundle opens the bundle for reading. It returns model.ErrNotFound when
// there is none. The caller closes the file.
func (s *Store) OpenBundle(fp string) (billy.File, os.FileInfo, error) {
	info, err := s.fs.Stat(bundlePath(fp))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("artifact: bundle %s: %w", fp, model.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("artifact: stat bundle %s: %w", fp, err)
	}
	f, err := s.fs.Open(bundlePath(fp))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("artifact: bundle %s: %w", fp, model.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("artifact: open bundle %s: %w", fp, err)
	}
	return f, info, nil
}

// WorkDir creates the scratch directory of fp and returns a filesystem rooted in it.
func (s *Store) WorkDir(fp string) (billy.Filesystem, error) {
	if err := s.fs.MkdirAll(workPath(fp), 0o755); err != nil {
		return nil, fmt.Errorf("artifact: creating work dir %s: %w", fp, err)
	}
	dir, err := s.fs.Chroot(workPath(fp))
	if err != nil {
		return nil, fmt.Errorf("artifact: chroot work dir %s: %w", fp, err)
	}
	return dir, nil
}

// RemoveWorkDir deletes the scratch directory of fp. A missing directory is not an error.
func (s *Store) RemoveWorkDir(fp string) error {
	if err := util.RemoveAll(s.fs, workPath(fp)); err != nil {
		return fmt.Errorf("artifact: removing work dir %s: %w", fp, err)
	}
	return nil
}

// RemoveBundle deletes the bundle of fp and reports whether there was one.
// Removing a missing bundle is a no-op.
func (s *Store) RemoveBundle(fp string) (bool, error) {
	err := s.fs.Remove(bundlePath(fp))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("artifact: removing bundle %s: %w", fp, err)
	}
}

// Bundle archives the scratch directory of fp into its bundle.
func (s *Store) Bundle(ctx context.Context, fp string) error {
	if _, err := s.fs.Stat(workPath(fp)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("artifact: work dir %s: %w", fp, model.ErrNotFound)
		}
		return fmt.Errorf("artifact: stat work dir %s: %w", fp, err)
	}
	src, err := s.fs.Chroot(workPath(fp))
	if err != nil {
		return fmt.Errorf("artifact: chroot work dir %s: %w", fp, err)
	}

	part := bundlePath(fp) + partSuffix
	f, err := s.fs.Create(part)
	if err != nil {
		return fmt.Errorf("artifact: creating bundle %s: %w", fp, err)
	}
	err = Archive(ctx, src, f)
	err = errors.Join(err, f.Close())
	if err != nil {
		_ = s.fs.Remove(part)
		return fmt.Errorf("artifact: archiving %s: %w", fp, err)
	}

	if err := s.fs.Rename(part, bundlePath(fp)); err != nil {
		_ = s.fs.Remove(part)
		return fmt.Errorf("artifact: committing bundle %s: %w", fp, err)
	}
	return nil
}

// Record returns the metadata of fp, or a zero Record when none was written yet.
func (s *Store) Record(fp string) (Record, error) {
	s.recordMx.Lock()
	defer s.recordMx.Unlock()
	return s.readRecord(fp)
}

// UpdateRecord applies fn to the metadata of fp and stores the result
// atomically (write to a temporary file, then rename).
func (s *Store) UpdateRecord(fp string, fn func(*Record)) (Record, error) {
	s.recordMx.Lock()
	defer s.recordMx.Unlock()

	rec, err := s.readRecord(fp)
	if err != nil {
		return Record{}, err
	}
	fn(&rec)

	b, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("artifact: encoding record %s: %w", fp, err)
	}
	if err := s.fs.MkdirAll(fp, 0o755); err != nil {
		return Record{}, fmt.Errorf("artifact: creating %s: %w", fp, err)
	}
	tmp := recordPath(fp) + partSuffix
	if err := util.WriteFile(s.fs, tmp, b, 0o644); err != nil {
		return Record{}, fmt.Errorf("artifact: writing record %s: %w", fp, err)
	}
	if err := s.fs.Rename(tmp, recordPath(fp)); err != nil {
		return Record{}, fmt.Errorf("artifact: committing record %s: %w", fp, err)
	}
	return rec, nil
}

func (s *Store) readRecord(fp string) (Record, error) {
	var rec Record
	b, err := util.ReadFile(s.fs, recordPath(fp))
	if errors.Is(err, os.ErrNotExist) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("artifact: reading record %s: %w", fp, err)
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, fmt.Errorf("artifact: decoding record %s: %w", fp, err)
	}
	return rec, nil
}

// Fingerprints lists the fingerprints having any stored state.
func (s *Store) Fingerprints() ([]string, error) {
	entries, err := s.fs.ReadDir("/")
	if err != nil {
		return nil, fmt.Errorf("artifact: listing store: %w", err)
	}
	var fps []string
	for _, e := range entries {
		if e.IsDir() && fingerprint.Valid(e.Name()) {
			fps = append(fps, e.Name())
		}
	}
	return fps, nil
}

// Bundles lists the existing bundles.
func (s *Store) Bundles() ([]Bundle, error) {
	fps, err := s.Fingerprints()
	if err != nil {
		return nil, err
	}
	var bundles []Bundle
	for _, fp := range fps {
		info, err := s.fs.Stat(bundlePath(fp))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("artifact: stat bundle %s: %w", fp, err)
		}
		bundles = append(bundles, Bundle{
			Fingerprint: fp,
			Size:        info.Size(),
			ModTime:     info.ModTime(),
		})
	}
	return bundles, nil
}

// WorkDirs lists the fingerprints which have a scratch directory.
func (s *Store) WorkDirs() ([]string, error) {
	fps, err := s.Fingerprints()
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, fp := range fps {
		info, err := s.fs.Stat(workPath(fp))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("artifact: stat work dir %s: %w", fp, err)
		}
		if info.IsDir() {
			dirs = append(dirs, fp)
		}
	}
	return dirs, nil
}
