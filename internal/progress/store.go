// Package progress persists one JSON progress record per batch id.
package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/risk-analyzer/internal/model"
)

var (
	ErrNotFound  = eris.New("progress: record not found")
	ErrCorrupt   = eris.New("progress: record corrupt")
	ErrInvalidID = eris.New("progress: invalid batch id")
)

// Store reads and writes progress records by batch id. Readers may see the
// previous or the next version of a record, never a partial one.
type Store interface {
	Read(ctx context.Context, id string) (*model.Record, error)
	Write(ctx context.Context, id string, rec *model.Record) error
	// Update applies fn to the current record under the record lock and
	// persists the result.
	Update(ctx context.Context, id string, fn func(rec *model.Record) error) (*model.Record, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]string, error)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidID reports whether id is safe to use as a record file name.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

const (
	recordExt = ".json"
	lockExt   = ".lock"
)

// FileStore keeps records as <dir>/<id>.json. Writes go to a temp file that
// is renamed over the record; read-modify-write cycles hold <id>.json.lock.
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*recordLock
}

// recordLock is the in-process half of a record lock. It is dropped from
// FileStore.locks once nobody holds or waits for it.
type recordLock struct {
	mu   sync.Mutex
	refs int
}

// syncFile flushes a written temp file to disk before it is renamed.
var syncFile = (*os.File).Sync

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "progress: create dir %s", dir)
	}
	return &FileStore{dir: dir, locks: make(map[string]*recordLock)}, nil
}

// Dir returns the directory holding the records.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

// Read loads and migrates the record for id.
func (s *FileStore) Read(_ context.Context, id string) (*model.Record, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	return s.read(id)
}

func (s *FileStore) read(id string) (*model.Record, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "progress: read %s", id)
	}

	rec, format, err := Decode(data)
	if err != nil {
		zap.L().Warn("progress: corrupt record",
			zap.String("batch_id", id),
			zap.Error(err),
		)
		return nil, eris.Wrapf(ErrCorrupt, "batch %s", id)
	}
	if format != FormatCurrent {
		zap.L().Debug("progress: migrated legacy record",
			zap.String("batch_id", id),
			zap.String("format", format.String()),
		)
	}
	return rec, nil
}

// Write replaces the record for id.
func (s *FileStore) Write(ctx context.Context, id string, rec *model.Record) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return s.write(id, rec)
}

// Update runs fn on the current record and writes the result. A missing
// record yields ErrNotFound; fn errors abort without writing.
func (s *FileStore) Update(ctx context.Context, id string, fn func(rec *model.Record) error) (*model.Record, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if err := s.write(id, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the record and its lock file. Deleting a missing record
// returns ErrNotFound.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	err = os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "progress: delete %s", id)
	}
	if err := os.Remove(s.path(id) + lockExt); err != nil && !errors.Is(err, fs.ErrNotExist) {
		zap.L().Warn("progress: remove lock file", zap.String("batch_id", id), zap.Error(err))
	}
	return nil
}

// Exists reports whether a record file is present.
func (s *FileStore) Exists(_ context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, ErrInvalidID
	}
	_, err := os.Stat(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "progress: stat %s", id)
	}
	return true, nil
}

// List returns the ids of all stored records, sorted.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, eris.Wrap(err, "progress: list")
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		id := strings.TrimSuffix(name, recordExt)
		if ValidID(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// lock serializes writers of one record, within the process and across
// processes sharing the directory.
func (s *FileStore) lock(ctx context.Context, id string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &recordLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()
	l.mu.Lock()

	release := func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}

	fl := flock.New(s.path(id) + lockExt)
	locked, err := fl.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil || !locked {
		release()
		if err == nil {
			err = ctx.Err()
		}
		return nil, eris.Wrapf(err, "progress: lock %s", id)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			zap.L().Warn("progress: unlock failed", zap.String("batch_id", id), zap.Error(err))
		}
		release()
	}, nil
}

func (s *FileStore) write(id string, rec *model.Record) error {
	data, err := Encode(rec)
	if err != nil {
		return eris.Wrapf(err, "progress: encode %s", id)
	}
	return writeFileAtomic(s.path(id), data, 0o644)
}

// Encode serializes a sanitized copy of rec as indented JSON, leaving
// non-ASCII text unescaped.
func Encode(rec *model.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec.Sanitized()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".progress-*.tmp")
	if err != nil {
		return eris.Wrap(err, "progress: create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrap(err, "progress: write temp file")
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrap(err, "progress: chmod temp file")
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrap(err, "progress: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrap(err, "progress: close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrap(err, "progress: rename temp file")
	}
	return nil
}
