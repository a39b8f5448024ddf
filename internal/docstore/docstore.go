// Package docstore keeps the uploaded documents of each batch on disk so
// re-runs can rebuild the same context.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/risk-analyzer/internal/docctx"
	"github.com/sells-group/risk-analyzer/internal/progress"
)

// ErrNotFound is returned when a batch has no stored documents.
var ErrNotFound = eris.New("docstore: documents not found")

// Store writes documents as <dir>/<id>/<NN>_<name>; the numeric prefix keeps
// upload order.
type Store struct {
	dir string
}

// New creates dir if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "docstore: create dir %s", dir)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) (string, error) {
	if !progress.ValidID(id) {
		return "", progress.ErrInvalidID
	}
	return filepath.Join(s.dir, id), nil
}

// Save stores docs for id, replacing any previous set.
func (s *Store) Save(ctx context.Context, id string, docs []docctx.Document) error {
	dst, err := s.path(id)
	if err != nil {
		return err
	}

	tmp, err := os.MkdirTemp(s.dir, ".upload-*")
	if err != nil {
		return eris.Wrap(err, "docstore: create temp dir")
	}
	defer os.RemoveAll(tmp) //nolint:errcheck

	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "docstore: save")
		}
		name := fmt.Sprintf("%02d_%s", i+1, safeName(doc.Name))
		if err := os.WriteFile(filepath.Join(tmp, name), doc.Data, 0o644); err != nil {
			return eris.Wrapf(err, "docstore: write %s", doc.Name)
		}
	}

	if err := os.RemoveAll(dst); err != nil {
		return eris.Wrapf(err, "docstore: clear %s", id)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return eris.Wrapf(err, "docstore: move %s", id)
	}
	return nil
}

// Load returns the documents of id in upload order.
func (s *Store) Load(ctx context.Context, id string) ([]docctx.Document, error) {
	dir, err := s.path(id)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "batch %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "docstore: list %s", id)
	}

	type stored struct {
		seq  int
		file string
		name string
	}
	var files []stored
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, name, ok := splitName(e.Name())
		if !ok {
			continue
		}
		files = append(files, stored{seq: seq, file: e.Name(), name: name})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })

	docs := make([]docctx.Document, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "docstore: load")
		}
		data, err := os.ReadFile(filepath.Join(dir, f.file))
		if err != nil {
			return nil, eris.Wrapf(err, "docstore: read %s", f.file)
		}
		docs = append(docs, docctx.Document{Name: f.name, Data: data})
	}
	return docs, nil
}

// Remove deletes every document of id. A batch without documents is not an
// error.
func (s *Store) Remove(_ context.Context, id string) error {
	dir, err := s.path(id)
	if err != nil {
		return err
	}
	return eris.Wrapf(os.RemoveAll(dir), "docstore: remove %s", id)
}

// Exists reports whether id has stored documents.
func (s *Store) Exists(id string) bool {
	dir, err := s.path(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

func splitName(file string) (int, string, bool) {
	prefix, name, ok := strings.Cut(file, "_")
	if !ok || name == "" {
		return 0, "", false
	}
	seq, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, "", false
	}
	return seq, name, true
}

// safeName keeps the base name of an upload and drops anything that could
// escape the batch directory.
func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "documento"
	}
	return name
}
