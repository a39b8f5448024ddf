// Package store keeps a queryable index of batches for listing and
// filtering. The progress record stays authoritative; the index only mirrors
// its summary.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/risk-analyzer/internal/config"
	"github.com/sells-group/risk-analyzer/internal/model"
)

// ErrNotFound is returned by Get for ids the index has never seen.
var ErrNotFound = eris.New("store: batch not found")

// Entry is the indexed summary of one batch.
type Entry struct {
	ID        string       `json:"id"`
	Status    model.Status `json:"estado"`
	Progress  int          `json:"progreso"`
	Total     int          `json:"total_preguntas"`
	Documents []string     `json:"documentos"`
	Provider  string       `json:"proveedor,omitempty"`
	Model     string       `json:"modelo,omitempty"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"creado"`
	UpdatedAt time.Time    `json:"actualizado"`
}

// Percent mirrors model.Record.Percent for the indexed counters.
func (e Entry) Percent() float64 {
	rec := model.Record{Progress: e.Progress, Total: e.Total}
	return rec.Percent()
}

// EntryFromRecord summarizes rec for the index. Timestamps are left to the
// backend.
func EntryFromRecord(id string, rec *model.Record) Entry {
	e := Entry{
		ID:        id,
		Status:    rec.Status,
		Progress:  rec.Progress,
		Total:     rec.Total,
		Documents: []string{},
		Error:     rec.Error,
	}
	if md := rec.Metadata; md != nil {
		e.Provider = md.Provider
		e.Model = md.Model
		for _, d := range md.Documents {
			e.Documents = append(e.Documents, d.Name)
		}
	}
	return e
}

// Filter selects entries in List.
type Filter struct {
	Status model.Status `json:"status,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	Offset int          `json:"offset,omitempty"`
}

const defaultListLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// Index persists batch summaries.
type Index interface {
	// Sync inserts or refreshes the entry for id from rec.
	Sync(ctx context.Context, id string, rec *model.Record) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Entry, error)
	// List returns entries newest first.
	List(ctx context.Context, filter Filter) ([]Entry, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the index selected by cfg.Driver and migrates it. Driver
// "none" returns a no-op index.
func Open(ctx context.Context, cfg config.StoreConfig) (Index, error) {
	var (
		ix  Index
		err error
	)
	switch cfg.Driver {
	case "sqlite":
		ix, err = NewSQLite(cfg.DatabaseURL)
	case "postgres":
		ix, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	case "none", "":
		return Nop{}, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := ix.Migrate(ctx); err != nil {
		ix.Close() //nolint:errcheck
		return nil, err
	}
	return ix, nil
}

// Nop discards every write and finds nothing.
type Nop struct{}

func (Nop) Sync(context.Context, string, *model.Record) error { return nil }
func (Nop) Remove(context.Context, string) error              { return nil }
func (Nop) Get(context.Context, string) (*Entry, error)       { return nil, ErrNotFound }
func (Nop) List(context.Context, Filter) ([]Entry, error)     { return nil, nil }
func (Nop) Migrate(context.Context) error                     { return nil }
func (Nop) Close() error                                      { return nil }
