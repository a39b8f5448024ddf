package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/risk-analyzer/internal/model"
)

// SQLiteIndex implements Index using modernc.org/sqlite.
type SQLiteIndex struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteIndex{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS analisis (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'en_cola',
	progress   INTEGER NOT NULL DEFAULT 0,
	total      INTEGER NOT NULL DEFAULT 0,
	documents  TEXT NOT NULL DEFAULT '[]',
	provider   TEXT NOT NULL DEFAULT '',
	model      TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_analisis_status ON analisis(status);
CREATE INDEX IF NOT EXISTS idx_analisis_created_at ON analisis(created_at);
`

func (s *SQLiteIndex) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func (s *SQLiteIndex) Sync(ctx context.Context, id string, rec *model.Record) error {
	e := EntryFromRecord(id, rec)
	docsJSON, err := json.Marshal(e.Documents)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal documents")
	}
	now := s.now().UTC()

	// Documents are only known once the context is built; an empty list
	// never overwrites a known one.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analisis (id, status, progress, total, documents, provider, model, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			total = excluded.total,
			documents = CASE WHEN excluded.documents = '[]' THEN analisis.documents ELSE excluded.documents END,
			provider = excluded.provider,
			model = excluded.model,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		id, string(e.Status), e.Progress, e.Total, string(docsJSON), e.Provider, e.Model, e.Error, now, now,
	)
	return eris.Wrapf(err, "sqlite: sync %s", id)
}

func (s *SQLiteIndex) Remove(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM analisis WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: remove %s", id)
}

func (s *SQLiteIndex) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, progress, total, documents, provider, model, error, created_at, updated_at
		 FROM analisis WHERE id = ?`,
		id,
	)
	return scanEntry(row)
}

func (s *SQLiteIndex) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `SELECT id, status, progress, total, documents, provider, model, error, created_at, updated_at
		FROM analisis WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, filter.limit())

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*Entry, error) {
	var e Entry
	var status, docsJSON string

	err := row.Scan(&e.ID, &status, &e.Progress, &e.Total, &docsJSON, &e.Provider, &e.Model, &e.Error, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan entry")
	}
	e.Status = model.Status(status)
	if err := json.Unmarshal([]byte(docsJSON), &e.Documents); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal documents")
	}
	return &e, nil
}
