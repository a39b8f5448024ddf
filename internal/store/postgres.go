package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/risk-analyzer/internal/model"
)

// Pool is the subset of pgxpool.Pool the index uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresIndex implements Index using pgxpool.
type PostgresIndex struct {
	pool    Pool
	closeFn func()
	now     func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresIndex with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresIndex, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresIndex{pool: pool, closeFn: pool.Close, now: time.Now}, nil
}

// NewPostgresWithPool wraps an existing pool. Close does not close it.
func NewPostgresWithPool(pool Pool) *PostgresIndex {
	return &PostgresIndex{pool: pool, now: time.Now}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS analisis (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'en_cola',
	progress   INTEGER NOT NULL DEFAULT 0,
	total      INTEGER NOT NULL DEFAULT 0,
	documents  JSONB NOT NULL DEFAULT '[]'::jsonb,
	provider   TEXT NOT NULL DEFAULT '',
	model      TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_analisis_status ON analisis(status);
CREATE INDEX IF NOT EXISTS idx_analisis_created_at ON analisis(created_at DESC);
`

func (s *PostgresIndex) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresIndex) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresIndex) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresIndex) Sync(ctx context.Context, id string, rec *model.Record) error {
	e := EntryFromRecord(id, rec)
	docsJSON, err := json.Marshal(e.Documents)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal documents")
	}
	now := s.now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO analisis (id, status, progress, total, documents, provider, model, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			total = EXCLUDED.total,
			documents = CASE WHEN EXCLUDED.documents = '[]'::jsonb THEN analisis.documents ELSE EXCLUDED.documents END,
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		id, string(e.Status), e.Progress, e.Total, docsJSON, e.Provider, e.Model, e.Error, now, now,
	)
	return eris.Wrapf(err, "postgres: sync %s", id)
}

func (s *PostgresIndex) Remove(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM analisis WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: remove %s", id)
}

func (s *PostgresIndex) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, progress, total, documents, provider, model, error, created_at, updated_at
		 FROM analisis WHERE id = $1`,
		id,
	)
	e, err := scanPgEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get %s", id)
	}
	return e, nil
}

func (s *PostgresIndex) List(ctx context.Context, filter Filter) ([]Entry, error) {
	query := `SELECT id, status, progress, total, documents, provider, model, error, created_at, updated_at
		FROM analisis WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, filter.limit())
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanPgEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan entry")
		}
		entries = append(entries, *e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list iterate")
}

func scanPgEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var status string
	var docsJSON []byte

	if err := row.Scan(&e.ID, &status, &e.Progress, &e.Total, &docsJSON, &e.Provider, &e.Model, &e.Error, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = model.Status(status)
	if len(docsJSON) > 0 {
		if err := json.Unmarshal(docsJSON, &e.Documents); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal documents")
		}
	}
	if e.Documents == nil {
		e.Documents = []string{}
	}
	return &e, nil
}
