package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/risk-analyzer/internal/config"
	"github.com/sells-group/risk-analyzer/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteIndex {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ix, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() }) //nolint:errcheck
	require.NoError(t, ix.Migrate(context.Background()))
	return ix
}

// tick returns a clock that advances one second per call.
func tick() func() time.Time {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func runningRecord(progress, total int) *model.Record {
	return &model.Record{
		Status:   model.StatusRunning,
		Progress: progress,
		Total:    total,
		Results:  []model.Result{},
		Metadata: &model.Metadata{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-5-20250929",
			Documents: []model.DocumentInfo{{Name: "contrato.pdf"}, {Name: "anexo.docx"}},
		},
	}
}

func TestSQLite_SyncAndGet(t *testing.T) {
	ix := newTestSQLite(t)
	ix.now = tick()
	ctx := context.Background()

	require.NoError(t, ix.Sync(ctx, "b1", model.NewQueuedRecord([]model.Question{{Text: "q"}})))
	e, err := ix.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, e.Status)
	assert.Equal(t, 1, e.Total)
	assert.Empty(t, e.Documents)
	created := e.CreatedAt

	require.NoError(t, ix.Sync(ctx, "b1", runningRecord(1, 4)))
	e, err = ix.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, e.Status)
	assert.Equal(t, 1, e.Progress)
	assert.Equal(t, 4, e.Total)
	assert.Equal(t, 25.0, e.Percent())
	assert.Equal(t, []string{"contrato.pdf", "anexo.docx"}, e.Documents)
	assert.Equal(t, "anthropic", e.Provider)
	assert.True(t, created.Equal(e.CreatedAt))
	assert.True(t, e.UpdatedAt.After(created))
}

func TestSQLite_SyncKeepsKnownDocuments(t *testing.T) {
	ix := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, ix.Sync(ctx, "b1", runningRecord(1, 2)))
	failed := model.NewErrorRecord("Error en análisis: boom", time.Now())
	require.NoError(t, ix.Sync(ctx, "b1", failed))

	e, err := ix.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, e.Status)
	assert.Equal(t, "Error en análisis: boom", e.Error)
	assert.Equal(t, []string{"contrato.pdf", "anexo.docx"}, e.Documents)
}

func TestSQLite_GetMissing(t *testing.T) {
	ix := newTestSQLite(t)
	_, err := ix.Get(context.Background(), "ghost")
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_ListAndFilter(t *testing.T) {
	ix := newTestSQLite(t)
	ix.now = tick()
	ctx := context.Background()

	require.NoError(t, ix.Sync(ctx, "old", runningRecord(1, 2)))
	require.NoError(t, ix.Sync(ctx, "mid", &model.Record{Status: model.StatusCompleted, Progress: 2, Total: 2}))
	require.NoError(t, ix.Sync(ctx, "new", runningRecord(0, 2)))

	all, err := ix.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "mid", all[1].ID)
	assert.Equal(t, "old", all[2].ID)

	running, err := ix.List(ctx, Filter{Status: model.StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "new", running[0].ID)

	page, err := ix.List(ctx, Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "mid", page[0].ID)
}

func TestSQLite_Remove(t *testing.T) {
	ix := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, ix.Sync(ctx, "b1", runningRecord(0, 1)))
	require.NoError(t, ix.Remove(ctx, "b1"))
	require.NoError(t, ix.Remove(ctx, "b1"))

	_, err := ix.Get(ctx, "b1")
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	ix, err := Open(ctx, config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "analisis.db")})
	require.NoError(t, err)
	require.NoError(t, ix.Sync(ctx, "b1", runningRecord(0, 1)))
	require.NoError(t, ix.Close())

	ix, err = Open(ctx, config.StoreConfig{Driver: "none"})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, ix)
	_, err = ix.Get(ctx, "b1")
	assert.True(t, eris.Is(err, ErrNotFound))

	_, err = Open(ctx, config.StoreConfig{Driver: "mongo"})
	assert.Error(t, err)
}

func TestEntryFromRecord(t *testing.T) {
	e := EntryFromRecord("b1", &model.Record{Status: model.StatusQueued, Total: 3})
	assert.Equal(t, "b1", e.ID)
	assert.Equal(t, []string{}, e.Documents)
	assert.Zero(t, e.Percent())
}
