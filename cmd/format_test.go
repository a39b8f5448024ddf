//go:build !integration

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/risk-analyzer/internal/config"
	"github.com/sells-group/risk-analyzer/internal/model"
	"github.com/sells-group/risk-analyzer/internal/progress"
	"github.com/sells-group/risk-analyzer/internal/store"
)

func completedRecord() *model.Record {
	return &model.Record{
		Status:   model.StatusCompleted,
		Progress: 3,
		Total:    3,
		Results: []model.Result{
			{Question: "¿Plazo de preaviso?", Section: "Terminación", Answer: "30 días.", Risk: model.RiskLow},
			{Question: "¿Límite de responsabilidad?", Section: "Responsabilidad", Answer: "No hay.", Risk: model.RiskHigh},
			{Question: "¿Penalizaciones?", Section: "Pagos", Answer: "Sí.", Risk: model.RiskHigh},
		},
		Metadata: &model.Metadata{
			Documents: []model.DocumentInfo{{Name: "contrato.pdf", Kind: "pdf", Bytes: 2048, Pages: 12, Primary: true}},
		},
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, "b1", completedRecord())

	out := buf.String()
	assert.Contains(t, out, "b1")
	assert.Contains(t, out, "completado (3/3, 100.0%)")
	assert.Contains(t, out, "Alto")
	assert.Contains(t, out, "Sin evaluar")
	assert.NotContains(t, out, "Error:")
}

func TestPrintSummary_Error(t *testing.T) {
	rec := model.NewErrorRecord("Error en análisis: boom", time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	var buf bytes.Buffer
	printSummary(&buf, "b2", rec)
	assert.Contains(t, buf.String(), "Error:   Error en análisis: boom")
}

func TestFormatStatus(t *testing.T) {
	var buf bytes.Buffer
	formatStatus(&buf, "b1", completedRecord())

	out := buf.String()
	assert.Contains(t, out, "contrato.pdf")
	assert.Contains(t, out, "2.0 kB")
	assert.Contains(t, out, "¿Límite de responsabilidad?")
	assert.Contains(t, out, "Responsabilidad")
}

func TestFormatList(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	rows := []listRow{
		{ID: "b1", Status: model.StatusRunning, Progress: 2, Total: 5, Documents: []string{"contrato.pdf", "anexo.docx"}, ModifiedAt: now.Add(-2 * time.Hour)},
		{ID: "b2", Status: model.StatusError, Error: "Error en análisis: boom"},
	}

	var buf bytes.Buffer
	formatList(&buf, rows, now)

	out := buf.String()
	assert.Contains(t, out, "ESTADO")
	assert.Contains(t, out, "2/5")
	assert.Contains(t, out, "contrato.pdf, anexo.docx")
	assert.Contains(t, out, "2 hours ago")
	assert.Contains(t, out, "error: Error en análisis: boom")
}

func TestRowsFromRecords(t *testing.T) {
	ctx := context.Background()
	ps, err := progress.NewFileStore(filepath.Join(t.TempDir(), "progreso"))
	require.NoError(t, err)

	old := model.NewQueuedRecord([]model.Question{{Text: "a"}})
	old.ModifiedAt = "2026-03-14 08:00:00"
	require.NoError(t, ps.Write(ctx, "old", old))
	done := completedRecord()
	done.ModifiedAt = "2026-03-14 09:00:00"
	require.NoError(t, ps.Write(ctx, "done", done))
	require.NoError(t, os.WriteFile(filepath.Join(ps.Dir(), "bad.json"), []byte("{"), 0o644))

	rows, err := rowsFromRecords(ctx, ps, store.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "done", rows[0].ID)
	assert.Equal(t, []string{"contrato.pdf"}, rows[0].Documents)
	assert.Equal(t, "old", rows[1].ID)
	assert.Equal(t, "bad", rows[2].ID)
	assert.Equal(t, model.StatusError, rows[2].Status)

	rows, err = rowsFromRecords(ctx, ps, store.Filter{Status: model.StatusQueued})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "old", rows[0].ID)

	rows, err = rowsFromRecords(ctx, ps, store.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRowsFromEntries(t *testing.T) {
	ts := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	rows := rowsFromEntries([]store.Entry{{ID: "b1", Status: model.StatusCompleted, Progress: 4, Total: 4, UpdatedAt: ts}})
	require.Len(t, rows, 1)
	assert.Equal(t, ts, rows[0].ModifiedAt)
	assert.Equal(t, 4, rows[0].Total)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "corto", truncate("corto", 10))
	assert.Equal(t, "prueb…", truncate("pruebas largas", 6))
}

func TestReadDocuments(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "contrato.txt")
	b := filepath.Join(dir, "anexo.txt")
	require.NoError(t, os.WriteFile(a, []byte("uno"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("dos"), 0o644))

	docs, err := readDocuments([]string{a, b})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "contrato.txt", docs[0].Name)
	assert.Equal(t, []byte("dos"), docs[1].Data)

	_, err = readDocuments([]string{filepath.Join(dir, "missing.pdf")})
	assert.Error(t, err)
}

func TestWritePolicy(t *testing.T) {
	saved := cfg
	t.Cleanup(func() { cfg = saved })

	cfg = &config.Config{}
	p := writePolicy()
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, p.InitialBackoff)

	cfg.Retry = config.RetryConfig{MaxAttempts: 4, InitialBackoff: 50}
	p = writePolicy()
	assert.Equal(t, 4, p.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, p.InitialBackoff)
}
