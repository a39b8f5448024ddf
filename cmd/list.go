package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/risk-analyzer/internal/model"
	"github.com/sells-group/risk-analyzer/internal/progress"
	"github.com/sells-group/risk-analyzer/internal/store"
)

// listRow is one batch as shown by the list command.
type listRow struct {
	ID         string
	Status     model.Status
	Progress   int
	Total      int
	Documents  []string
	ModifiedAt time.Time
	Error      string
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		f := store.Filter{Status: model.Status(status), Limit: limit}

		ix, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return eris.Wrap(err, "list: open index")
		}
		defer ix.Close() //nolint:errcheck

		var rows []listRow
		if _, nop := ix.(store.Nop); nop {
			ps, err := progress.NewFileStore(cfg.Data.ProgressPath())
			if err != nil {
				return err
			}
			rows, err = rowsFromRecords(ctx, ps, f)
			if err != nil {
				return eris.Wrap(err, "list")
			}
		} else {
			entries, err := ix.List(ctx, f)
			if err != nil {
				return eris.Wrap(err, "list")
			}
			rows = rowsFromEntries(entries)
		}

		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "No batches found.")
			return nil
		}
		formatList(os.Stdout, rows, time.Now())
		return nil
	},
}

func rowsFromEntries(entries []store.Entry) []listRow {
	rows := make([]listRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, listRow{
			ID:         e.ID,
			Status:     e.Status,
			Progress:   e.Progress,
			Total:      e.Total,
			Documents:  e.Documents,
			ModifiedAt: e.UpdatedAt,
			Error:      e.Error,
		})
	}
	return rows
}

// rowsFromRecords scans the progress store when no index is configured.
func rowsFromRecords(ctx context.Context, ps progress.Store, f store.Filter) ([]listRow, error) {
	ids, err := ps.List(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]listRow, 0, len(ids))
	for _, id := range ids {
		row := listRow{ID: id}
		rec, err := ps.Read(ctx, id)
		switch {
		case eris.Is(err, progress.ErrNotFound):
			continue
		case err != nil:
			row.Status = model.StatusError
			row.Error = err.Error()
		default:
			row.Status = rec.Status
			row.Progress = rec.Progress
			row.Total = rec.Total
			row.Error = rec.Error
			if t, err := time.ParseInLocation(model.TimeLayout, rec.ModifiedAt, time.Local); err == nil {
				row.ModifiedAt = t
			}
			if rec.Metadata != nil {
				for _, d := range rec.Metadata.Documents {
					row.Documents = append(row.Documents, d.Name)
				}
			}
		}
		if f.Status != "" && row.Status != f.Status {
			continue
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].ModifiedAt.Equal(rows[j].ModifiedAt) {
			return rows[i].ModifiedAt.After(rows[j].ModifiedAt)
		}
		return rows[i].ID < rows[j].ID
	})
	if f.Limit > 0 && len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}
	return rows, nil
}

// formatList writes rows as a table. Ages are relative to now.
func formatList(out io.Writer, rows []listRow, now time.Time) {
	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		modified := "-"
		if !r.ModifiedAt.IsZero() {
			modified = humanize.RelTime(r.ModifiedAt, now, "ago", "from now")
		}
		status := string(r.Status)
		if r.Error != "" {
			status += ": " + truncate(r.Error, 40)
		}
		data = append(data, []string{
			r.ID,
			status,
			fmt.Sprintf("%d/%d", r.Progress, r.Total),
			strings.Join(r.Documents, ", "),
			modified,
		})
	}
	_, _ = fmt.Fprintln(out, renderTable(
		[]string{"ID", "ESTADO", "PROGRESO", "DOCUMENTOS", "MODIFICADO"},
		data,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	listCmd.Flags().String("status", "", "filter by status (en_cola, en_progreso, reanalisis_en_progreso, completado, error)")
	listCmd.Flags().Int("limit", 50, "max number of batches to display")
	rootCmd.AddCommand(listCmd)
}
