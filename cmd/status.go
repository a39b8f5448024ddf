package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/risk-analyzer/internal/model"
	"github.com/sells-group/risk-analyzer/internal/progress"
)

var statusCmd = &cobra.Command{
	Use:   "status <batch-id>",
	Short: "Show the progress record of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ps, err := progress.NewFileStore(cfg.Data.ProgressPath())
		if err != nil {
			return err
		}
		rec, err := ps.Read(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				*model.Record
				Percent float64 `json:"porcentaje"`
			}{rec.Sanitized(), rec.Percent()})
		}
		formatStatus(os.Stdout, args[0], rec)
		return nil
	},
}

// formatStatus writes the batch header, its documents and one row per result.
func formatStatus(out io.Writer, id string, rec *model.Record) {
	printSummary(out, id, rec)

	if rec.Metadata != nil && len(rec.Metadata.Documents) > 0 {
		rows := make([][]string, 0, len(rec.Metadata.Documents))
		for _, d := range rec.Metadata.Documents {
			rows = append(rows, []string{d.Name, d.Kind, humanize.Bytes(uint64(d.Bytes)), fmt.Sprint(d.Pages)})
		}
		_, _ = fmt.Fprintln(out, renderTable([]string{"Documento", "Tipo", "Tamaño", "Páginas"}, rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight}))
	}

	if len(rec.Results) == 0 {
		return
	}
	rows := make([][]string, 0, len(rec.Results))
	for i, r := range rec.Results {
		rows = append(rows, []string{fmt.Sprint(i), r.Section, truncate(r.Question, 60), string(r.Risk)})
	}
	_, _ = fmt.Fprintln(out, renderTable([]string{"#", "Sección", "Pregunta", "Riesgo"}, rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft}))
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the record as JSON")
	rootCmd.AddCommand(statusCmd)
}
