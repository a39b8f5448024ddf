package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/risk-analyzer/internal/batch"
	"github.com/sells-group/risk-analyzer/internal/model"
	"github.com/sells-group/risk-analyzer/internal/questions"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <document> [document...]",
	Short: "Analyze local documents against a question battery",
	Long:  "Stores the documents under a new batch id and answers every question synchronously. The first PDF is the primary document.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		qPath, _ := cmd.Flags().GetString("questions")
		if qPath == "" {
			qPath = cfg.Analysis.QuestionsPath
		}
		qs, err := questions.Load(qPath)
		if err != nil {
			return eris.Wrap(err, "analyze: load questions")
		}

		docs, err := readDocuments(args)
		if err != nil {
			return err
		}

		prefer := cfg.Analysis.PreferAttachments
		if cmd.Flags().Changed("attachments") {
			prefer, _ = cmd.Flags().GetBool("attachments")
		}
		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			id = uuid.NewString()
		}

		if err := env.Docs.Save(ctx, id, docs); err != nil {
			return eris.Wrap(err, "analyze: store documents")
		}
		if err := env.Runner.Enqueue(ctx, id, qs, prefer); err != nil {
			return eris.Wrap(err, "analyze: enqueue")
		}

		zap.L().Info("analyze: starting",
			zap.String("batch_id", id),
			zap.Int("documents", len(docs)),
			zap.Int("questions", len(qs)),
		)
		runErr := env.Runner.Run(ctx, batch.Request{ID: id, Documents: docs, Questions: qs, PreferAttachments: prefer})

		rec, err := env.Progress.Read(ctx, id)
		if err != nil {
			return eris.Wrap(err, "analyze: read progress")
		}
		printSummary(os.Stdout, id, rec)
		return runErr
	},
}

// printSummary writes the batch outcome and a risk count.
func printSummary(out io.Writer, id string, rec *model.Record) {
	_, _ = fmt.Fprintf(out, "Batch:   %s\n", id)
	_, _ = fmt.Fprintf(out, "Status:  %s (%d/%d, %.1f%%)\n", rec.Status, rec.Progress, rec.Total, rec.Percent())
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "Error:   %s\n", rec.Error)
	}

	counts := make(map[model.Risk]int)
	for _, r := range rec.Results {
		counts[r.Risk]++
	}
	rows := make([][]string, 0, 4)
	for _, level := range []model.Risk{model.RiskHigh, model.RiskMedium, model.RiskLow, model.RiskUnevaluated} {
		rows = append(rows, []string{string(level), fmt.Sprint(counts[level])})
	}
	_, _ = fmt.Fprintln(out, renderTable([]string{"Riesgo", "Preguntas"}, rows, []columnAlignment{alignLeft, alignRight}))
}

func init() {
	analyzeCmd.Flags().String("questions", "", "question battery (.xlsx, .csv, .json, .yaml); default from config")
	analyzeCmd.Flags().String("id", "", "batch id (default: new UUID)")
	analyzeCmd.Flags().Bool("attachments", false, "send PDFs as attachments instead of extracted text")
	rootCmd.AddCommand(analyzeCmd)
}
