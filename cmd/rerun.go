package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/risk-analyzer/internal/batch"
	"github.com/sells-group/risk-analyzer/internal/questions"
)

var rerunCmd = &cobra.Command{
	Use:   "rerun <batch-id>",
	Short: "Re-run one question or the whole battery of a batch in place",
	Long: `Overwrites results under the same batch id using the stored documents.

With --index the single question at that position is asked again, optionally
with edited --text and --section. With --questions the results are cleared and
the new battery is answered from the start.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		index, _ := cmd.Flags().GetInt("index")
		qPath, _ := cmd.Flags().GetString("questions")
		if (index < 0) == (qPath == "") {
			return eris.New("rerun: exactly one of --index or --questions is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "rerun")
		if err != nil {
			return err
		}
		defer env.Close()

		docs, err := env.Docs.Load(ctx, id)
		if err != nil {
			return eris.Wrap(err, "rerun: load documents")
		}
		prefer := cfg.Analysis.PreferAttachments
		if rec, err := env.Progress.Read(ctx, id); err == nil && rec.Metadata != nil {
			prefer = rec.Metadata.PreferAttachments
		}

		if index >= 0 {
			text, _ := cmd.Flags().GetString("text")
			section, _ := cmd.Flags().GetString("section")
			err = env.Runner.RerunSingle(ctx, batch.SingleRequest{
				ID:                id,
				Documents:         docs,
				Index:             index,
				Text:              text,
				Section:           section,
				PreferAttachments: prefer,
			})
		} else {
			qs, qErr := questions.Load(qPath)
			if qErr != nil {
				return eris.Wrap(qErr, "rerun: load questions")
			}
			err = env.Runner.RerunAll(ctx, batch.Request{ID: id, Documents: docs, Questions: qs, PreferAttachments: prefer})
		}

		rec, readErr := env.Progress.Read(ctx, id)
		if readErr == nil {
			printSummary(os.Stdout, id, rec)
		}
		return err
	},
}

func init() {
	rerunCmd.Flags().Int("index", -1, "zero-based position of the question to re-run")
	rerunCmd.Flags().String("text", "", "replacement question text for --index")
	rerunCmd.Flags().String("section", "", "replacement section for --index")
	rerunCmd.Flags().String("questions", "", "replacement battery for a global re-run")
	rootCmd.AddCommand(rerunCmd)
}
