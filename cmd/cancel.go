package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/risk-analyzer/internal/batch"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <batch-id>",
	Short: "Delete an unfinished batch with its documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "cancel")
		if err != nil {
			return err
		}
		defer env.Close()

		prev, err := env.Runner.Cancel(ctx, args[0])
		if eris.Is(err, batch.ErrAlreadyCompleted) {
			return eris.Errorf("cancel: batch %s is already completed", args[0])
		}
		if err != nil {
			return eris.Wrap(err, "cancel")
		}
		fmt.Fprintf(os.Stdout, "Cancelled %s (was %s)\n", args[0], prev)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
