package main

import (
	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <execution-id> <stage>",
	Short: "Re-run a failed or pending stage and continue the execution",
	Args:  cobra.ExactArgs(2),
	RunE:  runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseExecutionID(args[0])
	if err != nil {
		return err
	}

	eng, err := newEngine(ctx, printProgress)
	if err != nil {
		return err
	}
	defer eng.Close()

	outcome, err := eng.RetryStage(ctx, id, args[1])
	return finish(ctx, eng, id, outcome, err)
}
