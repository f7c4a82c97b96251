package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <execution-id>",
	Short: "Continue an execution from its first incomplete stage",
	Long:  "Resumes an interrupted or paused-and-approved execution. Completed stages are never re-run.",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func parseExecutionID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid execution id %q: %w", arg, err)
	}
	return id, nil
}

func runResume(cmd *cobra.Command, args []string) error {
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

	outcome, err := eng.Resume(ctx, id)
	return finish(ctx, eng, id, outcome, err)
}
