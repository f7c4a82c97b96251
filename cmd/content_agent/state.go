package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/content-pipeline/internal/pipeline"
)

var stateCmd = &cobra.Command{
	Use:   "state <execution-id>",
	Short: "Show an execution, its checkpoint session and stage results",
	Args:  cobra.ExactArgs(1),
	RunE:  runState,
}

var (
	stateJSON bool
	stateList int
)

func init() {
	stateCmd.Flags().BoolVar(&stateJSON, "json", false, "Print the raw state as JSON")
	rootCmd.AddCommand(stateCmd)

	listCmd.Flags().IntVarP(&stateList, "limit", "n", 20, "Maximum executions to list")
	rootCmd.AddCommand(listCmd)
}

func runState(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseExecutionID(args[0])
	if err != nil {
		return err
	}

	st, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	// Reading state needs no model access.
	orch, err := pipeline.New(pipeline.Options{Store: st.store, Executor: noExecutor{}, Logger: settings.logger})
	if err != nil {
		return err
	}
	state, err := orch.GetState(ctx, id)
	if err != nil {
		return err
	}

	if stateJSON {
		data, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		printf("%s\n", data)
		return nil
	}
	printState(state)
	if state.NextStage != "" {
		printf("Next stage: %s\n", state.NextStage)
	}
	return nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent executions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStorage(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		execs, err := st.store.ListExecutions(ctx, stateList)
		if err != nil {
			return err
		}
		for _, e := range execs {
			printf("%s  %-9s  %-9s  %-18s  %s\n", e.ID, e.Mode, e.Status, e.CurrentStage, e.Input.Topic)
		}
		return nil
	},
}
