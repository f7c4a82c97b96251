package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonathan/content-pipeline/internal/types"
)

var actionCmd = &cobra.Command{
	Use:   "action <execution-id>",
	Short: "Approve, edit or reject the stage a paused execution is waiting on",
	Long: `Submits a review action against a paused checkpoint session and continues the run.

  --approve                      accept the stage result
  --edit field=value             replace fields of the result before continuing (repeatable;
                                 values are parsed as JSON when possible)
  --reject --feedback "..."      re-run the stage with the feedback as extra instructions`,
	Args: cobra.ExactArgs(1),
	RunE: runAction,
}

var (
	actionApprove      bool
	actionReject       bool
	actionEdits        []string
	actionFeedback     string
	actionInstructions string
)

func init() {
	f := actionCmd.Flags()
	f.BoolVar(&actionApprove, "approve", false, "Approve the paused stage")
	f.BoolVar(&actionReject, "reject", false, "Reject the paused stage and re-run it")
	f.StringArrayVar(&actionEdits, "edit", nil, "field=value edit to the paused stage's result (repeatable)")
	f.StringVar(&actionFeedback, "feedback", "", "Reviewer feedback for a rejection")
	f.StringVar(&actionInstructions, "instructions", "", "Extra instructions for the next stage")
	actionCmd.MarkFlagsMutuallyExclusive("approve", "reject", "edit")
	actionCmd.MarkFlagsOneRequired("approve", "reject", "edit")

	rootCmd.AddCommand(actionCmd)
}

// parseEdits turns field=value pairs into edits. Values that parse as JSON keep
// their type; anything else is a string.
func parseEdits(pairs []string) ([]types.FieldEdit, error) {
	edits := make([]types.FieldEdit, 0, len(pairs))
	for _, pair := range pairs {
		field, raw, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(field) == "" {
			return nil, fmt.Errorf("invalid edit %q: expected field=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		edits = append(edits, types.FieldEdit{Field: strings.TrimSpace(field), Value: value})
	}
	return edits, nil
}

func buildActionRequest() (types.ActionRequest, error) {
	req := types.ActionRequest{Feedback: actionFeedback, Instructions: actionInstructions}
	switch {
	case actionApprove:
		req.Action = types.ActionApprove
	case actionReject:
		req.Action = types.ActionReject
	default:
		edits, err := parseEdits(actionEdits)
		if err != nil {
			return req, err
		}
		req.Action = types.ActionEdit
		req.Edits = edits
	}
	return req, req.Validate()
}

func runAction(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id, err := parseExecutionID(args[0])
	if err != nil {
		return err
	}
	req, err := buildActionRequest()
	if err != nil {
		return err
	}

	eng, err := newEngine(ctx, printProgress)
	if err != nil {
		return err
	}
	defer eng.Close()

	outcome, err := eng.SubmitCheckpointAction(ctx, id, req)
	return finish(ctx, eng, id, outcome, err)
}
