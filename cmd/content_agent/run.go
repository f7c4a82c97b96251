package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/content-pipeline/internal/observability"
	"github.com/jonathan/content-pipeline/internal/pipeline"
	"github.com/jonathan/content-pipeline/internal/types"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Start a new execution and run it until it completes or pauses",
	Long: `Creates an execution from the given input and runs stages in order.

In manual mode the run stops after each stage for review; continue with 'action'.
The input can be given as a JSON file (--input) and overridden field by field with flags.`,
	RunE: runPipelineCmd,
}

var (
	runInputPath   string
	runTopic       string
	runContentType string
	runAudience    string
	runGoal        string
	runBrandVoice  string
	runLanguage    string
	runTargetWords int
	runCampaignID  string
	runProjects    []string
	runDocuments   []string
	runMode        string
)

func init() {
	f := runCommand.Flags()
	f.StringVarP(&runInputPath, "input", "i", "", "Path to a JSON file with the pipeline input")
	f.StringVarP(&runTopic, "topic", "t", "", "Topic to write about")
	f.StringVar(&runContentType, "content-type", "", "Content type, e.g. blog_post")
	f.StringVar(&runAudience, "audience", "", "Intended audience")
	f.StringVar(&runGoal, "goal", "", "What the piece should achieve")
	f.StringVar(&runBrandVoice, "brand-voice", "", "Brand voice guidance")
	f.StringVar(&runLanguage, "language", "", "Output language code")
	f.IntVar(&runTargetWords, "target-words", 0, "Target length in words")
	f.StringVar(&runCampaignID, "campaign", "", "Restrict retrieval to this campaign")
	f.StringSliceVar(&runProjects, "project", nil, "Restrict retrieval to these projects (repeatable)")
	f.StringSliceVar(&runDocuments, "document", nil, "Restrict retrieval to these document ids (repeatable)")
	f.StringVarP(&runMode, "mode", "m", "", "automatic or manual (defaults to config default_mode)")

	rootCmd.AddCommand(runCommand)
}

func runPipelineCmd(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	input, err := buildInput(cmd)
	if err != nil {
		return err
	}
	if err := input.Validate(); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}

	mode := settings.cfg.Mode()
	if cmd.Flags().Changed("mode") {
		mode = types.Mode(runMode)
	}
	if mode != types.ModeAutomatic && mode != types.ModeManual {
		return fmt.Errorf("--mode must be automatic or manual, got %q", runMode)
	}

	eng, err := newEngine(ctx, printProgress)
	if err != nil {
		return err
	}
	defer eng.Close()

	id, err := eng.Start(ctx, input, mode)
	if err != nil {
		return fmt.Errorf("failed to start execution: %w", err)
	}
	printf("Execution %s (%s mode)\n", id, mode)

	outcome, err := eng.Run(ctx, id)
	return finish(ctx, eng, id, outcome, err)
}

// buildInput reads --input and applies the explicitly set field flags on top.
func buildInput(cmd *cobra.Command) (types.PipelineInput, error) {
	var in types.PipelineInput
	if runInputPath != "" {
		data, err := os.ReadFile(runInputPath)
		if err != nil {
			return in, fmt.Errorf("failed to read input file %s: %w", runInputPath, err)
		}
		if err := json.Unmarshal(data, &in); err != nil {
			return in, fmt.Errorf("failed to parse input JSON: %w", err)
		}
	}

	f := cmd.Flags()
	if f.Changed("topic") {
		in.Topic = runTopic
	}
	if f.Changed("content-type") {
		in.ContentType = runContentType
	}
	if f.Changed("audience") {
		in.Audience = runAudience
	}
	if f.Changed("goal") {
		in.Goal = runGoal
	}
	if f.Changed("brand-voice") {
		in.BrandVoice = runBrandVoice
	}
	if f.Changed("language") {
		in.Language = runLanguage
	}
	if f.Changed("target-words") {
		in.TargetWords = runTargetWords
	}
	if f.Changed("campaign") {
		in.CampaignID = runCampaignID
	}
	if f.Changed("project") {
		in.ProjectNames = runProjects
	}
	if f.Changed("document") {
		in.DocumentIDs = runDocuments
	}
	return in, nil
}

// finish reports a run outcome and, with --verbose, the full execution state.
// A failed stage still prints the state before returning the error.
func finish(ctx context.Context, eng *engine, id uuid.UUID, outcome *pipeline.RunOutcome, runErr error) error {
	if outcome != nil {
		switch outcome.Status {
		case pipeline.OutcomeCompleted:
			printf("\nExecution %s completed\n", id)
			if title, ok := outcome.Result["title"].(string); ok {
				printf("\n# %s\n", title)
			}
			if body, ok := outcome.Result["body"].(string); ok {
				printf("\n%s\n", body)
			}
		case pipeline.OutcomePaused:
			printf("\nPaused for review after %s. Continue with:\n  content_agent action %s --approve\n", outcome.Stage, id)
		}
	}

	if settings.cfg.Verbose || runErr != nil {
		// Use a fresh context so state is still shown after an interrupt.
		state, err := eng.GetState(context.WithoutCancel(ctx), id)
		if err == nil {
			printState(state)
		}
	}
	return runErr
}

func printState(state *pipeline.State) {
	p := observability.NewPrinter(settings.out)
	p.PrintExecution(state.Execution, state.Session)
	p.PrintStages(state.Stages)
	if settings.cfg.Verbose {
		for i := range state.Activities {
			p.PrintActivity(&state.Activities[i])
		}
	}
}
