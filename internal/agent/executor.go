package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/content-pipeline/internal/llm"
	"github.com/jonathan/content-pipeline/internal/logging"
	"github.com/jonathan/content-pipeline/internal/pipeline/stages"
	"github.com/jonathan/content-pipeline/internal/prompts"
	"github.com/jonathan/content-pipeline/internal/repair"
	"github.com/jonathan/content-pipeline/internal/schemas"
)

// Diagnostics is the audit trail of one stage invocation.
type Diagnostics struct {
	SystemPrompt        string         `json:"system_prompt"`
	UserPrompt          string         `json:"user_prompt"`
	RawResponse         string         `json:"raw_response"`
	Model               string         `json:"model"`
	Temperature         float32        `json:"temperature"`
	InputTokens         int            `json:"input_tokens"`
	OutputTokens        int            `json:"output_tokens"`
	DurationMs          int64          `json:"duration_ms"`
	Attempts            int            `json:"attempts"`
	CostUSD             float64        `json:"cost_usd"`
	MissingPlaceholders []string       `json:"missing_placeholders,omitempty"`
	Repair              *repair.Report `json:"repair,omitempty"`
	// Malformed holds the repair failure detail when no strategy recovered the payload
	Malformed map[string]any `json:"malformed,omitempty"`
}

// Result is a validated stage payload plus its diagnostics.
type Result struct {
	Output      map[string]any
	Diagnostics Diagnostics
}

// Executor runs stages. It holds no per-execution state and does not persist anything.
type Executor struct {
	client llm.Client
	policy llm.RetryPolicy
	engine *repair.Engine
	logger *zap.Logger
}

// NewExecutor creates an executor. cfg supplies the generation retry policy.
func NewExecutor(client llm.Client, cfg *llm.Config, logger *zap.Logger) *Executor {
	if cfg == nil {
		cfg = llm.DefaultConfig()
	}
	logger = logging.OrNop(logger)
	return &Executor{
		client: client,
		policy: cfg.GenerationPolicy(),
		engine: repair.NewEngine(logger),
		logger: logger,
	}
}

// WithPolicy returns a copy of the executor using policy for generation calls.
func (e *Executor) WithPolicy(policy llm.RetryPolicy) *Executor {
	cp := *e
	cp.policy = policy
	return &cp
}

// Execute renders def's prompts from input, calls the model and returns the
// validated payload. On failure the returned Result is still non-nil when the
// model was reached, so callers can persist the raw prompt and response.
func (e *Executor) Execute(ctx context.Context, def stages.Definition, input map[string]any) (*Result, error) {
	logger := e.logger.With(zap.String(logging.FieldStage, def.ID))

	system, err := prompts.Get(stages.PromptFile, def.SystemKey)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", def.ID, err)
	}
	userTemplate, err := prompts.Get(stages.PromptFile, def.UserKey)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", def.ID, err)
	}

	user, missing := prompts.Render(userTemplate, input)
	if contract := llm.BuildOutputContract(def.Fields); contract != "" {
		user = strings.TrimRight(user, "\n") + "\n\n" + contract
	}
	if len(missing) > 0 {
		logger.Debug("prompt placeholders without a value", zap.Strings("keys", missing))
	}

	res := &Result{Diagnostics: Diagnostics{
		SystemPrompt:        system,
		UserPrompt:          user,
		Temperature:         def.Temperature,
		Model:               e.client.GetModel(def.Tier),
		MissingPlaceholders: missing,
	}}
	diag := &res.Diagnostics

	req := llm.Request{
		System:          system,
		Prompt:          user,
		Temperature:     def.Temperature,
		MaxOutputTokens: def.MaxOutputTokens,
		Tier:            def.Tier,
		JSON:            true,
	}

	start := time.Now()
	resp, attempts, err := llm.Do(ctx, e.policy, logger, func(ctx context.Context) (*llm.Response, error) {
		return e.client.Generate(ctx, req)
	})
	diag.DurationMs = time.Since(start).Milliseconds()
	diag.Attempts = attempts
	if err != nil {
		return res, fmt.Errorf("stage %s: generation failed: %w", def.ID, err)
	}

	diag.RawResponse = resp.Text
	diag.InputTokens = resp.InputTokens
	diag.OutputTokens = resp.OutputTokens
	if resp.Model != "" {
		diag.Model = resp.Model
	}
	diag.CostUSD = llm.EstimateCost(diag.Model, resp.InputTokens, resp.OutputTokens)

	if strings.TrimSpace(resp.Text) == "" {
		return res, &EmptyResponseError{Stage: def.ID, Model: diag.Model}
	}

	value, report, err := e.engine.RepairAndParse(resp.Text)
	diag.Repair = report
	if err != nil {
		var malformed *repair.MalformedResponseError
		if errors.As(err, &malformed) {
			diag.Malformed = malformed.Diagnostics()
		}
		return res, fmt.Errorf("stage %s: %w", def.ID, err)
	}

	output, err := validate(def, value)
	if err != nil {
		return res, err
	}
	res.Output = output

	logger.Info("stage output accepted",
		zap.String("model", diag.Model),
		zap.Int(logging.FieldAttempt, attempts),
		zap.String(logging.FieldStrategy, report.Strategy),
		zap.Int("input_tokens", diag.InputTokens),
		zap.Int("output_tokens", diag.OutputTokens),
		zap.Int64("duration_ms", diag.DurationMs))
	return res, nil
}

// validate checks the parsed value against the stage's required fields and schema.
func validate(def stages.Definition, value any) (map[string]any, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, &ValidationError{
			Stage:   def.ID,
			Message: fmt.Sprintf("expected a JSON object, got %s", kindOf(value)),
		}
	}

	var missing []string
	for _, field := range def.RequiredFields() {
		if v, ok := obj[field]; !ok || v == nil {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Stage: def.ID, Message: "required fields absent", Missing: missing}
	}

	if def.Schema != "" {
		if err := schemas.ValidateValue(def.Schema, obj); err != nil {
			var ve *schemas.ValidationError
			if errors.As(err, &ve) {
				return nil, &ValidationError{
					Stage:   def.ID,
					Message: "output does not match schema",
					Fields:  ve.Errors,
					Cause:   err,
				}
			}
			return nil, fmt.Errorf("stage %s: %w", def.ID, err)
		}
	}
	return obj, nil
}

func kindOf(v any) string {
	switch v.(type) {
	case []any:
		return "an array"
	case string:
		return "a string"
	case float64:
		return "a number"
	case bool:
		return "a boolean"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
