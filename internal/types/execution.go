// Package types provides the records shared by the pipeline, its stores and its HTTP surface.
//
//nolint:revive // types is a standard Go package name pattern
package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Mode selects whether a run advances on its own or pauses for review after each stage
type Mode string

const (
	ModeAutomatic Mode = "automatic"
	ModeManual    Mode = "manual"
)

// ExecutionStatus is the overall status of a pipeline execution
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// StageStatus is the status of a single stage result
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// PipelineInput holds the parameters a content request starts with.
// The scope fields narrow which reference chunks retrieval may use.
type PipelineInput struct {
	Topic       string `json:"topic" validate:"required,min=1"`
	ContentType string `json:"content_type,omitempty"`
	Audience    string `json:"audience,omitempty"`
	Goal        string `json:"goal,omitempty"`
	BrandVoice  string `json:"brand_voice,omitempty"`
	Language    string `json:"language,omitempty"`
	TargetWords int    `json:"target_words,omitempty" validate:"gte=0,lte=20000"`

	ProjectNames []string `json:"project_names,omitempty"`
	CampaignID   string   `json:"campaign_id,omitempty"`
	DocumentIDs  []string `json:"document_ids,omitempty"`
}

// Validate validates the PipelineInput using the validator.
func (in *PipelineInput) Validate() error {
	validate := validator.New()
	return validate.Struct(in)
}

// WithDefaults fills the optional descriptive fields that prompts always reference.
func (in PipelineInput) WithDefaults() PipelineInput {
	if in.ContentType == "" {
		in.ContentType = "blog_post"
	}
	if in.Audience == "" {
		in.Audience = "general readers"
	}
	if in.Language == "" {
		in.Language = "en"
	}
	if in.TargetWords == 0 {
		in.TargetWords = 1200
	}
	return in
}

// Context returns the input parameters as prompt context values.
func (in PipelineInput) Context() map[string]any {
	return map[string]any{
		"topic":        in.Topic,
		"content_type": in.ContentType,
		"audience":     in.Audience,
		"goal":         in.Goal,
		"brand_voice":  in.BrandVoice,
		"language":     in.Language,
		"target_words": in.TargetWords,
	}
}

// Metrics aggregates cost and timing across all stages of an execution
type Metrics struct {
	DurationMs   int64   `json:"duration_ms"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	LLMCalls     int     `json:"llm_calls"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add accumulates another set of metrics into m
func (m *Metrics) Add(other Metrics) {
	m.DurationMs += other.DurationMs
	m.InputTokens += other.InputTokens
	m.OutputTokens += other.OutputTokens
	m.TotalTokens += other.TotalTokens
	m.LLMCalls += other.LLMCalls
	m.CostUSD += other.CostUSD
}

// Execution is one end-to-end run of the stage sequence for one content request
type Execution struct {
	ID           uuid.UUID       `json:"id"`
	Input        PipelineInput   `json:"input"`
	Mode         Mode            `json:"mode"`
	CurrentStage string          `json:"current_stage,omitempty"`
	Status       ExecutionStatus `json:"status"`
	Metrics      Metrics         `json:"metrics"`
	FinalResult  map[string]any  `json:"final_result,omitempty"`
	ErrorStage   *string         `json:"error_stage,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the execution has reached completed or failed
func (e *Execution) IsTerminal() bool {
	return e.Status == ExecutionCompleted || e.Status == ExecutionFailed
}

// StageResult is the persisted outcome of one stage of one execution, including the raw audit trail
type StageResult struct {
	ID               uuid.UUID      `json:"id"`
	ExecutionID      uuid.UUID      `json:"execution_id"`
	Stage            string         `json:"stage"`
	StageOrder       int            `json:"stage_order"`
	Status           StageStatus    `json:"status"`
	Result           map[string]any `json:"result,omitempty"`
	SystemPrompt     string         `json:"system_prompt,omitempty"`
	UserPrompt       string         `json:"user_prompt,omitempty"`
	RawResponse      string         `json:"raw_response,omitempty"`
	Model            string         `json:"model,omitempty"`
	Temperature      float32        `json:"temperature"`
	InputTokens      int            `json:"input_tokens"`
	OutputTokens     int            `json:"output_tokens"`
	DurationMs       int64          `json:"duration_ms"`
	RetryCount       int            `json:"retry_count"`
	RepairStrategies []string       `json:"repair_strategies,omitempty"`
	ErrorKind        *string        `json:"error_kind,omitempty"`
	ErrorMessage     *string        `json:"error_message,omitempty"`
	Diagnostics      map[string]any `json:"diagnostics,omitempty"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
