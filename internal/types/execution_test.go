//nolint:revive // types is a standard Go package name pattern
package types

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineInput_Validate(t *testing.T) {
	tests := []struct {
		name    string
		input   PipelineInput
		wantErr bool
		errMsg  string
	}{
		{
			name:  "topic only",
			input: PipelineInput{Topic: "Cold brew at home"},
		},
		{
			name: "full input with scope",
			input: PipelineInput{
				Topic:        "Cold brew at home",
				ContentType:  "blog_post",
				Audience:     "home baristas",
				TargetWords:  900,
				ProjectNames: []string{"coffee"},
				CampaignID:   "spring",
				DocumentIDs:  []string{"doc-1"},
			},
		},
		{
			name:    "missing topic",
			input:   PipelineInput{Audience: "anyone"},
			wantErr: true,
			errMsg:  "required",
		},
		{
			name:    "negative target words",
			input:   PipelineInput{Topic: "x", TargetWords: -5},
			wantErr: true,
			errMsg:  "gte",
		},
		{
			name:    "target words too large",
			input:   PipelineInput{Topic: "x", TargetWords: 50000},
			wantErr: true,
			errMsg:  "lte",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPipelineInput_WithDefaults(t *testing.T) {
	in := PipelineInput{Topic: "x", Audience: "devs"}.WithDefaults()

	assert.Equal(t, "blog_post", in.ContentType)
	assert.Equal(t, "devs", in.Audience)
	assert.Equal(t, "en", in.Language)
	assert.Equal(t, 1200, in.TargetWords)
}

func TestPipelineInput_Context(t *testing.T) {
	ctx := PipelineInput{Topic: "x", TargetWords: 500, CampaignID: "c1"}.Context()

	assert.Equal(t, "x", ctx["topic"])
	assert.Equal(t, 500, ctx["target_words"])
	_, hasScope := ctx["campaign_id"]
	assert.False(t, hasScope, "scope fields are not prompt context")
}

func TestMetrics_Add(t *testing.T) {
	m := Metrics{DurationMs: 10, InputTokens: 1, LLMCalls: 1}
	m.Add(Metrics{DurationMs: 5, InputTokens: 2, OutputTokens: 3, TotalTokens: 5, LLMCalls: 2, CostUSD: 0.5})

	assert.Equal(t, Metrics{DurationMs: 15, InputTokens: 3, OutputTokens: 3, TotalTokens: 5, LLMCalls: 3, CostUSD: 0.5}, m)
}

func TestExecution_IsTerminal(t *testing.T) {
	for status, want := range map[ExecutionStatus]bool{
		ExecutionPending:   false,
		ExecutionRunning:   false,
		ExecutionCompleted: true,
		ExecutionFailed:    true,
	} {
		e := Execution{ID: uuid.New(), Status: status, CreatedAt: time.Now()}
		assert.Equal(t, want, e.IsTerminal(), string(status))
	}
}
