package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanJSONBlock(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "json fence", input: "```json\n{\"a\": 1}\n```", expected: `{"a": 1}`},
		{name: "bare fence", input: "```\n{\"a\": 1}\n```", expected: `{"a": 1}`},
		{name: "fence with language and spaces", input: "  ```JSON\n[1, 2]\n```  ", expected: `[1, 2]`},
		{name: "fence with object on first line", input: "```{\"a\": 1}```", expected: `{"a": 1}`},
		{name: "no fence", input: "  {\"a\": 1}  ", expected: `{"a": 1}`},
		{name: "unclosed fence", input: "```json\n{\"a\": 1}", expected: `{"a": 1}`},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanJSONBlock(tt.input))
		})
	}
}

func TestEstimateCost(t *testing.T) {
	assert.InDelta(t, 1.25+10.0, EstimateCost("gemini-2.5-pro", 1_000_000, 1_000_000), 1e-9)
	assert.Equal(t, 0.0, EstimateCost("mystery-model", 1000, 1000))
}

func TestBuildOutputContract(t *testing.T) {
	out := BuildOutputContract([]OutputField{
		{Name: "title", Required: true, Description: "Working title"},
		{Name: "sections", Type: `[{"heading": "string"}]`},
	})

	assert.Contains(t, out, `"title": "string" (required) // Working title,`)
	assert.Contains(t, out, `"sections": [{"heading": "string"}]`)
	assert.Contains(t, out, "Return ONLY valid JSON")
	assert.Equal(t, "", BuildOutputContract(nil))
}
