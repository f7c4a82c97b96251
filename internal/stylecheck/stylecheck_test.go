package stylecheck

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindTerms(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		terms []string
		want  []string
	}{
		{
			name:  "none found",
			text:  "Structured logs make incidents shorter.",
			terms: []string{"synergy", "leverage"},
			want:  nil,
		},
		{
			name:  "single term",
			text:  "We leverage structured logs.",
			terms: []string{"synergy", "leverage"},
			want:  []string{"leverage"},
		},
		{
			name:  "case insensitive keeps the given spelling",
			text:  "Unlock SYNERGY with logs",
			terms: []string{"Synergy"},
			want:  []string{"Synergy"},
		},
		{
			name:  "multi word term",
			text:  "It is a game changer for on-call.",
			terms: []string{"game changer"},
			want:  []string{"game changer"},
		},
		{
			name:  "duplicates and blanks skipped",
			text:  "synergy everywhere",
			terms: []string{"synergy", " SYNERGY ", "", "  "},
			want:  []string{"synergy"},
		},
		{
			name:  "no terms",
			text:  "anything",
			terms: nil,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FindTerms(tt.text, tt.terms))
		})
	}
}

func TestCountWords(t *testing.T) {
	assert.Equal(t, 0, CountWords(""))
	assert.Equal(t, 3, CountWords("one two three"))
	assert.Equal(t, 5, CountWords("# Title here\n\n- first item\n1. second"))
}

func TestCheck(t *testing.T) {
	long := strings.Repeat("word ", 40) + "end."
	text := "Logs cut our MTTR by 40%. " + long + " Short one."

	r := Check(text, []string{"mttr", "synergy"}, 0)

	assert.Equal(t, []string{"mttr"}, r.AvoidedTermsFound)
	assert.False(t, r.Clean())
	assert.Equal(t, 1, r.LongSentences)
	assert.True(t, r.Quantified)
	assert.True(t, r.OnTarget, "no target means on target")
}

func TestCheck_Length(t *testing.T) {
	text := strings.Repeat("word ", 100)

	assert.True(t, Check(text, nil, 110).OnTarget)
	assert.True(t, Check(text, nil, 90).OnTarget)
	assert.False(t, Check(text, nil, 200).OnTarget)
	assert.Equal(t, 100, Check(text, nil, 200).WordCount)
	assert.True(t, Check(text, nil, 200).Clean())
	assert.False(t, Check(text, nil, 200).Quantified)
}

func TestWithinTarget(t *testing.T) {
	assert.True(t, WithinTarget(851, 1000))
	assert.True(t, WithinTarget(1149, 1000))
	assert.False(t, WithinTarget(849, 1000))
	assert.False(t, WithinTarget(1151, 1000))
}

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Terms([]any{"a", 3, "b", nil}))
	assert.Equal(t, []string{"x"}, Terms([]string{"x"}))
	assert.Nil(t, Terms(nil))
	assert.Nil(t, Terms("not a list"))
}
