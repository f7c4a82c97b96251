// Package stylecheck runs cheap heuristic checks over revised content: terms the
// style profile says to avoid, length against the requested target, and overly
// long sentences.
package stylecheck

import (
	"math"
	"regexp"
	"strings"
)

const (
	// lengthTolerance is the accepted deviation from the target word count
	lengthTolerance = 0.15
	// longSentenceWords marks a sentence as hard to read
	longSentenceWords = 35
)

var (
	sentenceEnd  = regexp.MustCompile(`[.!?]+(\s+|$)`)
	markdownMark = regexp.MustCompile(`(?m)^\s*(#{1,6}|[-*+]|\d+\.)\s+`)
	numberRe     = regexp.MustCompile(`\d`)
)

// Result holds the outcome of Check
type Result struct {
	AvoidedTermsFound []string
	WordCount         int
	TargetWords       int
	OnTarget          bool
	LongSentences     int
	Quantified        bool
}

// Clean reports whether no avoided term was found.
func (r Result) Clean() bool { return len(r.AvoidedTermsFound) == 0 }

// Check inspects text. avoid may be empty; targetWords <= 0 disables the length check.
func Check(text string, avoid []string, targetWords int) Result {
	words := CountWords(text)
	r := Result{
		AvoidedTermsFound: FindTerms(text, avoid),
		WordCount:         words,
		TargetWords:       targetWords,
		OnTarget:          true,
		LongSentences:     countLongSentences(text),
		Quantified:        numberRe.MatchString(text) || strings.Contains(text, "%"),
	}
	if targetWords > 0 {
		r.OnTarget = WithinTarget(words, targetWords)
	}
	return r
}

// WithinTarget reports whether words is within tolerance of a positive target.
func WithinTarget(words, target int) bool {
	return math.Abs(float64(words-target)) <= lengthTolerance*float64(target)
}

// FindTerms returns the terms occurring in text, case-insensitively, in the
// order given and without duplicates. It returns nil when none occur.
func FindTerms(text string, terms []string) []string {
	if len(terms) == 0 {
		return nil
	}
	lower := strings.ToLower(text)

	var found []string
	seen := make(map[string]bool)
	for _, term := range terms {
		norm := strings.ToLower(strings.TrimSpace(term))
		if norm == "" || seen[norm] {
			continue
		}
		if strings.Contains(lower, norm) {
			found = append(found, strings.TrimSpace(term))
			seen[norm] = true
		}
	}
	return found
}

// CountWords counts whitespace-separated words, ignoring markdown heading and
// list markers.
func CountWords(text string) int {
	return len(strings.Fields(markdownMark.ReplaceAllString(text, "")))
}

func countLongSentences(text string) int {
	count := 0
	for _, s := range sentenceEnd.Split(markdownMark.ReplaceAllString(text, ""), -1) {
		if len(strings.Fields(s)) > longSentenceWords {
			count++
		}
	}
	return count
}

// Terms converts a decoded JSON list into strings, skipping non-string items.
func Terms(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if s, ok := v.([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
