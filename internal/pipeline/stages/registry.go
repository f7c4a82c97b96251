// Package stages provides the static stage definitions and ordering checks
// for the content pipeline.
package stages

import (
	"fmt"

	"github.com/jonathan/content-pipeline/internal/llm"
)

// PromptFile is the prompts file holding every stage's templates.
const PromptFile = "stages.json"

// Stage identifiers, in pipeline order.
const (
	Research     = "research"
	StyleProfile = "style_profile"
	Outline      = "outline"
	Draft        = "draft"
	Optimize     = "optimize"
	Originality  = "originality"
	Polish       = "polish"
)

// RetrievalNeed asks the orchestrator to attach reference chunks to a stage's context
type RetrievalNeed struct {
	// QueryKey names the prompt template the search query is rendered from
	QueryKey string
	K        int
}

// Definition describes one stage: its prompts, model parameters and output contract
type Definition struct {
	ID           string
	Order        int
	Dependencies []string // stages whose stored results the prompts read

	SystemKey string
	UserKey   string

	Temperature     float32
	MaxOutputTokens int
	Tier            llm.ModelTier

	Fields    []llm.OutputField
	Retrieval *RetrievalNeed
	// Schema names an embedded output schema, empty for none
	Schema string
	// ContentField holds the stage's revised text, compared against the previous
	// revision for the activity diff
	ContentField string
}

// RequiredFields returns the output fields that must be present and non-null.
func (d Definition) RequiredFields() []string {
	var out []string
	for _, f := range d.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

func define(id string, order int, deps []string, temp float32, maxTokens int, tier llm.ModelTier) Definition {
	return Definition{
		ID:              id,
		Order:           order,
		Dependencies:    deps,
		SystemKey:       id + "-system",
		UserKey:         id + "-user",
		Temperature:     temp,
		MaxOutputTokens: maxTokens,
		Tier:            tier,
		Schema:          id,
	}
}

// Registry is an ordered, immutable set of stage definitions
type Registry struct {
	defs  []Definition
	index map[string]int
}

// NewRegistry builds a registry from definitions. Order is the 1-based position
// of a stage and every dependency must come earlier.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{index: make(map[string]int, len(defs))}
	for i, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("stage %d has no identifier", i)
		}
		if _, dup := r.index[d.ID]; dup {
			return nil, fmt.Errorf("duplicate stage %q", d.ID)
		}
		if d.Order != i+1 {
			return nil, fmt.Errorf("stage %q has order %d, expected %d", d.ID, d.Order, i+1)
		}
		for _, dep := range d.Dependencies {
			if _, ok := r.index[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on %q, which is not an earlier stage", d.ID, dep)
			}
		}
		r.index[d.ID] = i
		r.defs = append(r.defs, d)
	}
	return r, nil
}

// MustNewRegistry is NewRegistry for static definitions.
func MustNewRegistry(defs ...Definition) *Registry {
	r, err := NewRegistry(defs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Default returns the seven-stage content pipeline.
func Default() *Registry {
	research := define(Research, 1, nil, 0.3, 4096, llm.TierStandard)
	research.Retrieval = &RetrievalNeed{QueryKey: "research-query", K: 8}
	research.Fields = []llm.OutputField{
		{Name: "facts", Type: `[{"fact": "string", "source": "string"}]`, Description: "verifiable facts", Required: true},
		{Name: "questions", Type: `["string"]`, Description: "questions readers will ask", Required: true},
		{Name: "angles", Type: `["string"]`},
		{Name: "sources", Type: `["string"]`, Description: "document names or URLs used"},
	}

	style := define(StyleProfile, 2, nil, 0.4, 2048, llm.TierStandard)
	style.Retrieval = &RetrievalNeed{QueryKey: "style_profile-query", K: 4}
	style.Fields = []llm.OutputField{
		{Name: "tone", Required: true},
		{Name: "guidelines", Type: `["string"]`, Required: true},
		{Name: "preferred_terms", Type: `["string"]`},
		{Name: "avoid_terms", Type: `["string"]`},
		{Name: "formatting"},
	}

	outline := define(Outline, 3, []string{Research, StyleProfile}, 0.5, 4096, llm.TierStandard)
	outline.Fields = []llm.OutputField{
		{Name: "title", Required: true},
		{Name: "angle", Description: "one sentence"},
		{Name: "sections", Type: `[{"heading": "string", "key_points": ["string"], "target_words": 0}]`, Required: true},
	}

	draft := define(Draft, 4, []string{Research, StyleProfile, Outline}, 0.7, 8192, llm.TierAdvanced)
	draft.Retrieval = &RetrievalNeed{QueryKey: "draft-query", K: 5}
	draft.ContentField = "body"
	draft.Fields = []llm.OutputField{
		{Name: "title", Required: true},
		{Name: "body", Description: "Markdown", Required: true},
	}

	optimize := define(Optimize, 5, []string{StyleProfile, Draft}, 0.4, 8192, llm.TierAdvanced)
	optimize.ContentField = "body"
	optimize.Fields = []llm.OutputField{
		{Name: "body", Description: "Markdown", Required: true},
		{Name: "meta_description", Description: "under 160 characters", Required: true},
		{Name: "keywords", Type: `["string"]`},
		{Name: "changes", Type: `[{"before": "string", "after": "string", "reason": "string", "location": "string"}]`},
	}

	originality := define(Originality, 6, []string{Optimize}, 0.3, 8192, llm.TierAdvanced)
	originality.Retrieval = &RetrievalNeed{QueryKey: "originality-query", K: 5}
	originality.ContentField = "body"
	originality.Fields = []llm.OutputField{
		{Name: "score", Type: "0.0", Description: "0 to 1", Required: true},
		{Name: "flagged", Type: `[{"passage": "string", "suggestion": "string", "reason": "string"}]`},
		{Name: "body", Description: "Markdown with rewrites applied", Required: true},
	}

	polish := define(Polish, 7, []string{StyleProfile, Originality}, 0.2, 8192, llm.TierLite)
	polish.ContentField = "body"
	polish.Fields = []llm.OutputField{
		{Name: "title", Required: true},
		{Name: "body", Description: "Markdown", Required: true},
		{Name: "summary", Required: true},
		{Name: "word_count", Type: "0"},
	}

	return MustNewRegistry(research, style, outline, draft, optimize, originality, polish)
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (Definition, bool) {
	i, ok := r.index[id]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i], true
}

// Order returns the stage identifiers in order.
func (r *Registry) Order() []string {
	ids := make([]string, len(r.defs))
	for i, d := range r.defs {
		ids[i] = d.ID
	}
	return ids
}

// Len returns the number of stages.
func (r *Registry) Len() int { return len(r.defs) }

// DependencyError represents a dependency validation error
type DependencyError struct {
	Stage               string
	MissingDependencies []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("stage %s: missing dependencies: %v", e.Stage, e.MissingDependencies)
}

// ValidateDependencies checks that every dependency of id is among the completed stages.
func (r *Registry) ValidateDependencies(id string, completed []string) error {
	def, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("unknown stage: %s", id)
	}

	done := make(map[string]bool, len(completed))
	for _, c := range completed {
		done[c] = true
	}
	var missing []string
	for _, dep := range def.Dependencies {
		if !done[dep] {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &DependencyError{Stage: id, MissingDependencies: missing}
	}
	return nil
}
