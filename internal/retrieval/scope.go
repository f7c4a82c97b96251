// Package retrieval ranks stored reference chunks against a query.
package retrieval

import (
	"context"
	"slices"

	"github.com/jonathan/content-pipeline/internal/types"
)

// Scope narrows the candidate chunks before ranking. Empty fields do not filter;
// set fields are combined with AND.
type Scope struct {
	CampaignID   string   `json:"campaign_id,omitempty"`
	ProjectNames []string `json:"project_names,omitempty"`
	DocumentIDs  []string `json:"document_ids,omitempty"`
}

// ScopeFromInput builds the retrieval scope of a pipeline input
func ScopeFromInput(in types.PipelineInput) Scope {
	return Scope{
		CampaignID:   in.CampaignID,
		ProjectNames: in.ProjectNames,
		DocumentIDs:  in.DocumentIDs,
	}
}

// Matches reports whether c passes every filter of s: campaign first, then
// project membership, then the document id set.
func (s Scope) Matches(c types.Chunk) bool {
	if s.CampaignID != "" && c.CampaignID != s.CampaignID {
		return false
	}
	if len(s.ProjectNames) > 0 && !slices.ContainsFunc(c.ProjectNames, func(p string) bool {
		return slices.Contains(s.ProjectNames, p)
	}) {
		return false
	}
	if len(s.DocumentIDs) > 0 && !slices.Contains(s.DocumentIDs, c.DocumentID) {
		return false
	}
	return true
}

// ChunkStore persists reference chunks. List returns chunks in insertion order.
type ChunkStore interface {
	Store(ctx context.Context, chunks []types.Chunk) error
	List(ctx context.Context, scope Scope) ([]types.Chunk, error)
	DeleteByDocument(ctx context.Context, documentID string) (int, error)
}
