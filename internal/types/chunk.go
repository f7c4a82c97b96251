package types

import (
	"time"

	"github.com/google/uuid"
)

// Chunk is a stored unit of reference text with its embedding and scope metadata.
// Chunks are immutable and are only removed together with their document.
type Chunk struct {
	ID           uuid.UUID `json:"id"`
	DocumentID   string    `json:"document_id"`
	DocumentName string    `json:"document_name,omitempty"`
	ProjectNames []string  `json:"project_names,omitempty"`
	CampaignID   string    `json:"campaign_id,omitempty"`
	ChunkIndex   int       `json:"chunk_index"`
	Text         string    `json:"text"`
	Embedding    []float32 `json:"embedding,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
