package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/content-pipeline/internal/retrieval"
	"github.com/jonathan/content-pipeline/internal/types"
)

// ChunkStore keeps reference chunks in PostgreSQL. Similarity is computed by the
// retrieval scorer; the store only applies the scope filters.
type ChunkStore struct {
	db *DB
}

// Chunks returns the chunk store backed by db.
func (db *DB) Chunks() *ChunkStore {
	return &ChunkStore{db: db}
}

var _ retrieval.ChunkStore = (*ChunkStore)(nil)

// Store inserts chunks in one batch. A chunk with an existing (document, index)
// replaces it.
func (s *ChunkStore) Store(ctx context.Context, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range chunks {
		c := &chunks[i]
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		projects := c.ProjectNames
		if projects == nil {
			projects = []string{}
		}
		batch.Queue(
			`INSERT INTO retrieval_chunks (id, document_id, document_name, project_names, campaign_id,
			                               chunk_index, text, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (document_id, chunk_index) DO UPDATE SET
			     id = EXCLUDED.id, document_name = EXCLUDED.document_name,
			     project_names = EXCLUDED.project_names, campaign_id = EXCLUDED.campaign_id,
			     text = EXCLUDED.text, embedding = EXCLUDED.embedding, created_at = NOW()`,
			c.ID, c.DocumentID, c.DocumentName, projects, c.CampaignID, c.ChunkIndex, c.Text, c.Embedding,
		)
	}

	results := s.db.pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to store chunk %d of %s: %w", chunks[i].ChunkIndex, chunks[i].DocumentID, err)
		}
	}
	return nil
}

// List returns the chunks matching scope in insertion order.
func (s *ChunkStore) List(ctx context.Context, scope retrieval.Scope) ([]types.Chunk, error) {
	query := `SELECT id, document_id, document_name, project_names, campaign_id, chunk_index,
	                 text, embedding, created_at
	          FROM retrieval_chunks WHERE 1=1`
	args := []any{}
	argNum := 1

	if scope.CampaignID != "" {
		query += fmt.Sprintf(" AND campaign_id = $%d", argNum)
		args = append(args, scope.CampaignID)
		argNum++
	}
	if len(scope.ProjectNames) > 0 {
		query += fmt.Sprintf(" AND project_names && $%d", argNum)
		args = append(args, scope.ProjectNames)
		argNum++
	}
	if len(scope.DocumentIDs) > 0 {
		query += fmt.Sprintf(" AND document_id = ANY($%d)", argNum)
		args = append(args, scope.DocumentIDs)
	}
	query += " ORDER BY created_at, document_id, chunk_index"

	rows, err := s.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var out []types.Chunk
	for rows.Next() {
		var c types.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.DocumentName, &c.ProjectNames, &c.CampaignID,
			&c.ChunkIndex, &c.Text, &c.Embedding, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteByDocument removes every chunk of a document and returns how many there were.
func (s *ChunkStore) DeleteByDocument(ctx context.Context, documentID string) (int, error) {
	tag, err := s.db.pool.Exec(ctx, `DELETE FROM retrieval_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks of %s: %w", documentID, err)
	}
	return int(tag.RowsAffected()), nil
}
