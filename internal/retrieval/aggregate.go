package retrieval

// DocumentScore summarizes how strongly one source document matched.
type DocumentScore struct {
	DocumentID        string  `json:"document_id"`
	DocumentName      string  `json:"document_name,omitempty"`
	ChunkCount        int     `json:"chunk_count"`
	AverageSimilarity float64 `json:"average_similarity"`
	MaxSimilarity     float64 `json:"max_similarity"`
}

// DocumentInfluence reports which documents a set of results came from.
type DocumentInfluence struct {
	Documents         []DocumentScore `json:"documents"`
	TotalChunks       int             `json:"total_chunks"`
	OverallSimilarity float64         `json:"overall_similarity"`
}

// AggregateByDocument groups results by owning document, in order of first
// appearance. The overall similarity weights each document average by its chunk count.
func AggregateByDocument(results []ScoredChunk) DocumentInfluence {
	index := make(map[string]int)
	var docs []DocumentScore
	sums := make([]float64, 0)

	for _, r := range results {
		i, ok := index[r.Chunk.DocumentID]
		if !ok {
			i = len(docs)
			index[r.Chunk.DocumentID] = i
			docs = append(docs, DocumentScore{
				DocumentID:    r.Chunk.DocumentID,
				DocumentName:  r.Chunk.DocumentName,
				MaxSimilarity: r.Similarity,
			})
			sums = append(sums, 0)
		}
		docs[i].ChunkCount++
		sums[i] += r.Similarity
		if r.Similarity > docs[i].MaxSimilarity {
			docs[i].MaxSimilarity = r.Similarity
		}
	}

	out := DocumentInfluence{Documents: docs}
	var weighted float64
	for i := range docs {
		docs[i].AverageSimilarity = sums[i] / float64(docs[i].ChunkCount)
		weighted += docs[i].AverageSimilarity * float64(docs[i].ChunkCount)
		out.TotalChunks += docs[i].ChunkCount
	}
	if out.TotalChunks > 0 {
		out.OverallSimilarity = weighted / float64(out.TotalChunks)
	}
	return out
}
