package ingestion

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata_ToJSONOmitsEmptySource(t *testing.T) {
	m := &Metadata{DocumentID: "brand-guide", Path: "docs/brand.md", Timestamp: "2024-01-01T00:00:00Z", Hash: "abcd1234", Chunks: 3}

	data, err := m.ToJSON()
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.NotContains(t, fields, "url")
	assert.Equal(t, "docs/brand.md", fields["path"])
	assert.EqualValues(t, 3, fields["chunks"])
}

func TestNewMetadata(t *testing.T) {
	const url = "https://example.com/blog/launch"

	m := NewMetadata("test content", url)

	assert.Equal(t, url, m.URL)
	_, err := time.Parse(time.RFC3339, m.Timestamp)
	assert.NoError(t, err)
	assert.Equal(t, computeHash("test content"), m.Hash)
	assert.Len(t, m.Hash, 64)

	assert.Equal(t, m.Hash, NewMetadata("test content", "").Hash, "hash ignores the source")
	assert.NotEqual(t, m.Hash, NewMetadata("different content", url).Hash)
}
