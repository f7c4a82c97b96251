// Package discovery finds candidate reference documents for a topic through web
// search, so they can be ingested for retrieval.
package discovery

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"
)

// Hit is one search result.
type Hit struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
}

// Searcher runs a web search query and returns at most n hits.
type Searcher interface {
	Search(ctx context.Context, query string, n int) ([]Hit, error)
}

// maxPerQuery is the Custom Search API page size limit.
const maxPerQuery = 10

// CustomSearch is a Searcher backed by the Google Custom Search JSON API.
type CustomSearch struct {
	svc *customsearch.Service
	cx  string
}

// NewCustomSearch creates a client for the search engine cx. Extra client
// options (endpoint, HTTP client) are appended after the API key.
func NewCustomSearch(ctx context.Context, apiKey, cx string, opts ...option.ClientOption) (*CustomSearch, error) {
	if cx == "" {
		return nil, errors.New("search engine id is required")
	}
	svc, err := customsearch.NewService(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create customsearch service: %w", err)
	}
	return &CustomSearch{svc: svc, cx: cx}, nil
}

// Search implements Searcher.
func (c *CustomSearch) Search(ctx context.Context, query string, n int) ([]Hit, error) {
	if n <= 0 || n > maxPerQuery {
		n = maxPerQuery
	}
	resp, err := c.svc.Cse.List().Cx(c.cx).Q(query).Num(int64(n)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("search %q failed: %w", query, err)
	}

	hits := make([]Hit, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Link == "" {
			continue
		}
		hits = append(hits, Hit{URL: item.Link, Title: item.Title, Snippet: item.Snippet})
	}
	return hits, nil
}
