package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Request describes what to look for.
type Request struct {
	Topic string
	// Sites restricts results to these domains (and their subdomains).
	Sites []string
	// Queries replaces the generated queries when set.
	Queries []string
	// Limit caps the number of returned candidates; zero means 5.
	Limit int
}

// Candidate is a ranked URL worth ingesting.
type Candidate struct {
	URL      string  `json:"url"`
	Title    string  `json:"title"`
	Priority float64 `json:"priority"`
	Query    string  `json:"query"`
}

// ErrNoResults is returned when no query produced a usable URL.
var ErrNoResults = errors.New("no usable search results")

// Queries builds the search queries for a topic: the topic alone, two
// reference-style variants, and one site-restricted query per site.
func Queries(req Request) []string {
	if len(req.Queries) > 0 {
		return req.Queries
	}
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return nil
	}
	if len(req.Sites) > 0 {
		out := make([]string, 0, len(req.Sites))
		for _, site := range req.Sites {
			out = append(out, fmt.Sprintf("site:%s %s", domainOf(site), topic))
		}
		return out
	}
	return []string{
		topic,
		fmt.Sprintf("%s guide", topic),
		fmt.Sprintf("%s best practices", topic),
	}
}

// Discover runs the queries, drops duplicates and low-value pages, and returns
// candidates by descending priority. A failing query is logged and skipped; an
// error is returned only when every query failed.
func Discover(ctx context.Context, searcher Searcher, req Request, logger *zap.Logger) ([]Candidate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	queries := Queries(req)
	if len(queries) == 0 {
		return nil, errors.New("discovery needs a topic or explicit queries")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 5
	}

	seen := map[string]bool{}
	var candidates []Candidate
	var failures []error
	for _, q := range queries {
		hits, err := searcher.Search(ctx, q, maxPerQuery)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("search query failed", zap.String("query", q), zap.Error(err))
			failures = append(failures, err)
			continue
		}
		for _, hit := range hits {
			key := normalize(hit.URL)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			if IsLowValue(hit.URL) || (len(req.Sites) > 0 && !FromDomains(hit.URL, req.Sites)) {
				logger.Debug("skipping search result", zap.String("url", hit.URL))
				continue
			}
			candidates = append(candidates, Candidate{
				URL:      hit.URL,
				Title:    hit.Title,
				Priority: PathPriority(hit.URL),
				Query:    q,
			})
		}
	}

	if len(failures) == len(queries) {
		return nil, fmt.Errorf("all %d search queries failed: %w", len(queries), errors.Join(failures...))
	}
	if len(candidates) == 0 {
		return nil, ErrNoResults
	}

	// Stable so equal priorities keep search order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// PathPriority scores a URL by what its path suggests about the page.
func PathPriority(rawURL string) float64 {
	lower := strings.ToLower(rawURL)

	for _, p := range []string{"/docs/", "/guide", "/handbook", "/whitepaper", "/style-guide", "/brand"} {
		if strings.Contains(lower, p) {
			return 0.95
		}
	}
	for _, p := range []string{"/blog/", "/articles/", "/learn/", "/resources/", "/case-stud", "/about"} {
		if strings.Contains(lower, p) {
			return 0.85
		}
	}
	for _, p := range []string{"/news/", "/press", "/announcements"} {
		if strings.Contains(lower, p) {
			return 0.7
		}
	}
	for _, p := range []string{"/tag/", "/category/", "/search", "/login", "/signup", "/cart", "/pricing"} {
		if strings.Contains(lower, p) {
			return 0.1
		}
	}
	return 0.5
}

// lowValueDomains are aggregators and social sites whose pages rarely carry
// reusable reference text.
var lowValueDomains = []string{
	"facebook.com",
	"instagram.com",
	"linkedin.com",
	"pinterest.com",
	"reddit.com",
	"tiktok.com",
	"twitter.com",
	"x.com",
	"youtube.com",
}

// IsLowValue reports whether a URL is on a social or aggregator domain, or is
// not a web page at all.
func IsLowValue(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return true
	}
	if strings.HasSuffix(strings.ToLower(u.Path), ".pdf") {
		return true
	}
	return FromDomains(rawURL, lowValueDomains)
}

// FromDomains reports whether the URL's host is one of domains or a subdomain of one.
func FromDomains(rawURL string, domains []string) bool {
	host := domainOf(rawURL)
	if host == "" {
		return false
	}
	for _, d := range domains {
		d = domainOf(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// domainOf returns the lower-cased host without a leading www.
func domainOf(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// normalize keys a URL for de-duplication: scheme, www, fragment and trailing
// slash are ignored.
func normalize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return domainOf(raw) + strings.TrimSuffix(u.EscapedPath(), "/") + queryPart(u)
}

func queryPart(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	return "?" + u.RawQuery
}
