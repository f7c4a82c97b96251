// Package fetch retrieves reference documents over HTTP and reduces HTML to
// Markdown-like text that keeps headings and list items.
package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds one HTTP request.
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent identifies the fetcher to servers.
	DefaultUserAgent = "Mozilla/5.0 (compatible; ContentPipeline/1.0)"
	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes = 10 << 20
)

// Result is a fetched page.
type Result struct {
	URL         string
	HTML        string
	Text        string
	Title       string
	ContentType string
	StatusCode  int
	Rendered    bool
}

// Error reports a failed fetch.
type Error struct {
	URL     string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fetch error for %s: %s: %v", e.URL, e.Message, e.Cause)
	}
	return fmt.Sprintf("fetch error for %s: %s", e.URL, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Options configures a Client.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
	// Noise lists extra CSS selectors stripped before extraction.
	Noise []string
	// Browser enables headless rendering for pages with little static text.
	Browser *BrowserOptions
	// HTTPClient replaces the default client, mainly in tests.
	HTTPClient *http.Client
}

// DefaultOptions returns a 30s timeout and no browser fallback.
func DefaultOptions() *Options {
	return &Options{
		Timeout:   DefaultTimeout,
		UserAgent: DefaultUserAgent,
	}
}

// Client fetches documents with a shared HTTP client.
type Client struct {
	http   *http.Client
	opts   Options
	logger *zap.Logger
}

// New builds a client. A nil opts uses DefaultOptions.
func New(opts *Options, logger *zap.Logger) *Client {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: o.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{http: hc, opts: o, logger: logger}
}

// Get retrieves the raw body of an http or https URL. A non-2xx status returns
// the partial result together with an *Error.
func (c *Client) Get(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &Error{URL: rawURL, Message: "invalid URL", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{URL: rawURL, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{URL: rawURL, Message: "HTTP request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, &Error{URL: rawURL, Message: "failed to read response body", Cause: err}
	}

	result := &Result{
		URL:         rawURL,
		HTML:        string(body),
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, &Error{URL: rawURL, Message: fmt.Sprintf("HTTP status %d", resp.StatusCode)}
	}
	return result, nil
}

// Document fetches rawURL and fills Text and Title. Plain text and Markdown
// bodies are used as they are; HTML is reduced to its main content, rendered in
// a headless browser first when the static text is too short and a browser is
// configured.
func (c *Client) Document(ctx context.Context, rawURL string) (*Result, error) {
	result, err := c.Get(ctx, rawURL)
	if err != nil {
		return result, err
	}

	if isPlainText(result.ContentType) {
		result.Text = result.HTML
		result.HTML = ""
		result.Title = firstHeading(result.Text)
		return result, nil
	}

	page, err := Parse(result.HTML, c.opts.Noise...)
	if err != nil {
		return result, &Error{URL: rawURL, Message: "content extraction failed", Cause: err}
	}
	result.Text = page.Text
	result.Title = page.Title

	if c.opts.Browser == nil || !ShouldUseBrowser(page.Text) {
		return result, nil
	}
	rendered, err := WithBrowser(ctx, rawURL, c.opts.Browser)
	if err != nil {
		c.logger.Warn("browser rendering failed; keeping static text", zap.String("url", rawURL), zap.Error(err))
		return result, nil
	}
	if rp, err := Parse(rendered, c.opts.Noise...); err == nil && len(rp.Text) > len(page.Text) {
		result.HTML = rendered
		result.Text = rp.Text
		result.Rendered = true
		if rp.Title != "" {
			result.Title = rp.Title
		}
	}
	return result, nil
}

func isPlainText(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/plain" || mt == "text/markdown" || mt == "text/x-markdown"
}

func firstHeading(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return ""
}
