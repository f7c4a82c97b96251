// Package ingestion turns reference documents into embedded, scoped chunks.
package ingestion

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jonathan/content-pipeline/internal/fetch"
)

var (
	spaceRuns  = regexp.MustCompile(`[ \t]+`)
	listMarker = regexp.MustCompile(`^([-*+]|\d+[.)])\s+`)
	// invisible covers zero-width characters and the byte order mark.
	invisible = strings.NewReplacer("\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "")
	// wideSpace maps the no-break and typographic spaces to a plain space.
	wideSpace = strings.NewReplacer("\u00a0", " ", "\u2007", " ", "\u202f", " ", "\u3000", " ")
)

// CleanText normalizes line endings and whitespace while keeping Markdown
// structure. Fenced code blocks only lose trailing whitespace, and runs of blank
// lines become one.
func CleanText(content string) string {
	content = strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(content)
	content = wideSpace.Replace(invisible.Replace(content))

	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	inFence := false
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		trimmed := strings.TrimLeft(line, " \t")

		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			out = append(out, trimmed)
			blank = false
			continue
		}
		if inFence {
			out = append(out, line)
			continue
		}

		if trimmed == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, cleanLine(line, trimmed))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// cleanLine collapses inner whitespace. Headings lose their indentation; list
// items and indented text keep it with tabs expanded to two spaces.
func cleanLine(line, trimmed string) string {
	body := spaceRuns.ReplaceAllString(trimmed, " ")
	if strings.HasPrefix(trimmed, "#") {
		return body
	}
	indent := strings.ReplaceAll(line[:len(line)-len(trimmed)], "\t", "  ")
	if listMarker.MatchString(trimmed) || indent != "" {
		return indent + body
	}
	return body
}

// ReadFile reads a local document and returns its cleaned text with metadata.
// HTML files are reduced to their main text first.
func ReadFile(path string) (string, *Metadata, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, fmt.Errorf("file not found: %w", err)
		}
		return "", nil, fmt.Errorf("failed to read file: %w", err)
	}

	text := string(content)
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		page, err := fetch.Parse(text)
		if err != nil {
			return "", nil, fmt.Errorf("failed to extract %s: %w", path, err)
		}
		text = page.Text
		if page.Title != "" {
			title = page.Title
		}
	}

	cleaned := CleanText(text)
	meta := NewMetadata(cleaned, "")
	meta.Path = path
	meta.Title = title
	return cleaned, meta, nil
}

// WriteOutput writes <name>.cleaned.txt and <name>.meta.json into outDir.
func WriteOutput(outDir, name, cleanedText string, metadata *Metadata) error {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, name+".cleaned.txt"), []byte(cleanedText), 0644); err != nil {
		return fmt.Errorf("failed to write cleaned text file: %w", err)
	}
	metaJSON, err := metadata.ToJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, name+".meta.json"), metaJSON, 0644); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	return nil
}
