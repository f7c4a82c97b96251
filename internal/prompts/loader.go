// Package prompts provides a loader for externalized LLM prompt templates.
// Prompts are stored as JSON files and embedded at compile time; a directory of
// same-named files can override them at runtime.
package prompts

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

//go:embed *.json
var promptFiles embed.FS

// cache stores parsed prompt files to avoid repeated JSON parsing
var (
	cache       = make(map[string]map[string]string)
	overrideDir string
	cacheMu     sync.RWMutex
)

// Get retrieves a prompt by filename and key.
// The filename should not include the path (e.g., "stages.json").
func Get(filename, key string) (string, error) {
	prompts, err := loadFile(filename)
	if err != nil {
		return "", err
	}

	prompt, exists := prompts[key]
	if !exists {
		return "", fmt.Errorf("prompt key %q not found in %s", key, filename)
	}

	return prompt, nil
}

var placeholder = regexp.MustCompile(`\{\{\s*\.([A-Za-z0-9_]+)\s*\}\}`)

// Format replaces {{.key}} placeholders with values from data. Strings are inserted
// as-is, numbers and booleans in their plain form, and anything structured as
// indented JSON. Placeholders without a value are left in place.
func Format(template string, data map[string]any) string {
	out, _ := render(template, data, false)
	return out
}

// Render is Format for stage prompts: placeholders without a value become empty
// and their names are returned so the caller can report them.
func Render(template string, data map[string]any) (string, []string) {
	return render(template, data, true)
}

func render(template string, data map[string]any, blankMissing bool) (string, []string) {
	var missing []string
	seen := make(map[string]bool)

	out := placeholder.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		value, ok := data[key]
		if !ok || value == nil {
			if !seen[key] {
				seen[key] = true
				missing = append(missing, key)
			}
			if blankMissing {
				return ""
			}
			return m
		}
		return Stringify(value)
	})
	return out, missing
}

// Stringify renders a context value for inclusion in a prompt.
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		data, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// SetOverrideDir makes files in dir take precedence over the embedded ones.
// Keys missing from an override file fall back to the embedded file. An empty dir
// removes the override.
func SetOverrideDir(dir string) {
	cacheMu.Lock()
	overrideDir = dir
	cache = make(map[string]map[string]string)
	cacheMu.Unlock()
}

// loadFile loads and caches a prompt file.
func loadFile(filename string) (map[string]string, error) {
	cacheMu.RLock()
	if prompts, exists := cache[filename]; exists {
		cacheMu.RUnlock()
		return prompts, nil
	}
	dir := overrideDir
	cacheMu.RUnlock()

	prompts, err := readPromptFile(promptFiles, filename)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if dir != "" {
		overrides, oerr := readPromptFile(os.DirFS(dir), filepath.Base(filename))
		switch {
		case oerr == nil:
			if prompts == nil {
				prompts = make(map[string]string, len(overrides))
			}
			for k, v := range overrides {
				prompts[k] = v
			}
		case !errors.Is(oerr, fs.ErrNotExist):
			return nil, oerr
		}
	}

	if prompts == nil {
		return nil, fmt.Errorf("failed to read prompt file %s: %w", filename, fs.ErrNotExist)
	}

	cacheMu.Lock()
	cache[filename] = prompts
	cacheMu.Unlock()

	return prompts, nil
}

func readPromptFile(fsys fs.FS, filename string) (map[string]string, error) {
	data, err := fs.ReadFile(fsys, filename)
	if err != nil {
		return nil, err
	}
	var prompts map[string]string
	if err := json.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", filename, err)
	}
	return prompts, nil
}

// ClearCache clears the prompt cache. Useful for testing.
func ClearCache() {
	cacheMu.Lock()
	cache = make(map[string]map[string]string)
	cacheMu.Unlock()
}

// List returns all available prompt keys in a file, sorted.
func List(filename string) ([]string, error) {
	prompts, err := loadFile(filename)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(prompts))
	for key := range prompts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Placeholders returns the distinct placeholder names used by template, in order.
func Placeholders(template string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range placeholder.FindAllStringSubmatch(template, -1) {
		if name := strings.TrimSpace(m[1]); !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
