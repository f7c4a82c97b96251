package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_ValidPrompt(t *testing.T) {
	ClearCache()

	prompt, err := Get("stages.json", "outline-user")
	require.NoError(t, err)
	assert.Contains(t, prompt, "{{.research}}")
}

func TestGet_InvalidFile(t *testing.T) {
	ClearCache()

	_, err := Get("nonexistent.json", "some-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read prompt file")
}

func TestGet_InvalidKey(t *testing.T) {
	ClearCache()

	_, err := Get("stages.json", "nonexistent-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestFormat(t *testing.T) {
	template := "Write about {{.topic}} in {{.target_words}} words for {{ .audience }}."
	data := map[string]any{
		"topic":        "tides",
		"target_words": 800,
		"audience":     "kids",
	}

	assert.Equal(t, "Write about tides in 800 words for kids.", Format(template, data))
}

func TestFormat_StructuredValuesAsJSON(t *testing.T) {
	out := Format("Outline:\n{{.outline}}", map[string]any{
		"outline": map[string]any{"title": "T", "sections": []any{"a"}},
	})

	assert.Equal(t, "Outline:\n{\n  \"sections\": [\n    \"a\"\n  ],\n  \"title\": \"T\"\n}", out)
}

func TestFormat_MissingPlaceholderRemains(t *testing.T) {
	assert.Equal(t, "Hello {{.name}}", Format("Hello {{.name}}", map[string]any{}))
}

func TestRender_BlanksMissing(t *testing.T) {
	out, missing := Render("A{{.x}}B{{.y}}C{{.x}}", map[string]any{"y": 2.5})

	assert.Equal(t, "AB2.5C", out)
	assert.Equal(t, []string{"x"}, missing)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "1200", Stringify(float64(1200)))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "[\n  1,\n  2\n]", Stringify([]int{1, 2}))
}

func TestList(t *testing.T) {
	ClearCache()

	keys, err := List("stages.json")
	require.NoError(t, err)
	for _, stage := range []string{"research", "style_profile", "outline", "draft", "optimize", "originality", "polish"} {
		assert.Contains(t, keys, stage+"-system")
		assert.Contains(t, keys, stage+"-user")
	}
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Placeholders("{{.a}} {{.b}} {{.a}}"))
}

func TestSetOverrideDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stages.json"),
		[]byte(`{"outline-user": "custom {{.topic}}"}`), 0o644))

	SetOverrideDir(dir)
	t.Cleanup(func() { SetOverrideDir("") })

	custom, err := Get("stages.json", "outline-user")
	require.NoError(t, err)
	assert.Equal(t, "custom {{.topic}}", custom)

	// keys absent from the override fall back to the embedded file
	_, err = Get("stages.json", "draft-user")
	assert.NoError(t, err)
}

func TestSetOverrideDir_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stages.json"), []byte(`{ nope`), 0o644))

	SetOverrideDir(dir)
	t.Cleanup(func() { SetOverrideDir("") })

	_, err := Get("stages.json", "outline-user")
	assert.Error(t, err)
}

func TestCaching(t *testing.T) {
	ClearCache()

	prompt1, err := Get("stages.json", "draft-user")
	require.NoError(t, err)
	prompt2, err := Get("stages.json", "draft-user")
	require.NoError(t, err)

	assert.Equal(t, prompt1, prompt2)
}
