package llm

import (
	"fmt"
	"strings"
)

// OutputField describes one top-level field a stage must return.
type OutputField struct {
	Name        string // JSON field name
	Type        string // Type hint shown to the model, e.g. `"string"` or `["string"]`
	Description string
	Required    bool
}

// BuildOutputContract renders the JSON shape instructions appended to a stage prompt.
func BuildOutputContract(fields []OutputField) string {
	if len(fields) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Return ONLY valid JSON matching this exact structure:\n{\n")
	for i, field := range fields {
		typeHint := field.Type
		if typeHint == "" {
			typeHint = `"string"`
		}
		requiredHint := ""
		if field.Required {
			requiredHint = " (required)"
		}
		sb.WriteString(fmt.Sprintf("  %q: %s%s", field.Name, typeHint, requiredHint))
		if field.Description != "" {
			sb.WriteString(fmt.Sprintf(" // %s", field.Description))
		}
		if i < len(fields)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("}\n\n")
	sb.WriteString("IMPORTANT:\n")
	sb.WriteString("- Return ONLY the JSON object, no markdown, no explanation, no code blocks.\n")
	sb.WriteString("- Escape newlines inside string values.\n")
	return sb.String()
}
