package activity

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// MaxDiffLines caps the combined line count a diff is computed for.
const MaxDiffLines = 5000

// LineDiff renders a line-level diff of before and after. Unchanged lines are
// prefixed with a space, removed lines with "-" and added lines with "+".
// Inputs longer than MaxDiffLines produce a one-line summary instead.
func LineDiff(before, after string) string {
	if lineCount(before)+lineCount(after) > MaxDiffLines {
		return "(diff omitted: content too large)"
	}

	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var sb strings.Builder
	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range lines {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func lineCount(value string) int {
	if value == "" {
		return 0
	}
	return strings.Count(value, "\n") + 1
}
