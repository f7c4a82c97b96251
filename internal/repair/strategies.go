package repair

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jonathan/content-pipeline/internal/llm"
)

// Strategy names, in chain order.
const (
	StrategyTrim               = "trim"
	StrategyDirect             = "direct"
	StrategyPositionalComma    = "positional_comma"
	StrategyUnterminatedString = "unterminated_string"
	StrategyCommaRegex         = "comma_regex"
	StrategyEscapeControl      = "escape_control"
	StrategyRelaxed            = "relaxed"
)

// maxFixes bounds the loops of the positional strategies.
const maxFixes = 64

// lookaheadForColon is how far past a quote the unterminated-string scan looks for a colon.
const lookaheadForColon = 50

// DefaultStrategies returns the chain from least to most invasive.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: StrategyTrim, Prepare: true, Apply: trimBoundaries},
		{Name: StrategyDirect, Apply: func(text string) Outcome { return applied(text, "") }},
		{Name: StrategyPositionalComma, Apply: positionalComma},
		{Name: StrategyUnterminatedString, Apply: unterminatedString},
		{Name: StrategyCommaRegex, Apply: commaRegex},
		{Name: StrategyEscapeControl, Apply: escapeControl},
		{Name: StrategyRelaxed, Apply: relaxed},
	}
}

// trimBoundaries strips a markdown fence and any prose around the outermost JSON value.
func trimBoundaries(text string) Outcome {
	t := llm.CleanJSONBlock(text)

	if t != "" && t[0] != '{' && t[0] != '[' {
		if i := strings.IndexAny(t, "{["); i >= 0 {
			t = t[i:]
		}
	}
	if t != "" && t[len(t)-1] != '}' && t[len(t)-1] != ']' {
		if i := strings.LastIndexAny(t, "}]"); i >= 0 {
			t = t[:i+1]
		}
	}
	t = strings.TrimSpace(t)

	detail := ""
	if t != strings.TrimSpace(text) {
		detail = fmt.Sprintf("trimmed %d bytes", len(text)-len(t))
	}
	return applied(t, detail)
}

func isCommaError(msg string) bool {
	return strings.Contains(msg, "after object key:value pair") ||
		strings.Contains(msg, "after array element")
}

// closesValue reports whether c can be the last byte of a complete JSON value.
func closesValue(c byte) bool {
	switch {
	case c == '"' || c == ']' || c == '}':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == 'e' || c == 'l': // true, false, null
		return true
	}
	return false
}

func prevNonSpace(text string, idx int) int {
	for i := idx - 1; i >= 0; i-- {
		switch text[i] {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return i
	}
	return -1
}

func insertAt(text string, pos int, s string) string {
	return text[:pos] + s + text[pos:]
}

// keeps reports whether an insertion of n bytes at pos moved the first parse
// error past where it was (origIdx, in the text before insertion).
func keeps(candidate string, origIdx, pos, n int) bool {
	se := syntaxError(candidate)
	if se == nil {
		return true
	}
	shifted := origIdx
	if pos <= origIdx {
		shifted += n
	}
	return errorIndex(se, candidate) > shifted
}

// positionalComma inserts a comma where the parser expected one, as long as the
// previous token closes a value and the insertion moves the error forward.
func positionalComma(text string) Outcome {
	fixes := 0
	for range maxFixes {
		se := syntaxError(text)
		if se == nil || !isCommaError(se.Error()) {
			break
		}
		idx := errorIndex(se, text)
		p := prevNonSpace(text, idx)
		if p < 0 || !closesValue(text[p]) {
			break
		}
		candidate := insertAt(text, p+1, ",")
		if !keeps(candidate, idx, p+1, 1) {
			break
		}
		text = candidate
		fixes++
	}
	if fixes == 0 {
		return notApplicable("no missing-comma error at a value boundary")
	}
	return applied(text, fmt.Sprintf("inserted %d comma(s)", fixes))
}

// openString walks text up to idx and returns the index of the opening quote of
// the string that is still open there.
func openString(text string, idx int) (int, bool) {
	inString, escaped := false, false
	start := -1
	for i := 0; i < idx && i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			start = i
		}
	}
	return start, inString
}

var propertyStart = regexp.MustCompile(`^[ \t]*"[^"\n]+"[ \t]*:`)

// stringEnd finds where an unterminated string most likely should have closed.
func stringEnd(text string, from int) int {
	for j := from; j < len(text); j++ {
		switch c := text[j]; c {
		case '\\':
			j++
		case '\n':
			if propertyStart.MatchString(text[j+1:]) {
				return j
			}
		case ',', '}', ']':
			return j
		case '"':
			ahead := text[j+1 : min(len(text), j+1+lookaheadForColon)]
			if strings.Contains(ahead, ":") {
				return j
			}
		}
	}
	return -1
}

// unterminatedString closes strings the parser ran off the end of, or that
// contain a raw line break where the next property begins.
func unterminatedString(text string) Outcome {
	fixes := 0
	for range maxFixes {
		se := syntaxError(text)
		if se == nil {
			break
		}
		msg := se.Error()
		if msg != msgUnexpectedEOF && !strings.Contains(msg, "in string literal") {
			break
		}
		idx := errorIndex(se, text)
		start, open := openString(text, idx)
		if !open {
			break
		}
		end := stringEnd(text, start+1)
		if end < 0 {
			break
		}
		candidate := insertAt(text, end, `"`)
		if !keeps(candidate, idx, end, 1) {
			break
		}
		text = candidate
		fixes++
	}
	if fixes == 0 {
		return notApplicable("no unterminated string with a recoverable end")
	}
	return applied(text, fmt.Sprintf("closed %d string(s)", fixes))
}

var (
	// A value immediately followed by a property name with no comma between them.
	reStringThenKey  = regexp.MustCompile(`"(\s*)("[^"\n]+"\s*:)`)
	reNumberThenKey  = regexp.MustCompile(`(\d)(\s*)("[^"\n]+"\s*:)`)
	reLiteralThenKey = regexp.MustCompile(`\b(true|false|null)(\s*)("[^"\n]+"\s*:)`)
	reCloseThenKey   = regexp.MustCompile(`([}\]])(\s*)("[^"\n]+"\s*:)`)
	reTrailingComma  = regexp.MustCompile(`,(\s*[}\]])`)
	reRepeatedComma  = regexp.MustCompile(`,(\s*,)+`)
)

// commaRegex is the broad textual pass. It does not know string boundaries, so
// it can misfire on quoted text that looks like a property name.
func commaRegex(text string) Outcome {
	out := reStringThenKey.ReplaceAllString(text, `",$1$2`)
	out = reNumberThenKey.ReplaceAllString(out, `$1,$2$3`)
	out = reLiteralThenKey.ReplaceAllString(out, `$1,$2$3`)
	out = reCloseThenKey.ReplaceAllString(out, `$1,$2$3`)
	out = reRepeatedComma.ReplaceAllString(out, `,`)
	out = reTrailingComma.ReplaceAllString(out, `$1`)
	if out == text {
		return notApplicable("no comma pattern matched")
	}
	return applied(out, "")
}

// escapeStrings rewrites raw control characters inside string literals.
// With all=false only newline, carriage return and tab are escaped.
func escapeStrings(text string, all bool) (string, int) {
	var sb strings.Builder
	sb.Grow(len(text) + 16)
	inString, escaped := false, false
	count := 0

	for i := 0; i < len(text); i++ {
		c := text[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			sb.WriteByte(c)
			continue
		}
		switch {
		case escaped:
			escaped = false
			sb.WriteByte(c)
		case c == '\\':
			escaped = true
			sb.WriteByte(c)
		case c == '"':
			inString = false
			sb.WriteByte(c)
		case c == '\n':
			sb.WriteString(`\n`)
			count++
		case c == '\r':
			sb.WriteString(`\r`)
			count++
		case c == '\t':
			sb.WriteString(`\t`)
			count++
		case all && c < 0x20:
			fmt.Fprintf(&sb, `\u%04x`, c)
			count++
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), count
}

func escapeControl(text string) Outcome {
	out, n := escapeStrings(text, false)
	if n == 0 {
		return notApplicable("no raw newline, carriage return or tab inside strings")
	}
	return applied(out, fmt.Sprintf("escaped %d character(s)", n))
}

// relaxed tolerates any control character inside strings.
func relaxed(text string) Outcome {
	out, n := escapeStrings(text, true)
	if n == 0 {
		return notApplicable("no control characters inside strings")
	}
	return applied(out, fmt.Sprintf("escaped %d character(s)", n))
}
