package repair

import (
	"encoding/json"
	"errors"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/jonathan/content-pipeline/internal/logging"
)

// windowRadius is how many bytes either side of the error offset go into diagnostics.
const windowRadius = 40

// Outcome is what a strategy produced. A strategy that does not apply returns
// Applied=false and the engine moves on without parsing.
type Outcome struct {
	Text    string
	Applied bool
	Detail  string
}

func notApplicable(detail string) Outcome {
	return Outcome{Detail: detail}
}

func applied(text, detail string) Outcome {
	return Outcome{Text: text, Applied: true, Detail: detail}
}

// Strategy is one step of the repair chain. Prepare steps only rewrite the working
// text; every other applied step is followed by a parse of its candidate.
type Strategy struct {
	Name    string
	Prepare bool
	Apply   func(text string) Outcome
}

// Step records what one strategy did during a RepairAndParse call.
type Step struct {
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
	Detail  string `json:"detail,omitempty"`
}

// Report describes how a value was recovered.
type Report struct {
	Strategy  string   `json:"strategy"`
	Attempted []string `json:"attempted"`
	Steps     []Step   `json:"steps"`
	Text      string   `json:"text"`
	// InvalidUTF8 counts bytes of the raw text that are not valid UTF-8. The
	// parser decodes them inside strings as U+FFFD.
	InvalidUTF8 int `json:"invalid_utf8,omitempty"`
}

// Lossy reports whether the parsed value may differ from the raw bytes.
func (r *Report) Lossy() bool {
	return r.InvalidUTF8 > 0
}

// Repaired reports whether anything beyond a direct parse of the trimmed text was needed.
func (r *Report) Repaired() bool {
	return r.Strategy != StrategyDirect
}

// RepairAttempts counts the repair strategies tried after the direct parse.
func (r *Report) RepairAttempts() int {
	n := 0
	past := false
	for _, name := range r.Attempted {
		if past {
			n++
		}
		if name == StrategyDirect {
			past = true
		}
	}
	return n
}

// Engine runs the ordered strategy chain.
type Engine struct {
	strategies []Strategy
	logger     *zap.Logger
}

// NewEngine returns an engine with the default strategy order.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{strategies: DefaultStrategies(), logger: logging.OrNop(logger)}
}

// StrategyNames returns the strategy order, for diagnostics and tests.
func (e *Engine) StrategyNames() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.Name
	}
	return names
}

// RepairAndParse recovers a JSON value from raw. Strategies run in order over a
// cumulative working text and the first candidate that parses wins. It never
// returns a partial value: failure is always a *MalformedResponseError.
func (e *Engine) RepairAndParse(raw string) (any, *Report, error) {
	report := &Report{InvalidUTF8: invalidUTF8(raw)}
	if report.Lossy() {
		e.logger.Warn("model output is not valid UTF-8", zap.Int("invalid_bytes", report.InvalidUTF8))
	}
	working := raw
	var lastErr error = errors.New("no strategy produced a candidate")

	for _, s := range e.strategies {
		out := s.Apply(working)
		report.Attempted = append(report.Attempted, s.Name)
		report.Steps = append(report.Steps, Step{Name: s.Name, Applied: out.Applied, Detail: out.Detail})

		if !out.Applied {
			e.logger.Debug("repair strategy not applicable",
				zap.String(logging.FieldStrategy, s.Name), zap.String("detail", out.Detail))
			continue
		}
		working = out.Text
		if s.Prepare {
			continue
		}

		v, err := parse(working)
		if err == nil {
			report.Strategy = s.Name
			report.Text = working
			if s.Name != StrategyDirect {
				e.logger.Info("recovered malformed JSON",
					zap.String(logging.FieldStrategy, s.Name), zap.Strings("attempted", report.Attempted))
			}
			return v, report, nil
		}
		lastErr = err
		e.logger.Debug("repair candidate still invalid",
			zap.String(logging.FieldStrategy, s.Name), zap.Error(err))
	}

	offset := errorIndex(lastErr, working)
	return nil, report, &MalformedResponseError{
		Original:  raw,
		Repaired:  working,
		LastErr:   lastErr,
		Offset:    offset,
		Window:    window(working, offset),
		Attempted: report.Attempted,
	}
}

// RepairAndParse runs the default engine without logging.
func RepairAndParse(raw string) (any, *Report, error) {
	return NewEngine(nil).RepairAndParse(raw)
}

// invalidUTF8 counts the bytes of s that do not start a valid UTF-8 sequence.
func invalidUTF8(s string) int {
	if utf8.ValidString(s) {
		return 0
	}
	n := 0
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			n++
		}
		i += size
	}
	return n
}

func parse(text string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// syntaxError returns the parser error for text, or nil when it parses.
func syntaxError(text string) *json.SyntaxError {
	_, err := parse(text)
	var se *json.SyntaxError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

const msgUnexpectedEOF = "unexpected end of JSON input"

// errorIndex converts a parser error into the byte index of the offending character.
// The scanner counts the offending byte before failing, so its Offset is one past it;
// running out of input points at len(text).
func errorIndex(err error, text string) int {
	var se *json.SyntaxError
	if !errors.As(err, &se) {
		return 0
	}
	if se.Error() == msgUnexpectedEOF {
		return len(text)
	}
	idx := int(se.Offset) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(text) {
		idx = len(text)
	}
	return idx
}

func window(text string, offset int) string {
	start := max(0, offset-windowRadius)
	end := min(len(text), offset+windowRadius)
	if start > end {
		return ""
	}
	return text[start:end]
}
