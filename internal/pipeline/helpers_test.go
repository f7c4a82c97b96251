package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/content-pipeline/internal/agent"
	"github.com/jonathan/content-pipeline/internal/memstore"
	"github.com/jonathan/content-pipeline/internal/pipeline/stages"
	"github.com/jonathan/content-pipeline/internal/repair"
	"github.com/jonathan/content-pipeline/internal/retrieval"
	"github.com/jonathan/content-pipeline/internal/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *testClock {
	return &testClock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeExecutor records every invocation and answers with ExecuteFunc, or with
// a payload naming the stage.
type fakeExecutor struct {
	ExecuteFunc func(ctx context.Context, def stages.Definition, input map[string]any) (*agent.Result, error)

	mu     sync.Mutex
	calls  []string
	inputs map[string][]map[string]any
}

func (f *fakeExecutor) Execute(ctx context.Context, def stages.Definition, input map[string]any) (*agent.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, def.ID)
	if f.inputs == nil {
		f.inputs = map[string][]map[string]any{}
	}
	f.inputs[def.ID] = append(f.inputs[def.ID], types.CloneMap(input))
	f.mu.Unlock()

	if f.ExecuteFunc != nil {
		return f.ExecuteFunc(ctx, def, input)
	}
	return okResult(map[string]any{"stage": def.ID, "body": def.ID + " body"}), nil
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExecutor) CallCount(stage string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == stage {
			n++
		}
	}
	return n
}

func (f *fakeExecutor) LastInput(stage string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := f.inputs[stage]
	if len(in) == 0 {
		return nil
	}
	return in[len(in)-1]
}

func okResult(output map[string]any) *agent.Result {
	return &agent.Result{
		Output: output,
		Diagnostics: agent.Diagnostics{
			Model:        "mock-model",
			InputTokens:  100,
			OutputTokens: 50,
			DurationMs:   10,
			Attempts:     1,
			CostUSD:      0.001,
			Repair:       &repair.Report{Strategy: repair.StrategyDirect, Attempted: []string{repair.StrategyTrim, repair.StrategyDirect}},
		},
	}
}

type fakeSearcher struct {
	results []retrieval.ScoredChunk
	hit     bool
	err     error

	mu      sync.Mutex
	queries []string
	scopes  []retrieval.Scope
}

func (f *fakeSearcher) Search(_ context.Context, query string, scope retrieval.Scope, _ int) (*retrieval.Results, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.scopes = append(f.scopes, scope)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &retrieval.Results{Chunks: f.results, CacheHit: f.hit}, nil
}

// threeStages is research -> outline -> draft.
func threeStages(t *testing.T) *stages.Registry {
	t.Helper()
	full := stages.Default()
	research, _ := full.Get(stages.Research)
	outline, _ := full.Get(stages.Outline)
	draft, _ := full.Get(stages.Draft)

	outline.Order = 2
	outline.Dependencies = []string{stages.Research}
	draft.Order = 3
	draft.Dependencies = []string{stages.Research, stages.Outline}

	r, err := stages.NewRegistry(research, outline, draft)
	require.NoError(t, err)
	return r
}

type fixture struct {
	o      *Orchestrator
	store  *memstore.Store
	clock  *testClock
	exec   *fakeExecutor
	events *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (l *eventLog) add(e ProgressEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func newFixture(t *testing.T, registry *stages.Registry, searcher Searcher) *fixture {
	t.Helper()
	f := &fixture{
		store:  memstore.New(),
		clock:  newClock(),
		exec:   &fakeExecutor{},
		events: &eventLog{},
	}
	f.o = f.orchestrator(t, registry, searcher)
	return f
}

// orchestrator builds a new orchestrator over the fixture's store, as a restarted process would.
func (f *fixture) orchestrator(t *testing.T, registry *stages.Registry, searcher Searcher) *Orchestrator {
	t.Helper()
	opts := Options{
		Store:      f.store,
		Registry:   registry,
		Executor:   f.exec,
		Now:        f.clock.Now,
		SessionTTL: 24 * time.Hour,
		OnProgress: f.events.add,
	}
	if searcher != nil {
		opts.Searcher = searcher
	}
	o, err := New(opts)
	require.NoError(t, err)
	return o
}

func (f *fixture) start(t *testing.T, mode types.Mode) uuid.UUID {
	t.Helper()
	id, err := f.o.Start(context.Background(), types.PipelineInput{Topic: "Observability for small teams", TargetWords: 900}, mode)
	require.NoError(t, err)
	return id
}

func (f *fixture) session(t *testing.T, id uuid.UUID) *types.CheckpointSession {
	t.Helper()
	s, err := f.store.GetSessionByExecution(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func (f *fixture) execution(t *testing.T, id uuid.UUID) *types.Execution {
	t.Helper()
	e, err := f.store.GetExecution(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, e)
	return e
}
