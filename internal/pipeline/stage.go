package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/content-pipeline/internal/activity"
	"github.com/jonathan/content-pipeline/internal/agent"
	"github.com/jonathan/content-pipeline/internal/checkpoint"
	"github.com/jonathan/content-pipeline/internal/logging"
	"github.com/jonathan/content-pipeline/internal/pipeline/stages"
	"github.com/jonathan/content-pipeline/internal/prompts"
	"github.com/jonathan/content-pipeline/internal/retrieval"
	"github.com/jonathan/content-pipeline/internal/stylecheck"
	"github.com/jonathan/content-pipeline/internal/types"
)

// runStage executes def and records the outcome on the stage result, the
// session, the execution and the stage's activity.
func (o *Orchestrator) runStage(ctx context.Context, exec *types.Execution, sess *types.CheckpointSession, def stages.Definition) error {
	logger := o.logger.With(
		zap.String(logging.FieldExecutionID, exec.ID.String()),
		zap.String(logging.FieldStage, def.ID))

	if err := o.registry.ValidateDependencies(def.ID, sess.StagesCompleted); err != nil {
		depErr := &StageDependencyError{Stage: def.ID, Message: "dependencies not completed", Cause: err}
		o.failExecution(ctx, exec, def.ID, depErr)
		return depErr
	}

	existing, err := o.store.GetStageResult(ctx, exec.ID, def.ID)
	if err != nil {
		return fmt.Errorf("failed to load stage result: %w", err)
	}
	retryCount := 0
	if existing != nil {
		retryCount = existing.RetryCount
	}

	started := o.now()
	sr := &types.StageResult{
		ExecutionID: exec.ID,
		Stage:       def.ID,
		StageOrder:  def.Order,
		Status:      types.StageRunning,
		Temperature: def.Temperature,
		RetryCount:  retryCount,
		StartedAt:   &started,
	}
	if err := o.store.UpsertStageResult(ctx, sr); err != nil {
		return fmt.Errorf("failed to mark stage %s running: %w", def.ID, err)
	}
	exec.Status = types.ExecutionRunning
	exec.CurrentStage = def.ID
	exec.UpdatedAt = started
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	o.emit(ProgressEvent{
		Type:        EventStageStarted,
		ExecutionID: exec.ID.String(),
		Stage:       def.ID,
		Message:     fmt.Sprintf("Stage %d/%d: %s", def.Order, o.registry.Len(), def.ID),
	})
	logger.Info("stage started", zap.Int("retry_count", retryCount))

	rec, err := o.activity.Begin(ctx, exec.ID, def.ID)
	if err != nil {
		logger.Warn("activity log unavailable for stage", zap.Error(err))
	}

	input := o.buildInput(ctx, exec, sess, def, rec)
	res, execErr := o.executor.Execute(ctx, def, input)

	var diag agent.Diagnostics
	if res != nil {
		diag = res.Diagnostics
		applyDiagnostics(sr, diag)
		_ = rec.CountLLMCalls(ctx, diag.Attempts)
		if diag.Repair != nil {
			_ = rec.CountRepairAttempts(ctx, diag.Repair.RepairAttempts())
		}
	}
	exec.Metrics.Add(types.Metrics{
		DurationMs:   diag.DurationMs,
		InputTokens:  diag.InputTokens,
		OutputTokens: diag.OutputTokens,
		TotalTokens:  diag.InputTokens + diag.OutputTokens,
		LLMCalls:     diag.Attempts,
		CostUSD:      diag.CostUSD,
	})

	if execErr != nil {
		if ctx.Err() != nil {
			return o.interruptStage(ctx, exec, sr, rec, execErr)
		}
		return o.failStage(ctx, exec, sr, rec, execErr)
	}

	completed := o.now()
	sr.Status = types.StageCompleted
	sr.Result = res.Output
	sr.CompletedAt = &completed
	if err := o.store.UpsertStageResult(ctx, sr); err != nil {
		var orderErr *types.StageOrderError
		if errors.As(err, &orderErr) {
			err = &StageDependencyError{Stage: def.ID, Message: "store rejected completion", Cause: err}
		}
		return o.failStage(ctx, exec, sr, rec, err)
	}

	previous := types.CloneMap(sess.StageResults[o.previousContentStage(sess, def)])
	if err := checkpoint.CompleteStage(sess, def.ID, res.Output, o.registry.Order(), completed); err != nil {
		return o.failStage(ctx, exec, sr, rec, &StageDependencyError{Stage: def.ID, Message: "checkpoint rejected completion", Cause: err})
	}
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to save checkpoint session: %w", err)
	}
	exec.UpdatedAt = completed
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	avoid := stylecheck.Terms(sess.StageResults[stages.StyleProfile]["avoid_terms"])
	o.recordOutput(ctx, rec, def, res, previous, avoid, exec.Input.WithDefaults().TargetWords)
	_ = rec.Complete(ctx)

	logger.Info("stage completed",
		zap.String("model", diag.Model),
		zap.Int64("duration_ms", diag.DurationMs),
		zap.Strings("repair_strategies", sr.RepairStrategies))
	o.emit(ProgressEvent{
		Type:        EventStageCompleted,
		ExecutionID: exec.ID.String(),
		Stage:       def.ID,
		Message:     fmt.Sprintf("Completed %s", def.ID),
		Content:     res.Output,
	})
	return nil
}

// buildInput assembles the prompt context: input parameters, every completed
// stage's stored result, retrieved references and pending instructions.
func (o *Orchestrator) buildInput(ctx context.Context, exec *types.Execution, sess *types.CheckpointSession, def stages.Definition, rec *activity.Recorder) map[string]any {
	input := exec.Input.WithDefaults().Context()
	for _, stage := range sess.StagesCompleted {
		input[stage] = types.CloneMap(sess.StageResults[stage])
	}
	if sess.PendingInstructions != "" {
		input["instructions"] = sess.PendingInstructions
		_ = rec.Decision(ctx, "applied reviewer instructions", map[string]any{"instructions": sess.PendingInstructions})
	}

	if def.Retrieval == nil || o.searcher == nil {
		return input
	}
	template, err := prompts.Get(stages.PromptFile, def.Retrieval.QueryKey)
	if err != nil {
		_ = rec.Warning(ctx, fmt.Sprintf("retrieval skipped: %v", err))
		return input
	}
	query, _ := prompts.Render(template, input)
	query = strings.TrimSpace(query)

	found, err := o.searcher.Search(ctx, query, retrieval.ScopeFromInput(exec.Input), def.Retrieval.K)
	if err != nil {
		o.logger.Warn("retrieval failed; continuing without references",
			zap.String(logging.FieldExecutionID, exec.ID.String()),
			zap.String(logging.FieldStage, def.ID),
			zap.Error(err))
		_ = rec.Warning(ctx, fmt.Sprintf("retrieval failed: %v", err))
		return input
	}
	if found.CacheHit {
		_ = rec.CountCacheHit(ctx)
	}
	results := found.Chunks
	if len(results) == 0 {
		_ = rec.Decision(ctx, "no reference chunks in scope", map[string]any{"query": query})
		return input
	}

	input["references"] = formatReferences(results)
	for _, r := range results {
		_ = rec.Retrieval(ctx, types.RetrievalUsage{
			ChunkID:      r.Chunk.ID.String(),
			DocumentID:   r.Chunk.DocumentID,
			DocumentName: r.Chunk.DocumentName,
			Similarity:   r.Similarity,
			Influence:    influence(r.Similarity),
		})
	}
	agg := retrieval.AggregateByDocument(results)
	_ = rec.Decision(ctx, fmt.Sprintf("attached %d reference chunks from %d documents", agg.TotalChunks, len(agg.Documents)),
		map[string]any{"query": query, "overall_similarity": agg.OverallSimilarity})
	return input
}

func influence(similarity float64) string {
	switch {
	case similarity >= 0.8:
		return "high"
	case similarity >= 0.6:
		return "medium"
	default:
		return "low"
	}
}

func formatReferences(results []retrieval.ScoredChunk) string {
	var sb strings.Builder
	for i, r := range results {
		name := r.Chunk.DocumentName
		if name == "" {
			name = r.Chunk.DocumentID
		}
		fmt.Fprintf(&sb, "[%d] %s (similarity %.2f)\n%s\n\n", i+1, name, r.Similarity, strings.TrimSpace(r.Chunk.Text))
	}
	return strings.TrimSpace(sb.String())
}

// previousContentStage returns the latest completed stage whose result carries
// def's content field.
func (o *Orchestrator) previousContentStage(sess *types.CheckpointSession, def stages.Definition) string {
	if def.ContentField == "" {
		return ""
	}
	for i := len(sess.StagesCompleted) - 1; i >= 0; i-- {
		stage := sess.StagesCompleted[i]
		if _, ok := sess.StageResults[stage][def.ContentField].(string); ok {
			return stage
		}
	}
	return ""
}

// recordOutput adds the content changes and quality badges of a successful stage.
func (o *Orchestrator) recordOutput(ctx context.Context, rec *activity.Recorder, def stages.Definition, res *agent.Result, previous map[string]any, avoid []string, targetWords int) {
	if rep := res.Diagnostics.Repair; rep != nil && rep.Repaired() {
		_ = rec.Warning(ctx, fmt.Sprintf("model output needed repair (%s)", rep.Strategy))
	}
	if rep := res.Diagnostics.Repair; rep != nil && rep.Lossy() {
		_ = rec.Warning(ctx, fmt.Sprintf("model output had %d invalid UTF-8 byte(s), decoded as U+FFFD", rep.InvalidUTF8))
	}
	_ = rec.Decision(ctx, "output accepted", map[string]any{
		"model":    res.Diagnostics.Model,
		"attempts": res.Diagnostics.Attempts,
	})

	if def.ContentField != "" {
		before, _ := previous[def.ContentField].(string)
		after, _ := res.Output[def.ContentField].(string)
		if before != "" && after != "" && before != after {
			_ = rec.ContentChange(ctx, before, after, def.ID+" revision", def.ContentField)
		}
	}

	if changes, ok := res.Output["changes"].([]any); ok {
		for _, c := range changes {
			m, ok := c.(map[string]any)
			if !ok {
				continue
			}
			before, _ := m["before"].(string)
			after, _ := m["after"].(string)
			reason, _ := m["reason"].(string)
			location, _ := m["location"].(string)
			_ = rec.ContentChange(ctx, before, after, reason, location)
		}
	}

	if score, ok := res.Output["score"].(float64); ok {
		level := "low"
		switch {
		case score >= 0.85:
			level = "high"
		case score >= 0.6:
			level = "medium"
		}
		_ = rec.Badge(ctx, def.ID, level, fmt.Sprintf("score %.2f", score))
	}
	if words, ok := res.Output["word_count"].(float64); ok && targetWords > 0 {
		level := "on_target"
		if !stylecheck.WithinTarget(int(words), targetWords) {
			level = "off_target"
		}
		_ = rec.Badge(ctx, "length", level, fmt.Sprintf("%d of %d words", int(words), targetWords))
	}

	if def.ContentField == "" {
		return
	}
	text, _ := res.Output[def.ContentField].(string)
	if text == "" {
		return
	}
	check := stylecheck.Check(text, avoid, 0)
	if check.LongSentences > 0 {
		_ = rec.Warning(ctx, fmt.Sprintf("%d sentence(s) longer than the readability limit", check.LongSentences))
	}
	if len(avoid) == 0 {
		return
	}
	if check.Clean() {
		_ = rec.Badge(ctx, "style", "clean", fmt.Sprintf("none of %d avoided terms used", len(avoid)))
		return
	}
	_ = rec.Warning(ctx, "content uses avoided terms: "+strings.Join(check.AvoidedTermsFound, ", "))
	_ = rec.Badge(ctx, "style", "flagged", fmt.Sprintf("%d avoided term(s) used", len(check.AvoidedTermsFound)))
}

// recordEdits logs reviewer edits as content changes on a fresh activity.
func (o *Orchestrator) recordEdits(ctx context.Context, id uuid.UUID, applied *checkpoint.Applied, before map[string]any) {
	rec, err := o.activity.Begin(ctx, id, applied.Stage)
	if err != nil {
		o.logger.Warn("activity log unavailable for edits", zap.Error(err))
		return
	}
	_ = rec.Decision(ctx, fmt.Sprintf("reviewer edited %d field(s)", len(applied.Edits)), nil)
	for _, e := range applied.Edits {
		_ = rec.ContentChange(ctx, prompts.Stringify(orEmpty(before[e.Field])), prompts.Stringify(orEmpty(e.NewValue)), "reviewer edit", e.Field)
	}
	_ = rec.Complete(ctx)
}

func orEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func applyDiagnostics(sr *types.StageResult, d agent.Diagnostics) {
	sr.SystemPrompt = d.SystemPrompt
	sr.UserPrompt = d.UserPrompt
	sr.RawResponse = d.RawResponse
	sr.Model = d.Model
	sr.Temperature = d.Temperature
	sr.InputTokens = d.InputTokens
	sr.OutputTokens = d.OutputTokens
	sr.DurationMs = d.DurationMs
	if d.Repair != nil {
		sr.RepairStrategies = d.Repair.Attempted
	}
	diag := map[string]any{"attempts": d.Attempts}
	if d.Malformed != nil {
		diag["malformed"] = d.Malformed
	}
	if len(d.MissingPlaceholders) > 0 {
		diag["missing_placeholders"] = d.MissingPlaceholders
	}
	if d.Repair != nil && d.Repair.Repaired() {
		diag["repair_strategy"] = d.Repair.Strategy
	}
	sr.Diagnostics = diag
}

// failStage records a stage failure and fails the execution.
func (o *Orchestrator) failStage(ctx context.Context, exec *types.Execution, sr *types.StageResult, rec *activity.Recorder, cause error) error {
	kind := ErrorKind(cause)
	msg := cause.Error()
	now := o.now()

	sr.Status = types.StageFailed
	sr.ErrorKind = &kind
	sr.ErrorMessage = &msg
	sr.CompletedAt = &now
	if err := o.store.UpsertStageResult(ctx, sr); err != nil {
		o.logger.Error("failed to record stage failure", zap.String(logging.FieldStage, sr.Stage), zap.Error(err))
	}
	o.failExecution(ctx, exec, sr.Stage, cause)
	_ = rec.Fail(ctx, cause)

	o.logger.Error("stage failed",
		zap.String(logging.FieldExecutionID, exec.ID.String()),
		zap.String(logging.FieldStage, sr.Stage),
		zap.String("kind", kind),
		zap.Error(cause))
	o.emit(ProgressEvent{
		Type:        EventStageFailed,
		ExecutionID: exec.ID.String(),
		Stage:       sr.Stage,
		Message:     msg,
		Content:     map[string]any{"kind": kind},
	})
	return &StageError{Stage: sr.Stage, Kind: kind, Err: cause}
}

// interruptStage leaves a cancelled stage pending so a later resume runs it again.
func (o *Orchestrator) interruptStage(ctx context.Context, exec *types.Execution, sr *types.StageResult, rec *activity.Recorder, cause error) error {
	// the run's ctx is done; record with a fresh one
	bg := context.WithoutCancel(ctx)
	msg := "interrupted: " + cause.Error()
	sr.Status = types.StagePending
	sr.ErrorMessage = &msg
	if err := o.store.UpsertStageResult(bg, sr); err != nil {
		o.logger.Warn("failed to record interrupted stage", zap.Error(err))
	}
	if err := o.store.UpdateExecution(bg, exec); err != nil {
		o.logger.Warn("failed to record metrics of interrupted stage", zap.Error(err))
	}
	_ = rec.Fail(bg, cause)
	o.logger.Warn("stage interrupted",
		zap.String(logging.FieldExecutionID, exec.ID.String()),
		zap.String(logging.FieldStage, sr.Stage),
		zap.Error(cause))
	return fmt.Errorf("stage %s interrupted: %w", sr.Stage, cause)
}
