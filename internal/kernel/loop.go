package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/keel/internal/backoff"
	"github.com/haasonsaas/keel/internal/planner"
	"github.com/haasonsaas/keel/internal/runtime"
	"github.com/haasonsaas/keel/pkg/models"
)

// run drives one session from planning to a terminal status. It is the only
// goroutine that mutates the session after Submit.
func (k *Kernel) run(sr *sessionRun) {
	started := k.now()
	ctx := sr.ctx

	var span trace.Span
	if k.tracer != nil {
		session := sr.snapshotSession()
		ctx, span = k.tracer.TraceSession(ctx, sr.id, string(session.Mode))
	}

	status, errInfo := k.loop(ctx, sr, started)
	k.finalize(ctx, sr, status, errInfo, started)

	if span != nil {
		if errInfo != nil {
			k.tracer.RecordError(span, fmt.Errorf("%s: %s", errInfo.Code, errInfo.Message))
		}
		span.End()
	}
	close(sr.done)
}

// loop runs the plan/execute iterations and returns the terminal status the
// session should land in, plus the error for failed terminals.
func (k *Kernel) loop(ctx context.Context, sr *sessionRun, started time.Time) (models.SessionStatus, *models.ErrorInfo) {
	if _, err := k.transition(sr, models.SessionPlanning); err != nil {
		return models.SessionFailed, &models.ErrorInfo{
			Code:    string(runtime.CodeInternal),
			Message: err.Error(),
		}
	}
	session := sr.snapshotSession()

	startPayload := models.SessionEventPayload{
		Status:    string(models.SessionPlanning),
		Mode:      string(session.Mode),
		Iteration: sr.firstIteration,
	}
	if sr.firstIteration > 1 {
		startPayload.Reason = "resumed"
	}
	k.emit(ctx, models.EventSessionStarted, sr.id, startPayload)

	k.loadLessons(sr, session.Task.Text)

	limits := session.Limits
	for iteration := sr.firstIteration; ; iteration++ {
		if ctx.Err() != nil {
			return models.SessionAborted, nil
		}
		if iteration > limits.MaxIterations {
			return models.SessionFailed, &models.ErrorInfo{
				Code:    CodeLimitExceeded,
				Message: fmt.Sprintf("max_iterations limit (%d) reached", limits.MaxIterations),
			}
		}
		if iteration > sr.firstIteration {
			if _, err := k.transition(sr, models.SessionPlanning); err != nil {
				return models.SessionFailed, &models.ErrorInfo{
					Code:    string(runtime.CodeInternal),
					Message: err.Error(),
				}
			}
		}

		plan, errInfo := k.planIteration(ctx, sr, iteration)
		if errInfo != nil {
			if errInfo.Code == string(runtime.CodeAborted) || sr.isAborted() {
				return models.SessionAborted, nil
			}
			return models.SessionFailed, errInfo
		}

		// An empty plan is the planner's completion signal.
		if plan.Empty() {
			return models.SessionCompleted, nil
		}

		if _, err := k.transition(sr, models.SessionRunning); err != nil {
			return models.SessionFailed, &models.ErrorInfo{
				Code:    string(runtime.CodeInternal),
				Message: err.Error(),
			}
		}

		replan, errInfo := k.executePlan(ctx, sr, session, plan, started)
		if errInfo != nil {
			if errInfo.Code == string(runtime.CodeAborted) || sr.isAborted() {
				return models.SessionAborted, nil
			}
			return models.SessionFailed, errInfo
		}

		if reason := k.breachedLimits(sr, started); reason != "" {
			return models.SessionFailed, &models.ErrorInfo{Code: CodeLimitExceeded, Message: reason}
		}

		if !session.Agentic && !replan {
			return models.SessionCompleted, nil
		}

		k.saveIterationCheckpoint(ctx, sr, iteration)
		k.assessBudget(ctx, sr, iteration)
	}
}

// loadLessons retrieves cross-session memory once, before the first planning
// round. Memory failures degrade to an empty lesson set.
func (k *Kernel) loadLessons(sr *sessionRun, taskText string) {
	if k.memory == nil {
		return
	}
	var tools []string
	for _, schema := range k.catalog.SchemasForPlanner() {
		tools = append(tools, schema.Name)
	}
	lessons, err := k.memory.Search(taskText, tools, memorySearchLimit)
	if err != nil {
		k.logger.Warn("lesson search failed", "session_id", sr.id, "error", err)
		return
	}
	sr.mu.Lock()
	sr.lessons = lessons
	sr.mu.Unlock()
}

// planIteration runs one planner call and accepts the returned plan.
func (k *Kernel) planIteration(ctx context.Context, sr *sessionRun, iteration int) (models.Plan, *models.ErrorInfo) {
	session := sr.snapshotSession()
	k.emit(ctx, models.EventPlannerRequested, sr.id, models.PlannerEventPayload{Iteration: iteration})

	pctx, cancel := context.WithTimeout(ctx, k.plannerTimeout)
	defer cancel()

	provider := plannerProvider(k.planner)
	var span trace.Span
	if k.tracer != nil {
		pctx, span = k.tracer.TracePlannerCall(pctx, provider, iteration)
		defer span.End()
	}

	started := k.now()
	resp, err := k.planner.GeneratePlan(pctx, planner.Request{
		Task:    session.Task,
		Tools:   k.catalog.SchemasForPlanner(),
		Context: k.iterationContext(sr),
		Options: planner.Options{MaxSteps: k.planMaxSteps, Iteration: iteration},
	})
	duration := k.now().Sub(started)

	if err != nil {
		if k.metrics != nil {
			k.metrics.RecordPlannerRequest(provider, "error", duration.Seconds(), 0, 0)
		}
		if span != nil {
			k.tracer.RecordError(span, err)
		}
		code := runtime.Classify(err)
		if errors.Is(err, context.Canceled) && sr.isAborted() {
			code = runtime.CodeAborted
		}
		return models.Plan{}, &models.ErrorInfo{
			Code:    string(code),
			Message: fmt.Sprintf("planner: %v", err),
		}
	}

	usage := resp.Usage
	usage.PlannerCalls = 1
	sr.mu.Lock()
	sr.session.Usage.Add(usage)
	sr.session.PlanIteration = iteration
	snapshot := sr.session.Clone()
	sr.mu.Unlock()
	k.persist(snapshot)

	if k.metrics != nil {
		k.metrics.RecordPlannerRequest(provider, "ok", duration.Seconds(),
			usage.InputTokens, usage.OutputTokens)
	}

	plan := resp.Plan
	k.emit(ctx, models.EventPlannerPlanReceived, sr.id, models.PlannerEventPayload{
		Iteration:  iteration,
		PlanID:     plan.PlanID,
		StepCount:  len(plan.Steps),
		Goal:       plan.Goal,
		DurationMs: duration.Milliseconds(),
	})
	k.emit(ctx, models.EventUsageRecorded, sr.id, models.UsageEventPayload{
		Iteration:    iteration,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      usage.CostUSD,
	})

	accepted := models.EventPlanAccepted
	if iteration > 1 {
		accepted = models.EventPlanReplaced
	}
	sr.state.SetPlan(plan)
	sr.mu.Lock()
	sr.planDigests = append(sr.planDigests, planner.PlanDigest{
		PlanID:    plan.PlanID,
		Iteration: iteration,
		Goal:      plan.Goal,
		StepCount: len(plan.Steps),
	})
	sr.mu.Unlock()
	k.emit(ctx, accepted, sr.id, models.PlannerEventPayload{
		Iteration: iteration,
		PlanID:    plan.PlanID,
		StepCount: len(plan.Steps),
		Goal:      plan.Goal,
	})
	return plan, nil
}

// executePlan runs the plan's steps strictly in order. It returns replan=true
// when a failed step's policy asks for a new plan (agentic sessions only); a
// non-nil error terminates the session as failed (or aborted for the abort
// code).
func (k *Kernel) executePlan(ctx context.Context, sr *sessionRun, session *models.Session, plan models.Plan, started time.Time) (bool, *models.ErrorInfo) {
	limits := session.Limits
	for _, step := range plan.Steps {
		if ctx.Err() != nil {
			return false, &models.ErrorInfo{
				Code:    string(runtime.CodeAborted),
				Message: "session canceled",
			}
		}

		sr.mu.Lock()
		executed := sr.stepsExecuted
		sr.mu.Unlock()
		if limits.MaxSteps > 0 && executed >= limits.MaxSteps {
			return false, &models.ErrorInfo{
				Code: CodeLimitExceeded,
				Message: fmt.Sprintf("max_steps limit (%d) reached with %d step(s) remaining",
					limits.MaxSteps, remainingSteps(plan, step.StepID)),
			}
		}

		result := k.runStep(ctx, sr, session, step)

		sr.state.RecordResult(result)
		sr.mu.Lock()
		sr.stepsExecuted++
		sr.outcomes = append(sr.outcomes, planner.StepOutcome{
			StepID:   step.StepID,
			Title:    step.Title,
			Tool:     step.ToolRef.Name,
			Status:   result.Status,
			Error:    result.Error,
			Attempts: result.Attempts,
		})
		sr.mu.Unlock()

		if result.Status == models.StepSucceeded {
			k.noteFinding(sr, step, result)
			if limits.MaxDurationMs > 0 {
				if elapsed := k.now().Sub(started).Milliseconds(); elapsed > limits.MaxDurationMs {
					return false, &models.ErrorInfo{
						Code: CodeLimitExceeded,
						Message: fmt.Sprintf("max_duration_ms limit (%d) exceeded after %dms",
							limits.MaxDurationMs, elapsed),
					}
				}
			}
			continue
		}

		if result.Error != nil && result.Error.Code == string(runtime.CodeAborted) {
			return false, result.Error
		}

		policy := step.FailurePolicy
		if policy == "" {
			policy = models.FailAbort
		}
		switch policy {
		case models.FailContinue:
			continue
		case models.FailReplan:
			if session.Agentic {
				return true, nil
			}
			// Single-pass sessions have no planner to return to.
		}
		return false, stepFailure(step, result)
	}
	return false, nil
}

// runStep executes one step with the retry envelope: up to max_retries+1
// attempts, jittered exponential backoff between attempts, and retries only
// for transient error codes.
func (k *Kernel) runStep(ctx context.Context, sr *sessionRun, session *models.Session, step models.Step) models.StepResult {
	k.emit(ctx, models.EventStepStarted, sr.id, models.StepEventPayload{
		StepID: step.StepID,
		Title:  step.Title,
		Tool:   step.ToolRef.Name,
	})

	stepCtx := ctx
	var span trace.Span
	if k.tracer != nil {
		stepCtx, span = k.tracer.TraceStep(ctx, step.ToolRef.Name, step.StepID)
		defer span.End()
	}

	maxAttempts := step.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	started := k.now()
	var result models.StepResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result = k.runtime.Run(stepCtx, runtime.RunRequest{
			SessionID: sr.id,
			Step:      step,
			Mode:      session.Mode,
			Policy:    session.Policy,
			Attempt:   attempt,
		})
		if result.Status == models.StepSucceeded || result.Error == nil {
			break
		}
		code := runtime.Code(result.Error.Code)
		if !code.Retryable() || attempt == maxAttempts {
			break
		}
		if k.metrics != nil {
			k.metrics.RecordStepRetry(step.ToolRef.Name)
		}
		k.logger.Debug("retrying step",
			"session_id", sr.id,
			"step_id", step.StepID,
			"attempt", attempt,
			"code", code)
		if err := backoff.SleepWithBackoff(stepCtx, k.retry, attempt); err != nil {
			result.Status = models.StepFailed
			result.Error = &models.ErrorInfo{
				Code:    string(runtime.CodeAborted),
				Message: "session canceled during retry backoff",
			}
			break
		}
	}
	duration := k.now().Sub(started)

	payload := models.StepEventPayload{
		StepID:     step.StepID,
		Title:      step.Title,
		Tool:       step.ToolRef.Name,
		Status:     string(result.Status),
		Attempts:   result.Attempts,
		DurationMs: duration.Milliseconds(),
	}
	if result.Status == models.StepSucceeded {
		k.emit(ctx, models.EventStepSucceeded, sr.id, payload)
	} else {
		payload.Error = result.Error
		if span != nil && result.Error != nil {
			k.tracer.RecordError(span, fmt.Errorf("%s: %s", result.Error.Code, result.Error.Message))
		}
		k.emit(ctx, models.EventStepFailed, sr.id, payload)
	}
	if k.metrics != nil {
		k.metrics.RecordStep(step.ToolRef.Name, string(result.Status), duration.Seconds())
	}
	return result
}

// iterationContext assembles the accumulated agentic context for a planner
// call.
func (k *Kernel) iterationContext(sr *sessionRun) planner.IterationContext {
	working := k.working.Snapshot(sr.id)

	sr.mu.Lock()
	defer sr.mu.Unlock()
	return planner.IterationContext{
		PreviousPlans:  append([]planner.PlanDigest(nil), sr.planDigests...),
		StepOutcomes:   append([]planner.StepOutcome(nil), sr.outcomes...),
		FindingsDigest: strings.Join(sr.findings, "\n"),
		WorkingMemory:  working,
		Lessons:        append([]models.Lesson(nil), sr.lessons...),
	}
}

// breachedLimits checks the accounting limits. max_steps and max_iterations
// are enforced inline by the loop; this covers duration, cost, and tokens.
func (k *Kernel) breachedLimits(sr *sessionRun, started time.Time) string {
	sr.mu.Lock()
	limits := sr.session.Limits
	usage := sr.session.Usage
	sr.mu.Unlock()

	if limits.MaxDurationMs > 0 {
		if elapsed := k.now().Sub(started).Milliseconds(); elapsed > limits.MaxDurationMs {
			return fmt.Sprintf("max_duration_ms limit (%d) exceeded after %dms", limits.MaxDurationMs, elapsed)
		}
	}
	if limits.MaxCostUSD > 0 && usage.CostUSD > limits.MaxCostUSD {
		return fmt.Sprintf("max_cost_usd limit (%.4f) exceeded: %.4f spent", limits.MaxCostUSD, usage.CostUSD)
	}
	if limits.MaxTokens > 0 && usage.TotalTokens() > limits.MaxTokens {
		return fmt.Sprintf("max_tokens limit (%d) exceeded: %d used", limits.MaxTokens, usage.TotalTokens())
	}
	return ""
}

// noteFinding appends a one-line digest of a successful step for future
// planner iterations. The digest is bounded; the budget assessor may fold it
// further.
func (k *Kernel) noteFinding(sr *sessionRun, step models.Step, result models.StepResult) {
	line := findingLine(step, result)
	if line == "" {
		return
	}
	sr.mu.Lock()
	sr.findings = append(sr.findings, line)
	if len(sr.findings) > maxFindings {
		sr.findings = sr.findings[len(sr.findings)-maxFindings:]
	}
	sr.mu.Unlock()
}

func findingLine(step models.Step, result models.StepResult) string {
	label := step.Title
	if label == "" {
		label = step.ToolRef.Name
	}
	for _, key := range []string{"summary", "result", "content", "text", "message"} {
		value, ok := result.Output[key]
		if !ok {
			continue
		}
		text, ok := value.(string)
		if !ok || text == "" {
			continue
		}
		return fmt.Sprintf("%s: %s", label, truncate(text, 200))
	}
	return fmt.Sprintf("%s: ok (%d output field(s))", label, len(result.Output))
}

// assessBudget runs the agentic context-pressure check between iterations.
func (k *Kernel) assessBudget(ctx context.Context, sr *sessionRun, iteration int) {
	if !k.budget.Enabled() {
		return
	}
	sr.mu.Lock()
	used := sr.session.Usage.TotalTokens()
	findings := len(sr.findings)
	sr.mu.Unlock()

	threshold := k.budget.threshold()
	fraction := float64(used) / float64(k.budget.WindowTokens)
	k.emit(ctx, models.EventContextBudgetAssessed, sr.id, models.ContextEventPayload{
		Iteration:    iteration,
		UsedTokens:   used,
		BudgetTokens: threshold,
		UsedFraction: fraction,
	})
	if used < threshold {
		return
	}

	k.emit(ctx, models.EventContextSummarizeTriggered, sr.id, models.ContextEventPayload{
		Iteration:    iteration,
		UsedTokens:   used,
		BudgetTokens: threshold,
		UsedFraction: fraction,
		Action:       "compact_findings",
	})
	k.compactFindings(sr)
	k.logger.Info("context budget exceeded, findings compacted",
		"session_id", sr.id,
		"iteration", iteration,
		"used_tokens", used,
		"budget_tokens", threshold,
		"findings_before", findings)
}

// compactFindings folds all but the most recent findings into a single
// summary line.
func (k *Kernel) compactFindings(sr *sessionRun) {
	const keep = 8
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if len(sr.findings) <= keep {
		return
	}
	folded := len(sr.findings) - keep
	compacted := make([]string, 0, keep+1)
	compacted = append(compacted, fmt.Sprintf("(%d earlier finding(s) compacted)", folded))
	compacted = append(compacted, sr.findings[folded:]...)
	sr.findings = compacted
}

// stepFailure converts a failed step result into the session's terminal
// error.
func stepFailure(step models.Step, result models.StepResult) *models.ErrorInfo {
	if result.Error != nil {
		return result.Error
	}
	return &models.ErrorInfo{
		Code:    string(runtime.CodeInternal),
		Message: fmt.Sprintf("step %s failed without error detail", step.StepID),
	}
}

func remainingSteps(plan models.Plan, fromStepID string) int {
	for i, step := range plan.Steps {
		if step.StepID == fromStepID {
			return len(plan.Steps) - i
		}
	}
	return 0
}

// plannerProvider labels metrics and spans with the planner's backing
// provider.
func plannerProvider(p planner.Planner) string {
	if provider, ok := p.(planner.Provider); ok {
		return provider.Provider()
	}
	return "unknown"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
