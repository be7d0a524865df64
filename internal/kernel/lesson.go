package kernel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/keel/internal/planner"
	"github.com/haasonsaas/keel/pkg/models"
)

// finalize lands the session in its terminal status: transition + persist,
// terminal event, lesson extraction, and resource release. Runs exactly once
// per session, on the loop goroutine.
func (k *Kernel) finalize(ctx context.Context, sr *sessionRun, status models.SessionStatus, errInfo *models.ErrorInfo, started time.Time) {
	sr.mu.Lock()
	sr.session.LastError = errInfo
	iteration := sr.session.PlanIteration
	mode := sr.session.Mode
	sr.mu.Unlock()

	if _, err := k.transition(sr, status); err != nil {
		// The loop only hands over non-terminal sessions; reaching here is a
		// state-machine bug worth a loud log, not a panic.
		k.logger.Error("terminal transition rejected",
			"session_id", sr.id, "status", status, "error", err)
	}

	payload := models.SessionEventPayload{
		Status:    string(status),
		Iteration: iteration,
		Error:     errInfo,
	}
	var typ models.EventType
	switch status {
	case models.SessionCompleted:
		typ = models.EventSessionCompleted
	case models.SessionAborted:
		typ = models.EventSessionAborted
		payload.Reason = "aborted by caller"
	default:
		typ = models.EventSessionFailed
		if errInfo != nil {
			payload.Reason = errInfo.Code
		}
	}
	k.emit(ctx, typ, sr.id, payload)

	k.extractLesson(ctx, sr, status, errInfo)

	k.runtime.ResetSession(sr.id)
	if k.permissions != nil {
		k.permissions.ResolveSession(sr.id)
	}
	k.working.Clear(sr.id)

	if k.metrics != nil {
		k.metrics.SessionEnded(string(mode), string(status), k.now().Sub(started).Seconds())
	}

	k.mu.Lock()
	delete(k.runs, sr.id)
	k.mu.Unlock()

	k.logger.Info("session finished",
		"session_id", sr.id,
		"status", status,
		"iterations", iteration,
		"duration_ms", k.now().Sub(started).Milliseconds())
}

// extractLesson synthesizes a post-mortem lesson from the terminal session
// and appends it to Active Memory. Memory failures are logged, never fatal.
func (k *Kernel) extractLesson(ctx context.Context, sr *sessionRun, status models.SessionStatus, errInfo *models.ErrorInfo) {
	if k.memory == nil {
		return
	}

	sr.mu.Lock()
	task := sr.session.Task
	iteration := sr.session.PlanIteration
	outcomes := append([]planner.StepOutcome(nil), sr.outcomes...)
	sr.mu.Unlock()

	var outcome models.Outcome
	switch status {
	case models.SessionCompleted:
		outcome = models.OutcomeSucceeded
	case models.SessionAborted:
		outcome = models.OutcomeAborted
	default:
		outcome = models.OutcomeFailed
	}

	lesson := models.Lesson{
		TaskSummary: truncate(strings.TrimSpace(task.Text), 200),
		Outcome:     outcome,
		Lesson:      lessonText(status, errInfo, iteration, outcomes),
		ToolNames:   toolsUsed(outcomes),
		SessionID:   sr.id,
	}
	saved, err := k.memory.Append(lesson)
	if err != nil {
		k.logger.Warn("lesson append failed", "session_id", sr.id, "error", err)
		return
	}
	k.emit(ctx, models.EventMemoryLessonExtracted, sr.id, map[string]any{
		"lesson_id": saved.LessonID,
		"outcome":   string(outcome),
	})
}

// lessonText writes the one-paragraph post-mortem used for future retrieval.
func lessonText(status models.SessionStatus, errInfo *models.ErrorInfo, iteration int, outcomes []planner.StepOutcome) string {
	succeeded, failed := 0, 0
	var failedTool string
	for _, o := range outcomes {
		switch o.Status {
		case models.StepSucceeded, models.StepSkipped:
			succeeded++
		case models.StepFailed:
			failed++
			failedTool = o.Tool
		}
	}

	switch status {
	case models.SessionCompleted:
		text := fmt.Sprintf("Completed in %d iteration(s); %d step(s) succeeded", iteration, succeeded)
		if tools := toolsUsed(outcomes); len(tools) > 0 {
			text += " using " + strings.Join(tools, ", ")
		}
		return text + "."
	case models.SessionAborted:
		return fmt.Sprintf("Aborted by caller after %d completed step(s).", succeeded)
	default:
		text := "Failed"
		if errInfo != nil {
			text += fmt.Sprintf(" with %s: %s", errInfo.Code, errInfo.Message)
		}
		text += fmt.Sprintf(" after %d completed and %d failed step(s)", succeeded, failed)
		if failedTool != "" {
			text += fmt.Sprintf("; last failing tool was %s", failedTool)
		}
		return text + "."
	}
}

// toolsUsed returns the distinct tools touched by the session, in first-use
// order.
func toolsUsed(outcomes []planner.StepOutcome) []string {
	seen := make(map[string]struct{}, len(outcomes))
	var tools []string
	for _, o := range outcomes {
		if o.Tool == "" {
			continue
		}
		if _, dup := seen[o.Tool]; dup {
			continue
		}
		seen[o.Tool] = struct{}{}
		tools = append(tools, o.Tool)
	}
	return tools
}
