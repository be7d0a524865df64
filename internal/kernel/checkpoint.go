package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/haasonsaas/keel/internal/planner"
	"github.com/haasonsaas/keel/pkg/models"
)

// Checkpoint is the durable between-iterations snapshot an agentic session
// can be resumed from after a process restart. It carries the accumulated
// planner context, not the live task state; the journal remains the full
// record.
type Checkpoint struct {
	SessionID     string                `json:"session_id"`
	Task          models.Task           `json:"task"`
	Mode          models.RunMode        `json:"mode"`
	Agentic       bool                  `json:"agentic"`
	Limits        models.Limits         `json:"limits"`
	Policy        models.PolicyProfile  `json:"policy"`
	Iteration     int                   `json:"iteration"`
	StepsExecuted int                   `json:"steps_executed"`
	Usage         models.Usage          `json:"usage"`
	PreviousPlans []planner.PlanDigest  `json:"previous_plans,omitempty"`
	StepOutcomes  []planner.StepOutcome `json:"step_outcomes,omitempty"`
	Findings      []string              `json:"findings,omitempty"`
	SavedAt       time.Time             `json:"saved_at"`
}

// saveIterationCheckpoint emits the session.checkpoint progress event after
// each agentic iteration and, when CheckpointDir is set, persists a resume
// file atomically.
func (k *Kernel) saveIterationCheckpoint(ctx context.Context, sr *sessionRun, iteration int) {
	snap := sr.state.Snapshot()
	sr.mu.Lock()
	usage := sr.session.Usage
	sr.mu.Unlock()

	payload := map[string]any{
		"iteration":       iteration,
		"total_steps":     snap.TotalSteps,
		"completed_steps": snap.CompletedSteps,
		"failed_steps":    snap.FailedSteps,
		"usage_tokens":    usage.TotalTokens(),
	}

	if k.checkpointDir != "" {
		ref, err := k.writeCheckpoint(sr, iteration)
		if err != nil {
			k.logger.Warn("checkpoint write failed",
				"session_id", sr.id, "iteration", iteration, "error", err)
		} else {
			payload["checkpoint_ref"] = ref
			k.emit(ctx, models.EventContextCheckpointSaved, sr.id, models.ContextEventPayload{
				Iteration:     iteration,
				UsedTokens:    usage.TotalTokens(),
				CheckpointRef: ref,
			})
		}
	}

	k.emit(ctx, models.EventSessionCheckpoint, sr.id, payload)
}

// writeCheckpoint persists the resume file with a temp-write-then-rename so
// readers never observe a torn checkpoint.
func (k *Kernel) writeCheckpoint(sr *sessionRun, iteration int) (string, error) {
	sr.mu.Lock()
	cp := Checkpoint{
		SessionID:     sr.id,
		Task:          sr.session.Task,
		Mode:          sr.session.Mode,
		Agentic:       sr.session.Agentic,
		Limits:        sr.session.Limits,
		Policy:        sr.session.Policy.Clone(),
		Iteration:     iteration,
		StepsExecuted: sr.stepsExecuted,
		Usage:         sr.session.Usage,
		PreviousPlans: append([]planner.PlanDigest(nil), sr.planDigests...),
		StepOutcomes:  append([]planner.StepOutcome(nil), sr.outcomes...),
		Findings:      append([]string(nil), sr.findings...),
		SavedAt:       k.now().UTC(),
	}
	sr.mu.Unlock()

	if err := os.MkdirAll(k.checkpointDir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}

	path := filepath.Join(k.checkpointDir, cp.SessionID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("publish checkpoint: %w", err)
	}
	return path, nil
}

// Resume restarts an agentic session from its durable checkpoint. The
// session picks up at the iteration after the checkpointed one with its
// accumulated planner context restored.
func (k *Kernel) Resume(ctx context.Context, sessionID string) (*models.Session, error) {
	if k.checkpointDir == "" {
		return nil, fmt.Errorf("kernel: no checkpoint directory configured")
	}

	k.mu.Lock()
	_, active := k.runs[sessionID]
	k.mu.Unlock()
	if active {
		return nil, fmt.Errorf("kernel: session %s is still active", sessionID)
	}

	path := filepath.Join(k.checkpointDir, sessionID+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kernel: read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("kernel: decode checkpoint: %w", err)
	}
	if cp.SessionID != sessionID {
		return nil, fmt.Errorf("kernel: checkpoint is for session %s", cp.SessionID)
	}

	if stored, err := k.store.Get(ctx, sessionID); err == nil && stored.Status.IsTerminal() {
		return nil, fmt.Errorf("kernel: session %s already terminal (%s)", sessionID, stored.Status)
	}

	now := k.now().UTC()
	session := &models.Session{
		SessionID:     cp.SessionID,
		Task:          cp.Task,
		Mode:          cp.Mode,
		Status:        models.SessionCreated,
		Agentic:       cp.Agentic,
		CreatedAt:     cp.Task.CreatedAt,
		UpdatedAt:     now,
		Limits:        cp.Limits,
		Policy:        cp.Policy,
		PlanIteration: cp.Iteration,
		Usage:         cp.Usage,
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}

	if _, err := k.store.Get(ctx, sessionID); err != nil {
		if cerr := k.store.Create(ctx, session); cerr != nil {
			return nil, fmt.Errorf("kernel: persist resumed session: %w", cerr)
		}
	} else {
		k.persist(session.Clone())
	}

	if k.metrics != nil {
		k.metrics.SessionStarted(string(session.Mode))
	}

	restored := &sessionRun{
		stepsExecuted: cp.StepsExecuted,
		planDigests:   cp.PreviousPlans,
		outcomes:      cp.StepOutcomes,
		findings:      cp.Findings,
	}
	sr := k.register(session, cp.Iteration+1, restored)
	go k.run(sr)

	k.logger.Info("session resumed",
		"session_id", sessionID,
		"iteration", cp.Iteration+1,
		"steps_executed", cp.StepsExecuted)
	return session.Clone(), nil
}
