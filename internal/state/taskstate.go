// Package state holds the per-session mutable bookkeeping: the accepted
// plan, step results, artifacts, and a bounded scratch memory. Nothing here
// is persisted; the journal is the durable record.
package state

import (
	"sync"

	"github.com/haasonsaas/keel/pkg/models"
)

// TaskState tracks one session's plan execution.
type TaskState struct {
	mu          sync.RWMutex
	sessionID   string
	plan        *models.Plan
	stepResults map[string]models.StepResult
	artifacts   map[string]any
}

// Snapshot is a read-only view of a TaskState with derived aggregates.
type Snapshot struct {
	SessionID      string                       `json:"session_id"`
	Plan           *models.Plan                 `json:"plan,omitempty"`
	StepResults    map[string]models.StepResult `json:"step_results"`
	Artifacts      map[string]any               `json:"artifacts"`
	TotalSteps     int                          `json:"total_steps"`
	CompletedSteps int                          `json:"completed_steps"`
	FailedSteps    int                          `json:"failed_steps"`
	StepTitles     []string                     `json:"step_titles"`
}

// NewTaskState creates the state container for one session.
func NewTaskState(sessionID string) *TaskState {
	return &TaskState{
		sessionID:   sessionID,
		stepResults: make(map[string]models.StepResult),
		artifacts:   make(map[string]any),
	}
}

// SessionID returns the owning session.
func (s *TaskState) SessionID() string {
	return s.sessionID
}

// SetPlan replaces the active plan. Step results from earlier plans are
// kept; the snapshot aggregates count only the active plan's steps.
func (s *TaskState) SetPlan(plan models.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := plan.Clone()
	s.plan = &clone
}

// Plan returns a copy of the active plan, if any.
func (s *TaskState) Plan() (models.Plan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.plan == nil {
		return models.Plan{}, false
	}
	return s.plan.Clone(), true
}

// RecordResult stores the result for a step, replacing any earlier attempt.
func (s *TaskState) RecordResult(result models.StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepResults[result.StepID] = result.Clone()
}

// Result returns the stored result for a step.
func (s *TaskState) Result(stepID string) (models.StepResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.stepResults[stepID]
	if !ok {
		return models.StepResult{}, false
	}
	return result.Clone(), true
}

// PutArtifact stores a named artifact produced during the run.
func (s *TaskState) PutArtifact(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[key] = value
}

// Artifact returns a stored artifact.
func (s *TaskState) Artifact(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.artifacts[key]
	return value, ok
}

// Snapshot returns a read-only copy with aggregates computed over the
// active plan.
func (s *TaskState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		SessionID:   s.sessionID,
		StepResults: make(map[string]models.StepResult, len(s.stepResults)),
		Artifacts:   make(map[string]any, len(s.artifacts)),
	}
	for id, result := range s.stepResults {
		snap.StepResults[id] = result.Clone()
	}
	for key, value := range s.artifacts {
		snap.Artifacts[key] = value
	}

	if s.plan != nil {
		clone := s.plan.Clone()
		snap.Plan = &clone
		snap.TotalSteps = len(clone.Steps)
		snap.StepTitles = make([]string, len(clone.Steps))
		for i, step := range clone.Steps {
			snap.StepTitles[i] = step.Title
			result, ok := s.stepResults[step.StepID]
			if !ok {
				continue
			}
			switch result.Status {
			case models.StepSucceeded, models.StepSkipped:
				snap.CompletedSteps++
			case models.StepFailed:
				snap.FailedSteps++
			}
		}
	}
	return snap
}
