// Package models provides domain types for the keel agent runtime.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is one immutable record in the journal's hash chain.
//
// Design principles:
//   - Append-only: events are never mutated or deleted outside compaction.
//   - Self-verifying: Hash covers every preceding field plus PrevHash, so
//     any two adjacent persisted events satisfy next.PrevHash == prev.Hash.
//   - Forward-compatible: Payload is a permissive map on the wire; producers
//     build it from the typed payload structs below.
type Event struct {
	// Seq is strictly increasing across all sessions in one journal.
	Seq int64 `json:"seq"`

	// SessionID scopes the event to a session. Scheduler lifecycle events
	// use the empty session.
	SessionID string `json:"session_id"`

	// Type identifies the kind of event (namespaced, e.g. "step.succeeded").
	Type EventType `json:"type"`

	// Timestamp is when the event was appended, UTC.
	Timestamp time.Time `json:"timestamp"`

	// Payload carries event-specific fields.
	Payload map[string]any `json:"payload,omitempty"`

	// PrevHash is the hash of the preceding event, or GenesisHash for the
	// first record in a chain.
	PrevHash string `json:"prev_hash"`

	// Hash is the SHA-256 of the canonical serialization of all preceding
	// fields plus PrevHash.
	Hash string `json:"hash"`
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	out.Payload = cloneMap(e.Payload)
	return out
}

// EventType identifies the kind of journal event.
type EventType string

const (
	// Session lifecycle
	EventSessionCreated    EventType = "session.created"
	EventSessionStarted    EventType = "session.started"
	EventSessionCompleted  EventType = "session.completed"
	EventSessionFailed     EventType = "session.failed"
	EventSessionAborted    EventType = "session.aborted"
	EventSessionCheckpoint EventType = "session.checkpoint"

	// Planner interaction
	EventPlannerRequested    EventType = "planner.requested"
	EventPlannerPlanReceived EventType = "planner.plan_received"
	EventPlanAccepted        EventType = "plan.accepted"
	EventPlanReplaced        EventType = "plan.replaced"

	// Step execution
	EventStepStarted   EventType = "step.started"
	EventStepSucceeded EventType = "step.succeeded"
	EventStepFailed    EventType = "step.failed"

	// Tool dispatch
	EventToolStarted   EventType = "tool.started"
	EventToolSucceeded EventType = "tool.succeeded"
	EventToolFailed    EventType = "tool.failed"

	// Permission brokering
	EventPermissionRequested EventType = "permission.requested"
	EventPermissionGranted   EventType = "permission.granted"
	EventPermissionDenied    EventType = "permission.denied"

	// Accounting and memory
	EventUsageRecorded         EventType = "usage.recorded"
	EventMemoryLessonExtracted EventType = "memory.lesson_extracted"

	// Scheduler lifecycle
	EventSchedulerStarted         EventType = "scheduler.started"
	EventSchedulerStopped         EventType = "scheduler.stopped"
	EventSchedulerScheduleCreated EventType = "scheduler.schedule_created"
	EventSchedulerScheduleUpdated EventType = "scheduler.schedule_updated"
	EventSchedulerScheduleDeleted EventType = "scheduler.schedule_deleted"
	EventSchedulerJobTriggered    EventType = "scheduler.job_triggered"
	EventSchedulerJobCompleted    EventType = "scheduler.job_completed"
	EventSchedulerJobFailed       EventType = "scheduler.job_failed"

	// Context budget (agentic sessions)
	EventContextBudgetAssessed      EventType = "context.budget_assessed"
	EventContextCheckpointTriggered EventType = "context.checkpoint_triggered"
	EventContextSummarizeTriggered  EventType = "context.summarize_triggered"
	EventContextCheckpointSaved     EventType = "context.checkpoint_saved"
	EventContextDelegationStarted   EventType = "context.delegation_started"
	EventContextDelegationCompleted EventType = "context.delegation_completed"

	// Journal maintenance
	EventJournalCompacted EventType = "journal.compacted"
)

// StepEventPayload describes step.started / step.succeeded / step.failed.
type StepEventPayload struct {
	StepID     string     `json:"step_id"`
	Title      string     `json:"title,omitempty"`
	Tool       string     `json:"tool,omitempty"`
	Status     string     `json:"status,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
}

// ToolEventPayload describes tool.started / tool.succeeded / tool.failed.
type ToolEventPayload struct {
	StepID     string         `json:"step_id"`
	Tool       string         `json:"tool"`
	Mode       string         `json:"mode"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`
	RawOutput  map[string]any `json:"raw_output,omitempty"`
}

// PermissionEventPayload describes permission.* events.
type PermissionEventPayload struct {
	RequestID   string         `json:"request_id"`
	StepID      string         `json:"step_id,omitempty"`
	Tool        string         `json:"tool"`
	Scope       string         `json:"scope"`
	Decision    string         `json:"decision,omitempty"`
	Source      string         `json:"source,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

// PlannerEventPayload describes planner.requested / planner.plan_received.
type PlannerEventPayload struct {
	Iteration  int    `json:"iteration"`
	PlanID     string `json:"plan_id,omitempty"`
	StepCount  int    `json:"step_count,omitempty"`
	Goal       string `json:"goal,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// SchedulerEventPayload describes scheduler.* events.
type SchedulerEventPayload struct {
	ScheduleID string `json:"schedule_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Action     string `json:"action,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Error      string `json:"error,omitempty"`
	RunCount   int    `json:"run_count,omitempty"`
	Missed     int    `json:"missed,omitempty"`
}

// UsageEventPayload describes usage.recorded.
type UsageEventPayload struct {
	Iteration    int     `json:"iteration"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// SessionEventPayload describes session lifecycle events.
type SessionEventPayload struct {
	Task      string     `json:"task,omitempty"`
	Mode      string     `json:"mode,omitempty"`
	Status    string     `json:"status,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Iteration int        `json:"iteration,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// ContextEventPayload describes context.* budget events.
type ContextEventPayload struct {
	Iteration     int     `json:"iteration"`
	UsedTokens    int64   `json:"used_tokens"`
	BudgetTokens  int64   `json:"budget_tokens"`
	UsedFraction  float64 `json:"used_fraction"`
	Action        string  `json:"action,omitempty"`
	CheckpointRef string  `json:"checkpoint_ref,omitempty"`
}

// PayloadMap converts a typed payload struct into the permissive wire map.
// It round-trips through JSON so the journal hashes exactly what it stores.
func PayloadMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"encode_error": err.Error()}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"decode_error": err.Error()}
	}
	return out
}

// DecodePayload unmarshals an event's payload into a typed struct.
func DecodePayload(e Event, out any) error {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload for %s: %w", e.Type, err)
	}
	return nil
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = cloneMap(tv)
		case []any:
			cp := make([]any, len(tv))
			for i, item := range tv {
				if m, ok := item.(map[string]any); ok {
					cp[i] = cloneMap(m)
				} else {
					cp[i] = item
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
