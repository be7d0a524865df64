package models

import "time"

// TriggerType selects how a schedule computes its next firing.
type TriggerType string

const (
	TriggerEvery TriggerType = "every"
	TriggerCron  TriggerType = "cron"
	TriggerAt    TriggerType = "at"
)

// Trigger is the rule deciding when a schedule next fires. Exactly one of
// the type-specific fields is set, matching Type.
type Trigger struct {
	Type TriggerType `json:"type"`

	// Interval is a duration like "30s", "5m", "2h", "1d" (every).
	Interval string `json:"interval,omitempty"`

	// Expression is a cron expression, Timezone an IANA name (cron).
	Expression string `json:"expression,omitempty"`
	Timezone   string `json:"timezone,omitempty"`

	// At is the single firing instant (at).
	At *time.Time `json:"at,omitempty"`
}

// ActionType selects what a schedule does when it fires.
type ActionType string

const (
	ActionCreateSession ActionType = "createSession"
	ActionEmitEvent     ActionType = "emitEvent"
)

// Action is the work a schedule performs on each fire.
type Action struct {
	Type ActionType `json:"type"`

	// TaskText is the task submitted through the session factory
	// (createSession).
	TaskText string `json:"task_text,omitempty"`

	// SessionID/EventType/Payload describe the journal event to append
	// (emitEvent).
	SessionID string         `json:"session_id,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// MissedPolicy decides how a due-time that elapsed while the scheduler was
// down is handled.
type MissedPolicy string

const (
	MissedSkip       MissedPolicy = "skip"
	MissedCatchupOne MissedPolicy = "catchup_one"
	MissedCatchupAll MissedPolicy = "catchup_all"
)

// ScheduleOptions tune failure handling and cleanup. Zero values take the
// documented defaults (MaxFailures 3, MissedPolicy skip).
type ScheduleOptions struct {
	MaxFailures    int          `json:"max_failures,omitempty"`
	MissedPolicy   MissedPolicy `json:"missed_policy,omitempty"`
	DeleteAfterRun bool         `json:"delete_after_run,omitempty"`
	Description    string       `json:"description,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
}

// ScheduleStatus is the lifecycle state of a schedule.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleFailed    ScheduleStatus = "failed"
)

// IsTerminal reports whether the schedule will never fire again.
func (s ScheduleStatus) IsTerminal() bool {
	return s == ScheduleCompleted || s == ScheduleFailed
}

// Schedule is one durable time-triggered job.
type Schedule struct {
	ScheduleID    string          `json:"schedule_id"`
	Name          string          `json:"name"`
	Trigger       Trigger         `json:"trigger"`
	Action        Action          `json:"action"`
	Options       ScheduleOptions `json:"options"`
	Status        ScheduleStatus  `json:"status"`
	RunCount      int             `json:"run_count"`
	FailureCount  int             `json:"failure_count"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time      `json:"next_run_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	LastSessionID string          `json:"last_session_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	out := *s
	out.Options.Tags = append([]string(nil), s.Options.Tags...)
	out.Action.Payload = cloneMap(s.Action.Payload)
	if s.Trigger.At != nil {
		at := *s.Trigger.At
		out.Trigger.At = &at
	}
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		out.LastRunAt = &t
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		out.NextRunAt = &t
	}
	return &out
}
