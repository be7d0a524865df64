package models

import "time"

// Outcome is the terminal status a lesson was extracted from.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

// Lesson is a post-mortem summary written to Active Memory at session end
// and retrieved by keyword-plus-tool scoring for future sessions.
type Lesson struct {
	LessonID        string     `json:"lesson_id"`
	TaskSummary     string     `json:"task_summary"`
	Outcome         Outcome    `json:"outcome"`
	Lesson          string     `json:"lesson"`
	ToolNames       []string   `json:"tool_names,omitempty"`
	SessionID       string     `json:"session_id"`
	CreatedAt       time.Time  `json:"created_at"`
	RelevanceCount  int        `json:"relevance_count"`
	LastRetrievedAt *time.Time `json:"last_retrieved_at,omitempty"`
}

// Clone returns a deep copy of the lesson.
func (l Lesson) Clone() Lesson {
	out := l
	out.ToolNames = append([]string(nil), l.ToolNames...)
	if l.LastRetrievedAt != nil {
		t := *l.LastRetrievedAt
		out.LastRetrievedAt = &t
	}
	return out
}
