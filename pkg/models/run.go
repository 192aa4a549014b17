package models

import (
	"errors"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// runTransitions lists the statuses each status may move to.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusQueued:     {RunStatusInProgress, RunStatusFailed},
	RunStatusInProgress: {RunStatusCompleted, RunStatusFailed},
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusQueued, RunStatusInProgress, RunStatusCompleted, RunStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionSources returns every status that may move to next.
func TransitionSources(next RunStatus) []RunStatus {
	var out []RunStatus
	for _, from := range []RunStatus{RunStatusQueued, RunStatusInProgress} {
		if from.CanTransitionTo(next) {
			out = append(out, from)
		}
	}
	return out
}

// ErrInvalidTransition is returned when a status change would break monotonicity.
var ErrInvalidTransition = errors.New("invalid run status transition")

// Run is one execution of an assistant against a thread.
type Run struct {
	ID           string     `json:"id"`
	ThreadID     string     `json:"thread_id"`
	AssistantID  string     `json:"assistant_id"`
	Model        string     `json:"model"`
	Instructions string     `json:"instructions,omitempty"`
	Tools        []ToolSpec `json:"tools,omitempty"`
	Status       RunStatus  `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
}

// Transition moves the run to next, stamping the matching timestamp.
func (r *Run) Transition(next RunStatus, at time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	r.Status = next
	t := at
	switch next {
	case RunStatusInProgress:
		r.StartedAt = &t
	case RunStatusCompleted:
		r.CompletedAt = &t
	case RunStatusFailed:
		r.FailedAt = &t
	}
	return nil
}

// RunRequest carries the positional arguments of a run execution task.
type RunRequest struct {
	AssistantID  string `json:"assistant_id"`
	ThreadID     string `json:"thread_id"`
	ContentTopic string `json:"content_topic"`
	RunID        string `json:"run_id"`
}

// StatusEvent is the terminal event published on a thread's status topic.
type StatusEvent struct {
	ThreadID string    `json:"thread_id"`
	RunID    string    `json:"run_id"`
	Status   RunStatus `json:"status"`
}

// Matches reports whether the event belongs to the given run.
func (e StatusEvent) Matches(threadID, runID string) bool {
	return e.ThreadID == threadID && e.RunID == runID
}
