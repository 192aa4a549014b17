package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestRunStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunStatusQueued, RunStatusInProgress, true},
		{RunStatusQueued, RunStatusFailed, true},
		{RunStatusQueued, RunStatusCompleted, false},
		{RunStatusInProgress, RunStatusCompleted, true},
		{RunStatusInProgress, RunStatusFailed, true},
		{RunStatusInProgress, RunStatusQueued, false},
		{RunStatusCompleted, RunStatusFailed, false},
		{RunStatusCompleted, RunStatusInProgress, false},
		{RunStatusFailed, RunStatusQueued, false},
		{RunStatusFailed, RunStatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunStatus_TerminalNeverMoves(t *testing.T) {
	all := []RunStatus{RunStatusQueued, RunStatusInProgress, RunStatusCompleted, RunStatusFailed}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			if from.CanTransitionTo(to) {
				t.Errorf("terminal status %s may move to %s", from, to)
			}
		}
	}
}

func TestTransitionSources(t *testing.T) {
	got := TransitionSources(RunStatusFailed)
	if len(got) != 2 || got[0] != RunStatusQueued || got[1] != RunStatusInProgress {
		t.Fatalf("TransitionSources(failed) = %v", got)
	}
	got = TransitionSources(RunStatusCompleted)
	if len(got) != 1 || got[0] != RunStatusInProgress {
		t.Fatalf("TransitionSources(completed) = %v", got)
	}
	if got := TransitionSources(RunStatusQueued); len(got) != 0 {
		t.Fatalf("TransitionSources(queued) = %v", got)
	}
}

func TestRun_TransitionStampsTimes(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	run := &Run{ID: "run-1", Status: RunStatusQueued}

	if err := run.Transition(RunStatusInProgress, now); err != nil {
		t.Fatalf("Transition(in_progress) error = %v", err)
	}
	if run.StartedAt == nil || !run.StartedAt.Equal(now) {
		t.Fatalf("StartedAt = %v", run.StartedAt)
	}
	if err := run.Transition(RunStatusCompleted, now.Add(time.Second)); err != nil {
		t.Fatalf("Transition(completed) error = %v", err)
	}
	if run.CompletedAt == nil || run.FailedAt != nil {
		t.Fatalf("CompletedAt = %v, FailedAt = %v", run.CompletedAt, run.FailedAt)
	}
	if err := run.Transition(RunStatusFailed, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Transition(failed) after completion error = %v", err)
	}
	if run.Status != RunStatusCompleted {
		t.Fatalf("Status = %s, want completed", run.Status)
	}
}

func TestStatusEvent_Wire(t *testing.T) {
	ev := StatusEvent{ThreadID: "t1", RunID: "r1", Status: RunStatusCompleted}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"thread_id":"t1","run_id":"r1","status":"completed"}`
	if string(data) != want {
		t.Fatalf("wire = %s, want %s", data, want)
	}
	if !ev.Matches("t1", "r1") || ev.Matches("t1", "r2") {
		t.Fatal("Matches() mismatch")
	}
}
