package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:     "first attempt with no jitter",
			policy:   Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2},
			attempt:  1,
			expected: 100 * time.Millisecond,
		},
		{
			name:     "third attempt quadruples",
			policy:   Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2},
			attempt:  3,
			expected: 400 * time.Millisecond,
		},
		{
			name:        "jitter adds a fraction",
			policy:      Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.5},
			attempt:     1,
			randomValue: 0.5,
			expected:    125 * time.Millisecond,
		},
		{
			name:     "clamped to max",
			policy:   Policy{Initial: time.Second, Max: 3 * time.Second, Factor: 2},
			attempt:  5,
			expected: 3 * time.Second,
		},
		{
			name:     "zero attempt treated as first",
			policy:   Policy{Initial: 50 * time.Millisecond, Factor: 2},
			attempt:  0,
			expected: 50 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.delayWithRand(tt.attempt, tt.randomValue); got != tt.expected {
				t.Errorf("delay = %v, want %v", got, tt.expected)
			}
		})
	}
}

var errTemporary = errors.New("temporary error")

func fastPolicy() Policy {
	return Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
}

func TestRetry(t *testing.T) {
	errFatal := errors.New("fatal")
	tests := []struct {
		name      string
		failures  []error
		attempts  int
		wantCalls int
		wantErr   error
	}{
		{name: "first attempt succeeds", attempts: 3, wantCalls: 1},
		{name: "succeeds after retries", failures: []error{errTemporary, errTemporary}, attempts: 3, wantCalls: 3},
		{name: "exhausted returns last error", failures: []error{errTemporary, errTemporary, errTemporary}, attempts: 3, wantCalls: 3, wantErr: errTemporary},
		{name: "non retryable stops", failures: []error{errFatal}, attempts: 3, wantCalls: 1, wantErr: errFatal},
		{name: "zero attempts runs once", failures: []error{errTemporary}, attempts: 0, wantCalls: 1, wantErr: errTemporary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), fastPolicy(), tt.attempts,
				func(err error) bool { return errors.Is(err, errTemporary) },
				func() error {
					calls++
					if calls <= len(tt.failures) {
						return tt.failures[calls-1]
					}
					return nil
				})
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Fatalf("Retry() error = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, Policy{Initial: time.Hour, Factor: 1}, 5, nil, func() error {
		calls++
		cancel()
		return errTemporary
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
