package services

import (
	"context"
	"sync"
	"time"
)

// RemainingSeconds derives the countdown from the absolute start timestamp:
// max(0, duration - floor(elapsed)). Deriving instead of decrementing means a
// client that joins late, or whose ticker briefly stalls, converges on the
// correct value at the next evaluation.
func RemainingSeconds(startedAt *time.Time, durationSeconds int, active bool, now time.Time) int {
	if !active || startedAt == nil {
		return 0
	}
	elapsed := int(now.Sub(*startedAt) / time.Second)
	remaining := durationSeconds - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TimerState is the timer's input on each evaluation.
type TimerState struct {
	PollID          string
	StartedAt       *time.Time
	DurationSeconds int
	Active          bool
}

// PollTimer re-evaluates the remaining time on a one-second cadence and
// fires the expiry callback exactly once per poll activation, no matter how
// often it is evaluated.
type PollTimer struct {
	source   func() TimerState
	onTick   func(pollID string, remaining int)
	onExpire func(pollID string)
	now      func() time.Time

	mu      sync.Mutex
	expired string // poll id the expiry already fired for
}

func NewPollTimer(source func() TimerState, onTick func(string, int), onExpire func(string)) *PollTimer {
	return &PollTimer{source: source, onTick: onTick, onExpire: onExpire, now: time.Now}
}

// Run evaluates once per second until the context is cancelled.
func (t *PollTimer) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Evaluate()
		}
	}
}

// Evaluate recomputes the remaining time and dispatches the callbacks. Safe
// to call at any frequency; repeated evaluations at the same instant yield
// the same value and at most one expiry per poll.
func (t *PollTimer) Evaluate() {
	state := t.source()
	if !state.Active || state.StartedAt == nil || state.PollID == "" {
		return
	}

	remaining := RemainingSeconds(state.StartedAt, state.DurationSeconds, state.Active, t.now())
	if t.onTick != nil {
		t.onTick(state.PollID, remaining)
	}
	if remaining > 0 {
		return
	}

	t.mu.Lock()
	fired := t.expired == state.PollID
	if !fired {
		t.expired = state.PollID
	}
	t.mu.Unlock()

	if !fired && t.onExpire != nil {
		t.onExpire(state.PollID)
	}
}
