// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a settable time source shared by breaker tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(clk *fakeClock) *Tracker {
	return NewTracker(Config{
		ErrorThreshold: 3,
		Cooldown:       5 * time.Minute,
		AutoReset:      15 * time.Minute,
		RateLimitMin:   10 * time.Second,
		RateLimitMax:   120 * time.Second,
	}).WithClock(clk.Now)
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	boom := errors.New("connection refused")

	tr.RecordFailure("b1", boom)
	tr.RecordFailure("b1", boom)
	if tr.State("b1") != StateClosed {
		t.Fatal("two failures should not open the breaker")
	}

	tr.RecordFailure("b1", boom)
	if tr.State("b1") != StateOpen {
		t.Fatal("third consecutive failure should open the breaker")
	}
	if got := tr.Allow("b1"); got != DeniedOpen {
		t.Errorf("open breaker should deny, got %v", got)
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	boom := errors.New("boom")

	tr.RecordFailure("b1", boom)
	tr.RecordFailure("b1", boom)
	tr.RecordSuccess("b1")
	tr.RecordFailure("b1", boom)
	tr.RecordFailure("b1", boom)

	if tr.State("b1") != StateClosed {
		t.Error("non-consecutive failures must not open the breaker")
	}
}

func TestProbeSuccessMovesToHalfOpenAfterCooldown(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		tr.RecordFailure("b1", boom)
	}

	// Inside the cooldown a probe result is ignored.
	tr.RecordProbeSuccess("b1")
	if tr.State("b1") != StateOpen {
		t.Fatal("probe inside cooldown must not reopen the breaker")
	}

	clk.Advance(5*time.Minute + time.Second)
	tr.RecordProbeSuccess("b1")
	if tr.State("b1") != StateHalfOpen {
		t.Fatal("probe after cooldown should move to half-open")
	}
}

func TestHalfOpenSingleFlight(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		tr.RecordFailure("b1", boom)
	}
	clk.Advance(6 * time.Minute)
	tr.RecordProbeSuccess("b1")

	if got := tr.Allow("b1"); got != Admitted {
		t.Fatalf("first half-open attempt should be admitted, got %v", got)
	}
	if got := tr.Allow("b1"); got != DeniedBusy {
		t.Fatalf("second concurrent half-open attempt should be denied, got %v", got)
	}

	tr.RecordSuccess("b1")
	if tr.State("b1") != StateClosed {
		t.Error("successful trial should close the breaker")
	}
	if got := tr.Allow("b1"); got != Admitted {
		t.Errorf("closed breaker should admit, got %v", got)
	}
}

func TestReleaseTrialFreesHalfOpenSlot(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		tr.RecordFailure("b1", boom)
	}
	clk.Advance(6 * time.Minute)
	tr.RecordProbeSuccess("b1")

	if got := tr.Allow("b1"); got != Admitted {
		t.Fatalf("half-open trial should be admitted, got %v", got)
	}
	if got := tr.Allow("b1"); got != DeniedBusy {
		t.Fatalf("slot should be busy while the trial runs, got %v", got)
	}

	// The trial ended without a verdict (caller hung up). The slot must
	// come back without the breaker reopening or closing.
	tr.ReleaseTrial("b1")
	if tr.State("b1") != StateHalfOpen {
		t.Errorf("release must leave the breaker half-open, got %v", tr.State("b1"))
	}
	if got := tr.Allow("b1"); got != Admitted {
		t.Errorf("slot should be free again, got %v", got)
	}

	// And the streak is untouched: the next real trial failure reopens.
	tr.RecordFailure("b1", boom)
	if tr.State("b1") != StateOpen {
		t.Error("trial failure after release should reopen the breaker")
	}
}

func TestReleaseTrialIgnoresOtherStates(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)

	tr.ReleaseTrial("b1")
	if tr.State("b1") != StateClosed {
		t.Error("release on a closed breaker must be a no-op")
	}
	if got := tr.Allow("b1"); got != Admitted {
		t.Errorf("closed breaker should admit, got %v", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		tr.RecordFailure("b1", boom)
	}
	clk.Advance(6 * time.Minute)
	tr.RecordProbeSuccess("b1")

	if got := tr.Allow("b1"); got != Admitted {
		t.Fatalf("expected admission, got %v", got)
	}
	tr.RecordFailure("b1", boom)

	if tr.State("b1") != StateOpen {
		t.Fatal("failed trial should reopen the breaker")
	}
	// The reopen starts a fresh cooldown from now.
	tr.RecordProbeSuccess("b1")
	if tr.State("b1") != StateOpen {
		t.Error("probe inside the fresh cooldown must be ignored")
	}
}

func TestAutoResetForcesHalfOpenWithoutProbe(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		tr.RecordFailure("b1", boom)
	}
	clk.Advance(14 * time.Minute)
	if tr.State("b1") != StateOpen {
		t.Fatal("before the auto-reset deadline the breaker stays open")
	}

	clk.Advance(2 * time.Minute)
	if tr.State("b1") != StateHalfOpen {
		t.Fatal("auto-reset deadline should force half-open with no probe")
	}
	if got := tr.Allow("b1"); got != Admitted {
		t.Errorf("forced half-open should admit one trial, got %v", got)
	}
}

func TestRateLimitHoldOutAndClamp(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)

	tests := []struct {
		name       string
		retryAfter time.Duration
		holdAtMost time.Duration
	}{
		{name: "below_floor_clamped_up", retryAfter: 2 * time.Second, holdAtMost: 10 * time.Second},
		{name: "above_ceiling_clamped_down", retryAfter: time.Hour, holdAtMost: 120 * time.Second},
		{name: "in_range_honored", retryAfter: 45 * time.Second, holdAtMost: 45 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := "rl-" + tt.name
			tr.RecordRateLimited(id, tt.retryAfter)

			if got := tr.Allow(id); got != DeniedRateLimited {
				t.Fatalf("inside hold-out: got %v", got)
			}
			if tr.State(id) != StateClosed {
				t.Error("rate limit must not change breaker state")
			}

			clk.Advance(tt.holdAtMost + time.Second)
			if got := tr.Allow(id); got != Admitted {
				t.Errorf("after hold-out: got %v", got)
			}
			clk.Advance(-(tt.holdAtMost + time.Second))
		})
	}
}

func TestRateLimitDoesNotCountAsError(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	boom := errors.New("boom")

	tr.RecordFailure("b1", boom)
	tr.RecordFailure("b1", boom)
	tr.RecordRateLimited("b1", 30*time.Second)
	clk.Advance(31 * time.Second)
	tr.RecordFailure("b1", boom)

	// The rate limit sits between errors two and three. It is neither a
	// success nor a failure, so the streak continues and the third error
	// opens the breaker.
	if tr.State("b1") != StateOpen {
		t.Error("rate limit should not reset the error streak either")
	}
}

func TestProberSweepsOpenBackends(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		tr.RecordFailure("b1", boom)
	}
	clk.Advance(6 * time.Minute)

	var probed []string
	p := NewProber(tr, func(ctx context.Context, id string) error {
		probed = append(probed, id)
		return nil
	}, time.Minute, time.Second)

	p.sweep(context.Background())

	if len(probed) != 1 || probed[0] != "b1" {
		t.Fatalf("expected single probe of b1, got %v", probed)
	}
	if tr.State("b1") != StateHalfOpen {
		t.Error("successful probe should move the breaker to half-open")
	}

	// Closed backends are never probed.
	probed = nil
	tr.RecordSuccess("b2")
	p.sweep(context.Background())
	if len(probed) != 0 {
		t.Errorf("no backend is open, expected no probes, got %v", probed)
	}
}
