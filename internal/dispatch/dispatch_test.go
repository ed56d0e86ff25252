// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/backend"
	"github.com/jeranaias/rigroute/internal/health"
	"github.com/jeranaias/rigroute/internal/registry"
)

// scriptedInvoker returns canned invocations per backend, in order, and
// records the calls it saw.
type scriptedInvoker struct {
	script map[string][]*backend.Invocation
	calls  []string
}

func (s *scriptedInvoker) Invoke(ctx context.Context, b *registry.Backend, req *backend.Request) (*backend.Result, *backend.Invocation) {
	s.calls = append(s.calls, b.ID)
	queue := s.script[b.ID]
	if len(queue) == 0 {
		return &backend.Result{BackendID: b.ID, Content: "ok"}, &backend.Invocation{Outcome: backend.OutcomeSuccess}
	}
	inv := queue[0]
	s.script[b.ID] = queue[1:]
	if inv.OK() {
		return &backend.Result{BackendID: b.ID, Content: "ok"}, inv
	}
	return nil, inv
}

func (s *scriptedInvoker) Probe(ctx context.Context, b *registry.Backend) error { return nil }

// trailRecorder captures audit records for assertions.
type trailRecorder struct {
	classifications []audit.ClassificationRecord
	attempts        []audit.AttemptRecord
}

func (r *trailRecorder) Classification(rec audit.ClassificationRecord) {
	r.classifications = append(r.classifications, rec)
}
func (r *trailRecorder) Attempt(rec audit.AttemptRecord) { r.attempts = append(r.attempts, rec) }
func (r *trailRecorder) Close() error                    { return nil }

func failure(err string) *backend.Invocation {
	return &backend.Invocation{Outcome: backend.OutcomeError, Err: errors.New(err)}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Build(
		[]registry.Tier{
			{ID: "t-local", Class: registry.ClassLocal, PrivacyEligible: true, MaxContextTokens: 8192,
				Backends: []string{"b1", "b2"}},
		},
		[]registry.Backend{
			{ID: "b1", Provider: registry.ProviderOllama, Model: "m1"},
			{ID: "b2", Provider: registry.ProviderOllama, Model: "m2"},
		},
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return reg
}

func newTestDispatcher(t *testing.T, inv *scriptedInvoker, rec audit.Recorder) (*Dispatcher, *health.Tracker) {
	t.Helper()
	tracker := health.NewTracker(health.DefaultConfig())
	d := New(
		Config{Retries: 1, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond, InvokeTimeout: time.Second},
		testRegistry(t), tracker,
		map[registry.Provider]backend.Invoker{registry.ProviderOllama: inv},
		rec,
	)
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d, tracker
}

func TestDispatchFirstBackendSucceeds(t *testing.T) {
	inv := &scriptedInvoker{script: map[string][]*backend.Invocation{}}
	d, _ := newTestDispatcher(t, inv, nil)

	result, err := d.Dispatch(context.Background(), "t-local", backend.NewRequest("hi"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.BackendID != "b1" || result.TierID != "t-local" {
		t.Errorf("result = %+v", result)
	}
	if len(inv.calls) != 1 {
		t.Errorf("expected single call, got %v", inv.calls)
	}
}

func TestDispatchFailsOverAfterBudget(t *testing.T) {
	inv := &scriptedInvoker{script: map[string][]*backend.Invocation{
		"b1": {failure("down"), failure("down")}, // first attempt + one retry
	}}
	rec := &trailRecorder{}
	d, _ := newTestDispatcher(t, inv, rec)

	result, err := d.Dispatch(context.Background(), "t-local", backend.NewRequest("hi"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.BackendID != "b2" {
		t.Errorf("expected failover to b2, got %s", result.BackendID)
	}
	if want := []string{"b1", "b1", "b2"}; strings.Join(inv.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", inv.calls, want)
	}
	if len(rec.attempts) != 3 {
		t.Errorf("expected 3 attempt records, got %d", len(rec.attempts))
	}
}

func TestDispatchSkipsOpenBackend(t *testing.T) {
	inv := &scriptedInvoker{script: map[string][]*backend.Invocation{}}
	rec := &trailRecorder{}
	d, tracker := newTestDispatcher(t, inv, rec)

	for i := 0; i < 3; i++ {
		tracker.RecordFailure("b1", errors.New("down"))
	}

	result, err := d.Dispatch(context.Background(), "t-local", backend.NewRequest("hi"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.BackendID != "b2" {
		t.Errorf("expected b2, got %s", result.BackendID)
	}
	if len(inv.calls) != 1 || inv.calls[0] != "b2" {
		t.Errorf("open backend must not be invoked: %v", inv.calls)
	}
	if len(rec.attempts) != 2 || !rec.attempts[0].Skipped || rec.attempts[0].SkipReason != "circuit_open" {
		t.Errorf("expected skip record first, got %+v", rec.attempts)
	}
}

func TestDispatchExhaustedNamesAllBackends(t *testing.T) {
	inv := &scriptedInvoker{script: map[string][]*backend.Invocation{
		"b1": {failure("a"), failure("b")},
		"b2": {failure("c"), failure("d")},
	}}
	d, _ := newTestDispatcher(t, inv, nil)

	_, err := d.Dispatch(context.Background(), "t-local", backend.NewRequest("hi"))
	if err == nil {
		t.Fatal("expected exhaustion")
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *ExhaustedError, got %T", err)
	}
	backends := exhausted.Backends()
	if len(backends) != 2 || backends[0] != "b1" || backends[1] != "b2" {
		t.Errorf("Backends() = %v", backends)
	}
	msg := err.Error()
	if !strings.Contains(msg, "b1") || !strings.Contains(msg, "b2") || !strings.Contains(msg, "t-local") {
		t.Errorf("message incomplete: %s", msg)
	}
}

func TestDispatchRateLimitEndsCandidateImmediately(t *testing.T) {
	inv := &scriptedInvoker{script: map[string][]*backend.Invocation{
		"b1": {{Outcome: backend.OutcomeRateLimited, Err: errors.New("429"), RetryAfter: 30 * time.Second}},
	}}
	d, tracker := newTestDispatcher(t, inv, nil)

	result, err := d.Dispatch(context.Background(), "t-local", backend.NewRequest("hi"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.BackendID != "b2" {
		t.Errorf("expected immediate failover to b2, got %s", result.BackendID)
	}
	// No retry against b1, and the breaker stayed closed.
	count := 0
	for _, c := range inv.calls {
		if c == "b1" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("rate-limited backend retried %d times", count)
	}
	if tracker.State("b1") != health.StateClosed {
		t.Error("rate limit must not open the breaker")
	}
	// The hold-out blocks the next dispatch's use of b1.
	if tracker.Allow("b1") != health.DeniedRateLimited {
		t.Error("expected rate-limit hold-out on b1")
	}
}

func TestDispatchBookkeepingOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := &cancellingInvoker{cancel: cancel}
	rec := &trailRecorder{}
	d, tracker := newTestDispatcher(t, &scriptedInvoker{script: map[string][]*backend.Invocation{}}, rec)
	d.invokers[registry.ProviderOllama] = inv

	_, err := d.Dispatch(ctx, "t-local", backend.NewRequest("hi"))
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	// The attempt that was in flight when the caller hung up is still in
	// the audit trail.
	if len(rec.attempts) != 1 {
		t.Fatalf("expected 1 attempt record, got %d", len(rec.attempts))
	}
	// But the backend is not charged a failure for the caller's hangup.
	if tracker.State("b1") != health.StateClosed {
		t.Error("caller cancellation must not count toward breaker threshold")
	}
	snap := tracker.Snapshot()
	for _, st := range snap {
		if st.BackendID == "b1" && st.ConsecutiveErrs != 0 {
			t.Errorf("consecutive errors = %d after cancellation", st.ConsecutiveErrs)
		}
	}
}

// cancellingInvoker cancels the caller's context mid-invoke, then fails.
type cancellingInvoker struct {
	cancel context.CancelFunc
}

func (c *cancellingInvoker) Invoke(ctx context.Context, b *registry.Backend, req *backend.Request) (*backend.Result, *backend.Invocation) {
	c.cancel()
	return nil, &backend.Invocation{Outcome: backend.OutcomeError, Err: context.Canceled}
}

func (c *cancellingInvoker) Probe(ctx context.Context, b *registry.Backend) error { return nil }

func TestDispatchCancelledTrialFreesHalfOpenSlot(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker := health.NewTracker(health.DefaultConfig()).WithClock(func() time.Time { return now })

	ctx, cancel := context.WithCancel(context.Background())
	d := New(
		Config{Retries: 1, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond, InvokeTimeout: time.Second},
		testRegistry(t), tracker,
		map[registry.Provider]backend.Invoker{registry.ProviderOllama: &cancellingInvoker{cancel: cancel}},
		nil,
	)

	// Walk b1 to HALF_OPEN, then run a trial whose caller hangs up mid-flight.
	for i := 0; i < 3; i++ {
		tracker.RecordFailure("b1", errors.New("down"))
	}
	now = now.Add(6 * time.Minute)
	tracker.RecordProbeSuccess("b1")

	if _, err := d.Dispatch(ctx, "t-local", backend.NewRequest("hi")); err == nil {
		t.Fatal("expected error after cancellation")
	}

	// The abandoned trial hands its slot back: the breaker stays half-open
	// and keeps admitting, with no clock movement required.
	if tracker.State("b1") != health.StateHalfOpen {
		t.Fatalf("state = %v, want half-open", tracker.State("b1"))
	}
	if got := tracker.Allow("b1"); got != health.Admitted {
		t.Errorf("next attempt should be admitted, got %v", got)
	}
}

func TestDispatchUnknownTier(t *testing.T) {
	d, _ := newTestDispatcher(t, &scriptedInvoker{script: map[string][]*backend.Invocation{}}, nil)
	_, err := d.Dispatch(context.Background(), "nope", backend.NewRequest("hi"))
	if err == nil || !strings.Contains(err.Error(), "unknown tier") {
		t.Errorf("expected unknown tier error, got %v", err)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	d := New(Config{Retries: 5, BackoffBase: 100 * time.Millisecond, BackoffMax: 300 * time.Millisecond},
		testRegistry(t), health.NewTracker(health.DefaultConfig()), nil, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 300 * time.Millisecond}, // capped
		{attempt: 4, want: 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := d.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
