// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch executes routed requests against a tier's backend chain.
//
// The chain order is fixed by the registry. For each candidate the dispatcher
// asks the health tracker for admission, runs up to the configured attempt
// budget with exponential backoff, and records every attempt and skip to the
// health tracker and the audit trail. Recording happens before any
// cancellation check so the books stay consistent even when the caller gives
// up mid-flight.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/backend"
	"github.com/jeranaias/rigroute/internal/health"
	"github.com/jeranaias/rigroute/internal/registry"
)

// ============================================================================
// CONFIG
// ============================================================================

// Config holds dispatch policy. Zero values are replaced by defaults.
type Config struct {
	// Retries is the number of additional attempts per backend after the
	// first, for retryable failures only.
	Retries int

	// BackoffBase is the delay before the first retry; each further retry
	// doubles it up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// InvokeTimeout bounds each individual backend attempt.
	InvokeTimeout time.Duration
}

// DefaultConfig returns the stock dispatch policy.
func DefaultConfig() Config {
	return Config{
		Retries:       2,
		BackoffBase:   500 * time.Millisecond,
		BackoffMax:    10 * time.Second,
		InvokeTimeout: 120 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.Retries < 0 {
		c.Retries = d.Retries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = d.InvokeTimeout
	}
}

// ============================================================================
// DISPATCHER
// ============================================================================

// Dispatcher walks tier backend chains and runs invocations.
type Dispatcher struct {
	cfg      Config
	reg      *registry.Registry
	tracker  *health.Tracker
	invokers map[registry.Provider]backend.Invoker
	recorder audit.Recorder

	localInFlight atomic.Int64

	// sleep is swappable so tests run without real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a dispatcher. invokers must cover every provider the registry
// declares.
func New(cfg Config, reg *registry.Registry, tracker *health.Tracker, invokers map[registry.Provider]backend.Invoker, recorder audit.Recorder) *Dispatcher {
	cfg.setDefaults()
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Dispatcher{
		cfg:      cfg,
		reg:      reg,
		tracker:  tracker,
		invokers: invokers,
		recorder: recorder,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// LocalInFlight reports how many invocations against local backends are
// currently running. Feeds the saturation monitor.
func (d *Dispatcher) LocalInFlight() int64 {
	return d.localInFlight.Load()
}

// Dispatch runs req against the tier's backend chain and returns the first
// successful result. On total failure the returned error is an
// *ExhaustedError naming every backend tried or skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, tierID string, req *backend.Request) (*backend.Result, error) {
	tier := d.reg.Tier(tierID)
	if tier == nil {
		return nil, fmt.Errorf("dispatch: unknown tier %q", tierID)
	}

	var trail []Attempt
	for _, backendID := range tier.Backends {
		b := d.reg.Backend(backendID)
		inv := d.invokers[b.Provider]
		if inv == nil {
			return nil, fmt.Errorf("dispatch: no invoker for provider %q", b.Provider)
		}

		result, stop := d.tryBackend(ctx, tier, b, inv, req, &trail)
		if result != nil {
			result.TierID = tier.ID
			return result, nil
		}
		if stop {
			return nil, &ExhaustedError{
				RequestID: req.ID,
				TierID:    tier.ID,
				Attempts:  trail,
				Cause:     ctx.Err(),
			}
		}
	}

	err := &ExhaustedError{RequestID: req.ID, TierID: tier.ID, Attempts: trail}
	log.Printf("DISPATCH | request=%s tier=%s exhausted backends=%d", req.ID, tier.ID, len(trail))
	return nil, err
}

// tryBackend runs the attempt budget against one backend. It returns the
// result on success, or stop=true when the caller's context is done and the
// chain walk should end.
func (d *Dispatcher) tryBackend(ctx context.Context, tier *registry.Tier, b *registry.Backend, inv backend.Invoker, req *backend.Request, trail *[]Attempt) (*backend.Result, bool) {
	maxAttempts := 1 + d.cfg.Retries

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		decision := d.tracker.Allow(b.ID)
		if decision != health.Admitted {
			// Only the first look at a backend produces a skip record;
			// a mid-retry denial means our own failures opened it.
			if attempt == 1 {
				d.recordSkip(req, tier, b, decision)
				*trail = append(*trail, Attempt{
					BackendID:  b.ID,
					Outcome:    "skipped",
					Skipped:    true,
					SkipReason: decision.String(),
				})
			}
			return nil, false
		}

		invocation := d.invoke(ctx, b, inv, req)

		// Bookkeeping first. The caller may have hung up, but health
		// counters and the audit trail must reflect what happened.
		d.settle(req, tier, b, attempt, invocation, ctx.Err() != nil)

		if invocation.OK() {
			return invocation.result, false
		}

		*trail = append(*trail, Attempt{
			BackendID: b.ID,
			Attempt:   attempt,
			Outcome:   invocation.inv.Outcome.String(),
			Err:       errString(invocation.inv.Err),
		})

		if ctx.Err() != nil {
			return nil, true
		}
		if !invocation.inv.Retryable() {
			return nil, false
		}
		if attempt < maxAttempts {
			if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
				return nil, true
			}
		}
	}
	return nil, false
}

// settled bundles one attempt's result and invocation report.
type settled struct {
	result *backend.Result
	inv    *backend.Invocation
}

func (s *settled) OK() bool { return s.inv.OK() }

func (d *Dispatcher) invoke(ctx context.Context, b *registry.Backend, inv backend.Invoker, req *backend.Request) *settled {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.InvokeTimeout)
	defer cancel()

	if b.Provider == registry.ProviderOllama {
		d.localInFlight.Add(1)
		defer d.localInFlight.Add(-1)
	}

	result, invocation := inv.Invoke(attemptCtx, b, req)
	return &settled{result: result, inv: invocation}
}

// settle updates health state and writes the audit record for one attempt.
// A failure caused by the caller hanging up is audited but not charged
// against the backend: the breaker tracks backend faults, not impatient
// clients.
func (d *Dispatcher) settle(req *backend.Request, tier *registry.Tier, b *registry.Backend, attempt int, s *settled, callerGone bool) {
	switch s.inv.Outcome {
	case backend.OutcomeSuccess:
		d.tracker.RecordSuccess(b.ID)
	case backend.OutcomeRateLimited:
		d.tracker.RecordRateLimited(b.ID, s.inv.RetryAfter)
	default:
		if callerGone {
			// Not the backend's fault, but a reserved HALF_OPEN trial
			// slot must still come back.
			d.tracker.ReleaseTrial(b.ID)
		} else {
			d.tracker.RecordFailure(b.ID, s.inv.Err)
		}
	}

	rec := audit.AttemptRecord{
		RequestID: req.ID,
		TierID:    tier.ID,
		BackendID: b.ID,
		Attempt:   attempt,
		Outcome:   s.inv.Outcome.String(),
		Error:     errString(s.inv.Err),
	}
	if s.result != nil {
		rec.LatencyMs = s.result.LatencyMs
	}
	d.recorder.Attempt(rec)
}

func (d *Dispatcher) recordSkip(req *backend.Request, tier *registry.Tier, b *registry.Backend, decision health.Decision) {
	d.recorder.Attempt(audit.AttemptRecord{
		RequestID:  req.ID,
		TierID:     tier.ID,
		BackendID:  b.ID,
		Outcome:    "skipped",
		Skipped:    true,
		SkipReason: decision.String(),
	})
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BackoffBase << uint(attempt-1)
	if delay > d.cfg.BackoffMax {
		delay = d.cfg.BackoffMax
	}
	return delay
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
