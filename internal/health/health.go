// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package health tracks per-backend circuit state for the dispatcher.
//
// Each backend has an independent breaker: CLOSED admits traffic, OPEN
// rejects it, HALF_OPEN admits exactly one live attempt whose result decides
// the next state. Transitions follow one direction only (CLOSED -> OPEN ->
// HALF_OPEN -> CLOSED or back to OPEN); an OPEN breaker never jumps straight
// to CLOSED. Rate limiting is a hold-out window, not a breaker transition,
// and never touches the consecutive error counter.
package health

import (
	"log"
	"sync"
	"time"
)

// ============================================================================
// STATE
// ============================================================================

// State is the breaker position for one backend.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the wire label used in /health output and logs.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Decision is the outcome of an admission check.
type Decision int

const (
	// Admitted means the caller may invoke the backend now.
	Admitted Decision = iota
	// DeniedOpen means the breaker is open and not yet due for reset.
	DeniedOpen
	// DeniedRateLimited means the backend is inside a rate-limit hold-out.
	DeniedRateLimited
	// DeniedBusy means a HALF_OPEN trial attempt is already in flight.
	DeniedBusy
)

// String returns the skip-trail label for the decision.
func (d Decision) String() string {
	switch d {
	case Admitted:
		return "admitted"
	case DeniedOpen:
		return "circuit_open"
	case DeniedRateLimited:
		return "rate_limited"
	case DeniedBusy:
		return "probe_in_flight"
	default:
		return "unknown"
	}
}

// ============================================================================
// CONFIG
// ============================================================================

// Config holds breaker timing policy. Zero values are replaced by defaults.
type Config struct {
	ErrorThreshold int           // consecutive failures before opening
	Cooldown       time.Duration // minimum open period before probes matter
	AutoReset      time.Duration // absolute open ceiling; forces HALF_OPEN
	RateLimitMin   time.Duration // clamp floor for provider retry-after hints
	RateLimitMax   time.Duration // clamp ceiling for provider retry-after hints
}

// DefaultConfig returns the stock breaker policy.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 3,
		Cooldown:       5 * time.Minute,
		AutoReset:      15 * time.Minute,
		RateLimitMin:   10 * time.Second,
		RateLimitMax:   120 * time.Second,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.AutoReset <= 0 {
		c.AutoReset = d.AutoReset
	}
	if c.RateLimitMin <= 0 {
		c.RateLimitMin = d.RateLimitMin
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = d.RateLimitMax
	}
}

// ============================================================================
// TRACKER
// ============================================================================

type record struct {
	mu               sync.Mutex
	state            State
	consecutiveErrs  int
	openedAt         time.Time
	cooldownUntil    time.Time
	rateLimitedUntil time.Time
	trialInFlight    bool
	lastErr          string
	successes        int64
	failures         int64
}

// Tracker holds breaker records for all backends. Records are created lazily
// on first use and live for the process lifetime.
type Tracker struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	records map[string]*record
}

// NewTracker creates a tracker with the given policy.
func NewTracker(cfg Config) *Tracker {
	cfg.setDefaults()
	return &Tracker{
		cfg:     cfg,
		now:     time.Now,
		records: make(map[string]*record),
	}
}

// WithClock replaces the time source. Test hook.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) record(id string) *record {
	t.mu.RLock()
	r := t.records[id]
	t.mu.RUnlock()
	if r != nil {
		return r
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if r = t.records[id]; r == nil {
		r = &record{state: StateClosed}
		t.records[id] = r
	}
	return r
}

// Allow checks whether backendID may receive a live request right now.
// An Admitted result from a HALF_OPEN breaker reserves the single trial
// slot; the caller must follow with RecordSuccess, RecordFailure, or
// RecordRateLimited to release it.
func (t *Tracker) Allow(backendID string) Decision {
	r := t.record(backendID)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := t.now()
	t.maybeAutoResetLocked(backendID, r, now)

	if now.Before(r.rateLimitedUntil) {
		return DeniedRateLimited
	}

	switch r.state {
	case StateClosed:
		return Admitted
	case StateOpen:
		return DeniedOpen
	case StateHalfOpen:
		if r.trialInFlight {
			return DeniedBusy
		}
		r.trialInFlight = true
		return Admitted
	default:
		return DeniedOpen
	}
}

// maybeAutoResetLocked forces OPEN -> HALF_OPEN once the absolute reset
// deadline passes, probe or no probe. Caller holds r.mu.
func (t *Tracker) maybeAutoResetLocked(id string, r *record, now time.Time) {
	if r.state == StateOpen && !now.Before(r.openedAt.Add(t.cfg.AutoReset)) {
		r.state = StateHalfOpen
		r.trialInFlight = false
		log.Printf("HEALTH | backend=%s transition=open->half_open cause=auto_reset", id)
	}
}

// RecordSuccess notes a successful live attempt. In HALF_OPEN this closes
// the breaker and clears the error streak.
func (t *Tracker) RecordSuccess(backendID string) {
	r := t.record(backendID)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.successes++
	r.consecutiveErrs = 0
	r.lastErr = ""
	if r.state == StateHalfOpen {
		r.state = StateClosed
		r.trialInFlight = false
		log.Printf("HEALTH | backend=%s transition=half_open->closed cause=success", backendID)
	}
}

// RecordFailure notes a failed live attempt (error or timeout). In CLOSED a
// streak reaching the threshold opens the breaker. In HALF_OPEN the trial
// failure reopens it with a fresh cooldown.
func (t *Tracker) RecordFailure(backendID string, err error) {
	r := t.record(backendID)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := t.now()
	r.failures++
	r.consecutiveErrs++
	if err != nil {
		r.lastErr = err.Error()
	}

	switch r.state {
	case StateClosed:
		if r.consecutiveErrs >= t.cfg.ErrorThreshold {
			t.openLocked(backendID, r, now, "threshold")
		}
	case StateHalfOpen:
		r.trialInFlight = false
		t.openLocked(backendID, r, now, "trial_failed")
	}
}

func (t *Tracker) openLocked(id string, r *record, now time.Time, cause string) {
	from := r.state
	r.state = StateOpen
	r.openedAt = now
	r.cooldownUntil = now.Add(t.cfg.Cooldown)
	log.Printf("HEALTH | backend=%s transition=%s->open cause=%s errs=%d",
		id, from, cause, r.consecutiveErrs)
}

// RecordRateLimited holds the backend out for the provider's retry-after
// hint, clamped into [RateLimitMin, RateLimitMax]. The error streak and the
// breaker state are untouched; a rate limit is load shedding, not a fault.
func (t *Tracker) RecordRateLimited(backendID string, retryAfter time.Duration) {
	r := t.record(backendID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if retryAfter < t.cfg.RateLimitMin {
		retryAfter = t.cfg.RateLimitMin
	}
	if retryAfter > t.cfg.RateLimitMax {
		retryAfter = t.cfg.RateLimitMax
	}
	r.rateLimitedUntil = t.now().Add(retryAfter)
	if r.state == StateHalfOpen {
		r.trialInFlight = false
	}
	log.Printf("HEALTH | backend=%s rate_limited hold_s=%.0f", backendID, retryAfter.Seconds())
}

// ReleaseTrial frees a reserved HALF_OPEN trial slot without judging the
// backend. Used when an attempt ends for a reason the backend does not own,
// such as the caller hanging up mid-trial: the breaker stays HALF_OPEN and
// the next live attempt decides the transition.
func (t *Tracker) ReleaseTrial(backendID string) {
	r := t.record(backendID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == StateHalfOpen && r.trialInFlight {
		r.trialInFlight = false
		log.Printf("HEALTH | backend=%s trial_released cause=caller_gone", backendID)
	}
}

// RecordProbeSuccess moves an OPEN breaker past its cooldown to HALF_OPEN.
// Probe results inside the cooldown window are ignored; a flapping backend
// gets the full cooldown before the next live trial.
func (t *Tracker) RecordProbeSuccess(backendID string) {
	r := t.record(backendID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateOpen {
		return
	}
	if t.now().Before(r.cooldownUntil) {
		return
	}
	r.state = StateHalfOpen
	r.trialInFlight = false
	log.Printf("HEALTH | backend=%s transition=open->half_open cause=probe", backendID)
}

// ============================================================================
// INTROSPECTION
// ============================================================================

// BackendStatus is a point-in-time view of one breaker for /health.
type BackendStatus struct {
	BackendID        string    `json:"backend_id"`
	State            string    `json:"state"`
	ConsecutiveErrs  int       `json:"consecutive_errors"`
	Successes        int64     `json:"successes"`
	Failures         int64     `json:"failures"`
	LastError        string    `json:"last_error,omitempty"`
	OpenedAt         time.Time `json:"opened_at,omitzero"`
	RateLimitedUntil time.Time `json:"rate_limited_until,omitzero"`
}

// State returns the current breaker state for backendID, applying any due
// auto-reset first.
func (t *Tracker) State(backendID string) State {
	r := t.record(backendID)
	r.mu.Lock()
	defer r.mu.Unlock()
	t.maybeAutoResetLocked(backendID, r, t.now())
	return r.state
}

// OpenBackends returns the IDs of backends currently OPEN, for the prober.
func (t *Tracker) OpenBackends() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	var open []string
	for _, id := range ids {
		if t.State(id) == StateOpen {
			open = append(open, id)
		}
	}
	return open
}

// Snapshot returns the status of every tracked backend.
func (t *Tracker) Snapshot() []BackendStatus {
	t.mu.RLock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	out := make([]BackendStatus, 0, len(ids))
	for _, id := range ids {
		r := t.record(id)
		r.mu.Lock()
		t.maybeAutoResetLocked(id, r, t.now())
		st := BackendStatus{
			BackendID:       id,
			State:           r.state.String(),
			ConsecutiveErrs: r.consecutiveErrs,
			Successes:       r.successes,
			Failures:        r.failures,
			LastError:       r.lastErr,
		}
		if r.state != StateClosed {
			st.OpenedAt = r.openedAt
		}
		if t.now().Before(r.rateLimitedUntil) {
			st.RateLimitedUntil = r.rateLimitedUntil
		}
		r.mu.Unlock()
		out = append(out, st)
	}
	return out
}
