// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package health

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// ProbeFunc checks liveness of one backend. Wiring supplies a closure that
// resolves the backend ID and calls the matching provider client.
type ProbeFunc func(ctx context.Context, backendID string) error

// Prober periodically probes OPEN backends so they can re-enter service
// without waiting for the absolute auto-reset.
type Prober struct {
	tracker  *Tracker
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration
	limiter  *rate.Limiter
}

// NewProber builds a prober. interval is the sweep period; timeout bounds
// each individual probe call.
func NewProber(tracker *Tracker, probe ProbeFunc, interval, timeout time.Duration) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	// One probe per second across all backends. A sweep with many open
	// backends spreads out instead of bursting at recovering services.
	return &Prober{
		tracker:  tracker,
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		limiter:  rate.NewLimiter(rate.Limit(1), 1),
	}
}

// Run sweeps until ctx is cancelled. Call in a goroutine.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Prober) sweep(ctx context.Context) {
	for _, id := range p.tracker.OpenBackends() {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.probe(probeCtx, id)
		cancel()
		if err != nil {
			log.Printf("PROBE | backend=%s ok=false err=%v", id, err)
			continue
		}
		log.Printf("PROBE | backend=%s ok=true", id)
		p.tracker.RecordProbeSuccess(id)
	}
}
