// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit records classification decisions and invocation attempts.
//
// Two sinks are provided: a JSONL stream for tailing and a SQLite store for
// querying. Recording is best-effort; a failed write never fails the request
// that produced it. Query text is redacted and truncated before any sink
// sees it.
package audit

import (
	"time"
)

// ClassificationRecord captures the outcome of the classification pipeline
// for one request, including any saturation escalation.
type ClassificationRecord struct {
	RequestID   string             `json:"request_id"`
	Origin      string             `json:"origin,omitempty"`
	Query       string             `json:"query"` // redacted, truncated
	Stage       int                `json:"stage"`
	TierID      string             `json:"tier"`
	Confidence  float64            `json:"confidence"`
	RuleID      string             `json:"rule_id,omitempty"`
	Privacy     bool               `json:"privacy"`
	Scores      map[string]float64 `json:"scores,omitempty"`
	Escalated   bool               `json:"escalated,omitempty"`
	EscalatedTo string             `json:"escalated_to,omitempty"`
	ElapsedMs   int64              `json:"elapsed_ms"`
	At          time.Time          `json:"at"`
}

// AttemptRecord captures one dispatcher action against one backend: a live
// invocation attempt or a skip.
type AttemptRecord struct {
	RequestID  string    `json:"request_id"`
	TierID     string    `json:"tier"`
	BackendID  string    `json:"backend"`
	Attempt    int       `json:"attempt"`
	Outcome    string    `json:"outcome"`
	Skipped    bool      `json:"skipped,omitempty"`
	SkipReason string    `json:"skip_reason,omitempty"`
	LatencyMs  int64     `json:"latency_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Recorder receives audit records. Implementations must be safe for
// concurrent use and must not block the request path on slow media.
type Recorder interface {
	Classification(rec ClassificationRecord)
	Attempt(rec AttemptRecord)
	Close() error
}

// Nop discards everything. Default when auditing is disabled, and handy in
// tests.
type Nop struct{}

func (Nop) Classification(ClassificationRecord) {}
func (Nop) Attempt(AttemptRecord)               {}
func (Nop) Close() error                        { return nil }

// Tee fans records out to multiple sinks.
type Tee []Recorder

func (t Tee) Classification(rec ClassificationRecord) {
	for _, r := range t {
		r.Classification(rec)
	}
}

func (t Tee) Attempt(rec AttemptRecord) {
	for _, r := range t {
		r.Attempt(rec)
	}
}

func (t Tee) Close() error {
	var first error
	for _, r := range t {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
