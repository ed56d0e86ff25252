// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Logger appends JSONL audit records to a file. One line per event, written
// through zerolog so the format matches the rest of the fleet's log tooling.
type Logger struct {
	f   *os.File
	log zerolog.Logger
}

// NewLogger opens (or creates) the audit stream at path with restrictive
// permissions.
func NewLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Logger{
		f:   f,
		log: zerolog.New(f).With().Timestamp().Logger(),
	}, nil
}

// Classification writes one classification record.
func (l *Logger) Classification(rec ClassificationRecord) {
	ev := l.log.Info().
		Str("event", "classification").
		Str("request_id", rec.RequestID).
		Str("query", rec.Query).
		Int("stage", rec.Stage).
		Str("tier", rec.TierID).
		Float64("confidence", rec.Confidence).
		Bool("privacy", rec.Privacy).
		Int64("elapsed_ms", rec.ElapsedMs)
	if rec.Origin != "" {
		ev = ev.Str("origin", rec.Origin)
	}
	if rec.RuleID != "" {
		ev = ev.Str("rule_id", rec.RuleID)
	}
	if len(rec.Scores) > 0 {
		d := zerolog.Dict()
		for k, v := range rec.Scores {
			d = d.Float64(k, v)
		}
		ev = ev.Dict("scores", d)
	}
	if rec.Escalated {
		ev = ev.Bool("escalated", true).Str("escalated_to", rec.EscalatedTo)
	}
	ev.Send()
}

// Attempt writes one invocation attempt or skip record.
func (l *Logger) Attempt(rec AttemptRecord) {
	ev := l.log.Info().
		Str("event", "attempt").
		Str("request_id", rec.RequestID).
		Str("tier", rec.TierID).
		Str("backend", rec.BackendID).
		Int("attempt", rec.Attempt).
		Str("outcome", rec.Outcome)
	if rec.Skipped {
		ev = ev.Bool("skipped", true).Str("skip_reason", rec.SkipReason)
	}
	if rec.LatencyMs > 0 {
		ev = ev.Int64("latency_ms", rec.LatencyMs)
	}
	if rec.Error != "" {
		ev = ev.Str("error", rec.Error)
	}
	ev.Send()
}

// Close flushes and closes the stream.
func (l *Logger) Close() error {
	return l.f.Close()
}

// now is split out so store and logger timestamp records the same way.
func now() time.Time { return time.Now().UTC() }
