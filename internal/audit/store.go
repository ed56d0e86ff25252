// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS classifications (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id  TEXT NOT NULL,
	origin      TEXT,
	query       TEXT NOT NULL,
	stage       INTEGER NOT NULL,
	tier        TEXT NOT NULL,
	confidence  REAL NOT NULL,
	rule_id     TEXT,
	privacy     INTEGER NOT NULL,
	scores      TEXT,
	escalated   INTEGER NOT NULL DEFAULT 0,
	escalated_to TEXT,
	elapsed_ms  INTEGER NOT NULL,
	at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_classifications_request ON classifications(request_id);
CREATE INDEX IF NOT EXISTS idx_classifications_at ON classifications(at);

CREATE TABLE IF NOT EXISTS attempts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id  TEXT NOT NULL,
	tier        TEXT NOT NULL,
	backend     TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	outcome     TEXT NOT NULL,
	skipped     INTEGER NOT NULL DEFAULT 0,
	skip_reason TEXT,
	latency_ms  INTEGER,
	error       TEXT,
	at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_request ON attempts(request_id);
CREATE INDEX IF NOT EXISTS idx_attempts_backend ON attempts(backend);
`

// Store persists audit records to SQLite for post-hoc querying.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the audit database at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Classification persists one classification record. Write failures are
// logged, never propagated; auditing must not fail requests.
func (s *Store) Classification(rec ClassificationRecord) {
	var scores []byte
	if len(rec.Scores) > 0 {
		scores, _ = json.Marshal(rec.Scores)
	}
	if rec.At.IsZero() {
		rec.At = now()
	}
	_, err := s.db.Exec(
		`INSERT INTO classifications
		 (request_id, origin, query, stage, tier, confidence, rule_id, privacy, scores, escalated, escalated_to, elapsed_ms, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Origin, rec.Query, rec.Stage, rec.TierID, rec.Confidence,
		rec.RuleID, boolInt(rec.Privacy), string(scores), boolInt(rec.Escalated),
		rec.EscalatedTo, rec.ElapsedMs, rec.At.Format("2006-01-02T15:04:05.000Z07:00"),
	)
	if err != nil {
		log.Printf("AUDIT | store=classification err=%v", err)
	}
}

// Attempt persists one attempt record.
func (s *Store) Attempt(rec AttemptRecord) {
	if rec.At.IsZero() {
		rec.At = now()
	}
	_, err := s.db.Exec(
		`INSERT INTO attempts
		 (request_id, tier, backend, attempt, outcome, skipped, skip_reason, latency_ms, error, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.TierID, rec.BackendID, rec.Attempt, rec.Outcome,
		boolInt(rec.Skipped), rec.SkipReason, rec.LatencyMs, rec.Error,
		rec.At.Format("2006-01-02T15:04:05.000Z07:00"),
	)
	if err != nil {
		log.Printf("AUDIT | store=attempt err=%v", err)
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
