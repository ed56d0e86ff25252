// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"fmt"
	"strings"
)

// Attempt is one entry in an exhaustion trail: a failed live attempt or a
// skipped candidate.
type Attempt struct {
	BackendID  string `json:"backend"`
	Attempt    int    `json:"attempt,omitempty"`
	Outcome    string `json:"outcome"`
	Err        string `json:"error,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// ExhaustedError is the terminal dispatch failure: every candidate in the
// tier's chain was tried or skipped without producing a result. It names
// each backend so operators can see the whole trail in one line.
type ExhaustedError struct {
	RequestID string
	TierID    string
	Attempts  []Attempt
	// Cause is non-nil when the walk ended early on caller cancellation.
	Cause error
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all backends exhausted for tier %s", e.TierID)
	if len(e.Attempts) > 0 {
		b.WriteString(": ")
		for i, a := range e.Attempts {
			if i > 0 {
				b.WriteString("; ")
			}
			if a.Skipped {
				fmt.Fprintf(&b, "%s skipped (%s)", a.BackendID, a.SkipReason)
			} else if a.Err != "" {
				fmt.Fprintf(&b, "%s attempt %d %s (%s)", a.BackendID, a.Attempt, a.Outcome, a.Err)
			} else {
				fmt.Fprintf(&b, "%s attempt %d %s", a.BackendID, a.Attempt, a.Outcome)
			}
		}
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, " (aborted: %v)", e.Cause)
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() error {
	return e.Cause
}

// Backends returns the distinct backend IDs that appear in the trail, in
// first-seen order.
func (e *ExhaustedError) Backends() []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range e.Attempts {
		if !seen[a.BackendID] {
			seen[a.BackendID] = true
			out = append(out, a.BackendID)
		}
	}
	return out
}
