// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"regexp"
	"strings"
)

// maxQueryLen bounds how much of a query the audit trail retains.
const maxQueryLen = 200

// secretPatterns match credential material that must never reach disk, even
// in an audit trail. Matched spans are replaced wholesale.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`),                                // OpenAI/Anthropic-style keys
	regexp.MustCompile(`sk-or-[A-Za-z0-9_-]{20,}`),                             // OpenRouter keys
	regexp.MustCompile(`(ghp|gho|ghs|ghu)_[A-Za-z0-9]{36,}`),                   // GitHub tokens
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),                                     // AWS access keys
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{16,}=*`),                // bearer tokens
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]*`), // JWTs
	regexp.MustCompile(`(?i)(password|passwd|api[_ ]?key|secret|token)\s*[:=]\s*\S+`),
}

// RedactQuery removes credential-shaped substrings and truncates the result
// for storage.
func RedactQuery(q string) string {
	for _, p := range secretPatterns {
		q = p.ReplaceAllString(q, "[REDACTED]")
	}
	q = strings.TrimSpace(q)
	if len(q) > maxQueryLen {
		runes := []rune(q)
		if len(runes) > maxQueryLen {
			runes = runes[:maxQueryLen]
		}
		q = string(runes) + "..."
	}
	return q
}
