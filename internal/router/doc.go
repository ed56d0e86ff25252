// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router classifies requests onto capability tiers.
//
// Three stages run in strict order:
//
//   - Stage 0: compiled pattern rules. Privacy markers, the local context
//     ceiling, code intent, live-data markers, and trivial short questions.
//     A match is final with confidence 1.0.
//   - Stage 1: a heuristic scorer over five normalized dimensions with
//     per-tier affinity weights. Confidence comes from the top-two margin.
//   - Stage 2: a fast local model asked for a category label, consulted only
//     when stage 1 is ambiguous, under a hard wall-clock budget. Any failure
//     falls back to the stage-1 answer.
//
// After classification the saturation monitor may upgrade a local decision
// to the cheapest capable remote tier, never for privacy requests. The
// router guarantees that privacy-flagged decisions resolve to
// privacy-eligible tiers on every path.
package router
