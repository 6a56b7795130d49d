// Package session owns the agent child process (through the codexrpc
// transport) and enforces the thread/turn state machine: steer-vs-start
// decisions, structured-output notification turns, model and effort
// settings, spark fallback, and recovery from lost threads.
package session

import (
	"strings"
)

// The two recognized models. Spark is the premium variant that may be
// inaccessible for an account; Standard is the fallback.
const (
	ModelStandard = "gpt-5.3-codex"
	ModelSpark    = "gpt-5.3-codex-spark"
)

// Valid reasoning effort levels.
var ValidEfforts = []string{"none", "minimal", "low", "medium", "high", "xhigh"}

// IsValidEffort reports whether s is a recognized effort level.
func IsValidEffort(s string) bool {
	for _, e := range ValidEfforts {
		if s == e {
			return true
		}
	}
	return false
}

// DefaultEffort returns the built-in effort for a model when the
// per-model map has no entry: spark runs xhigh, everything else medium.
func DefaultEffort(model string) string {
	if model == ModelSpark {
		return "xhigh"
	}
	return "medium"
}

// sparkDenialMarkers are the substrings (beyond the spark model name
// itself) that indicate the account cannot use spark. The agent's exact
// error surface is undocumented, so this predicate is deliberately a
// heuristic kept in one place.
var sparkDenialMarkers = []string{
	"not available",
	"not permitted",
	"not enabled",
	"insufficient",
	"permission",
	"access denied",
	"unauthorized",
	"forbidden",
	"pro",
}

// isSparkUnavailable reports whether an agent error message indicates
// the spark model is inaccessible for this account.
func isSparkUnavailable(msg string) bool {
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, ModelSpark) {
		return false
	}
	for _, marker := range sparkDenialMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// isThreadNotFound reports whether an agent error message indicates the
// referenced thread no longer exists server-side.
func isThreadNotFound(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "thread not found")
}

// isSteerUnsupported reports whether an agent error message indicates
// the running agent predates turn/steer.
func isSteerUnsupported(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "unknown variant") || strings.Contains(lower, "unknown method")
}
