package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsSparkUnavailable(t *testing.T) {
	positive := []string{
		"model gpt-5.3-codex-spark is not available for this account",
		"gpt-5.3-codex-spark: access denied",
		"GPT-5.3-CODEX-SPARK not permitted",
		"gpt-5.3-codex-spark requires a pro subscription",
		"insufficient quota for gpt-5.3-codex-spark",
		"unauthorized to use gpt-5.3-codex-spark",
	}
	for _, msg := range positive {
		require.True(t, isSparkUnavailable(msg), "should match %q", msg)
	}

	negative := []string{
		"model gpt-5.3-codex is not available for this account", // standard, not spark
		"gpt-5.3-codex-spark thread completed",                  // spark named, no denial marker
		"permission denied",                                     // marker, no spark name
		"thread not found",
	}
	for _, msg := range negative {
		require.False(t, isSparkUnavailable(msg), "should not match %q", msg)
	}
}

func TestDefaultEffort(t *testing.T) {
	require.Equal(t, "xhigh", DefaultEffort(ModelSpark))
	require.Equal(t, "medium", DefaultEffort(ModelStandard))
	require.Equal(t, "medium", DefaultEffort("gpt-5.3-codex-mini"))
}

func TestIsValidEffort(t *testing.T) {
	for _, e := range ValidEfforts {
		require.True(t, IsValidEffort(e))
	}
	require.False(t, IsValidEffort("extreme"))
	require.False(t, IsValidEffort(""))
}

func TestIsThreadNotFound(t *testing.T) {
	require.True(t, isThreadNotFound("Thread not found: t_123"))
	require.True(t, isThreadNotFound("thread not found"))
	require.False(t, isThreadNotFound("turn not found"))
}

func TestIsSteerUnsupported(t *testing.T) {
	require.True(t, isSteerUnsupported("unknown variant turn/steer"))
	require.True(t, isSteerUnsupported("Unknown method: turn/steer"))
	require.False(t, isSteerUnsupported("thread not found"))
}
