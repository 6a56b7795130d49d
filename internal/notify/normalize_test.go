package notify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize_EventIDDedupeKey(t *testing.T) {
	payload := map[string]any{"event_id": "evt_1", "summary": "build failed"}
	n := Normalize(payload, "webhook", "", "", 4096)

	require.Equal(t, "evt_1", n.SourceEventID)
	require.Equal(t, "event:webhook:-:evt_1", n.DedupeKey)
	require.Equal(t, "build failed", n.Summary)
	require.Len(t, n.PayloadHash, 64)
	require.False(t, n.RawTruncated)
}

func TestNormalize_CallerEventIDWins(t *testing.T) {
	payload := map[string]any{"event_id": "evt_payload"}
	n := Normalize(payload, "webhook", "", "evt_header", 4096)
	require.Equal(t, "evt_header", n.SourceEventID)
	require.Equal(t, "event:webhook:-:evt_header", n.DedupeKey)
}

func TestNormalize_EventIDFieldOrder(t *testing.T) {
	payload := map[string]any{"id": "later", "eventId": "earlier"}
	n := Normalize(payload, "cron", "", "", 4096)
	require.Equal(t, "earlier", n.SourceEventID, "eventId precedes id")
}

func TestNormalize_AccountInKey(t *testing.T) {
	payload := map[string]any{"event_id": "evt_1", "account": "acct_9"}
	n := Normalize(payload, "webhook", "", "", 4096)
	require.Equal(t, "acct_9", n.SourceAccount)
	require.Equal(t, "event:webhook:acct_9:evt_1", n.DedupeKey)
}

func TestNormalize_HashKeyWithoutEventID(t *testing.T) {
	payload := map[string]any{"detail": "no id here"}
	n := Normalize(payload, "heartbeat", "", "", 4096)
	require.Empty(t, n.SourceEventID)
	require.Equal(t, "hash:heartbeat:-:"+n.PayloadHash, n.DedupeKey)
}

func TestNormalize_CanonicalHashStable(t *testing.T) {
	// Same logical object, different construction order.
	a := Normalize(map[string]any{"b": "2", "a": "1"}, "webhook", "", "", 4096)
	b := Normalize(map[string]any{"a": "1", "b": "2"}, "webhook", "", "", 4096)
	require.Equal(t, a.PayloadHash, b.PayloadHash)
}

func TestNormalize_SummaryFallbacks(t *testing.T) {
	n := Normalize(map[string]any{"zebra": 1, "apple": 2}, "webhook", "", "", 4096)
	require.Equal(t, "object with keys: apple, zebra", n.Summary)

	n = Normalize([]any{1, 2, 3}, "webhook", "", "", 4096)
	require.Equal(t, "array with 3 items", n.Summary)

	n = Normalize("plain string payload", "webhook", "", "", 4096)
	require.Equal(t, "plain string payload", n.Summary)
}

func TestNormalize_SummaryClamped(t *testing.T) {
	long := strings.Repeat("x", 500)
	n := Normalize(map[string]any{"summary": long}, "webhook", "", "", 4096)
	require.LessOrEqual(t, len(n.Summary), 220)
}

func TestNormalize_SummaryStripsMarkupAndControls(t *testing.T) {
	n := Normalize(map[string]any{"summary": "<b>bold</b>\nnews"}, "webhook", "", "", 4096)
	require.Equal(t, "bold news", n.Summary)
}

func TestNormalize_ExcerptClampAndTruncation(t *testing.T) {
	big := strings.Repeat("y", 1000)
	n := Normalize(big, "webhook", "", "", 64) // below the floor, clamps to 256
	require.Len(t, n.RawExcerpt, 256)
	require.True(t, n.RawTruncated)
	require.EqualValues(t, 1000, n.RawSizeBytes)

	n = Normalize("small", "webhook", "", "", 64)
	require.False(t, n.RawTruncated)
	require.EqualValues(t, 5, n.RawSizeBytes)
}

func TestParseDecision_Valid(t *testing.T) {
	d, err := ParseDecision(`{"delivery":"suppress","message":null,"reasonCode":"deploy_noise"}`)
	require.NoError(t, err)
	require.Equal(t, "suppress", d.Delivery)
	require.Nil(t, d.Message)
	require.Equal(t, "deploy_noise", *d.ReasonCode)

	d, err = ParseDecision(`{"delivery":"send","message":"build failed on main","reasonCode":null}`)
	require.NoError(t, err)
	require.Equal(t, "send", d.Delivery)
	require.Equal(t, "build failed on main", *d.Message)
}

func TestParseDecision_Invalid(t *testing.T) {
	cases := []string{
		"",
		"not json",
		`{"delivery":"maybe","message":null,"reasonCode":null}`,
		`{"delivery":"send","message":null}`,
		`{"delivery":"send","message":null,"reasonCode":null,"extra":true}`,
		`["delivery"]`,
	}
	for _, c := range cases {
		_, err := ParseDecision(c)
		require.Error(t, err, "input %q must be rejected", c)
	}
}
