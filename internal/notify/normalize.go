// Package notify implements the notification pipeline: normalization,
// dedupe ingestion, queue claiming, the structured-output decision turn,
// and retention pruning.
package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// Summary length cap, in bytes.
const maxSummaryLen = 220

// Raw excerpt clamp bounds.
const (
	minExcerptBytes = 256
	maxExcerptBytes = 32768
)

var htmlPolicy = bluemonday.StrictPolicy()

// Normalized is the canonical form of an ingested payload.
type Normalized struct {
	Source        string
	SourceAccount string
	SourceEventID string
	DedupeKey     string
	Summary       string
	PayloadHash   string
	RawExcerpt    []byte
	RawSizeBytes  int64
	RawTruncated  bool
}

// summaryFields are probed in order for a usable one-line summary.
var summaryFields = []string{"summary", "message", "text", "title", "event", "type", "kind"}

// eventIDFields are probed in order when the caller supplied no event id.
var eventIDFields = []string{"event_id", "eventId", "id", "message_handle"}

// accountFields are probed in order when the caller supplied no account.
var accountFields = []string{"source_account", "sourceAccount", "account", "account_id", "accountId"}

// Normalize canonicalizes a payload and derives the identity and
// display fields the store needs. rawExcerptBytes is clamped to
// [256, 32768].
func Normalize(payload any, source, sourceAccount, sourceEventID string, rawExcerptBytes int) Normalized {
	canonical := canonicalize(payload)

	sum := sha256.Sum256([]byte(canonical))
	hash := hex.EncodeToString(sum[:])

	obj, _ := payload.(map[string]any)

	if sourceEventID == "" {
		sourceEventID = firstStringField(obj, eventIDFields)
	}
	if sourceAccount == "" {
		sourceAccount = firstStringField(obj, accountFields)
	}

	account := sourceAccount
	if account == "" {
		account = "-"
	}
	var dedupeKey string
	if sourceEventID != "" {
		dedupeKey = fmt.Sprintf("event:%s:%s:%s", source, account, sourceEventID)
	} else {
		dedupeKey = fmt.Sprintf("hash:%s:%s:%s", source, account, hash)
	}

	if rawExcerptBytes < minExcerptBytes {
		rawExcerptBytes = minExcerptBytes
	}
	if rawExcerptBytes > maxExcerptBytes {
		rawExcerptBytes = maxExcerptBytes
	}
	raw := []byte(canonical)
	size := int64(len(raw))
	truncated := false
	if len(raw) > rawExcerptBytes {
		raw = raw[:rawExcerptBytes]
		truncated = true
	}

	return Normalized{
		Source:        source,
		SourceAccount: sourceAccount,
		SourceEventID: sourceEventID,
		DedupeKey:     dedupeKey,
		Summary:       summarize(payload, canonical),
		PayloadHash:   hash,
		RawExcerpt:    raw,
		RawSizeBytes:  size,
		RawTruncated:  truncated,
	}
}

// canonicalize renders objects and arrays as compact JSON (Go's map
// marshaling sorts keys, so equal objects hash equally) and everything
// else via plain string conversion.
func canonicalize(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	default:
		return fmt.Sprint(v)
	}
}

func firstStringField(obj map[string]any, fields []string) string {
	for _, f := range fields {
		if v, ok := obj[f].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// summarize produces a display line of at most 220 bytes: a preferred
// string field, a key listing for objects, an item count for arrays, or
// the canonical text itself.
func summarize(payload any, canonical string) string {
	switch v := payload.(type) {
	case map[string]any:
		if s := firstStringField(v, summaryFields); s != "" {
			return clampSummary(s)
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return clampSummary("object with keys: " + strings.Join(keys, ", "))
	case []any:
		return clampSummary(fmt.Sprintf("array with %d items", len(v)))
	default:
		return clampSummary(canonical)
	}
}

// clampSummary strips markup and control characters, then truncates at
// a rune boundary to fit the summary cap.
func clampSummary(s string) string {
	s = htmlPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	s = strings.TrimSpace(s)

	if len(s) <= maxSummaryLen {
		return s
	}
	cut := maxSummaryLen
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut]
}
