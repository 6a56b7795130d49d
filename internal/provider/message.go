package provider

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// FlexString accepts a JSON string or an array of strings, keeping the
// first non-empty entry. Some provider deployments send number fields
// either way.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		for _, v := range arr {
			if v != "" {
				*f = FlexString(v)
				return nil
			}
		}
		*f = ""
		return nil
	}
	return fmt.Errorf("expected string or string array, got %s", truncate(string(data), 40))
}

// Message is one inbound or outbound provider message.
type Message struct {
	MessageHandle string     `json:"message_handle"`
	Content       string     `json:"content"`
	FromNumber    FlexString `json:"from_number"`
	ToNumber      FlexString `json:"to_number"`
	IsOutbound    bool       `json:"is_outbound"`
	MediaURL      string     `json:"media_url"`
	CreatedAt     string     `json:"created_at"`
	DateSent      string     `json:"date_sent"`
	DateUpdated   string     `json:"date_updated"`
}

// maxTime sorts messages with no parseable timestamp last.
var maxTime = time.Unix(1<<41, 0)

// Timestamp returns the best-available message time: created_at, then
// date_sent, then date_updated. Messages with none sort last.
func (m Message) Timestamp() time.Time {
	for _, raw := range []string{m.CreatedAt, m.DateSent, m.DateUpdated} {
		if raw == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, raw); err == nil {
				return t
			}
		}
	}
	return maxTime
}

// SortAscending orders messages oldest-first by Timestamp. The sort is
// stable so provider order breaks ties.
func SortAscending(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp().Before(msgs[j].Timestamp())
	})
}

// NormalizeNumber strips all non-digit characters and prefixes "+".
// An empty result is rejected.
func NormalizeNumber(s string) (string, error) {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("no digits in number %q", s)
	}
	return "+" + b.String(), nil
}
