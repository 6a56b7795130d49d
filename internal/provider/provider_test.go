package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"+1 (555) 000-1111", "+15550001111", false},
		{"15550001111", "+15550001111", false},
		{"+1-555-000-1111", "+15550001111", false},
		{"", "", true},
		{"abc", "", true},
	}
	for _, tc := range tests {
		got, err := NormalizeNumber(tc.in)
		if tc.err {
			require.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestFlexString_StringAndArray(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"from_number":"+15550001111"}`), &m))
	require.EqualValues(t, "+15550001111", m.FromNumber)

	require.NoError(t, json.Unmarshal([]byte(`{"from_number":["","+15550002222"]}`), &m))
	require.EqualValues(t, "+15550002222", m.FromNumber)

	require.NoError(t, json.Unmarshal([]byte(`{"from_number":[]}`), &m))
	require.EqualValues(t, "", m.FromNumber)

	require.Error(t, json.Unmarshal([]byte(`{"from_number":42}`), &m))
}

func TestMessage_TimestampPreference(t *testing.T) {
	m := Message{CreatedAt: "2026-08-01T10:00:00Z", DateSent: "2026-08-01T11:00:00Z"}
	require.Equal(t, "2026-08-01T10:00:00Z", m.Timestamp().Format("2006-01-02T15:04:05Z"))

	m = Message{DateSent: "2026-08-01T11:00:00Z"}
	require.Equal(t, "2026-08-01T11:00:00Z", m.Timestamp().Format("2006-01-02T15:04:05Z"))

	m = Message{}
	require.Equal(t, maxTime, m.Timestamp())
}

func TestSortAscending_MissingTimestampsLast(t *testing.T) {
	msgs := []Message{
		{MessageHandle: "none"},
		{MessageHandle: "late", CreatedAt: "2026-08-01T12:00:00Z"},
		{MessageHandle: "early", CreatedAt: "2026-08-01T10:00:00Z"},
	}
	SortAscending(msgs)
	require.Equal(t, "early", msgs[0].MessageHandle)
	require.Equal(t, "late", msgs[1].MessageHandle)
	require.Equal(t, "none", msgs[2].MessageHandle)
}

func TestFetchLatest_ParsesAndAuths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/messages", r.URL.Path)
		require.Equal(t, "100", r.URL.Query().Get("limit"))
		require.Equal(t, "key", r.Header.Get("X-API-Key"))
		require.Equal(t, "secret", r.Header.Get("X-API-Secret"))
		_, _ = w.Write([]byte(`{"data":[{"message_handle":"m1","content":"hello","from_number":"+15550001111","is_outbound":false}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret")
	msgs, err := c.FetchLatest(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].MessageHandle)
	require.False(t, msgs[0].IsOutbound)
}

func TestFetchLatest_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret")
	_, err := c.FetchLatest(context.Background(), 100)
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchLatest_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret")
	_, err := c.FetchLatest(context.Background(), 100)
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load(), "4xx must not be retried")
}

func TestSendMessage_ReturnsHandleOrID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/send-message", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "+15550001111", body["number"])
		require.Equal(t, "+15550002222", body["from_number"])
		_, _ = w.Write([]byte(`{"id":"out_1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret")
	handle, err := c.SendMessage(context.Background(), "+15550001111", "+15550002222", "hi")
	require.NoError(t, err)
	require.Equal(t, "out_1", handle)
}

func TestMarkRead_SurfacesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "secret")
	err := c.MarkRead(context.Background(), "m1")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusNotFound, se.Code)
}
