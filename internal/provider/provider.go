// Package provider is the HTTP client for the messaging provider. It
// polls inbound messages, sends outbound messages, and fires the
// best-effort typing-indicator and read-receipt calls.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/codexbridge/codexbridge/internal/metrics"
)

const (
	requestTimeout = 10 * time.Second
	fetchAttempts  = 3
)

// Client talks to the messaging provider's HTTP API.
type Client struct {
	apiBase   string
	apiKey    string
	apiSecret string
	http      *http.Client
}

// New creates a provider client. apiBase must not end with a slash.
func New(apiBase, apiKey, apiSecret string) *Client {
	return &Client{
		apiBase:   strings.TrimRight(apiBase, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: requestTimeout},
	}
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.Code, e.Body)
}

// retryable reports whether a status code is worth another attempt.
func retryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-API-Secret", c.apiSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(data), 200)}
	}
	return data, nil
}

// FetchLatest returns up to limit of the provider's latest messages,
// retrying transient failures (429/502/503/504 and network errors) with
// exponential backoff and jitter.
func (c *Client) FetchLatest(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	start := time.Now()
	defer func() {
		metrics.ProviderRequestDuration.WithLabelValues("fetch").Observe(time.Since(start).Seconds())
	}()

	op := func() ([]byte, error) {
		data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v2/messages?limit=%d", limit), nil)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !retryable(se.Code) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return data, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 4 * time.Second
	b.Multiplier = 2.0

	data, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(fetchAttempts))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var payload struct {
		Data []Message `json:"data"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return payload.Data, nil
}

// SendMessage posts one outbound message and returns the provider's
// message handle (or id) for it.
func (c *Client) SendMessage(ctx context.Context, to, from, content string) (string, error) {
	start := time.Now()
	defer func() {
		metrics.ProviderRequestDuration.WithLabelValues("send").Observe(time.Since(start).Seconds())
	}()

	data, err := c.do(ctx, http.MethodPost, "/send-message", map[string]string{
		"number":      to,
		"from_number": from,
		"content":     content,
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	var resp struct {
		MessageHandle string `json:"message_handle"`
		ID            string `json:"id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if resp.MessageHandle != "" {
		return resp.MessageHandle, nil
	}
	return resp.ID, nil
}

// SendTypingIndicator fires a best-effort typing indicator.
func (c *Client) SendTypingIndicator(ctx context.Context, to, from string) error {
	start := time.Now()
	defer func() {
		metrics.ProviderRequestDuration.WithLabelValues("typing").Observe(time.Since(start).Seconds())
	}()

	_, err := c.do(ctx, http.MethodPost, "/send-typing-indicator", map[string]string{
		"number":      to,
		"from_number": from,
	})
	return err
}

// MarkRead fires a best-effort read receipt for a message handle.
// Success is advisory only.
func (c *Client) MarkRead(ctx context.Context, handle string) error {
	start := time.Now()
	defer func() {
		metrics.ProviderRequestDuration.WithLabelValues("mark_read").Observe(time.Since(start).Seconds())
	}()

	_, err := c.do(ctx, http.MethodPost, "/mark-read", map[string]string{
		"message_handle": handle,
	})
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
