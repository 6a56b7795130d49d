package codexrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codexbridge/codexbridge/internal/util/testutil"
)

// TestHelperAgent acts as a fake Codex app-server speaking line-framed
// JSON-RPC on stdin/stdout. Behavior is keyed off the request method.
func TestHelperAgent(t *testing.T) {
	if os.Getenv("GO_WANT_AGENT_PROCESS") != "1" {
		return
	}

	out := json.NewEncoder(os.Stdout)
	respond := func(id json.RawMessage, result any) {
		_ = out.Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		switch msg.Method {
		case "initialize":
			respond(msg.ID, map[string]any{"serverInfo": map[string]string{"name": "fake-agent"}})
		case "initialized":
			// notification, no response
		case "thread/start":
			respond(msg.ID, map[string]any{"threadId": "t1"})
			_ = out.Encode(map[string]any{"jsonrpc": "2.0", "method": "thread/started",
				"params": map[string]string{"threadId": "t1"}})
		case "slow/op":
			// never responds
		case "fail/op":
			_ = out.Encode(map[string]any{"jsonrpc": "2.0", "id": msg.ID,
				"error": map[string]any{"code": -32000, "message": "boom"}})
		case "emit/request":
			_ = out.Encode(map[string]any{"jsonrpc": "2.0", "id": 99,
				"method": "item/tool/call", "params": map[string]string{"tool": "notifications_list"}})
			respond(msg.ID, map[string]any{"ok": true})
		case "crash":
			os.Exit(3)
		default:
			respond(msg.ID, map[string]any{})
		}
	}
	os.Exit(0)
}

func startTestClient(t *testing.T, timeout time.Duration) *Client {
	t.Helper()
	c, err := Start(context.Background(), Options{
		Bin:            os.Args[0],
		Args:           []string{"-test.run=TestHelperAgent", "--"},
		Env:            append(os.Environ(), "GO_WANT_AGENT_PROCESS=1"),
		WorkingDir:     t.TempDir(),
		ClientName:     "codexbridge-test",
		ClientVersion:  "0.0.0",
		RequestTimeout: timeout,
	})
	require.NoError(t, err, "Start performs the initialize handshake")
	t.Cleanup(func() {
		c.Stop()
		_ = c.Wait()
	})
	return c
}

func TestClient_RequestResponse(t *testing.T) {
	c := startTestClient(t, 10*time.Second)

	result, err := c.Request(context.Background(), "thread/start", map[string]string{"model": "m"}, 0)
	require.NoError(t, err)

	var parsed struct {
		ThreadID string `json:"threadId"`
	}
	require.NoError(t, json.Unmarshal(result, &parsed))
	require.Equal(t, "t1", parsed.ThreadID)
}

func TestClient_ErrorResponse(t *testing.T) {
	c := startTestClient(t, 10*time.Second)

	_, err := c.Request(context.Background(), "fail/op", nil, 0)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32000, rpcErr.Code)
	require.Equal(t, "boom", rpcErr.Message)
}

func TestClient_RequestTimeout(t *testing.T) {
	c := startTestClient(t, 10*time.Second)

	_, err := c.Request(context.Background(), "slow/op", nil, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)
}

func TestClient_NotificationEvent(t *testing.T) {
	c := startTestClient(t, 10*time.Second)

	_, err := c.Request(context.Background(), "thread/start", nil, 0)
	require.NoError(t, err)

	select {
	case ev := <-c.Events():
		require.Equal(t, EventNotification, ev.Kind)
		require.Equal(t, "thread/started", ev.Method)
	case <-time.After(5 * time.Second):
		t.Fatal("expected thread/started notification")
	}
}

func TestClient_ServerRequestEvent(t *testing.T) {
	c := startTestClient(t, 10*time.Second)

	_, err := c.Request(context.Background(), "emit/request", nil, 0)
	require.NoError(t, err)

	select {
	case ev := <-c.Events():
		require.Equal(t, EventRequest, ev.Kind)
		require.Equal(t, "item/tool/call", ev.Method)
		require.JSONEq(t, "99", string(ev.ID))
		// Responding to a server request must not error.
		require.NoError(t, c.Respond(ev.ID, map[string]bool{"success": true}))
	case <-time.After(5 * time.Second):
		t.Fatal("expected server request event")
	}
}

func TestClient_AbnormalExitRejectsPending(t *testing.T) {
	c := startTestClient(t, 10*time.Second)

	// A request the helper answers by exiting hard.
	_, err := c.Request(context.Background(), "crash", nil, 5*time.Second)
	require.ErrorIs(t, err, ErrTransportClosed)

	// The event stream terminates with an abnormal EventExit.
	testutil.RequireEventually(t, func() bool {
		for ev := range c.Events() {
			if ev.Kind == EventExit {
				return ev.ExitErr != nil
			}
		}
		return false
	}, "expected abnormal exit event")
}

func TestClient_StopEndsEventStream(t *testing.T) {
	c := startTestClient(t, 10*time.Second)
	c.Stop()
	_ = c.Wait()

	var sawExit bool
	for ev := range c.Events() {
		if ev.Kind == EventExit {
			sawExit = true
			require.NoError(t, ev.ExitErr, "clean stop is not an abnormal exit")
		}
	}
	require.True(t, sawExit)
}

func TestClient_WriteAfterStopFails(t *testing.T) {
	c := startTestClient(t, 10*time.Second)
	c.Stop()
	_ = c.Wait()

	require.ErrorIs(t, c.Notify("noop", nil), ErrTransportClosed)
}
