package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codexbridge/codexbridge/internal/codexrpc"
	"github.com/codexbridge/codexbridge/internal/store"
)

// EnsureThread returns a thread id attached to the current child
// lifetime, resuming the persisted thread when possible and starting a
// fresh one otherwise.
func (m *Manager) EnsureThread(ctx context.Context) (string, error) {
	if err := m.ensureClient(ctx); err != nil {
		return "", err
	}

	sess, err := m.st.Session(ctx, m.cfg.Phone)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	attached := m.attachedThread
	m.mu.Unlock()

	if sess.ThreadID != "" && sess.ThreadID == attached {
		return sess.ThreadID, nil
	}

	if sess.ThreadID != "" {
		_, err := m.call(ctx, "thread/resume", "thread/resume", map[string]any{
			"threadId": sess.ThreadID,
		})
		if err == nil {
			m.mu.Lock()
			m.attachedThread = sess.ThreadID
			m.mu.Unlock()
			m.audit(ctx, store.KindSystem, "thread resumed "+sess.ThreadID, "")
			return sess.ThreadID, nil
		}

		var rpcErr *codexrpc.RPCError
		if errors.As(err, &rpcErr) && isThreadNotFound(rpcErr.Message) {
			// The agent lost the thread; forget it and start over.
			if err := m.st.SetThread(ctx, m.cfg.Phone, ""); err != nil {
				return "", err
			}
		} else {
			return "", fmt.Errorf("resume thread: %w", err)
		}
	}

	return m.startThread(ctx)
}

func (m *Manager) startThread(ctx context.Context) (string, error) {
	sess, err := m.st.Session(ctx, m.cfg.Phone)
	if err != nil {
		return "", err
	}
	model := sess.Model
	if model == "" {
		model = m.cfg.DefaultModel
	}

	policy, err := m.approvalPolicy(ctx)
	if err != nil {
		return "", err
	}

	params := map[string]any{
		"model":          model,
		"cwd":            m.cfg.WorkingDir,
		"approvalPolicy": policy,
		"sandboxPolicy":  m.cfg.SandboxMode,
		"experimental":   map[string]bool{"dynamicTools": true},
		"dynamicTools":   notificationToolDescriptors(),
	}

	result, err := m.call(ctx, "thread/start", "thread/start", params)
	if errors.Is(err, codexrpc.ErrRequestTimeout) {
		// A hung agent at thread/start gets one child restart, then the
		// call is retried exactly once.
		m.audit(ctx, store.KindError, "thread/start timed out, restarting agent", "")
		if rerr := m.restartClient(ctx); rerr != nil {
			return "", fmt.Errorf("restart after thread/start timeout: %w", rerr)
		}
		result, err = m.call(ctx, "thread/start", "thread/start", params)
	}
	if err != nil {
		return "", fmt.Errorf("start thread: %w", err)
	}

	threadID, err := parseThreadID(result)
	if err != nil {
		return "", err
	}

	if err := m.st.SetThread(ctx, m.cfg.Phone, threadID); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.attachedThread = threadID
	m.mu.Unlock()

	m.audit(ctx, store.KindSystem, "thread started "+threadID, "")
	return threadID, nil
}

// approvalPolicy derives the agent approval policy from the flag state:
// auto-approval runs threads with approvals disabled entirely.
func (m *Manager) approvalPolicy(ctx context.Context) (string, error) {
	autoApprove, err := m.st.BoolFlag(ctx, store.FlagAutoApprove)
	if err != nil {
		return "", err
	}
	if autoApprove {
		return "never", nil
	}
	return "on-request", nil
}

func parseThreadID(result json.RawMessage) (string, error) {
	var parsed struct {
		ThreadID string `json:"threadId"`
		Thread   struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", fmt.Errorf("decode thread/start result: %w", err)
	}
	if parsed.ThreadID != "" {
		return parsed.ThreadID, nil
	}
	if parsed.Thread.ID != "" {
		return parsed.Thread.ID, nil
	}
	return "", fmt.Errorf("thread/start result missing thread id")
}

// CompactThread asks the agent to compact the current thread's context.
func (m *Manager) CompactThread(ctx context.Context) error {
	threadID, err := m.EnsureThread(ctx)
	if err != nil {
		return err
	}
	_, err = m.call(ctx, "thread/compact/start", "thread/compact/start", map[string]any{
		"threadId": threadID,
	})
	return err
}

// InterruptActiveTurn issues turn/interrupt against the current
// (thread, turn) pair. Returns false when no turn is active.
func (m *Manager) InterruptActiveTurn(ctx context.Context) (bool, error) {
	sess, err := m.st.Session(ctx, m.cfg.Phone)
	if err != nil {
		return false, err
	}
	if sess.ActiveTurnID == "" || sess.ThreadID == "" {
		return false, nil
	}

	_, err = m.call(ctx, "turn/interrupt", "turn/interrupt", map[string]any{
		"threadId": sess.ThreadID,
		"turnId":   sess.ActiveTurnID,
	})
	if err != nil {
		return false, fmt.Errorf("interrupt turn: %w", err)
	}
	m.audit(ctx, store.KindTurnInterrupted, "turn interrupted "+sess.ActiveTurnID, "")
	return true, nil
}

// RestartCodex cycles the agent child process and re-ensures a thread
// (best-effort). Returns the new thread id, empty when re-attach failed.
func (m *Manager) RestartCodex(ctx context.Context) (string, error) {
	m.audit(ctx, store.KindSystem, "agent restart requested", "")

	if err := m.restartClient(ctx); err != nil {
		return "", fmt.Errorf("restart agent: %w", err)
	}
	if err := m.st.ClearActiveTurn(ctx, m.cfg.Phone); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.turnCtxs = make(map[string]*TurnContext)
	m.mu.Unlock()

	threadID, err := m.EnsureThread(ctx)
	if err != nil {
		m.audit(ctx, store.KindError, "agent restarted, thread re-attach failed: "+err.Error(), "")
		return "", nil
	}

	m.audit(ctx, store.KindSystem, "agent restarted, thread "+threadID, "")
	return threadID, nil
}
