package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codexbridge/codexbridge/internal/codexrpc"
	"github.com/codexbridge/codexbridge/internal/metrics"
	"github.com/codexbridge/codexbridge/internal/store"
)

// textInput is the agent's turn input shape for plain text.
func textInput(text string) []map[string]any {
	return []map[string]any{
		{"type": "text", "text": text, "text_elements": []any{}},
	}
}

// StartOrSteerTurn delivers user text to the agent: steering the active
// turn when one is running (and the agent supports it), starting a new
// turn otherwise.
func (m *Manager) StartOrSteerTurn(ctx context.Context, text string) (TurnResult, error) {
	threadID, err := m.EnsureThread(ctx)
	if err != nil {
		return TurnResult{}, err
	}

	sess, err := m.st.Session(ctx, m.cfg.Phone)
	if err != nil {
		return TurnResult{}, err
	}

	m.mu.Lock()
	supportsSteer := m.supportsSteer
	m.mu.Unlock()

	if sess.ActiveTurnID != "" && supportsSteer {
		result, err := m.steerTurn(ctx, threadID, sess.ActiveTurnID, text)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrSteerUnsupported) {
			return TurnResult{}, err
		}
		if errors.Is(err, errThreadLost) {
			// The steer target's thread is gone; re-ensure and start fresh.
			if threadID, err = m.EnsureThread(ctx); err != nil {
				return TurnResult{}, err
			}
		} else {
			// Any other steer failure means the turn is not steerable
			// (likely already finished); clear it and start a new turn.
			if err := m.st.ClearActiveTurn(ctx, m.cfg.Phone); err != nil {
				return TurnResult{}, err
			}
		}
	}

	return m.startTurn(ctx, threadID, startTurnParams{Text: text, Mode: ModeUser})
}

// errThreadLost marks a steer failure caused by a missing thread.
var errThreadLost = errors.New("thread lost")

func (m *Manager) steerTurn(ctx context.Context, threadID, turnID, text string) (TurnResult, error) {
	_, err := m.call(ctx, "turn/steer", "turn/steer", map[string]any{
		"threadId":       threadID,
		"expectedTurnId": turnID,
		"input":          textInput(text),
	})
	if err == nil {
		m.auditTurn(ctx, store.KindTurnSteered, "turn steered "+turnID, "", turnID)
		metrics.TurnsTotal.WithLabelValues("steer").Inc()
		return TurnResult{Mode: "steer", TurnID: turnID, ThreadID: threadID}, nil
	}

	var rpcErr *codexrpc.RPCError
	if errors.As(err, &rpcErr) {
		if isSteerUnsupported(rpcErr.Message) {
			// Old agent build; latch permanently and surface the
			// versioning problem instead of silently double-sending.
			m.mu.Lock()
			m.supportsSteer = false
			m.mu.Unlock()
			if perr := m.st.SetFlag(ctx, flagSupportsTurnSteer, "false"); perr != nil {
				return TurnResult{}, perr
			}
			return TurnResult{}, fmt.Errorf("%w: %s", ErrSteerUnsupported, rpcErr.Message)
		}
		if isThreadNotFound(rpcErr.Message) {
			m.mu.Lock()
			m.attachedThread = ""
			m.mu.Unlock()
			if perr := m.st.SetThread(ctx, m.cfg.Phone, ""); perr != nil {
				return TurnResult{}, perr
			}
			return TurnResult{}, errThreadLost
		}
	}
	return TurnResult{}, err
}

type startTurnParams struct {
	Text           string
	Mode           TurnMode
	NotificationID string
	Attempt        int
	OutputSchema   any
}

func (m *Manager) startTurn(ctx context.Context, threadID string, p startTurnParams) (TurnResult, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	sess, err := m.st.Session(ctx, m.cfg.Phone)
	if err != nil {
		return TurnResult{}, err
	}
	model := sess.Model
	if model == "" {
		model = m.cfg.DefaultModel
	}
	effort, err := m.effortFor(ctx, model)
	if err != nil {
		return TurnResult{}, err
	}
	policy, err := m.approvalPolicy(ctx)
	if err != nil {
		return TurnResult{}, err
	}

	params := map[string]any{
		"threadId":       threadID,
		"input":          textInput(p.Text),
		"model":          model,
		"effort":         effort,
		"approvalPolicy": policy,
		"sandboxPolicy":  m.cfg.SandboxMode,
		"cwd":            m.cfg.WorkingDir,
	}
	if p.OutputSchema != nil {
		params["outputSchema"] = p.OutputSchema
	}

	// Stage the context before issuing the call: the pump can observe
	// turn/started (or a trivial turn's completion) before this
	// goroutine sees the response.
	m.mu.Lock()
	m.pendingCtx = &TurnContext{
		Mode:           p.Mode,
		NotificationID: p.NotificationID,
		Attempt:        p.Attempt,
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.pendingCtx = nil
		m.mu.Unlock()
	}()

	result, err := m.call(ctx, "turn/start", "turn/start", params)
	if err != nil {
		var rpcErr *codexrpc.RPCError
		if errors.As(err, &rpcErr) && isThreadNotFound(rpcErr.Message) {
			m.mu.Lock()
			m.attachedThread = ""
			m.mu.Unlock()
			if perr := m.st.SetThread(ctx, m.cfg.Phone, ""); perr != nil {
				return TurnResult{}, perr
			}
			if threadID, err = m.EnsureThread(ctx); err != nil {
				return TurnResult{}, err
			}
			params["threadId"] = threadID
			result, err = m.call(ctx, "turn/start", "turn/start", params)
		}
		if err != nil {
			return TurnResult{}, fmt.Errorf("start turn: %w", err)
		}
	}

	turnID, err := parseTurnID(result)
	if err != nil {
		return TurnResult{}, err
	}

	m.mu.Lock()
	if m.pendingCtx != nil {
		if _, ok := m.turnCtxs[turnID]; !ok && !m.doneTurns[turnID] {
			m.turnCtxs[turnID] = m.pendingCtx
		}
		m.pendingCtx = nil
	}
	alreadyDone := m.doneTurns[turnID]
	m.mu.Unlock()

	if !alreadyDone {
		if err := m.st.SetActiveTurn(ctx, m.cfg.Phone, turnID); err != nil {
			return TurnResult{}, err
		}
		// The turn may have completed between the check and the write;
		// never leave a finished turn marked active.
		m.mu.Lock()
		done := m.doneTurns[turnID]
		m.mu.Unlock()
		if done {
			if err := m.st.ClearActiveTurn(ctx, m.cfg.Phone); err != nil {
				return TurnResult{}, err
			}
		}
	}

	m.auditTurn(ctx, store.KindTurnStarted, fmt.Sprintf("turn started %s (%s)", turnID, p.Mode), "", turnID)
	metrics.TurnsTotal.WithLabelValues(string(p.Mode)).Inc()

	return TurnResult{Mode: "start", TurnID: turnID, ThreadID: threadID}, nil
}

// NotificationTurn configures a structured-output decision turn.
type NotificationTurn struct {
	Text           string
	NotificationID string
	Attempt        int // 1 or 2
	OutputSchema   any
}

// StartNotificationTurn starts a notification-mode turn whose final
// assistant message must match the decision output schema.
func (m *Manager) StartNotificationTurn(ctx context.Context, nt NotificationTurn) (TurnResult, error) {
	threadID, err := m.EnsureThread(ctx)
	if err != nil {
		return TurnResult{}, err
	}
	return m.startTurn(ctx, threadID, startTurnParams{
		Text:           nt.Text,
		Mode:           ModeNotification,
		NotificationID: nt.NotificationID,
		Attempt:        nt.Attempt,
		OutputSchema:   nt.OutputSchema,
	})
}

func parseTurnID(result json.RawMessage) (string, error) {
	var parsed struct {
		TurnID string `json:"turnId"`
		Turn   struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", fmt.Errorf("decode turn/start result: %w", err)
	}
	if parsed.TurnID != "" {
		return parsed.TurnID, nil
	}
	if parsed.Turn.ID != "" {
		return parsed.Turn.ID, nil
	}
	return "", fmt.Errorf("turn/start result missing turn id")
}
