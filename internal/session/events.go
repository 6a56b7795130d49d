package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/codexbridge/codexbridge/internal/codexrpc"
	"github.com/codexbridge/codexbridge/internal/metrics"
	"github.com/codexbridge/codexbridge/internal/store"
)

// agentParams is the superset of fields the bridge reads from agent
// notification payloads.
type agentParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Status   string `json:"status"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
	Item struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// pumpEvents consumes the transport's event stream until it ends with
// the child's exit. Runs on its own goroutine; callbacks are invoked
// without the manager lock held.
func (m *Manager) pumpEvents(client *codexrpc.Client, done chan struct{}) {
	defer close(done)
	ctx := context.Background()

	for ev := range client.Events() {
		switch ev.Kind {
		case codexrpc.EventNotification:
			m.handleAgentNotification(ctx, ev)
		case codexrpc.EventRequest:
			m.handleServerRequest(ctx, client, ev)
		case codexrpc.EventExit:
			m.handleExit(ctx, ev)
		}
	}
}

func (m *Manager) handleAgentNotification(ctx context.Context, ev codexrpc.Event) {
	var p agentParams
	if len(ev.Params) > 0 {
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			slog.Warn("undecodable agent notification", "method", ev.Method, "error", err)
			return
		}
	}

	// Events for a thread other than the session's current one are
	// stale leftovers from before a reset; drop them.
	if p.ThreadID != "" {
		sess, err := m.st.Session(ctx, m.cfg.Phone)
		if err != nil {
			slog.Warn("session read failed during event", "error", err)
			return
		}
		if sess.ThreadID != "" && sess.ThreadID != p.ThreadID && ev.Method != "thread/started" {
			slog.Debug("dropping stale agent event", "method", ev.Method, "thread_id", p.ThreadID)
			return
		}
	}

	switch ev.Method {
	case "thread/started":
		if p.ThreadID == "" {
			return
		}
		if err := m.st.SetThread(ctx, m.cfg.Phone, p.ThreadID); err != nil {
			slog.Warn("persist thread failed", "error", err)
			return
		}
		m.mu.Lock()
		m.attachedThread = p.ThreadID
		m.mu.Unlock()

	case "turn/started":
		if p.TurnID == "" {
			return
		}
		if err := m.st.SetActiveTurn(ctx, m.cfg.Phone, p.TurnID); err != nil {
			slog.Warn("persist active turn failed", "error", err)
		}
		m.mu.Lock()
		if _, ok := m.turnCtxs[p.TurnID]; !ok {
			if m.pendingCtx != nil {
				m.turnCtxs[p.TurnID] = m.pendingCtx
				m.pendingCtx = nil
			} else {
				m.turnCtxs[p.TurnID] = &TurnContext{Mode: ModeUser}
			}
		}
		m.mu.Unlock()
		if m.cb.OnTurnStarted != nil {
			m.cb.OnTurnStarted(p.TurnID)
		}

	case "turn/completed":
		m.completeTurn(ctx, p)

	case "item/agentMessage/delta":
		tc, _ := m.TurnContextFor(p.TurnID)
		if tc.Mode != ModeNotification {
			m.audit(ctx, store.KindAssistantDelta, shorten(p.Delta, 200), "")
		}
		if m.cb.OnAssistantDelta != nil {
			m.cb.OnAssistantDelta(p.ItemID, p.TurnID, p.Delta)
		}

	case "item/started":
		if p.Item.Type == "contextCompaction" && m.cb.OnCompactionStarted != nil {
			m.cb.OnCompactionStarted()
		}

	case "item/completed":
		switch p.Item.Type {
		case "contextCompaction":
			if m.cb.OnCompactionCompleted != nil {
				m.cb.OnCompactionCompleted()
			}
		case "agentMessage":
			m.mu.Lock()
			if tc, ok := m.turnCtxs[p.TurnID]; ok {
				tc.AssistantText = p.Item.Text
			} else if m.pendingCtx != nil {
				// Final arrived before the turn/start response was
				// processed; record onto the staged context.
				m.pendingCtx.AssistantText = p.Item.Text
			}
			m.mu.Unlock()
			if m.cb.OnAssistantFinal != nil {
				m.cb.OnAssistantFinal(p.Item.ID, p.TurnID, p.Item.Text)
			}
		}

	default:
		slog.Debug("unhandled agent notification", "method", ev.Method)
	}
}

func (m *Manager) completeTurn(ctx context.Context, p agentParams) {
	if p.TurnID == "" {
		return
	}

	// Audit before clearing so the terminal event stays attached to its
	// turn in the timeline.
	status := p.Status
	if status == "" {
		status = "completed"
	}
	m.auditTurn(ctx, store.KindTurnCompleted, fmt.Sprintf("turn %s %s", p.TurnID, status), "", p.TurnID)

	if err := m.st.ClearActiveTurn(ctx, m.cfg.Phone); err != nil {
		slog.Warn("clear active turn failed", "error", err)
	}

	m.mu.Lock()
	tcPtr := m.turnCtxs[p.TurnID]
	delete(m.turnCtxs, p.TurnID)
	if tcPtr == nil && m.pendingCtx != nil {
		// Trivial turn: completed before the turn/start response was
		// processed. The staged context is this turn's.
		tcPtr = m.pendingCtx
		m.pendingCtx = nil
	}
	m.markTurnDoneLocked(p.TurnID)
	m.mu.Unlock()

	var tc TurnContext
	if tcPtr != nil {
		tc = *tcPtr
	} else {
		tc = TurnContext{Mode: ModeUser}
	}

	errMsg := ""
	if p.Error != nil {
		errMsg = p.Error.Message
	}

	metrics.TurnsCompletedTotal.WithLabelValues(status).Inc()

	if m.cb.OnTurnCompleted != nil {
		m.cb.OnTurnCompleted(TurnCompleted{
			TurnID:  p.TurnID,
			Status:  status,
			Error:   errMsg,
			Context: tc,
		})
	}
}

// handleExit synthesizes a failed turn completion when the child dies
// mid-turn, then notifies the bridge of the transport loss.
func (m *Manager) handleExit(ctx context.Context, ev codexrpc.Event) {
	m.mu.Lock()
	m.attachedThread = ""
	m.mu.Unlock()

	if ev.ExitErr != nil {
		sess, err := m.st.Session(ctx, m.cfg.Phone)
		if err == nil && sess.ActiveTurnID != "" {
			m.completeTurn(ctx, agentParams{
				TurnID: sess.ActiveTurnID,
				Status: "failed",
				Error: &struct {
					Message string `json:"message"`
				}{Message: "agent process exited: " + ev.ExitErr.Error()},
			})
		}
		m.audit(ctx, store.KindError, "agent process exited: "+ev.ExitErr.Error(), "")
	}

	if m.cb.OnTransportExit != nil {
		m.cb.OnTransportExit(ev.ExitErr)
	}
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
