package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codexbridge/codexbridge/internal/session"
	"github.com/codexbridge/codexbridge/internal/store"
)

// handleTurnCompleted fans a terminal turn event out to the typing
// indicator, the user (on failure), and the notification pipeline.
func (b *Bridge) handleTurnCompleted(tc session.TurnCompleted) {
	ctx := context.Background()
	b.typing.clear()

	if tc.Context.Mode == session.ModeNotification {
		// On its own goroutine: decision handling may start a retry turn
		// (and on timeout cycle the child), which must not run on the
		// event pump that delivers this callback.
		go b.notif.HandleTurnCompleted(ctx, tc)
		return
	}

	switch tc.Status {
	case "failed":
		msg := "Turn failed."
		if tc.Error != "" {
			msg = "Turn failed: " + shorten(tc.Error, 200)
		}
		b.Send(msg)
	case "interrupted":
		b.Send("Turn interrupted.")
	}
}

// handleAssistantDelta drives the typing indicator for user-mode turns.
// Deltas themselves are never relayed (anti-spam).
func (b *Bridge) handleAssistantDelta(itemID, turnID, delta string) {
	tc, ok := b.agent.TurnContextFor(turnID)
	if !ok || tc.Mode != session.ModeUser {
		return
	}
	b.typing.maybeSend(context.Background())
}

// handleAssistantFinal relays a finished assistant message to the user
// once per item id.
func (b *Bridge) handleAssistantFinal(itemID, turnID, text string) {
	tc, ok := b.agent.TurnContextFor(turnID)
	if ok && tc.Mode == session.ModeNotification {
		// Decision envelopes are consumed by the pipeline, not relayed.
		return
	}
	if !b.relay.shouldSend(itemID, text) {
		return
	}
	b.Send(text)
}

func (b *Bridge) handleApprovalDeclined(method string) {
	b.Send("Approval request declined by policy (" + method + "). Send /resume to enable auto-approval.")
}

func (b *Bridge) handleModelFallback(ev session.ModelFallback) {
	b.Send(fmt.Sprintf("Spark model unavailable; switched to %s (effort %s).", ev.ToModel, ev.ToEffort))
}

// handleTransportExit surfaces an abnormal agent exit. The next turn
// start respawns the child.
func (b *Bridge) handleTransportExit(err error) {
	b.typing.clear()
	if err == nil {
		return
	}
	slog.Error("agent transport lost", "error", err)
	b.audit(context.Background(), store.KindError, "agent transport lost: "+err.Error(), "")
}
