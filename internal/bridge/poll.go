package bridge

import (
	"context"
	"log/slog"
	"strings"

	"github.com/codexbridge/codexbridge/internal/metrics"
	"github.com/codexbridge/codexbridge/internal/msgfmt"
	"github.com/codexbridge/codexbridge/internal/provider"
	"github.com/codexbridge/codexbridge/internal/session"
	"github.com/codexbridge/codexbridge/internal/store"
)

// pollOnce fetches the latest inbound messages and routes each one in
// ascending timestamp order. Errors never kill the loop.
func (b *Bridge) pollOnce(ctx context.Context) {
	metrics.PollCyclesTotal.Inc()
	b.errlog.Tick()

	msgs, err := b.prov.FetchLatest(ctx, 100)
	if err != nil {
		metrics.PollErrorsTotal.Inc()
		b.errlog.Log("Poll loop error: " + err.Error())
		return
	}

	provider.SortAscending(msgs)

	for _, m := range msgs {
		if !b.running.Load() {
			return
		}
		b.routeInbound(ctx, m)
	}
}

func (b *Bridge) routeInbound(ctx context.Context, m provider.Message) {
	if m.IsOutbound {
		return
	}

	from, err := provider.NormalizeNumber(string(m.FromNumber))
	if err != nil || from != b.cfg.TrustedNumber {
		metrics.InboundMessagesTotal.WithLabelValues("untrusted").Inc()
		return
	}
	if m.MessageHandle == "" {
		metrics.InboundMessagesTotal.WithLabelValues("empty").Inc()
		return
	}

	first, err := b.st.MarkProcessed(ctx, m.MessageHandle)
	if err != nil {
		slog.Warn("dedupe mark failed", "handle", m.MessageHandle, "error", err)
		return
	}
	if !first {
		metrics.InboundMessagesTotal.WithLabelValues("duplicate").Inc()
		return
	}

	b.audit(ctx, store.KindInboundMessage, shorten(m.Content, 200), mustJSON(map[string]string{
		"message_handle": m.MessageHandle,
		"media_url":      m.MediaURL,
	}))

	content := strings.TrimSpace(m.Content)
	if strings.HasPrefix(content, "/") {
		metrics.InboundMessagesTotal.WithLabelValues("command").Inc()
		b.runCommand(ctx, content)
		b.maybeMarkRead(ctx, m.MessageHandle)
		return
	}

	input := msgfmt.ComposeInbound(content, m.MediaURL)
	if input == "" {
		metrics.InboundMessagesTotal.WithLabelValues("empty").Inc()
		return
	}
	metrics.InboundMessagesTotal.WithLabelValues("routed").Inc()

	if b.routeUserText(ctx, input) {
		b.maybeMarkRead(ctx, m.MessageHandle)
	}
}

// routeUserText delivers composed user input to the agent, enforcing
// the paused flag and the no-pre-emption rule for notification turns.
// Returns true when the text reached the agent.
func (b *Bridge) routeUserText(ctx context.Context, input string) bool {
	paused, err := b.st.BoolFlag(ctx, store.FlagPaused)
	if err != nil {
		slog.Warn("read paused flag failed", "error", err)
	}
	if paused {
		b.Send("Bridge is paused. Send /resume to continue.")
		return false
	}

	if b.notificationTurnActive(ctx) {
		b.Send("A notification decision is in progress. Please resend your message in a moment.")
		return false
	}

	result, err := b.agent.StartOrSteerTurn(ctx, input)
	if err != nil {
		b.audit(ctx, store.KindError, "turn failed: "+err.Error(), "")
		b.Send("Turn failed: " + shorten(err.Error(), 200))
		return false
	}

	slog.Debug("turn dispatched", "mode", result.Mode, "turn_id", result.TurnID)
	return true
}

// notificationTurnActive reports whether the current active turn is a
// notification decision.
func (b *Bridge) notificationTurnActive(ctx context.Context) bool {
	sess, err := b.st.Session(ctx, b.cfg.TrustedNumber)
	if err != nil || sess.ActiveTurnID == "" {
		return false
	}
	tc, ok := b.agent.TurnContextFor(sess.ActiveTurnID)
	return ok && tc.Mode == session.ModeNotification
}

func (b *Bridge) maybeMarkRead(ctx context.Context, handle string) {
	if !b.cfg.Features.ReadReceipts {
		return
	}
	if err := b.prov.MarkRead(ctx, handle); err != nil {
		slog.Debug("read receipt failed", "handle", handle, "error", err)
	}
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
