// Package bridge is the orchestrator: it drives the poll loop against
// the messaging provider, routes inbound text and commands into the
// agent session, serializes outbound sends, and owns the restart
// handshake with the supervising wrapper.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/codexbridge/codexbridge/internal/config"
	"github.com/codexbridge/codexbridge/internal/provider"
	"github.com/codexbridge/codexbridge/internal/session"
	"github.com/codexbridge/codexbridge/internal/store"
)

// Provider is the messaging-provider surface the bridge uses.
// Satisfied by *provider.Client.
type Provider interface {
	FetchLatest(ctx context.Context, limit int) ([]provider.Message, error)
	SendMessage(ctx context.Context, to, from, content string) (string, error)
	SendTypingIndicator(ctx context.Context, to, from string) error
	MarkRead(ctx context.Context, handle string) error
}

// Agent is the session-manager surface the bridge uses. Satisfied by
// *session.Manager.
type Agent interface {
	EnsureThread(ctx context.Context) (string, error)
	StartOrSteerTurn(ctx context.Context, text string) (session.TurnResult, error)
	InterruptActiveTurn(ctx context.Context) (bool, error)
	CompactThread(ctx context.Context) error
	RestartCodex(ctx context.Context) (string, error)
	TurnContextFor(turnID string) (session.TurnContext, bool)
	CurrentModel(ctx context.Context) (model, effort string, err error)
	SetModel(ctx context.Context, model string) (string, error)
	SetModelWithEffort(ctx context.Context, model, effort string) error
	SetEffortForCurrentModel(ctx context.Context, effort string) (string, error)
	ToggleSparkModel(ctx context.Context) (model, effort string, err error)
}

// Notifier is the notification-pipeline surface the bridge uses.
// Satisfied by *notify.Pipeline.
type Notifier interface {
	Enabled() bool
	Ingest(ctx context.Context, payload any, source, sourceAccount, sourceEventID string) (store.InsertResult, error)
	ProcessNextIfIdle(ctx context.Context) error
	HandleTurnCompleted(ctx context.Context, tc session.TurnCompleted)
	MaybePrune(ctx context.Context)
}

// restartNotice is the one-shot flag payload persisted by /restart.
type restartNotice struct {
	Target        string `json:"target"` // "bridge" | "both"
	RequestedAtMS int64  `json:"requestedAtMs"`
}

// Bridge multiplexes inbound messages, agent events, and notifications
// over one session.
type Bridge struct {
	cfg   *config.Config
	st    *store.Store
	prov  Provider
	agent Agent
	notif Notifier

	outbound *outboundQueue
	relay    *assistantRelay
	typing   *typingIndicator
	errlog   *errorDeduper

	running          atomic.Bool
	restartRequested atomic.Bool
}

// New wires a Bridge from its collaborators. Call Run to start.
func New(cfg *config.Config, st *store.Store, prov Provider, agent Agent, notif Notifier) *Bridge {
	b := &Bridge{
		cfg:    cfg,
		st:     st,
		prov:   prov,
		agent:  agent,
		notif:  notif,
		relay:  newAssistantRelay(relayCapacity),
		errlog: newErrorDeduper(errorDedupeWindow),
	}
	b.outbound = newOutboundQueue(b)
	b.typing = newTypingIndicator(b)
	return b
}

// Bind attaches the agent and notifier after construction. The session
// manager's callbacks reference the bridge, and the bridge references
// the manager; Bind breaks that cycle: create the bridge with nil
// collaborators, build the manager around Callbacks(), then Bind.
func (b *Bridge) Bind(agent Agent, notif Notifier) {
	b.agent = agent
	b.notif = notif
}

// Callbacks returns the session-manager callback set that feeds this
// bridge. Pass the result to session.New.
func (b *Bridge) Callbacks() session.Callbacks {
	return session.Callbacks{
		OnTurnCompleted:       b.handleTurnCompleted,
		OnAssistantDelta:      b.handleAssistantDelta,
		OnAssistantFinal:      b.handleAssistantFinal,
		OnApprovalDeclined:    b.handleApprovalDeclined,
		OnCompactionStarted:   func() { b.Send("Compacting thread context...") },
		OnCompactionCompleted: func() { b.Send("Thread context compacted.") },
		OnModelFallback:       b.handleModelFallback,
		OnTransportExit:       b.handleTransportExit,
	}
}

// Run executes the startup sequence and blocks in the poll loop until
// ctx is cancelled or a bridge restart is requested.
func (b *Bridge) Run(ctx context.Context) error {
	b.running.Store(true)
	b.outbound.start()
	defer b.outbound.stop()

	if b.cfg.Features.DiscardStartupBacklog {
		b.discardStartupBacklog(ctx)
	}

	b.consumePendingRestartNotice(ctx)

	ticker := time.NewTicker(b.cfg.PollInterval())
	defer ticker.Stop()

	for b.running.Load() {
		b.pollOnce(ctx)

		if b.running.Load() && b.notif.Enabled() {
			if err := b.notif.ProcessNextIfIdle(ctx); err != nil {
				slog.Warn("notification processing failed", "error", err)
			}
			b.notif.MaybePrune(ctx)
		}

		select {
		case <-ctx.Done():
			b.running.Store(false)
		case <-ticker.C:
		}
	}
	return nil
}

// Stop ends the poll loop after its current iteration.
func (b *Bridge) Stop() {
	b.running.Store(false)
}

// ConsumeRestartRequested reports (and clears) whether /restart asked
// the process to exit with the relaunch sentinel.
func (b *Bridge) ConsumeRestartRequested() bool {
	return b.restartRequested.Swap(false)
}

// Send enqueues an outbound message to the trusted user.
func (b *Bridge) Send(text string) {
	b.outbound.enqueue(text)
}

// discardStartupBacklog marks the trusted user's backlog as processed
// without routing, so a bridge that was down for a while does not
// replay stale conversation into the agent.
func (b *Bridge) discardStartupBacklog(ctx context.Context) {
	msgs, err := b.prov.FetchLatest(ctx, 100)
	if err != nil {
		slog.Warn("startup backlog fetch failed", "error", err)
		return
	}

	var handles []string
	for _, m := range msgs {
		if m.IsOutbound || m.MessageHandle == "" {
			continue
		}
		from, err := provider.NormalizeNumber(string(m.FromNumber))
		if err != nil || from != b.cfg.TrustedNumber {
			continue
		}
		handles = append(handles, m.MessageHandle)
	}

	n, err := b.st.MarkManyProcessed(ctx, handles)
	if err != nil {
		slog.Warn("startup backlog discard failed", "error", err)
		return
	}
	if n > 0 {
		b.audit(ctx, store.KindSystem, fmt.Sprintf("discarded %d backlog messages at startup", n), "")
		slog.Info("discarded startup backlog", "count", n)
	}
}

// consumePendingRestartNotice emits the "back online" message exactly
// once after a user-initiated bridge restart.
func (b *Bridge) consumePendingRestartNotice(ctx context.Context) {
	var notice restartNotice
	ok, err := b.st.ConsumeFlagJSON(ctx, store.FlagPendingRestartNotice, &notice)
	if err != nil {
		slog.Warn("consume restart notice failed", "error", err)
		return
	}
	if !ok {
		return
	}
	b.Send("Bridge restarted. Back online.")
	b.audit(ctx, store.KindSystem, "restart notice consumed ("+notice.Target+")", "")
}

func (b *Bridge) audit(ctx context.Context, kind, summary, payload string) {
	if err := b.st.AppendAudit(ctx, store.AuditEvent{
		PhoneNumber: b.cfg.TrustedNumber,
		Kind:        kind,
		Summary:     summary,
		PayloadJSON: payload,
	}); err != nil {
		slog.Warn("audit append failed", "kind", kind, "error", err)
	}
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
