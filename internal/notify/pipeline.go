package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codexbridge/codexbridge/internal/id"
	"github.com/codexbridge/codexbridge/internal/metrics"
	"github.com/codexbridge/codexbridge/internal/session"
	"github.com/codexbridge/codexbridge/internal/store"
)

// pruneEvery rate-limits the retention job.
const pruneEvery = 10 * time.Minute

// Dispatcher enqueues an outbound message to the trusted user.
type Dispatcher func(text string)

// TurnStarter starts notification-mode decision turns. Satisfied by
// *session.Manager.
type TurnStarter interface {
	StartNotificationTurn(ctx context.Context, nt session.NotificationTurn) (session.TurnResult, error)
}

// Config holds the pipeline's settings.
type Config struct {
	Phone           string
	Enabled         bool
	RawExcerptBytes int
	RetentionDays   int
	MaxRows         int
}

// Pipeline routes notifications from ingestion to a decision.
type Pipeline struct {
	cfg      Config
	st       *store.Store
	mgr      TurnStarter
	dispatch Dispatcher

	mu        sync.Mutex
	lastPrune time.Time
}

// New creates a Pipeline. dispatch must be safe for concurrent use.
func New(cfg Config, st *store.Store, mgr TurnStarter, dispatch Dispatcher) *Pipeline {
	return &Pipeline{cfg: cfg, st: st, mgr: mgr, dispatch: dispatch}
}

// Enabled reports whether notification processing is on.
func (p *Pipeline) Enabled() bool { return p.cfg.Enabled }

// Ingest normalizes and stores a payload. Duplicate dedupe keys bump
// the duplicate counter instead of inserting.
func (p *Pipeline) Ingest(ctx context.Context, payload any, source, sourceAccount, sourceEventID string) (store.InsertResult, error) {
	if !p.cfg.Enabled {
		return store.InsertResult{}, fmt.Errorf("notifications disabled")
	}

	norm := Normalize(payload, source, sourceAccount, sourceEventID, p.cfg.RawExcerptBytes)

	result, err := p.st.InsertNotification(ctx, store.Notification{
		ID:            id.Notification(),
		Source:        norm.Source,
		SourceAccount: norm.SourceAccount,
		SourceEventID: norm.SourceEventID,
		DedupeKey:     norm.DedupeKey,
		Summary:       norm.Summary,
		PayloadHash:   norm.PayloadHash,
		RawExcerpt:    norm.RawExcerpt,
		RawSizeBytes:  norm.RawSizeBytes,
		RawTruncated:  norm.RawTruncated,
	})
	if err != nil {
		return store.InsertResult{}, err
	}

	if result.Duplicate {
		metrics.NotificationsTotal.WithLabelValues("duplicate").Inc()
		p.audit(ctx, store.KindNotificationDuplicate, fmt.Sprintf("%s (%s)", result.ID, norm.DedupeKey))
	} else {
		metrics.NotificationsTotal.WithLabelValues("ingested").Inc()
		p.audit(ctx, store.KindNotificationIngested, fmt.Sprintf("%s (%s) %s", result.ID, norm.Source, norm.Summary))
	}
	return result, nil
}

// ProcessNextIfIdle claims at most one queued notification and starts
// its decision turn, but only when no turn is active. Notification
// turns never pre-empt a user turn.
func (p *Pipeline) ProcessNextIfIdle(ctx context.Context) error {
	if !p.cfg.Enabled {
		return nil
	}

	sess, err := p.st.Session(ctx, p.cfg.Phone)
	if err != nil {
		return err
	}
	if sess.ActiveTurnID != "" {
		return nil
	}

	n, err := p.st.ClaimNextQueued(ctx)
	if err != nil {
		return err
	}
	if n == nil {
		return nil
	}

	return p.startDecisionTurn(ctx, n, 1)
}

func (p *Pipeline) startDecisionTurn(ctx context.Context, n *store.Notification, attempt int) error {
	// A user turn may have started since this notification was claimed
	// (retries race the poll loop); decision turns never pre-empt it.
	sess, err := p.st.Session(ctx, p.cfg.Phone)
	if err != nil {
		return err
	}
	if sess.ActiveTurnID != "" {
		if err := p.st.RequeueNotification(ctx, n.ID); err != nil {
			return err
		}
		return nil
	}

	p.audit(ctx, store.KindNotificationProcessing, fmt.Sprintf("%s attempt %d", n.ID, attempt))

	result, err := p.mgr.StartNotificationTurn(ctx, session.NotificationTurn{
		Text:           decisionPrompt(n),
		NotificationID: n.ID,
		Attempt:        attempt,
		OutputSchema:   DecisionOutputSchema(),
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		if rerr := p.st.RecordFailure(ctx, n.ID, "decision turn failed to start: "+err.Error()); rerr != nil {
			slog.Warn("record notification failure failed", "error", rerr)
		}
		return fmt.Errorf("start decision turn: %w", err)
	}

	if err := p.st.SetNotificationTurn(ctx, n.ID, result.ThreadID, result.TurnID); err != nil {
		slog.Warn("record notification turn failed", "error", err)
	}
	return nil
}

// decisionPrompt builds the instruction for a decision turn.
func decisionPrompt(n *store.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A notification arrived from source %q", n.Source)
	if n.SourceAccount != "" {
		fmt.Fprintf(&b, " (account %s)", n.SourceAccount)
	}
	b.WriteString(".\n")
	if n.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", n.Summary)
	}
	if len(n.RawExcerpt) > 0 {
		fmt.Fprintf(&b, "Payload excerpt:\n%s\n", string(n.RawExcerpt))
	}
	b.WriteString("\nDecide whether the user should be messaged about this. ")
	b.WriteString("Use the notification tools for history if needed. ")
	b.WriteString("Respond ONLY with a JSON object matching the required schema: ")
	b.WriteString(`{"delivery": "send"|"suppress", "message": string|null, "reasonCode": string|null}. `)
	b.WriteString("When delivery is \"send\", message is the text sent to the user verbatim.")
	return b.String()
}

// HandleTurnCompleted finishes a notification decision after its turn
// reached a terminal state. Called by the bridge for every completed
// notification-mode turn.
func (p *Pipeline) HandleTurnCompleted(ctx context.Context, tc session.TurnCompleted) {
	notifID := tc.Context.NotificationID
	if notifID == "" {
		return
	}

	n, err := p.st.GetNotification(ctx, notifID)
	if err != nil || n == nil {
		slog.Warn("completed turn for unknown notification", "notification_id", notifID, "error", err)
		return
	}

	if tc.Status != "completed" {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		msg := fmt.Sprintf("decision turn %s: %s", tc.Status, tc.Error)
		if err := p.st.RecordFailure(ctx, n.ID, msg); err != nil {
			slog.Warn("record notification failure failed", "error", err)
		}
		p.audit(ctx, store.KindNotificationFailed, fmt.Sprintf("%s %s", n.ID, msg))
		return
	}

	decision, err := ParseDecision(tc.Context.AssistantText)
	if err != nil {
		p.handleInvalidDecision(ctx, n, tc, err)
		return
	}

	decisionJSON := strings.TrimSpace(tc.Context.AssistantText)

	if decision.Delivery == "suppress" {
		reason := ""
		if decision.ReasonCode != nil {
			reason = *decision.ReasonCode
		}
		metrics.NotificationsTotal.WithLabelValues("suppressed").Inc()
		if err := p.st.RecordDecision(ctx, n.ID, store.NotifSuppressed, "suppress", reason, "", decisionJSON); err != nil {
			slog.Warn("record suppress decision failed", "error", err)
		}
		p.audit(ctx, store.KindNotificationSuppressed, fmt.Sprintf("%s (%s)", n.ID, reason))
		return
	}

	message := fallbackMessage(n)
	if decision.Message != nil && strings.TrimSpace(*decision.Message) != "" {
		message = *decision.Message
	}
	reason := ""
	if decision.ReasonCode != nil {
		reason = *decision.ReasonCode
	}

	p.dispatch(message)
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	if err := p.st.RecordDecision(ctx, n.ID, store.NotifSent, "send", reason, shortenText(message, 220), decisionJSON); err != nil {
		slog.Warn("record send decision failed", "error", err)
	}
	p.audit(ctx, store.KindNotificationSent, fmt.Sprintf("%s %s", n.ID, shortenText(message, 120)))
}

// handleInvalidDecision retries once, then falls back to a raw dispatch.
func (p *Pipeline) handleInvalidDecision(ctx context.Context, n *store.Notification, tc session.TurnCompleted, parseErr error) {
	if tc.Context.Attempt < 2 {
		p.audit(ctx, store.KindNotificationProcessing,
			fmt.Sprintf("%s invalid decision, retrying: %s", n.ID, parseErr.Error()))
		if err := p.startDecisionTurn(ctx, n, 2); err != nil {
			slog.Warn("decision retry failed to start", "notification_id", n.ID, "error", err)
		}
		return
	}

	message := fallbackMessage(n)
	p.dispatch(message)
	metrics.NotificationsTotal.WithLabelValues("failed").Inc()
	if err := p.st.RecordFailure(ctx, n.ID, "decision invalid after retry: "+parseErr.Error()); err != nil {
		slog.Warn("record notification failure failed", "error", err)
	}
	p.audit(ctx, store.KindNotificationFailed, fmt.Sprintf("%s invalid decision twice, raw fallback dispatched", n.ID))
}

// fallbackMessage is dispatched when the agent cannot produce a usable
// decision: the summary when present, else the raw excerpt.
func fallbackMessage(n *store.Notification) string {
	body := n.Summary
	if body == "" {
		body = shortenText(strings.TrimSpace(string(n.RawExcerpt)), 220)
	}
	return fmt.Sprintf("Notification (%s): %s", n.Source, body)
}

// MaybePrune runs the retention job at most every 10 minutes.
func (p *Pipeline) MaybePrune(ctx context.Context) {
	if !p.cfg.Enabled {
		return
	}

	p.mu.Lock()
	if time.Since(p.lastPrune) < pruneEvery {
		p.mu.Unlock()
		return
	}
	p.lastPrune = time.Now()
	p.mu.Unlock()

	retention := time.Duration(p.cfg.RetentionDays) * 24 * time.Hour
	deleted, err := p.st.PruneNotifications(ctx, retention, p.cfg.MaxRows)
	if err != nil {
		slog.Warn("notification prune failed", "error", err)
		return
	}
	if deleted > 0 {
		metrics.NotificationsPrunedTotal.Add(float64(deleted))
		slog.Info("pruned notifications", "deleted", deleted)
	}
}

func (p *Pipeline) audit(ctx context.Context, kind, summary string) {
	if err := p.st.AppendAudit(ctx, store.AuditEvent{
		PhoneNumber: p.cfg.Phone,
		Kind:        kind,
		Summary:     summary,
	}); err != nil {
		slog.Warn("notification audit failed", "kind", kind, "error", err)
	}
}

func shortenText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
