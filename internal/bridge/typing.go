package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// typingFailureBackoff pauses typing indicators after any send failure.
const typingFailureBackoff = 30 * time.Second

// typingIndicator rate-limits best-effort typing signals: one heartbeat
// interval between sends, a backoff after failures, and at most one
// request in flight.
type typingIndicator struct {
	b *Bridge

	mu          sync.Mutex
	lastSent    time.Time
	lastFailure time.Time
	inFlight    bool

	// now is swappable in tests.
	now func() time.Time
}

func newTypingIndicator(b *Bridge) *typingIndicator {
	return &typingIndicator{b: b, now: time.Now}
}

// maybeSend fires a typing indicator if the feature is enabled and the
// heartbeat, backoff, and single-flight constraints all allow it.
func (t *typingIndicator) maybeSend(ctx context.Context) {
	if !t.b.cfg.Features.TypingIndicators {
		return
	}

	t.mu.Lock()
	now := t.now()
	if t.inFlight ||
		now.Sub(t.lastSent) < t.b.cfg.TypingHeartbeat() ||
		(!t.lastFailure.IsZero() && now.Sub(t.lastFailure) < typingFailureBackoff) {
		t.mu.Unlock()
		return
	}
	t.inFlight = true
	t.mu.Unlock()

	go func() {
		err := t.b.prov.SendTypingIndicator(ctx, t.b.cfg.TrustedNumber, t.b.cfg.SendFrom)

		t.mu.Lock()
		defer t.mu.Unlock()
		t.inFlight = false
		if err != nil {
			t.lastFailure = t.now()
			slog.Debug("typing indicator failed", "error", err)
			return
		}
		t.lastSent = t.now()
	}()
}

// noteFailure extends the backoff after an outbound send failure.
func (t *typingIndicator) noteFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastFailure = t.now()
}

// clear resets the heartbeat at turn completion so the next turn's
// first delta can signal immediately.
func (t *typingIndicator) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = time.Time{}
}
