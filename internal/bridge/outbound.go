package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/codexbridge/codexbridge/internal/metrics"
	"github.com/codexbridge/codexbridge/internal/msgfmt"
	"github.com/codexbridge/codexbridge/internal/store"
)

const (
	outboundQueueDepth  = 256
	outboundSendTimeout = 30 * time.Second
)

// outboundQueue serializes all sends to the trusted user: one worker
// applies styling, chunks, and sends chunks of one logical message
// contiguously. Failures are logged; the queue never stalls.
type outboundQueue struct {
	b    *Bridge
	ch   chan string
	done chan struct{}
}

func newOutboundQueue(b *Bridge) *outboundQueue {
	return &outboundQueue{
		b:    b,
		ch:   make(chan string, outboundQueueDepth),
		done: make(chan struct{}),
	}
}

func (q *outboundQueue) start() {
	go q.worker()
}

// stop drains nothing: messages already queued are abandoned so
// shutdown is prompt.
func (q *outboundQueue) stop() {
	close(q.done)
}

func (q *outboundQueue) enqueue(text string) {
	select {
	case q.ch <- text:
	default:
		slog.Warn("outbound queue full, dropping message", "len", len(text))
		metrics.OutboundFailuresTotal.Inc()
	}
}

func (q *outboundQueue) worker() {
	for {
		select {
		case <-q.done:
			return
		case text := <-q.ch:
			q.deliver(text)
		}
	}
}

func (q *outboundQueue) deliver(text string) {
	b := q.b

	if b.cfg.Features.OutboundStyling {
		text = msgfmt.Stylize(text)
	}

	chunks := msgfmt.Split(text, msgfmt.MaxChunkChars)
	if len(chunks) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), outboundSendTimeout)
	defer cancel()

	for _, chunk := range chunks {
		if _, err := b.prov.SendMessage(ctx, b.cfg.TrustedNumber, b.cfg.SendFrom, chunk); err != nil {
			metrics.OutboundFailuresTotal.Inc()
			b.typing.noteFailure()
			slog.Warn("outbound send failed", "error", err, "chunk_len", len(chunk))
			b.audit(ctx, store.KindError, "outbound send failed: "+shorten(err.Error(), 200), "")
			return
		}
		metrics.OutboundChunksTotal.Inc()
	}

	b.audit(ctx, store.KindOutboundMessage, shorten(text, 200), "")
}
