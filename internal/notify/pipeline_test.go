package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codexbridge/codexbridge/internal/db"
	"github.com/codexbridge/codexbridge/internal/session"
	"github.com/codexbridge/codexbridge/internal/store"
)

const testPhone = "+15550001111"

type fakeStarter struct {
	mu    sync.Mutex
	turns []session.NotificationTurn
	err   error
}

func (f *fakeStarter) StartNotificationTurn(ctx context.Context, nt session.NotificationTurn) (session.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return session.TurnResult{}, f.err
	}
	f.turns = append(f.turns, nt)
	return session.TurnResult{Mode: "start", TurnID: "turn_n", ThreadID: "t_1"}, nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

type sink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *sink) dispatch(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, text)
}

func (s *sink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store, *fakeStarter, *sink) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	st := store.New(sqlDB)

	starter := &fakeStarter{}
	out := &sink{}
	p := New(Config{
		Phone:           testPhone,
		Enabled:         true,
		RawExcerptBytes: 4096,
		RetentionDays:   14,
		MaxRows:         5000,
	}, st, starter, out.dispatch)
	return p, st, starter, out
}

func ingestWebhook(t *testing.T, p *Pipeline) store.InsertResult {
	t.Helper()
	res, err := p.Ingest(context.Background(),
		map[string]any{"event_id": "evt_1", "summary": "build failed"},
		store.SourceWebhook, "", "")
	require.NoError(t, err)
	return res
}

func TestIngest_DedupeBumpsDuplicate(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()

	first := ingestWebhook(t, p)
	require.False(t, first.Duplicate)

	second := ingestWebhook(t, p)
	require.True(t, second.Duplicate)
	require.Equal(t, first.ID, second.ID)

	count, err := st.CountNotifications(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestProcessNextIfIdle_StartsDecisionTurn(t *testing.T) {
	p, st, starter, _ := newTestPipeline(t)
	ctx := context.Background()

	res := ingestWebhook(t, p)

	require.NoError(t, p.ProcessNextIfIdle(ctx))
	require.Equal(t, 1, starter.count())
	require.Equal(t, res.ID, starter.turns[0].NotificationID)
	require.Equal(t, 1, starter.turns[0].Attempt)
	require.NotNil(t, starter.turns[0].OutputSchema)
	require.Contains(t, starter.turns[0].Text, "build failed")

	n, err := st.GetNotification(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, store.NotifProcessing, n.Status)
	require.Equal(t, "turn_n", n.TurnID)
	require.Equal(t, "t_1", n.ThreadID)
}

func TestProcessNextIfIdle_SkipsWhileTurnActive(t *testing.T) {
	p, st, starter, _ := newTestPipeline(t)
	ctx := context.Background()

	ingestWebhook(t, p)

	_, err := st.Session(ctx, testPhone)
	require.NoError(t, err)
	require.NoError(t, st.SetActiveTurn(ctx, testPhone, "turn_user"))

	require.NoError(t, p.ProcessNextIfIdle(ctx))
	require.Zero(t, starter.count(), "notification turns never pre-empt a user turn")

	// Once idle, the queued notification is picked up.
	require.NoError(t, st.ClearActiveTurn(ctx, testPhone))
	require.NoError(t, p.ProcessNextIfIdle(ctx))
	require.Equal(t, 1, starter.count())
}

func completedTurn(notifID string, attempt int, text string) session.TurnCompleted {
	return session.TurnCompleted{
		TurnID: "turn_n",
		Status: "completed",
		Context: session.TurnContext{
			Mode:           session.ModeNotification,
			NotificationID: notifID,
			Attempt:        attempt,
			AssistantText:  text,
		},
	}
}

func TestHandleTurnCompleted_Suppress(t *testing.T) {
	p, st, _, out := newTestPipeline(t)
	ctx := context.Background()

	res := ingestWebhook(t, p)
	require.NoError(t, p.ProcessNextIfIdle(ctx))

	p.HandleTurnCompleted(ctx, completedTurn(res.ID, 1,
		`{"delivery":"suppress","message":null,"reasonCode":"deploy_noise"}`))

	n, err := st.GetNotification(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, store.NotifSuppressed, n.Status)
	require.Equal(t, "suppress", n.Delivery)
	require.Equal(t, "deploy_noise", n.ReasonCode)
	require.Empty(t, out.all(), "suppressed notifications send nothing")
}

func TestHandleTurnCompleted_Send(t *testing.T) {
	p, st, _, out := newTestPipeline(t)
	ctx := context.Background()

	res := ingestWebhook(t, p)
	require.NoError(t, p.ProcessNextIfIdle(ctx))

	p.HandleTurnCompleted(ctx, completedTurn(res.ID, 1,
		`{"delivery":"send","message":"CI is red on main","reasonCode":null}`))

	n, err := st.GetNotification(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, store.NotifSent, n.Status)
	require.Equal(t, []string{"CI is red on main"}, out.all())
}

func TestHandleTurnCompleted_InvalidRetriesOnce(t *testing.T) {
	p, st, starter, out := newTestPipeline(t)
	ctx := context.Background()

	res := ingestWebhook(t, p)
	require.NoError(t, p.ProcessNextIfIdle(ctx))
	require.Equal(t, 1, starter.count())

	// Attempt 1 invalid: a second decision turn starts.
	p.HandleTurnCompleted(ctx, completedTurn(res.ID, 1, "not json"))
	require.Equal(t, 2, starter.count())
	require.Equal(t, 2, starter.turns[1].Attempt)
	require.Empty(t, out.all())

	// Attempt 2 invalid: raw fallback goes out, row marked failed.
	p.HandleTurnCompleted(ctx, completedTurn(res.ID, 2, "not json"))
	require.Equal(t, 2, starter.count(), "exactly one retry")
	require.Equal(t, []string{"Notification (webhook): build failed"}, out.all())

	n, err := st.GetNotification(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, store.NotifFailed, n.Status)
}

func TestHandleTurnCompleted_RetryRequeuesWhenUserTurnActive(t *testing.T) {
	p, st, starter, out := newTestPipeline(t)
	ctx := context.Background()

	res := ingestWebhook(t, p)
	require.NoError(t, p.ProcessNextIfIdle(ctx))
	require.Equal(t, 1, starter.count())

	// A user turn started before the invalid decision could retry.
	require.NoError(t, st.SetActiveTurn(ctx, testPhone, "turn_user"))
	p.HandleTurnCompleted(ctx, completedTurn(res.ID, 1, "not json"))

	require.Equal(t, 1, starter.count(), "retry must not pre-empt the user turn")
	require.Empty(t, out.all())

	n, err := st.GetNotification(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, store.NotifQueued, n.Status, "notification goes back in line")

	// Idle again: the queued row is reclaimed.
	require.NoError(t, st.ClearActiveTurn(ctx, testPhone))
	require.NoError(t, p.ProcessNextIfIdle(ctx))
	require.Equal(t, 2, starter.count())
}

func TestHandleTurnCompleted_FailedTurn(t *testing.T) {
	p, st, _, out := newTestPipeline(t)
	ctx := context.Background()

	res := ingestWebhook(t, p)
	require.NoError(t, p.ProcessNextIfIdle(ctx))

	p.HandleTurnCompleted(ctx, session.TurnCompleted{
		TurnID: "turn_n",
		Status: "failed",
		Error:  "agent crashed",
		Context: session.TurnContext{
			Mode:           session.ModeNotification,
			NotificationID: res.ID,
			Attempt:        1,
		},
	})

	n, err := st.GetNotification(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, store.NotifFailed, n.Status)
	require.Contains(t, n.ErrorText, "agent crashed")
	require.Empty(t, out.all())
}

func TestMaybePrune_RateLimited(t *testing.T) {
	p, st, _, _ := newTestPipeline(t)
	ctx := context.Background()

	ingestWebhook(t, p)

	// First prune runs (nothing deletable), second within the window is
	// a no-op even if it would delete.
	p.MaybePrune(ctx)
	p.MaybePrune(ctx)

	count, err := st.CountNotifications(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	// Force the window open; retention and the cap both still cover the row.
	p.mu.Lock()
	p.lastPrune = time.Now().Add(-time.Hour)
	p.cfg.RetentionDays = 14
	p.mu.Unlock()
	p.cfg.MaxRows = 100 // still above count; nothing deleted
	p.MaybePrune(ctx)

	count, err = st.CountNotifications(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}
