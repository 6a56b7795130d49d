package session

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stretchr/testify/require"

	"github.com/codexbridge/codexbridge/internal/id"
	"github.com/codexbridge/codexbridge/internal/store"
	"github.com/codexbridge/codexbridge/internal/util/testutil"
)

func validateArgs(t *testing.T, tool, argsJSON string) error {
	t.Helper()
	v, err := jsonschema.UnmarshalJSON(strings.NewReader(argsJSON))
	require.NoError(t, err)
	return toolValidators[tool].Validate(v)
}

func TestToolValidators(t *testing.T) {
	require.NoError(t, validateArgs(t, toolNotificationsList, `{}`))
	require.NoError(t, validateArgs(t, toolNotificationsList, `{"limit": 5, "source": "webhook"}`))
	require.Error(t, validateArgs(t, toolNotificationsList, `{"limit": 0}`))
	require.Error(t, validateArgs(t, toolNotificationsList, `{"source": "email"}`))
	require.Error(t, validateArgs(t, toolNotificationsList, `{"bogus": true}`))

	require.NoError(t, validateArgs(t, toolNotificationsGet, `{"id": "ntf_x"}`))
	require.Error(t, validateArgs(t, toolNotificationsGet, `{}`))

	require.NoError(t, validateArgs(t, toolNotificationsSearch, `{"query": "build"}`))
	require.Error(t, validateArgs(t, toolNotificationsSearch, `{"limit": 5}`))
}

func TestNotificationToolDescriptors(t *testing.T) {
	descs := notificationToolDescriptors()
	require.Len(t, descs, 3)
	names := map[string]bool{}
	for _, d := range descs {
		names[d["name"].(string)] = true
		require.NotNil(t, d["inputSchema"])
		require.NotEmpty(t, d["description"])
	}
	require.True(t, names[toolNotificationsList])
	require.True(t, names[toolNotificationsGet])
	require.True(t, names[toolNotificationsSearch])
}

func TestRunNotificationTool(t *testing.T) {
	m, st := newTestManager(t, nil)
	ctx := context.Background()

	notifID := id.Notification()
	_, err := st.InsertNotification(ctx, store.Notification{
		ID:          notifID,
		Source:      store.SourceWebhook,
		DedupeKey:   "event:webhook:-:evt_1",
		Summary:     "build failed",
		PayloadHash: "hash",
		RawExcerpt:  []byte(`{"event_id":"evt_1"}`),
	})
	require.NoError(t, err)

	result, err := m.runNotificationTool(ctx, toolNotificationsList, map[string]any{})
	require.NoError(t, err)
	views := result.([]notifView)
	require.Len(t, views, 1)
	require.Equal(t, notifID, views[0].ID)
	require.Empty(t, views[0].RawExcerpt, "list omits the raw excerpt")

	result, err = m.runNotificationTool(ctx, toolNotificationsGet, map[string]any{"id": notifID})
	require.NoError(t, err)
	view := result.(notifView)
	require.Equal(t, `{"event_id":"evt_1"}`, view.RawExcerpt)

	_, err = m.runNotificationTool(ctx, toolNotificationsGet, map[string]any{"id": "ntf_missing"})
	require.Error(t, err)

	result, err = m.runNotificationTool(ctx, toolNotificationsSearch, map[string]any{"query": "build"})
	require.NoError(t, err)
	require.Len(t, result.([]notifView), 1)

	result, err = m.runNotificationTool(ctx, toolNotificationsSearch, map[string]any{"query": "nomatch"})
	require.NoError(t, err)
	require.Empty(t, result.([]notifView))
}

func TestApproval_DeclinedByDefault(t *testing.T) {
	var mu sync.Mutex
	var declined []string
	rec := &capture{}
	cb := rec.callbacks()
	cb.OnApprovalDeclined = func(method string) {
		mu.Lock()
		defer mu.Unlock()
		declined = append(declined, method)
	}

	m, _ := newTestManagerWithCallbacks(t, cb)

	_, err := m.StartOrSteerTurn(context.Background(), "trigger-approval")
	require.NoError(t, err)

	testutil.RequireEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(declined) == 1
	}, "approval must decline without auto_approve")

	mu.Lock()
	require.Equal(t, "item/commandExecution/requestApproval", declined[0])
	mu.Unlock()
}

func TestApproval_AcceptedWhenAutoApprove(t *testing.T) {
	var mu sync.Mutex
	var declined []string
	rec := &capture{}
	cb := rec.callbacks()
	cb.OnApprovalDeclined = func(method string) {
		mu.Lock()
		defer mu.Unlock()
		declined = append(declined, method)
	}

	m, st := newTestManagerWithCallbacks(t, cb)
	ctx := context.Background()
	require.NoError(t, st.SetBoolFlag(ctx, store.FlagAutoApprove, true))

	_, err := m.StartOrSteerTurn(ctx, "trigger-approval")
	require.NoError(t, err)

	// The turn completes after the approval round-trip; no decline
	// callback may have fired.
	testutil.RequireEventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.completed) == 1
	})
	mu.Lock()
	require.Empty(t, declined)
	mu.Unlock()
}

func TestApproval_PausedDeclinesDespiteAutoApprove(t *testing.T) {
	var mu sync.Mutex
	var declined []string
	rec := &capture{}
	cb := rec.callbacks()
	cb.OnApprovalDeclined = func(method string) {
		mu.Lock()
		defer mu.Unlock()
		declined = append(declined, method)
	}

	m, st := newTestManagerWithCallbacks(t, cb)
	ctx := context.Background()
	require.NoError(t, st.SetBoolFlag(ctx, store.FlagAutoApprove, true))
	require.NoError(t, st.SetBoolFlag(ctx, store.FlagPaused, true))

	_, err := m.StartOrSteerTurn(ctx, "trigger-approval")
	require.NoError(t, err)

	testutil.RequireEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(declined) == 1
	}, "paused must decline even with auto_approve")
}
