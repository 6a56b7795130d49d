package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codexbridge/codexbridge/internal/codexrpc"
	"github.com/codexbridge/codexbridge/internal/metrics"
	"github.com/codexbridge/codexbridge/internal/store"
)

// ErrSteerUnsupported is surfaced when the running agent does not
// implement turn/steer. The condition is latched persistently.
var ErrSteerUnsupported = errors.New("agent does not support turn/steer")

// flagSupportsTurnSteer latches steer support across restarts.
const flagSupportsTurnSteer = "supports_turn_steer"

// TurnMode distinguishes user conversation turns from notification
// decision turns.
type TurnMode string

const (
	ModeUser         TurnMode = "user"
	ModeNotification TurnMode = "notification"
)

// TurnContext is the in-memory context attached to an active turn.
type TurnContext struct {
	Mode           TurnMode
	NotificationID string
	Attempt        int // 1 or 2, notification mode only
	AssistantText  string
}

// TurnResult reports how input was delivered to the agent.
type TurnResult struct {
	Mode     string // "start" or "steer"
	TurnID   string
	ThreadID string
}

// TurnCompleted is delivered to the bridge when a turn reaches a
// terminal state.
type TurnCompleted struct {
	TurnID  string
	Status  string // completed | failed | interrupted
	Error   string
	Context TurnContext
}

// ModelFallback describes a spark-to-standard downgrade.
type ModelFallback struct {
	FromModel string
	ToModel   string
	ToEffort  string
	Operation string
	Reason    string
}

// Callbacks are the bridge-facing event seams. All callbacks except
// OnModelFallback are invoked from the manager's event pump goroutine;
// OnModelFallback runs on the goroutine whose agent call hit the spark
// error. None is invoked with the manager lock held. Nil callbacks are
// skipped.
type Callbacks struct {
	OnTurnStarted         func(turnID string)
	OnTurnCompleted       func(tc TurnCompleted)
	OnAssistantDelta      func(itemID, turnID, delta string)
	OnAssistantFinal      func(itemID, turnID, text string)
	OnApprovalDeclined    func(method string)
	OnCompactionStarted   func()
	OnCompactionCompleted func()
	OnModelFallback       func(ev ModelFallback)
	OnTransportExit       func(err error)
}

// Config holds the agent/session settings the manager needs.
type Config struct {
	Phone          string // trusted user key for the session row
	Bin            string
	Args           []string
	Env            []string // nil inherits
	WorkingDir     string
	ModelPrefix    string
	DefaultModel   string
	SandboxMode    string
	RequestTimeout time.Duration
	ClientVersion  string
}

// Manager owns the transport and the session/turn state machine.
type Manager struct {
	cfg Config
	st  *store.Store
	cb  Callbacks

	// startMu serializes turn starts so only one staged context exists
	// at a time (the poll loop and a notification retry can race).
	startMu sync.Mutex

	mu             sync.Mutex
	client         *codexrpc.Client
	attachedThread string // thread resumed/started in this child lifetime
	supportsSteer  bool
	turnCtxs       map[string]*TurnContext
	pumpDone       chan struct{}

	// pendingCtx is the context for the turn whose turn/start is in
	// flight. The turn id is only known from the response, but the
	// pump can see turn/started (or even turn/completed, for a trivial
	// turn) before the response is processed; whichever side sees the
	// turn first claims this context.
	pendingCtx *TurnContext

	// doneTurns remembers recently completed turn ids so a turn/start
	// response arriving after its own completion does not resurrect the
	// active-turn marker.
	doneTurns map[string]bool
	doneOrder []string
}

const doneTurnsCap = 128

// New creates a Manager. Call Start to spawn the agent.
func New(cfg Config, st *store.Store, cb Callbacks) *Manager {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = ModelStandard
	}
	return &Manager{
		cfg:           cfg,
		st:            st,
		cb:            cb,
		supportsSteer: true,
		turnCtxs:      make(map[string]*TurnContext),
		doneTurns:     make(map[string]bool),
	}
}

// Start spawns the agent child and begins pumping its events.
func (m *Manager) Start(ctx context.Context) error {
	steerLatch, ok, err := m.st.Flag(ctx, flagSupportsTurnSteer)
	if err != nil {
		return err
	}
	if ok && steerLatch == "false" {
		m.mu.Lock()
		m.supportsSteer = false
		m.mu.Unlock()
	}
	return m.startClient(ctx)
}

func (m *Manager) startClient(ctx context.Context) error {
	client, err := codexrpc.Start(ctx, codexrpc.Options{
		Bin:            m.cfg.Bin,
		Args:           m.cfg.Args,
		Env:            m.cfg.Env,
		WorkingDir:     m.cfg.WorkingDir,
		ClientName:     "codexbridge",
		ClientVersion:  m.cfg.ClientVersion,
		RequestTimeout: m.cfg.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	pumpDone := make(chan struct{})

	m.mu.Lock()
	m.client = client
	m.attachedThread = ""
	m.pumpDone = pumpDone
	m.mu.Unlock()

	go m.pumpEvents(client, pumpDone)
	return nil
}

// Stop terminates the agent child and waits for the event pump to
// drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	client := m.client
	pumpDone := m.pumpDone
	m.mu.Unlock()

	if client == nil {
		return
	}
	client.Stop()
	_ = client.Wait()
	if pumpDone != nil {
		<-pumpDone
	}
}

// restartClient cycles the child process: stop, start, clear attach.
func (m *Manager) restartClient(ctx context.Context) error {
	m.Stop()
	metrics.AgentRestartsTotal.Inc()
	return m.startClient(ctx)
}

func (m *Manager) currentClient() *codexrpc.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// ensureClient respawns the child if it is missing or has exited (e.g.
// after a crash), so the next thread operation recovers transparently.
func (m *Manager) ensureClient(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	pumpDone := m.pumpDone
	m.mu.Unlock()

	if client == nil {
		return m.startClient(ctx)
	}

	select {
	case <-pumpDone:
		metrics.AgentRestartsTotal.Inc()
		return m.startClient(ctx)
	default:
		return nil
	}
}

// call issues a request with spark-fallback recovery: when the session
// model is spark and the agent reports spark inaccessible, the session
// is downgraded to standard and the call retried exactly once.
func (m *Manager) call(ctx context.Context, operation, method string, params map[string]any) (json.RawMessage, error) {
	client := m.currentClient()
	if client == nil {
		return nil, codexrpc.ErrTransportClosed
	}

	result, err := client.Request(ctx, method, params, 0)
	if err == nil {
		return result, nil
	}

	var rpcErr *codexrpc.RPCError
	if !errors.As(err, &rpcErr) || !isSparkUnavailable(rpcErr.Message) {
		return nil, err
	}

	sess, serr := m.st.Session(ctx, m.cfg.Phone)
	if serr != nil || sess.Model != ModelSpark {
		return nil, err
	}

	effort, ferr := m.effortFor(ctx, ModelStandard)
	if ferr != nil {
		effort = DefaultEffort(ModelStandard)
	}
	if perr := m.st.SetModel(ctx, m.cfg.Phone, ModelStandard); perr != nil {
		return nil, fmt.Errorf("persist fallback model: %w", perr)
	}

	metrics.ModelFallbacksTotal.Inc()
	m.audit(ctx, store.KindSystem, fmt.Sprintf("model fallback %s -> %s (%s)", ModelSpark, ModelStandard, operation), "")
	if m.cb.OnModelFallback != nil {
		m.cb.OnModelFallback(ModelFallback{
			FromModel: ModelSpark,
			ToModel:   ModelStandard,
			ToEffort:  effort,
			Operation: operation,
			Reason:    rpcErr.Message,
		})
	}

	// Retry the same call once with the downgraded model substituted.
	if _, ok := params["model"]; ok {
		params["model"] = ModelStandard
	}
	if _, ok := params["effort"]; ok {
		params["effort"] = effort
	}
	return client.Request(ctx, method, params, 0)
}

func (m *Manager) audit(ctx context.Context, kind, summary, payload string) {
	sess, err := m.st.Session(ctx, m.cfg.Phone)
	turnID := ""
	if err == nil {
		turnID = sess.ActiveTurnID
	}
	m.auditTurn(ctx, kind, summary, payload, turnID)
}

// auditTurn records an event against an explicit turn id; terminal turn
// events must not depend on the (already cleared) session state.
func (m *Manager) auditTurn(ctx context.Context, kind, summary, payload, turnID string) {
	sess, err := m.st.Session(ctx, m.cfg.Phone)
	threadID := ""
	if err == nil {
		threadID = sess.ThreadID
	}
	if err := m.st.AppendAudit(ctx, store.AuditEvent{
		PhoneNumber: m.cfg.Phone,
		ThreadID:    threadID,
		TurnID:      turnID,
		Kind:        kind,
		Summary:     summary,
		PayloadJSON: payload,
	}); err != nil {
		slog.Warn("audit append failed", "kind", kind, "error", err)
	}
}

// markTurnDoneLocked records a completed turn id, bounded FIFO. Callers
// hold m.mu.
func (m *Manager) markTurnDoneLocked(turnID string) {
	if m.doneTurns[turnID] {
		return
	}
	m.doneTurns[turnID] = true
	m.doneOrder = append(m.doneOrder, turnID)
	if len(m.doneOrder) > doneTurnsCap {
		oldest := m.doneOrder[0]
		m.doneOrder = m.doneOrder[1:]
		delete(m.doneTurns, oldest)
	}
}

// TurnContextFor returns a copy of the in-memory context for a turn id.
func (m *Manager) TurnContextFor(turnID string) (TurnContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.turnCtxs[turnID]
	if !ok {
		return TurnContext{}, false
	}
	return *tc, true
}
