package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/codexbridge/codexbridge/internal/session"
	"github.com/codexbridge/codexbridge/internal/store"
)

const helpText = `Commands:
/help - this list
/status - session state
/stop - interrupt the current turn
/reset - start a fresh thread
/debug - last turn timeline
/thread [new] - show or replace the thread
/compact - compact thread context
/model <id>[-effort] - set model
/effort [level] - show or set reasoning effort
/spark - toggle the spark model
/pause | /resume - pause or resume the bridge
/notifications [count] [source] - recent notifications
/restart <codex|bridge|both> - restart components`

// runCommand parses and executes one slash command. Unknown commands
// get a user-visible reply; handler failures are audited and surfaced
// as one-line summaries.
func (b *Bridge) runCommand(ctx context.Context, content string) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	b.audit(ctx, store.KindCommand, content, "")

	var err error
	switch cmd {
	case "/help":
		b.Send(helpText)
	case "/status":
		err = b.cmdStatus(ctx)
	case "/stop":
		err = b.cmdStop(ctx)
	case "/reset":
		err = b.cmdReset(ctx)
	case "/debug":
		err = b.cmdDebug(ctx)
	case "/thread":
		err = b.cmdThread(ctx, args)
	case "/compact":
		err = b.cmdCompact(ctx)
	case "/model":
		err = b.cmdModel(ctx, args)
	case "/effort":
		err = b.cmdEffort(ctx, args)
	case "/spark":
		err = b.cmdSpark(ctx)
	case "/pause":
		err = b.cmdPause(ctx)
	case "/resume":
		err = b.cmdResume(ctx)
	case "/notifications":
		err = b.cmdNotifications(ctx, args)
	case "/restart":
		err = b.cmdRestart(ctx, args)
	default:
		b.Send("Unknown command. Send /help for the list.")
		return
	}

	if err != nil {
		slog.Warn("command failed", "command", cmd, "error", err)
		b.audit(ctx, store.KindError, fmt.Sprintf("command %s failed: %s", cmd, err), "")
		b.Send("Command failed: " + shorten(err.Error(), 200))
	}
}

func (b *Bridge) cmdStatus(ctx context.Context) error {
	sess, err := b.st.Session(ctx, b.cfg.TrustedNumber)
	if err != nil {
		return err
	}
	model, effort, err := b.agent.CurrentModel(ctx)
	if err != nil {
		return err
	}
	paused, _ := b.st.BoolFlag(ctx, store.FlagPaused)
	autoApprove, _ := b.st.BoolFlag(ctx, store.FlagAutoApprove)

	b.Send(strings.Join([]string{
		"phone: " + b.cfg.TrustedNumber,
		"thread: " + orDash(sess.ThreadID),
		"active_turn: " + orDash(sess.ActiveTurnID),
		fmt.Sprintf("model: %s (effort %s)", model, effort),
		"paused: " + strconv.FormatBool(paused),
		"auto_approve: " + strconv.FormatBool(autoApprove),
	}, "\n"))
	return nil
}

func (b *Bridge) cmdStop(ctx context.Context) error {
	interrupted, err := b.agent.InterruptActiveTurn(ctx)
	if err != nil {
		return err
	}
	if !interrupted {
		b.Send("Nothing to interrupt.")
	} else {
		b.Send("Interrupting the current turn.")
	}
	return nil
}

func (b *Bridge) cmdReset(ctx context.Context) error {
	if err := b.st.ResetSession(ctx, b.cfg.TrustedNumber); err != nil {
		return err
	}
	threadID, err := b.agent.EnsureThread(ctx)
	if err != nil {
		return err
	}
	b.Send("Thread reset. New thread: " + threadID)
	return nil
}

func (b *Bridge) cmdDebug(ctx context.Context) error {
	events, err := b.st.LastTurnTimeline(ctx, b.cfg.TrustedNumber, 50)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		b.Send("No turn recorded yet.")
		return nil
	}
	var lines []string
	for _, ev := range events {
		lines = append(lines, ev.Kind+": "+shorten(ev.Summary, 200))
	}
	b.Send(strings.Join(lines, "\n"))
	return nil
}

func (b *Bridge) cmdThread(ctx context.Context, args []string) error {
	if len(args) > 0 && strings.EqualFold(args[0], "new") {
		if err := b.st.ResetSession(ctx, b.cfg.TrustedNumber); err != nil {
			return err
		}
		threadID, err := b.agent.EnsureThread(ctx)
		if err != nil {
			return err
		}
		b.Send("New thread: " + threadID)
		return nil
	}

	sess, err := b.st.Session(ctx, b.cfg.TrustedNumber)
	if err != nil {
		return err
	}
	if sess.ThreadID == "" {
		b.Send("No thread yet. Send a message or /thread new.")
		return nil
	}
	b.Send("Thread: " + sess.ThreadID)
	return nil
}

func (b *Bridge) cmdCompact(ctx context.Context) error {
	if err := b.agent.CompactThread(ctx); err != nil {
		return err
	}
	b.Send("Context compaction started.")
	return nil
}

func (b *Bridge) cmdModel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		b.Send("Usage: /model <id> or /model <id>-<effort>")
		return nil
	}
	id := args[0]

	// Suffix form: split on the last '-' and treat a valid effort level
	// as the per-model effort.
	if i := strings.LastIndex(id, "-"); i > 0 {
		base, suffix := id[:i], id[i+1:]
		if session.IsValidEffort(suffix) {
			if err := b.agent.SetModelWithEffort(ctx, base, suffix); err != nil {
				return err
			}
			b.Send(fmt.Sprintf("Model: %s (effort %s)", base, suffix))
			return nil
		}
	}

	effort, err := b.agent.SetModel(ctx, id)
	if err != nil {
		return err
	}
	b.Send(fmt.Sprintf("Model: %s (effort %s)", id, effort))
	return nil
}

func (b *Bridge) cmdEffort(ctx context.Context, args []string) error {
	if len(args) == 0 {
		model, effort, err := b.agent.CurrentModel(ctx)
		if err != nil {
			return err
		}
		b.Send(fmt.Sprintf("Effort for %s: %s", model, effort))
		return nil
	}

	level := strings.ToLower(args[0])
	model, err := b.agent.SetEffortForCurrentModel(ctx, level)
	if err != nil {
		return err
	}
	b.Send(fmt.Sprintf("Effort for %s: %s", model, level))
	return nil
}

func (b *Bridge) cmdSpark(ctx context.Context) error {
	model, effort, err := b.agent.ToggleSparkModel(ctx)
	if err != nil {
		return err
	}
	b.Send(fmt.Sprintf("Model: %s (effort %s)", model, effort))
	return nil
}

func (b *Bridge) cmdPause(ctx context.Context) error {
	if err := b.st.SetBoolFlag(ctx, store.FlagPaused, true); err != nil {
		return err
	}
	if err := b.st.SetBoolFlag(ctx, store.FlagAutoApprove, false); err != nil {
		return err
	}
	b.Send("Paused. New turns are blocked and approvals decline.")
	return nil
}

func (b *Bridge) cmdResume(ctx context.Context) error {
	if err := b.st.SetBoolFlag(ctx, store.FlagPaused, false); err != nil {
		return err
	}
	if err := b.st.SetBoolFlag(ctx, store.FlagAutoApprove, true); err != nil {
		return err
	}
	b.Send("Resumed. Auto-approval is on.")
	return nil
}

func (b *Bridge) cmdNotifications(ctx context.Context, args []string) error {
	count := 10
	source := ""

	for _, arg := range args {
		if n, err := strconv.Atoi(arg); err == nil {
			count = n
			continue
		}
		s := strings.ToLower(arg)
		switch s {
		case "all":
			source = ""
		case store.SourceWebhook, store.SourceCron, store.SourceHeartbeat:
			source = s
		default:
			b.Send("Usage: /notifications [count 1-200] [all|webhook|cron|heartbeat]")
			return nil
		}
	}
	if count < 1 {
		count = 1
	}
	if count > 200 {
		count = 200
	}

	rows, err := b.st.ListNotifications(ctx, count, source)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		b.Send("No notifications.")
		return nil
	}

	var lines []string
	for _, n := range rows {
		line := fmt.Sprintf("%s [%s] (%s) %s", n.ID, n.Status, n.Source, shorten(n.Summary, 120))
		if n.DuplicateCount > 0 {
			line += fmt.Sprintf(" x%d", n.DuplicateCount+1)
		}
		lines = append(lines, line)
	}
	b.Send(strings.Join(lines, "\n"))
	return nil
}

func (b *Bridge) cmdRestart(ctx context.Context, args []string) error {
	if len(args) != 1 {
		b.Send("Usage: /restart <codex|bridge|both>")
		return nil
	}

	target := strings.ToLower(args[0])
	switch target {
	case "codex":
		threadID, err := b.agent.RestartCodex(ctx)
		if err != nil {
			return err
		}
		if threadID == "" {
			b.Send("Codex restarted. No thread attached yet.")
		} else {
			b.Send("Codex restarted. Thread: " + threadID)
		}
		return nil

	case "bridge", "both":
		notice := restartNotice{Target: target, RequestedAtMS: time.Now().UnixMilli()}
		if err := b.st.SetFlagJSON(ctx, store.FlagPendingRestartNotice, notice); err != nil {
			return err
		}
		b.restartRequested.Store(true)

		// Delivered synchronously: the poll loop stops right after this
		// handler and the queue worker may never run again.
		b.outbound.deliver("Restarting bridge now...")
		b.audit(ctx, store.KindSystem, "bridge restart requested ("+target+")", "")
		b.Stop()
		return nil

	default:
		b.Send("Usage: /restart <codex|bridge|both>")
		return nil
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
