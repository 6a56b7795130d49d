package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Audit event kinds. The set is closed; new kinds require a migration of
// downstream consumers (/debug formatting, tests).
const (
	KindInboundMessage         = "inbound_message"
	KindOutboundMessage        = "outbound_message"
	KindCommand                = "command"
	KindTurnStarted            = "turn_started"
	KindTurnCompleted          = "turn_completed"
	KindTurnSteered            = "turn_steered"
	KindTurnInterrupted        = "turn_interrupted"
	KindAssistantDelta         = "assistant_delta"
	KindApprovalRequest        = "approval_request"
	KindApprovalResponse       = "approval_response"
	KindNotificationIngested   = "notification_ingested"
	KindNotificationDuplicate  = "notification_duplicate"
	KindNotificationProcessing = "notification_processing"
	KindNotificationSent       = "notification_sent"
	KindNotificationSuppressed = "notification_suppressed"
	KindNotificationFailed     = "notification_failed"
	KindSystem                 = "system"
	KindError                  = "error"
)

// AuditEvent is one append-only log entry.
type AuditEvent struct {
	ID          int64
	TSMs        int64
	PhoneNumber string
	ThreadID    string
	TurnID      string
	Kind        string
	Summary     string
	PayloadJSON string
}

// AppendAudit appends an event to the audit log. The timestamp is
// assigned by the store.
func (s *Store) AppendAudit(ctx context.Context, ev AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (ts_ms, phone_number, thread_id, turn_id, kind, summary, payload_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.nowMS(), ev.PhoneNumber, nullStr(ev.ThreadID), nullStr(ev.TurnID),
		ev.Kind, ev.Summary, nullStr(ev.PayloadJSON))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// LastTurnTimeline returns the ordered events of the most recent turn
// seen for the user, up to limit rows. Returns an empty slice when no
// turn has been recorded.
func (s *Store) LastTurnTimeline(ctx context.Context, phone string, limit int) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	var turnID string
	err := s.db.QueryRowContext(ctx,
		`SELECT turn_id FROM audit_events
		 WHERE phone_number = ? AND turn_id IS NOT NULL
		 ORDER BY id DESC LIMIT 1`, phone).Scan(&turnID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last turn id: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts_ms, phone_number, COALESCE(thread_id, ''), COALESCE(turn_id, ''), kind, summary, COALESCE(payload_json, '')
		 FROM audit_events WHERE turn_id = ? ORDER BY id ASC LIMIT ?`,
		turnID, limit)
	if err != nil {
		return nil, fmt.Errorf("turn timeline: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(&ev.ID, &ev.TSMs, &ev.PhoneNumber, &ev.ThreadID, &ev.TurnID, &ev.Kind, &ev.Summary, &ev.PayloadJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
