package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Notification statuses.
const (
	NotifReceived   = "received"
	NotifQueued     = "queued"
	NotifProcessing = "processing"
	NotifSent       = "sent"
	NotifSuppressed = "suppressed"
	NotifFailed     = "failed"
	NotifDuplicate  = "duplicate"
)

// Notification sources.
const (
	SourceWebhook   = "webhook"
	SourceCron      = "cron"
	SourceHeartbeat = "heartbeat"
)

// Notification is one ingested notification row.
type Notification struct {
	ID             string
	Source         string
	SourceAccount  string
	SourceEventID  string
	DedupeKey      string
	Status         string
	ReceivedAtMS   int64
	ProcessedAtMS  int64
	Delivery       string
	ReasonCode     string
	MessageExcerpt string
	Summary        string
	PayloadHash    string
	RawExcerpt     []byte
	RawSizeBytes   int64
	RawTruncated   bool
	DuplicateCount int64
	FirstSeenAtMS  int64
	LastSeenAtMS   int64
	ThreadID       string
	TurnID         string
	DecisionJSON   string
	ErrorText      string
}

// InsertResult reports the outcome of an InsertNotification call.
type InsertResult struct {
	ID        string
	Duplicate bool
}

const notificationColumns = `id, source, COALESCE(source_account, ''), COALESCE(source_event_id, ''),
	dedupe_key, status, received_at_ms, COALESCE(processed_at_ms, 0),
	COALESCE(delivery, ''), COALESCE(reason_code, ''), COALESCE(message_excerpt, ''),
	summary, payload_hash, raw_excerpt, raw_size_bytes, raw_truncated,
	duplicate_count, first_seen_at_ms, last_seen_at_ms,
	COALESCE(thread_id, ''), COALESCE(turn_id, ''), COALESCE(decision_json, ''), COALESCE(error_text, '')`

func scanNotification(row interface{ Scan(...any) error }) (Notification, error) {
	var n Notification
	var truncated int64
	err := row.Scan(&n.ID, &n.Source, &n.SourceAccount, &n.SourceEventID,
		&n.DedupeKey, &n.Status, &n.ReceivedAtMS, &n.ProcessedAtMS,
		&n.Delivery, &n.ReasonCode, &n.MessageExcerpt,
		&n.Summary, &n.PayloadHash, &n.RawExcerpt, &n.RawSizeBytes, &truncated,
		&n.DuplicateCount, &n.FirstSeenAtMS, &n.LastSeenAtMS,
		&n.ThreadID, &n.TurnID, &n.DecisionJSON, &n.ErrorText)
	n.RawTruncated = truncated != 0
	return n, err
}

// InsertNotification appends a notification with INSERT OR IGNORE on the
// dedupe key. On conflict the duplicate count is incremented, last-seen
// is updated, and the existing row's id is returned with Duplicate=true.
func (s *Store) InsertNotification(ctx context.Context, n Notification) (InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InsertResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.nowMS()
	truncated := 0
	if n.RawTruncated {
		truncated = 1
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO notifications
		 (id, source, source_account, source_event_id, dedupe_key, status,
		  received_at_ms, summary, payload_hash, raw_excerpt, raw_size_bytes,
		  raw_truncated, duplicate_count, first_seen_at_ms, last_seen_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		n.ID, n.Source, nullStr(n.SourceAccount), nullStr(n.SourceEventID),
		n.DedupeKey, NotifReceived, now, n.Summary, n.PayloadHash,
		n.RawExcerpt, n.RawSizeBytes, truncated, now, now)
	if err != nil {
		return InsertResult{}, fmt.Errorf("insert notification: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return InsertResult{}, fmt.Errorf("rows affected: %w", err)
	}

	result := InsertResult{ID: n.ID}
	if inserted == 0 {
		// Same dedupe key seen again: bump the counter, never insert.
		if _, err := tx.ExecContext(ctx,
			`UPDATE notifications SET duplicate_count = duplicate_count + 1, last_seen_at_ms = ?
			 WHERE dedupe_key = ?`, now, n.DedupeKey); err != nil {
			return InsertResult{}, fmt.Errorf("bump duplicate: %w", err)
		}
		var existingID string
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM notifications WHERE dedupe_key = ?`, n.DedupeKey).Scan(&existingID); err != nil {
			return InsertResult{}, fmt.Errorf("existing id: %w", err)
		}
		result = InsertResult{ID: existingID, Duplicate: true}
	}

	if err := tx.Commit(); err != nil {
		return InsertResult{}, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

// ClaimNextQueued atomically transitions the oldest received|queued
// notification to processing and returns it. Returns nil when the queue
// is empty.
func (s *Store) ClaimNextQueued(ctx context.Context) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE status IN (?, ?) ORDER BY received_at_ms ASC, id ASC LIMIT 1`,
		NotifReceived, NotifQueued)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next: %w", err)
	}

	now := s.nowMS()
	if _, err := tx.ExecContext(ctx,
		`UPDATE notifications SET status = ?, processed_at_ms = ? WHERE id = ?`,
		NotifProcessing, now, n.ID); err != nil {
		return nil, fmt.Errorf("claim update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	n.Status = NotifProcessing
	n.ProcessedAtMS = now
	return &n, nil
}

// RequeueNotification puts a claimed notification back in line, e.g.
// when a user turn became active before its decision turn could start.
func (s *Store) RequeueNotification(ctx context.Context, notifID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ? WHERE id = ?`, NotifQueued, notifID)
	if err != nil {
		return fmt.Errorf("requeue notification: %w", err)
	}
	return nil
}

// SetNotificationTurn records the thread and turn running a decision for
// this notification.
func (s *Store) SetNotificationTurn(ctx context.Context, notifID, threadID, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET thread_id = ?, turn_id = ? WHERE id = ?`,
		nullStr(threadID), nullStr(turnID), notifID)
	if err != nil {
		return fmt.Errorf("set notification turn: %w", err)
	}
	return nil
}

// RecordDecision writes the terminal decision fields for a notification.
func (s *Store) RecordDecision(ctx context.Context, notifID, status, delivery, reasonCode, messageExcerpt, decisionJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, delivery = ?, reason_code = ?, message_excerpt = ?, decision_json = ?, processed_at_ms = ?
		 WHERE id = ?`,
		status, nullStr(delivery), nullStr(reasonCode), nullStr(messageExcerpt), nullStr(decisionJSON), s.nowMS(), notifID)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// RecordFailure marks a notification failed with an error message.
func (s *Store) RecordFailure(ctx context.Context, notifID, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, error_text = ?, processed_at_ms = ? WHERE id = ?`,
		NotifFailed, errText, s.nowMS(), notifID)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// GetNotification returns one notification by id.
func (s *Store) GetNotification(ctx context.Context, notifID string) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, notifID)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return &n, nil
}

// ListNotifications returns the most recent notifications, optionally
// filtered by source (empty string means all sources).
func (s *Store) ListNotifications(ctx context.Context, limit int, source string) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}

	var rows *sql.Rows
	var err error
	if source == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+notificationColumns+` FROM notifications ORDER BY received_at_ms DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+notificationColumns+` FROM notifications WHERE source = ? ORDER BY received_at_ms DESC, id DESC LIMIT ?`,
			source, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SearchNotifications returns notifications whose summary, source, or
// dedupe key contains the query substring, newest first.
func (s *Store) SearchNotifications(ctx context.Context, query string, limit int) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE summary LIKE ? OR source LIKE ? OR dedupe_key LIKE ?
		 ORDER BY received_at_ms DESC, id DESC LIMIT ?`,
		like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountNotifications returns the total number of notification rows.
func (s *Store) CountNotifications(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return n, nil
}

// PruneNotifications deletes rows older than the retention window, then
// deletes the oldest rows until the total is at or below maxRows.
// Returns the number of deleted rows.
func (s *Store) PruneNotifications(ctx context.Context, retention time.Duration, maxRows int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-retention).UnixMilli()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE received_at_ms < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune by age: %w", err)
	}
	deleted, _ := res.RowsAffected()

	if maxRows > 0 {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM notifications WHERE id IN (
				SELECT id FROM notifications ORDER BY received_at_ms DESC, id DESC LIMIT -1 OFFSET ?
			 )`, maxRows)
		if err != nil {
			return int(deleted), fmt.Errorf("prune by cap: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}

	return int(deleted), nil
}
