package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// MarkProcessed records an inbound message handle. Returns true iff the
// handle was not seen before (i.e. the insert happened).
func (s *Store) MarkProcessed(ctx context.Context, handle string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_messages (message_handle, received_at_ms) VALUES (?, ?)`,
		handle, s.nowMS())
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkManyProcessed records a batch of handles and returns how many were
// newly inserted. Used by the startup backlog discard.
func (s *Store) MarkManyProcessed(ctx context.Context, handles []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.nowMS()
	inserted := 0
	for _, h := range handles {
		if h == "" {
			continue
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO inbound_messages (message_handle, received_at_ms) VALUES (?, ?)`,
			h, now)
		if err != nil {
			return 0, fmt.Errorf("insert handle: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// HasAnyProcessed reports whether the dedupe set is non-empty.
func (s *Store) HasAnyProcessed(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM inbound_messages LIMIT 1`).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("has any processed: %w", err)
	}
	return true, nil
}
