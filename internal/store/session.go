package store

import (
	"context"
	"fmt"
)

// Session is the singleton conversation state for the trusted user.
type Session struct {
	PhoneNumber  string
	ThreadID     string // empty when no thread
	ActiveTurnID string // empty when no turn in flight
	Model        string
	UpdatedAtMS  int64
}

// Session returns the session row for the given phone number, creating
// it with defaults if it does not exist yet.
func (s *Store) Session(ctx context.Context, phone string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (phone_number, updated_at_ms) VALUES (?, ?)`,
		phone, s.nowMS())
	if err != nil {
		return Session{}, fmt.Errorf("ensure session: %w", err)
	}

	return s.getSession(ctx, phone)
}

func (s *Store) getSession(ctx context.Context, phone string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT phone_number, COALESCE(thread_id, ''), COALESCE(active_turn_id, ''), model, updated_at_ms
		 FROM sessions WHERE phone_number = ?`, phone)

	var sess Session
	if err := row.Scan(&sess.PhoneNumber, &sess.ThreadID, &sess.ActiveTurnID, &sess.Model, &sess.UpdatedAtMS); err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// SetThread records the session's current thread id.
func (s *Store) SetThread(ctx context.Context, phone, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET thread_id = ?, updated_at_ms = ? WHERE phone_number = ?`,
		nullStr(threadID), s.nowMS(), phone)
	if err != nil {
		return fmt.Errorf("set thread: %w", err)
	}
	return nil
}

// SetActiveTurn records the currently running turn id.
func (s *Store) SetActiveTurn(ctx context.Context, phone, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active_turn_id = ?, updated_at_ms = ? WHERE phone_number = ?`,
		nullStr(turnID), s.nowMS(), phone)
	if err != nil {
		return fmt.Errorf("set active turn: %w", err)
	}
	return nil
}

// ClearActiveTurn clears the active turn id.
func (s *Store) ClearActiveTurn(ctx context.Context, phone string) error {
	return s.SetActiveTurn(ctx, phone, "")
}

// SetModel records the session's current model id.
func (s *Store) SetModel(ctx context.Context, phone, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET model = ?, updated_at_ms = ? WHERE phone_number = ?`,
		model, s.nowMS(), phone)
	if err != nil {
		return fmt.Errorf("set model: %w", err)
	}
	return nil
}

// ResetSession clears the thread and active turn in one statement.
func (s *Store) ResetSession(ctx context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET thread_id = NULL, active_turn_id = NULL, updated_at_ms = ? WHERE phone_number = ?`,
		s.nowMS(), phone)
	if err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	return nil
}
