package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Recognized flag keys.
const (
	FlagPaused               = "paused"
	FlagAutoApprove          = "auto_approve"
	FlagEffortByModel        = "reasoning_effort_by_model"
	FlagSparkReturnTarget    = "spark_return_target"
	FlagPendingRestartNotice = "pending_bridge_restart_notice"
)

// Flag returns the raw string value for a key. The second return is
// false when the key is not set.
func (s *Store) Flag(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getFlag(ctx, key)
}

func (s *Store) getFlag(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM flags WHERE key = ?`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get flag %s: %w", key, err)
	}
	return v, true, nil
}

// SetFlag upserts a raw string flag value.
func (s *Store) SetFlag(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flags (key, value, updated_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms`,
		key, value, s.nowMS())
	if err != nil {
		return fmt.Errorf("set flag %s: %w", key, err)
	}
	return nil
}

// DeleteFlag removes a flag. Deleting a missing flag is not an error.
func (s *Store) DeleteFlag(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM flags WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete flag %s: %w", key, err)
	}
	return nil
}

// BoolFlag returns a boolean flag; missing keys read as false.
func (s *Store) BoolFlag(ctx context.Context, key string) (bool, error) {
	v, ok, err := s.Flag(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return v == "true" || v == "1", nil
}

// SetBoolFlag stores a boolean flag as "true"/"false".
func (s *Store) SetBoolFlag(ctx context.Context, key string, value bool) error {
	v := "false"
	if value {
		v = "true"
	}
	return s.SetFlag(ctx, key, v)
}

// FlagJSON unmarshals a JSON-encoded flag into dest. The return is
// false when the key is not set.
func (s *Store) FlagJSON(ctx context.Context, key string, dest any) (bool, error) {
	v, ok, err := s.Flag(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(v), dest); err != nil {
		return false, fmt.Errorf("decode flag %s: %w", key, err)
	}
	return true, nil
}

// SetFlagJSON stores a value as JSON.
func (s *Store) SetFlagJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode flag %s: %w", key, err)
	}
	return s.SetFlag(ctx, key, string(data))
}

// ConsumeFlag atomically reads and deletes a one-shot flag. The second
// return is false when the key was not set.
func (s *Store) ConsumeFlag(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var v string
	err = tx.QueryRowContext(ctx, `SELECT value FROM flags WHERE key = ?`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("consume flag %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM flags WHERE key = ?`, key); err != nil {
		return "", false, fmt.Errorf("consume flag %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}
	return v, true, nil
}

// ConsumeFlagJSON atomically reads, deletes, and unmarshals a one-shot flag.
func (s *Store) ConsumeFlagJSON(ctx context.Context, key string, dest any) (bool, error) {
	v, ok, err := s.ConsumeFlag(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(v), dest); err != nil {
		return false, fmt.Errorf("decode flag %s: %w", key, err)
	}
	return true, nil
}

// EffortByModel returns the persisted model→effort map (possibly empty).
func (s *Store) EffortByModel(ctx context.Context) (map[string]string, error) {
	m := make(map[string]string)
	if _, err := s.FlagJSON(ctx, FlagEffortByModel, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// SetEffortForModel updates one entry of the model→effort map.
func (s *Store) SetEffortForModel(ctx context.Context, model, effort string) error {
	m, err := s.EffortByModel(ctx)
	if err != nil {
		return err
	}
	m[model] = effort
	return s.SetFlagJSON(ctx, FlagEffortByModel, m)
}
