// Package store is the bridge's sole persistence authority. It wraps the
// SQLite database with typed accessors for sessions, the inbound dedupe
// set, flags, the audit log, and notifications. All methods serialize
// through an internal mutex so callers observe linearizable call order.
package store

import (
	"database/sql"
	"sync"
	"time"
)

// Store provides synchronized access to bridge state.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	// now is swappable in tests.
	now func() time.Time
}

// New wraps an open database handle. The caller is responsible for
// running migrations first (db.Migrate).
func New(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB, now: time.Now}
}

func (s *Store) nowMS() int64 {
	return s.now().UnixMilli()
}

// nullStr converts "" to NULL for writes.
func nullStr(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// strOrEmpty converts NULL to "" for reads.
func strOrEmpty(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}
