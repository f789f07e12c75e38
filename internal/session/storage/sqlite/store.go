// Package sqlite persists session tokens keyed by role.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/smartrestaurant/ordersync/internal/order"
	sqlitemigrate "github.com/smartrestaurant/ordersync/internal/platform/storage/sqlitemigrate"
	"github.com/smartrestaurant/ordersync/internal/session"
	"github.com/smartrestaurant/ordersync/internal/session/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists one session per role in SQLite so reopening the client
// restores the session without re-authenticating.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite session store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Save upserts the session record for its role.
func (s *Store) Save(rec session.Stored) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(string(rec.Role)) == "" {
		return fmt.Errorf("role is required")
	}
	if strings.TrimSpace(rec.Token) == "" {
		return fmt.Errorf("token is required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.sqlDB.Exec(`
INSERT INTO sessions (role, token, device_id, table_id, user_id, specialty, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(role) DO UPDATE SET
    token = excluded.token,
    device_id = excluded.device_id,
    table_id = excluded.table_id,
    user_id = excluded.user_id,
    specialty = excluded.specialty,
    created_at = excluded.created_at;
`, string(rec.Role), rec.Token, rec.DeviceID, rec.TableID, rec.UserID, rec.Specialty, toMillis(createdAt))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load returns the persisted session for role, if any.
func (s *Store) Load(role order.Role) (session.Stored, bool, error) {
	if s == nil || s.sqlDB == nil {
		return session.Stored{}, false, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRow(`
SELECT role, token, device_id, table_id, user_id, specialty, created_at
FROM sessions
WHERE role = ?;
`, string(role))

	var rec session.Stored
	var roleValue string
	var createdAt int64
	err := row.Scan(&roleValue, &rec.Token, &rec.DeviceID, &rec.TableID, &rec.UserID, &rec.Specialty, &createdAt)
	if err == sql.ErrNoRows {
		return session.Stored{}, false, nil
	}
	if err != nil {
		return session.Stored{}, false, fmt.Errorf("load session: %w", err)
	}
	rec.Role = order.Role(roleValue)
	rec.CreatedAt = fromMillis(createdAt)
	return rec, true, nil
}

// Delete removes the persisted session for role.
func (s *Store) Delete(role order.Role) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.Exec(`DELETE FROM sessions WHERE role = ?;`, string(role)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
