// Package persistence keeps session metadata in SQLite so a restarted bridge
// can relaunch dormant sessions with their resume tokens. Conversation
// history is never stored here.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Session is the persisted launch metadata of one bridge session.
type Session struct {
	ID             string `json:"id"`
	Cwd            string `json:"cwd"`
	Model          string `json:"model"`
	PermissionMode string `json:"permissionMode"`
	AgentSessionID string `json:"agentSessionId"` // resume token reported by the agent
	CreatedAt      string `json:"createdAt"`      // ISO 8601
	UpdatedAt      string `json:"updatedAt"`
	ExitCode       *int   `json:"exitCode,omitempty"`
	ExitedAt       string `json:"exitedAt,omitempty"`
	// LastSeq is the highest event sequence number the session has issued.
	LastSeq uint64 `json:"lastSeq"`
}

// Store provides persistent session metadata backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
		migrateV3,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the sessions table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			cwd TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			permission_mode TEXT NOT NULL DEFAULT '',
			agent_session_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// migrateV2 records how the last agent process ended.
func migrateV2(db *sql.DB) error {
	if _, err := db.Exec(`ALTER TABLE sessions ADD COLUMN exit_code INTEGER`); err != nil {
		return err
	}
	_, err := db.Exec(`ALTER TABLE sessions ADD COLUMN exited_at TEXT NOT NULL DEFAULT ''`)
	return err
}

// migrateV3 keeps event sequence numbers monotonic across restarts.
func migrateV3(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE sessions ADD COLUMN last_seq INTEGER NOT NULL DEFAULT 0`)
	return err
}

// timeLayout is fixed-width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

// Upsert inserts or replaces a session's launch metadata. The original
// created_at is kept when the row already exists, and a relaunch clears the
// previous exit.
func (s *Store) Upsert(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	if sess.CreatedAt == "" {
		sess.CreatedAt = ts
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, cwd, model, permission_mode, agent_session_id, created_at, updated_at, exit_code, exited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, '')
		ON CONFLICT(id) DO UPDATE SET
			cwd = excluded.cwd,
			model = excluded.model,
			permission_mode = excluded.permission_mode,
			agent_session_id = excluded.agent_session_id,
			updated_at = excluded.updated_at,
			exit_code = NULL,
			exited_at = ''`,
		sess.ID, sess.Cwd, sess.Model, sess.PermissionMode, sess.AgentSessionID, sess.CreatedAt, ts,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Get retrieves a persisted session. Returns nil, nil if none exists.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, cwd, model, permission_mode, agent_session_id, created_at, updated_at, exit_code, exited_at, last_seq
		FROM sessions WHERE id = ?`,
		id,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// List returns every persisted session, oldest first.
func (s *Store) List() ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, cwd, model, permission_mode, agent_session_id, created_at, updated_at, exit_code, exited_at, last_seq
		FROM sessions ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess     Session
		exitCode sql.NullInt64
	)
	if err := row.Scan(&sess.ID, &sess.Cwd, &sess.Model, &sess.PermissionMode, &sess.AgentSessionID,
		&sess.CreatedAt, &sess.UpdatedAt, &exitCode, &sess.ExitedAt, &sess.LastSeq); err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		sess.ExitCode = &code
	}
	return &sess, nil
}

// SetAgentSessionID records the resume token the agent reported. An empty
// value clears it, e.g. after a failed resume.
func (s *Store) SetAgentSessionID(id, agentSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sessions SET agent_session_id = ?, updated_at = ? WHERE id = ?", agentSessionID, now(), id)
	if err != nil {
		return fmt.Errorf("update agent session id: %w", err)
	}
	return nil
}

// UpdateSettings records the model and permission mode the agent confirmed.
func (s *Store) UpdateSettings(id, model, permissionMode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sessions SET model = ?, permission_mode = ?, updated_at = ? WHERE id = ?", model, permissionMode, now(), id)
	if err != nil {
		return fmt.Errorf("update session settings: %w", err)
	}
	return nil
}

// RecordExit stores the exit code of the session's last agent process.
func (s *Store) RecordExit(id string, exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	_, err := s.db.Exec("UPDATE sessions SET exit_code = ?, exited_at = ?, updated_at = ? WHERE id = ?", exitCode, ts, ts, id)
	if err != nil {
		return fmt.Errorf("record session exit: %w", err)
	}
	return nil
}

// RecordLastSeq raises the stored sequence high-water mark to seq. Lower
// values are ignored.
func (s *Store) RecordLastSeq(id string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE sessions SET last_seq = MAX(last_seq, ?) WHERE id = ?", int64(seq), id)
	if err != nil {
		return fmt.Errorf("record last seq: %w", err)
	}
	return nil
}

// LastSeq returns the stored sequence high-water mark, or 0 for an unknown
// session.
func (s *Store) LastSeq(id string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq int64
	err := s.db.QueryRow("SELECT last_seq FROM sessions WHERE id = ?", id).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get last seq: %w", err)
	}
	return uint64(seq), nil
}

// Delete removes a session's metadata.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Count returns the number of persisted sessions.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}
