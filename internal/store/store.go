// Package store implements SessionStore (spec.md §3/§4.7): the durable
// mapping from logical sessionId to its correlation record, with lookups
// by id, by log path, by window, and by (slug, project), plus
// active/inactive partitioning.
//
// Grounded on the SQLite Store pattern in internal/plugins/notes/store.go
// (sql.Open DSN options, initSchema, boolToInt scan helpers), adapted from
// notes/action-log persistence to the session_records table.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gbasin/agentboard-core/internal/sessioncore"
)

// Store persists Session records in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at dbPath and
// ensures the schema exists. DSN options mirror the teacher's store:
// a busy timeout so concurrent pollers don't fail under SQLITE_BUSY, and
// WAL so readers never block the poller's writer.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(4)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS session_records (
    session_id TEXT PRIMARY KEY,
    log_file_path TEXT NOT NULL,
    project_path TEXT NOT NULL,
    slug TEXT NOT NULL,
    agent_family TEXT NOT NULL,
    display_name TEXT NOT NULL,
    current_window TEXT,
    is_pinned INTEGER NOT NULL DEFAULT 0,
    last_resume_error TEXT,
    last_known_log_size INTEGER NOT NULL DEFAULT 0,
    last_user_message TEXT,
    last_activity_at TEXT,
    created_at TEXT NOT NULL,
    is_codex_exec INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_session_records_log_path ON session_records(log_file_path);
CREATE INDEX IF NOT EXISTS idx_session_records_window ON session_records(current_window);
CREATE INDEX IF NOT EXISTS idx_session_records_slug_project ON session_records(slug, project_path);
`
	_, err := s.db.Exec(schema)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Insert creates a new session record. Callers must have already resolved
// display-name uniqueness (invariant I2) before calling.
func (s *Store) Insert(sess sessioncore.Session) error {
	var window sql.NullString
	if sess.CurrentWindow != nil {
		window = sql.NullString{String: string(*sess.CurrentWindow), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO session_records (
			session_id, log_file_path, project_path, slug, agent_family, display_name,
			current_window, is_pinned, last_resume_error, last_known_log_size,
			last_user_message, last_activity_at, created_at, is_codex_exec
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.SessionID, sess.LogFilePath, sess.ProjectPath, sess.Slug, string(sess.AgentFamily),
		sess.DisplayName, window, boolToInt(sess.IsPinned), sess.LastResumeError,
		sess.LastKnownLogSize, sess.LastUserMessage, formatTime(sess.LastActivityAt),
		formatTime(sess.CreatedAt), boolToInt(sess.IsCodexExec))
	if err != nil {
		return fmt.Errorf("store: insert session %s: %w", sess.SessionID, err)
	}
	return nil
}

// Update replaces an existing session record in full (callers build the new
// value from the old one via sessioncore.Session.Clone plus field edits).
func (s *Store) Update(sess sessioncore.Session) error {
	var window sql.NullString
	if sess.CurrentWindow != nil {
		window = sql.NullString{String: string(*sess.CurrentWindow), Valid: true}
	}
	res, err := s.db.Exec(`
		UPDATE session_records SET
			log_file_path = ?, project_path = ?, slug = ?, agent_family = ?, display_name = ?,
			current_window = ?, is_pinned = ?, last_resume_error = ?, last_known_log_size = ?,
			last_user_message = ?, last_activity_at = ?, is_codex_exec = ?
		WHERE session_id = ?
	`, sess.LogFilePath, sess.ProjectPath, sess.Slug, string(sess.AgentFamily), sess.DisplayName,
		window, boolToInt(sess.IsPinned), sess.LastResumeError, sess.LastKnownLogSize,
		sess.LastUserMessage, formatTime(sess.LastActivityAt), boolToInt(sess.IsCodexExec),
		sess.SessionID)
	if err != nil {
		return fmt.Errorf("store: update session %s: %w", sess.SessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected for %s: %w", sess.SessionID, err)
	}
	if n == 0 {
		return fmt.Errorf("store: session not found: %s", sess.SessionID)
	}
	return nil
}

const selectColumns = `
	session_id, log_file_path, project_path, slug, agent_family, display_name,
	current_window, is_pinned, last_resume_error, last_known_log_size,
	last_user_message, last_activity_at, created_at, is_codex_exec
`

func scanSession(row interface{ Scan(...any) error }) (sessioncore.Session, error) {
	var sess sessioncore.Session
	var window, lastActivity, createdAt sql.NullString
	var family string
	var isPinned, isCodexExec int

	err := row.Scan(&sess.SessionID, &sess.LogFilePath, &sess.ProjectPath, &sess.Slug, &family,
		&sess.DisplayName, &window, &isPinned, &sess.LastResumeError, &sess.LastKnownLogSize,
		&sess.LastUserMessage, &lastActivity, &createdAt, &isCodexExec)
	if err != nil {
		return sessioncore.Session{}, err
	}

	sess.AgentFamily = sessioncore.AgentFamily(family)
	sess.IsPinned = isPinned == 1
	sess.IsCodexExec = isCodexExec == 1
	sess.LastActivityAt = parseTime(lastActivity)
	sess.CreatedAt = parseTime(createdAt)
	if window.Valid {
		key := sessioncore.WindowKey(window.String)
		sess.CurrentWindow = &key
	}
	return sess, nil
}

// GetByID looks up a session by its logical sessionId.
func (s *Store) GetByID(id string) (sessioncore.Session, bool, error) {
	row := s.db.QueryRow("SELECT "+selectColumns+" FROM session_records WHERE session_id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return sessioncore.Session{}, false, nil
	}
	if err != nil {
		return sessioncore.Session{}, false, fmt.Errorf("store: get by id %s: %w", id, err)
	}
	return sess, true, nil
}

// GetByLogPath looks up a session by its transcript's absolute path.
func (s *Store) GetByLogPath(path string) (sessioncore.Session, bool, error) {
	row := s.db.QueryRow("SELECT "+selectColumns+" FROM session_records WHERE log_file_path = ?", path)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return sessioncore.Session{}, false, nil
	}
	if err != nil {
		return sessioncore.Session{}, false, fmt.Errorf("store: get by log path %s: %w", path, err)
	}
	return sess, true, nil
}

// GetByWindow looks up the session currently claiming window key (§4.7.5
// "re-query session by window" before claim arbitration).
func (s *Store) GetByWindow(key sessioncore.WindowKey) (sessioncore.Session, bool, error) {
	row := s.db.QueryRow("SELECT "+selectColumns+" FROM session_records WHERE current_window = ?", string(key))
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return sessioncore.Session{}, false, nil
	}
	if err != nil {
		return sessioncore.Session{}, false, fmt.Errorf("store: get by window %s: %w", key, err)
	}
	return sess, true, nil
}

// GetActiveBySlugProject finds the active (non-orphan) session sharing
// slug and project, used by the slug-supersede rule (§4.7.3, invariant I5).
func (s *Store) GetActiveBySlugProject(slug, projectPath string) (sessioncore.Session, bool, error) {
	row := s.db.QueryRow(`
		SELECT `+selectColumns+` FROM session_records
		WHERE slug = ? AND project_path = ? AND current_window IS NOT NULL
		LIMIT 1
	`, slug, projectPath)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return sessioncore.Session{}, false, nil
	}
	if err != nil {
		return sessioncore.Session{}, false, fmt.Errorf("store: get active by slug/project: %w", err)
	}
	return sess, true, nil
}

// All returns every session record, for building per-poll snapshots.
func (s *Store) All() ([]sessioncore.Session, error) {
	rows, err := s.db.Query("SELECT " + selectColumns + " FROM session_records")
	if err != nil {
		return nil, fmt.Errorf("store: list all: %w", err)
	}
	defer rows.Close()

	var out []sessioncore.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Active returns sessions with a non-null currentWindow.
func (s *Store) Active() ([]sessioncore.Session, error) {
	return s.queryWhere("current_window IS NOT NULL")
}

// Orphans returns sessions with a null currentWindow (GLOSSARY: Orphan).
func (s *Store) Orphans() ([]sessioncore.Session, error) {
	return s.queryWhere("current_window IS NULL")
}

func (s *Store) queryWhere(where string) ([]sessioncore.Session, error) {
	rows, err := s.db.Query("SELECT " + selectColumns + " FROM session_records WHERE " + where)
	if err != nil {
		return nil, fmt.Errorf("store: query (%s): %w", where, err)
	}
	defer rows.Close()

	var out []sessioncore.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DisplayNameTaken reports whether name is already in use by a session
// other than excludeID (invariant I2).
func (s *Store) DisplayNameTaken(name, excludeID string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(1) FROM session_records WHERE display_name = ? AND session_id != ?",
		name, excludeID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: display name check: %w", err)
	}
	return count > 0, nil
}
