// Package store archives listening sessions and their detections in SQLite,
// alongside the web panel's users and login tokens.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/christian-lee/birdsong/internal/session"
)

// ErrSessionNotFound is returned when an archived session ID is unknown.
var ErrSessionNotFound = errors.New("session not found")

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only supports one writer at a time; limit pool to 1 connection
	// to avoid SQLITE_BUSY between the archive observer and web handlers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS logins (
			token TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			expiry INTEGER NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		);
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT (datetime('now', 'localtime')),
			username TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT,
			ip TEXT
		);
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_ms INTEGER NOT NULL,
			ended_ms INTEGER
		);
		CREATE TABLE IF NOT EXISTS detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			low_rel REAL NOT NULL,
			mid_rel REAL NOT NULL,
			high_rel REAL NOT NULL,
			energy INTEGER NOT NULL,
			band TEXT NOT NULL,
			species_key TEXT NOT NULL,
			common_name TEXT NOT NULL,
			scientific_name TEXT NOT NULL,
			confidence INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_detections_session ON detections(session_id, id);
	`)
	return err
}

// --- Listening sessions ---

// SessionInfo summarizes an archived session.
type SessionInfo struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Events    int       `json:"events"`
}

// BeginSession records a new session.
func (s *Store) BeginSession(id string, startedAt time.Time) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO sessions (id, started_ms) VALUES (?, ?)`, id, startedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	return nil
}

// EndSession stamps the stop time.
func (s *Store) EndSession(id string, endedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE sessions SET ended_ms = ? WHERE id = ?`, endedAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// ResetSession drops a session's detections and restarts its clock.
func (s *Store) ResetSession(id string, startedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM detections WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE sessions SET started_ms = ? WHERE id = ?`, startedAt.UnixMilli(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveDetection appends one detection to its session. Detections stamped
// before the session's start (queued across a reset) or for an unknown
// session are skipped.
func (s *Store) SaveDetection(d session.Detection) error {
	e := d.Entry()
	res, err := s.db.Exec(`
		INSERT INTO detections (session_id, ts_ms, low_rel, mid_rel, high_rel, energy, band,
			species_key, common_name, scientific_name, confidence)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM sessions WHERE id = ? AND started_ms <= ?)`,
		d.SessionID, e.TimestampMS, e.LowRel, e.MidRel, e.HighRel, e.Energy, e.Band,
		e.SpeciesKey, e.CommonName, e.ScientificName, e.Confidence,
		d.SessionID, e.TimestampMS,
	)
	if err != nil {
		return fmt.Errorf("save detection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("stale detection skipped", "session", d.SessionID, "ts_ms", e.TimestampMS)
	}
	return nil
}

// Observe archives detections delivered by the dispatcher.
func (s *Store) Observe(_ context.Context, d session.Detection) error {
	return s.SaveDetection(d)
}

// ListSessions returns archived sessions, newest first.
func (s *Store) ListSessions(limit int) ([]SessionInfo, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.db.Query(`
		SELECT s.id, s.started_ms, COALESCE(s.ended_ms, 0), COUNT(d.id)
		FROM sessions s LEFT JOIN detections d ON d.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_ms DESC, s.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var started, ended int64
		if err := rows.Scan(&info.ID, &started, &ended, &info.Events); err != nil {
			return nil, err
		}
		info.StartedAt = time.UnixMilli(started)
		if ended > 0 {
			info.EndedAt = time.UnixMilli(ended)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Entries returns a session's log in detection order.
func (s *Store) Entries(sessionID string) ([]session.Entry, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrSessionNotFound
	}

	rows, err := s.db.Query(`
		SELECT ts_ms, low_rel, mid_rel, high_rel, energy, band, species_key, common_name, scientific_name, confidence
		FROM detections WHERE session_id = ? ORDER BY ts_ms, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []session.Entry{}
	for rows.Next() {
		var e session.Entry
		if err := rows.Scan(&e.TimestampMS, &e.LowRel, &e.MidRel, &e.HighRel, &e.Energy, &e.Band,
			&e.SpeciesKey, &e.CommonName, &e.ScientificName, &e.Confidence); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Users and logins ---

// EnsureAdmin creates the admin user, or updates its password if it exists.
func (s *Store) EnsureAdmin(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE users SET password_hash = ?, is_admin = 1 WHERE username = ?`,
		string(hash), username,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return nil
	}

	_, err = s.db.Exec(
		`INSERT INTO users (username, password_hash, is_admin) VALUES (?, ?, 1)`,
		username, string(hash),
	)
	return err
}

// Authenticate checks credentials. A nil user with nil error means rejected.
func (s *Store) Authenticate(username, password string) (*User, error) {
	var u User
	var hash string
	err := s.db.QueryRow(
		`SELECT id, username, is_admin, password_hash FROM users WHERE username = ?`,
		username,
	).Scan(&u.ID, &u.Username, &u.IsAdmin, &hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, nil
	}
	return &u, nil
}

// HasUsers reports whether any user exists, i.e. whether login is required.
func (s *Store) HasUsers() (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n > 0, err
}

// Login is a persisted login token.
type Login struct {
	UserID   int64
	Username string
	Expiry   time.Time
}

// SaveLogin persists a login token.
func (s *Store) SaveLogin(token string, userID int64, expiry time.Time) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO logins (token, user_id, expiry) VALUES (?, ?, ?)",
		token, userID, expiry.UnixMilli())
	return err
}

// LookupLogin returns an unexpired login by token.
func (s *Store) LookupLogin(token string, now time.Time) (*Login, error) {
	var l Login
	var expiry int64
	err := s.db.QueryRow(`
		SELECT l.user_id, u.username, l.expiry FROM logins l JOIN users u ON u.id = l.user_id
		WHERE l.token = ? AND l.expiry > ?`, token, now.UnixMilli()).Scan(&l.UserID, &l.Username, &expiry)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.Expiry = time.UnixMilli(expiry)
	return &l, nil
}

// DeleteLogin removes a login token.
func (s *Store) DeleteLogin(token string) error {
	_, err := s.db.Exec("DELETE FROM logins WHERE token = ?", token)
	return err
}

// CleanExpiredLogins removes expired login tokens.
func (s *Store) CleanExpiredLogins(now time.Time) {
	if _, err := s.db.Exec("DELETE FROM logins WHERE expiry <= ?", now.UnixMilli()); err != nil {
		slog.Error("clean expired logins failed", "err", err)
	}
}

// --- Audit log ---

type AuditEntry struct {
	ID       int64  `json:"id"`
	Time     string `json:"time"`
	Username string `json:"username"`
	Action   string `json:"action"`
	Detail   string `json:"detail"`
	IP       string `json:"ip"`
}

// Log records a panel action.
func (s *Store) Log(username, action, detail, ip string) {
	if _, err := s.db.Exec(
		`INSERT INTO audit_log (username, action, detail, ip) VALUES (?, ?, ?, ?)`,
		username, action, detail, ip,
	); err != nil {
		slog.Error("audit log write failed", "err", err)
	}
}

// GetAuditLog returns recent audit entries (newest first).
func (s *Store) GetAuditLog(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, ts, username, action, COALESCE(detail,''), COALESCE(ip,'') FROM audit_log ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Time, &e.Username, &e.Action, &e.Detail, &e.IP); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
