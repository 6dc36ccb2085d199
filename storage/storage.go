// Package storage persists local settings and a security event log in
// SQLite. Connection history is deliberately not persisted; the event log
// records faults (rejected handshakes, protocol errors), not sessions.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "screenlink.db"
	// DefaultSecurityEventRetention controls automatic event pruning.
	DefaultSecurityEventRetention = 30 * 24 * time.Hour
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Security event severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS settings (
  key               TEXT PRIMARY KEY,
  value             TEXT NOT NULL,
  updated_timestamp INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type   TEXT NOT NULL,
  peer_address TEXT,
  details      TEXT NOT NULL DEFAULT '',
  severity     TEXT CHECK(severity IN ('info','warning','error')) DEFAULT 'info',
  timestamp    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_timestamp
  ON security_events(timestamp);
`,
}

// SecurityEvent is one audit log entry.
type SecurityEvent struct {
	ID          int64  `json:"id"`
	EventType   string `json:"event_type"`
	PeerAddress string `json:"peer_address,omitempty"`
	Details     string `json:"details,omitempty"`
	Severity    string `json:"severity"`
	Timestamp   int64  `json:"timestamp"`
}

// Store wraps the SQLite database.
type Store struct {
	db        *sql.DB
	retention time.Duration
}

// Open creates or opens the database under dataDir and applies migrations.
// It returns the store and the database file path.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}

	return &Store{db: db, retention: DefaultSecurityEventRetention}, dbPath, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetSetting upserts one key/value setting.
func (s *Store) SetSetting(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("storage: setting key is required")
	}
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_timestamp) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_timestamp = excluded.updated_timestamp`,
		key, value, nowUnixMilli(),
	)
	return err
}

// GetSetting returns one setting value or ErrNotFound.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSecurityEventRetention configures the automatic pruning horizon.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.retention = retention
}

// LogSecurityEvent inserts an event and prunes entries past retention.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("storage: event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	switch event.Severity {
	case SeverityInfo, SeverityWarning, SeverityError:
	default:
		return fmt.Errorf("storage: invalid severity %q", event.Severity)
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (event_type, peer_address, details, severity, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		event.EventType, event.PeerAddress, event.Details, event.Severity, event.Timestamp,
	)
	if err != nil {
		return err
	}

	horizon := time.Now().Add(-s.retention).UnixMilli()
	_, err = s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, horizon)
	return err
}

// ListSecurityEvents returns the newest events first, up to limit.
func (s *Store) ListSecurityEvents(limit int) ([]SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT id, event_type, COALESCE(peer_address, ''), details, severity, timestamp
		 FROM security_events ORDER BY timestamp DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var event SecurityEvent
		if err := rows.Scan(&event.ID, &event.EventType, &event.PeerAddress, &event.Details, &event.Severity, &event.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
