// Package store implements the append-only audit/event store using SQLite.
// It is the persistent half of the observability sink: risk-pattern matches
// and core events (routing decisions, load/evict transitions, verification
// outcomes) are appended here and never updated or deleted by this core.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"inferd/internal/logging"

	_ "modernc.org/sqlite"
)

// AuditStore persists audit records in SQLite. All writes are append-only.
type AuditStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// RiskMatch is one recorded risk-pattern hit.
type RiskMatch struct {
	ID        int64
	RequestID string
	Operation string
	Tier      string
	Pattern   string
	CreatedAt time.Time
}

// Event is one recorded core event.
type Event struct {
	ID        int64
	Kind      string
	Subject   string
	Success   bool
	Detail    map[string]interface{}
	CreatedAt time.Time
}

// NewAuditStore initializes the SQLite database at the given path.
func NewAuditStore(path string) (*AuditStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &AuditStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initialize creates the required tables.
func (s *AuditStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS risk_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT,
		operation TEXT NOT NULL,
		tier TEXT NOT NULL,
		pattern TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_risk_audit_tier ON risk_audit(tier);

	CREATE TABLE IF NOT EXISTS core_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		subject TEXT NOT NULL,
		success INTEGER NOT NULL,
		detail TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_core_events_kind ON core_events(kind);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create audit tables: %w", err)
	}
	return nil
}

// AppendRiskMatch records a risk-pattern hit. The risk audit log is
// write-only from the classifier's perspective.
func (s *AuditStore) AppendRiskMatch(requestID, operation, tier, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO risk_audit (request_id, operation, tier, pattern) VALUES (?, ?, ?, ?)`,
		requestID, operation, tier, pattern,
	)
	if err != nil {
		logging.StoreError("failed to append risk match op=%s tier=%s: %v", operation, tier, err)
		return err
	}
	return nil
}

// AppendEvent records a core event. detail is stored as JSON.
func (s *AuditStore) AppendEvent(kind, subject string, success bool, detail map[string]interface{}) error {
	var detailJSON []byte
	if detail != nil {
		var err error
		detailJSON, err = json.Marshal(detail)
		if err != nil {
			logging.StoreError("failed to marshal event detail kind=%s: %v", kind, err)
			detailJSON = nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO core_events (kind, subject, success, detail) VALUES (?, ?, ?, ?)`,
		kind, subject, boolToInt(success), string(detailJSON),
	)
	if err != nil {
		logging.StoreError("failed to append event kind=%s subject=%s: %v", kind, subject, err)
		return err
	}
	return nil
}

// RecentRiskMatches returns the most recent risk matches, newest first.
func (s *AuditStore) RecentRiskMatches(limit int) ([]RiskMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, COALESCE(request_id, ''), operation, tier, pattern, created_at
		 FROM risk_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query risk_audit: %w", err)
	}
	defer rows.Close()

	var matches []RiskMatch
	for rows.Next() {
		var m RiskMatch
		if err := rows.Scan(&m.ID, &m.RequestID, &m.Operation, &m.Tier, &m.Pattern, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan risk_audit row: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// EventsByKind returns recorded events of one kind, newest first.
func (s *AuditStore) EventsByKind(kind string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, kind, subject, success, COALESCE(detail, ''), created_at
		 FROM core_events WHERE kind = ? ORDER BY id DESC LIMIT ?`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("query core_events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var success int
		var detailJSON string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Subject, &success, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan core_events row: %w", err)
		}
		e.Success = success != 0
		if detailJSON != "" {
			if err := json.Unmarshal([]byte(detailJSON), &e.Detail); err != nil {
				logging.StoreError("corrupt event detail id=%d: %v", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (s *AuditStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
