package ticket

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/corelog"
)

// IndexedStore is the SQLite-backed store (spec §4.4: "row-per-ticket with
// secondary indexes on status, priority, assigned_to plus a monotonically
// increasing next_id"). Every mutation runs inside its own transaction with
// explicit begin/commit/rollback (spec §4.4 Concurrency), delegating
// cross-connection safety to SQLite's own locking.
type IndexedStore struct {
	db     *sql.DB
	path   string
	logger corelog.Logger
}

// NewIndexedStore opens (creating if needed) a SQLite-backed store at path
// and ensures its schema exists.
func NewIndexedStore(path string, logger corelog.Logger) (*IndexedStore, error) {
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ticket: mkdir for db: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("ticket: open db: %w", err)
	}
	s := &IndexedStore{db: db, path: path, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *IndexedStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS tickets (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT,
	ticket_type TEXT NOT NULL DEFAULT 'task',
	priority TEXT NOT NULL DEFAULT 'medium',
	status TEXT NOT NULL DEFAULT 'open',
	assigned_to TEXT,
	created_by TEXT DEFAULT 'system',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	notes TEXT,
	resolution TEXT,
	data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS agents (
	name TEXT PRIMARY KEY,
	agent_type TEXT NOT NULL DEFAULT 'ai',
	active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	last_seen TEXT NOT NULL,
	data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
INSERT OR IGNORE INTO meta (key, value) VALUES ('next_id', '1');
CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
CREATE INDEX IF NOT EXISTS idx_tickets_priority ON tickets(priority);
CREATE INDEX IF NOT EXISTS idx_tickets_assigned ON tickets(assigned_to);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("ticket: init schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *IndexedStore) Close() error { return s.db.Close() }

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// NextID reserves and returns the next monotonic id, inside its own
// transaction.
func (s *IndexedStore) NextID() string {
	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Error("ticket: next id failed", map[string]interface{}{"error": err.Error()})
		return ""
	}
	id, err := s.nextIDTx(tx)
	if err == nil {
		err = tx.Commit()
	} else {
		tx.Rollback()
	}
	if err != nil {
		s.logger.Error("ticket: next id failed", map[string]interface{}{"error": err.Error()})
		return ""
	}
	return id
}

func (s *IndexedStore) nextIDTx(execer interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}) (string, error) {
	row := execer.QueryRow("SELECT value FROM meta WHERE key = 'next_id'")
	var raw string
	if err := row.Scan(&raw); err != nil {
		return "", err
	}
	current, err := strconv.Atoi(raw)
	if err != nil {
		return "", err
	}
	if _, err := execer.Exec("UPDATE meta SET value = ? WHERE key = 'next_id'", strconv.Itoa(current+1)); err != nil {
		return "", err
	}
	return strconv.Itoa(current), nil
}

// Create inserts a new ticket, assigning an id via the same transaction
// when absent, so id assignment and insertion are atomic.
func (s *IndexedStore) Create(t *Ticket) (*Ticket, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("ticket: begin create: %w", err)
	}

	if t.ID == "" {
		id, err := s.nextIDTx(tx)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("ticket: assign id: %w", err)
		}
		t.ID = id
	}

	data, err := json.Marshal(t)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("ticket: marshal ticket: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO tickets (
		id, title, description, ticket_type, priority, status, assigned_to,
		created_by, created_at, updated_at, started_at, completed_at, notes, resolution, data
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, string(t.Type), string(t.Priority), string(t.Status),
		t.AssignedTo, t.CreatedBy, t.CreatedAt.UTC().Format(time.RFC3339), t.UpdatedAt.UTC().Format(time.RFC3339),
		nullableTime(t.StartedAt), nullableTime(t.CompletedAt), t.Notes, t.Resolution, string(data))
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("ticket: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ticket: commit create: %w", err)
	}
	return t, nil
}

func scanTicketData(row interface{ Scan(...interface{}) error }) (*Ticket, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var t Ticket
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Get returns a ticket by id.
func (s *IndexedStore) Get(id string) (*Ticket, bool) {
	row := s.db.QueryRow("SELECT data FROM tickets WHERE id = ?", id)
	t, err := scanTicketData(row)
	if err != nil {
		return nil, false
	}
	return t, true
}

// Update replaces an existing row's data, inside a transaction, returning
// false if no row matched.
func (s *IndexedStore) Update(t *Ticket) bool {
	tx, err := s.db.Begin()
	if err != nil {
		return false
	}
	t.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(t)
	if err != nil {
		tx.Rollback()
		return false
	}
	res, err := tx.Exec(`UPDATE tickets SET title=?, description=?, ticket_type=?, priority=?, status=?,
		assigned_to=?, updated_at=?, started_at=?, completed_at=?, notes=?, resolution=?, data=? WHERE id=?`,
		t.Title, t.Description, string(t.Type), string(t.Priority), string(t.Status), t.AssignedTo,
		t.UpdatedAt.UTC().Format(time.RFC3339), nullableTime(t.StartedAt), nullableTime(t.CompletedAt),
		t.Notes, t.Resolution, string(data), t.ID)
	if err != nil {
		tx.Rollback()
		return false
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		tx.Rollback()
		return false
	}
	return tx.Commit() == nil
}

// Delete removes a ticket row by id.
func (s *IndexedStore) Delete(id string) bool {
	tx, err := s.db.Begin()
	if err != nil {
		return false
	}
	res, err := tx.Exec("DELETE FROM tickets WHERE id = ?", id)
	if err != nil {
		tx.Rollback()
		return false
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		tx.Rollback()
		return false
	}
	return tx.Commit() == nil
}

// Claim atomically transitions id from open to in_progress inside a single
// transaction guarded by a conditional UPDATE — SQLite's database-level
// write lock is the concurrency primitive here (spec §4.4), the
// SQLite analogue of the document backend's store-level mutex.
func (s *IndexedStore) Claim(id, agent string) bool {
	tx, err := s.db.Begin()
	if err != nil {
		return false
	}
	defer tx.Rollback()

	row := tx.QueryRow("SELECT data FROM tickets WHERE id = ? AND status = 'open'", id)
	t, err := scanTicketData(row)
	if err != nil {
		return false
	}
	if err := t.Transition(StatusInProgress, agent); err != nil {
		return false
	}
	data, err := json.Marshal(t)
	if err != nil {
		return false
	}
	res, err := tx.Exec(`UPDATE tickets SET status=?, assigned_to=?, updated_at=?, started_at=?, data=?
		WHERE id=? AND status='open'`,
		string(t.Status), t.AssignedTo, t.UpdatedAt.UTC().Format(time.RFC3339), nullableTime(t.StartedAt),
		string(data), id)
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false
	}
	return tx.Commit() == nil
}

// List queries rows through the secondary indexes on status/priority/
// assigned_to, then applies the label filter and sort in Go (labels are not
// indexed).
func (s *IndexedStore) List(filter ListFilter) []*Ticket {
	query := "SELECT data FROM tickets WHERE 1=1"
	var args []interface{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Priority != "" {
		query += " AND priority = ?"
		args = append(args, string(filter.Priority))
	}
	if filter.Type != "" {
		query += " AND ticket_type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.AssignedTo != "" {
		query += " AND assigned_to = ?"
		args = append(args, filter.AssignedTo)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var results []*Ticket
	for rows.Next() {
		t, err := scanTicketData(rows)
		if err != nil {
			continue
		}
		if len(filter.Labels) > 0 && !anyLabelMatches(t.Labels, filter.Labels) {
			continue
		}
		results = append(results, t)
	}

	sortTickets(results)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(results) {
		return nil
	}
	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	return results[offset:end]
}

func sortTickets(ts []*Ticket) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0; j-- {
			a, b := ts[j-1], ts[j]
			less := a.Priority.SortOrder() < b.Priority.SortOrder() ||
				(a.Priority.SortOrder() == b.Priority.SortOrder() && a.CreatedAt.Before(b.CreatedAt))
			if less {
				break
			}
			ts[j-1], ts[j] = ts[j], ts[j-1]
		}
	}
}

// Search loads every row and substring-matches query case-insensitively in
// Go across fields (title/description/notes/resolution when none are given);
// no SQL-side filtering is applied.
func (s *IndexedStore) Search(query string, fields []string) []*Ticket {
	if len(fields) == 0 {
		fields = []string{"title", "description", "notes", "resolution"}
	}
	rows, err := s.db.Query("SELECT data FROM tickets")
	if err != nil {
		return nil
	}
	defer rows.Close()

	q := strings.ToLower(query)
	var results []*Ticket
	for rows.Next() {
		t, err := scanTicketData(rows)
		if err != nil {
			continue
		}
		if ticketMatchesFields(t, q, fields) {
			results = append(results, t)
		}
	}
	return results
}

// Count returns the number of tickets matching status/priority.
func (s *IndexedStore) Count(status Status, priority Priority) int {
	query := "SELECT COUNT(*) FROM tickets WHERE 1=1"
	var args []interface{}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	if priority != "" {
		query += " AND priority = ?"
		args = append(args, string(priority))
	}
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0
	}
	return n
}

// GetAgent returns an agent by name.
func (s *IndexedStore) GetAgent(name string) (*Agent, bool) {
	var data string
	if err := s.db.QueryRow("SELECT data FROM agents WHERE name = ?", name).Scan(&data); err != nil {
		return nil, false
	}
	var a Agent
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, false
	}
	return &a, true
}

// SaveAgent upserts an agent row.
func (s *IndexedStore) SaveAgent(a *Agent) *Agent {
	a.LastSeen = time.Now().UTC()
	data, err := json.Marshal(a)
	if err != nil {
		return a
	}
	active := 0
	if a.Active {
		active = 1
	}
	_, _ = s.db.Exec(`INSERT INTO agents (name, agent_type, active, created_at, last_seen, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET agent_type=excluded.agent_type, active=excluded.active,
			last_seen=excluded.last_seen, data=excluded.data`,
		a.Name, a.Type, active, a.LastSeen.UTC().Format(time.RFC3339), a.LastSeen.UTC().Format(time.RFC3339), string(data))
	return a
}

// ListAgents returns agents, or only active ones when activeOnly.
func (s *IndexedStore) ListAgents(activeOnly bool) []*Agent {
	query := "SELECT data FROM agents"
	if activeOnly {
		query += " WHERE active = 1"
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var a Agent
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out
}

// Backup copies the database file to backupPath via SQLite's VACUUM INTO,
// which produces a consistent snapshot without locking out writers for the
// whole copy.
func (s *IndexedStore) Backup(backupPath string) error {
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o700); err != nil {
		return fmt.Errorf("ticket: mkdir backup dir: %w", err)
	}
	_, err := s.db.Exec("VACUUM INTO ?", backupPath)
	if err != nil {
		return fmt.Errorf("ticket: vacuum into backup: %w", err)
	}
	return nil
}

// Restore replaces the live database file with backupPath's contents. The
// caller must ensure no concurrent access is in flight; this closes and
// reopens the handle.
func (s *IndexedStore) Restore(backupPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("ticket: read backup: %w", err)
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("ticket: close before restore: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("ticket: write restored db: %w", err)
	}
	db, err := sql.Open("sqlite3", s.path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("ticket: reopen after restore: %w", err)
	}
	s.db = db
	return nil
}

var _ Store = (*IndexedStore)(nil)
