package ticket

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/corelog"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/internal/fsatomic"
)

// documentData is the whole-file JSON shape (spec §4.4: "document-oriented
// backend ... whole-file JSON with copy-on-write atomic replace"), grounded
// on the Python reference's JSONTicketStore layout.
type documentData struct {
	Tickets  map[string]*Ticket `json:"tickets"`
	Agents   map[string]*Agent  `json:"agents"`
	Metadata metadata           `json:"metadata"`
}

type metadata struct {
	Version      string `json:"version"`
	CreatedAt    string `json:"created_at"`
	LastModified string `json:"last_modified"`
	NextID       int    `json:"next_id"`
}

// DocumentStore is the JSON whole-file backend. All mutation is serialized
// under a single store-level lock and the entire dataset lives in memory
// (spec §4.4 Concurrency).
type DocumentStore struct {
	mu       sync.Mutex
	path     string
	autoSave bool
	data     documentData
	logger   corelog.Logger
}

// NewDocumentStore loads (or initializes) a document-backed store at path.
// A corrupt file is preserved under a timestamped backup and the in-memory
// view reverts to empty (spec §4.4 Failure semantics).
func NewDocumentStore(path string, autoSave bool, logger corelog.Logger) (*DocumentStore, error) {
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	s := &DocumentStore{
		path:     path,
		autoSave: autoSave,
		logger:   logger,
		data: documentData{
			Tickets: make(map[string]*Ticket),
			Agents:  make(map[string]*Agent),
			Metadata: metadata{
				Version:      "1.0",
				CreatedAt:    time.Now().UTC().Format(time.RFC3339),
				LastModified: time.Now().UTC().Format(time.RFC3339),
				NextID:       1,
			},
		},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DocumentStore) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ticket: read %s: %w", s.path, err)
	}

	var loaded documentData
	if err := json.Unmarshal(raw, &loaded); err != nil {
		backupPath := s.path + ".corrupt-" + time.Now().UTC().Format("20060102T150405")
		_ = os.WriteFile(backupPath, raw, 0o600)
		s.logger.Warn("ticket store file corrupt, starting fresh", map[string]interface{}{
			"path": s.path, "backup": backupPath,
		})
		return nil
	}
	if loaded.Tickets == nil {
		loaded.Tickets = make(map[string]*Ticket)
	}
	if loaded.Agents == nil {
		loaded.Agents = make(map[string]*Agent)
	}
	if loaded.Metadata.NextID == 0 {
		loaded.Metadata.NextID = 1
	}
	s.data = loaded
	return nil
}

// save writes the full dataset atomically. Callers must hold s.mu.
func (s *DocumentStore) save() error {
	s.data.Metadata.LastModified = time.Now().UTC().Format(time.RFC3339)
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("ticket: marshal store: %w", err)
	}
	if err := fsatomic.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("ticket: write store: %w", err)
	}
	return nil
}

// Save forces a write regardless of autoSave (Python reference's manual
// `save()` escape hatch).
func (s *DocumentStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *DocumentStore) maybeSave() {
	if s.autoSave {
		if err := s.save(); err != nil {
			s.logger.Error("ticket store save failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// NextID returns the next strictly monotonic id and advances the counter.
func (s *DocumentStore) NextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextIDLocked()
}

func (s *DocumentStore) nextIDLocked() string {
	id := s.data.Metadata.NextID
	s.data.Metadata.NextID = id + 1
	s.maybeSave()
	return strconv.Itoa(id)
}

// Create assigns an id if absent or colliding, stores the ticket, and
// returns it.
func (s *DocumentStore) Create(t *Ticket) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = s.nextIDLocked()
	} else if _, exists := s.data.Tickets[t.ID]; exists {
		t.ID = s.nextIDLocked()
	}
	s.data.Tickets[t.ID] = t.Clone()
	s.maybeSave()
	return t, nil
}

// Get returns a copy of the ticket with the given id.
func (s *DocumentStore) Get(id string) (*Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data.Tickets[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Update replaces an existing ticket, bumping updated_at. Returns false if
// the ticket does not exist.
func (s *DocumentStore) Update(t *Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Tickets[t.ID]; !exists {
		return false
	}
	t.UpdatedAt = time.Now().UTC()
	s.data.Tickets[t.ID] = t.Clone()
	s.maybeSave()
	return true
}

// Delete removes a ticket by id, returning false if it was not present.
func (s *DocumentStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Tickets[id]; !exists {
		return false
	}
	delete(s.data.Tickets, id)
	s.maybeSave()
	return true
}

// Claim atomically transitions a ticket from open to in_progress and sets
// assigned_to, the core concurrency primitive (spec §4.4): two racing
// callers must observe exactly one success, which the store-level lock
// guarantees here.
func (s *DocumentStore) Claim(id, agent string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data.Tickets[id]
	if !ok || t.Status != StatusOpen {
		return false
	}
	if err := t.Transition(StatusInProgress, agent); err != nil {
		return false
	}
	s.maybeSave()
	return true
}

// List returns tickets matching filter, sorted by (priority.SortOrder,
// created_at) ascending, then paginated.
func (s *DocumentStore) List(filter ListFilter) []*Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []*Ticket
	for _, t := range s.data.Tickets {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && t.Priority != filter.Priority {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if filter.AssignedTo != "" && t.AssignedTo != filter.AssignedTo {
			continue
		}
		if len(filter.Labels) > 0 && !anyLabelMatches(t.Labels, filter.Labels) {
			continue
		}
		results = append(results, t.Clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Priority.SortOrder() != results[j].Priority.SortOrder() {
			return results[i].Priority.SortOrder() < results[j].Priority.SortOrder()
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})

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

func anyLabelMatches(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, l := range have {
		set[l] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// Search substring-matches query (case-insensitive) across fields, or the
// default field set {title, description, notes, resolution} when fields is
// empty.
func (s *DocumentStore) Search(query string, fields []string) []*Ticket {
	if len(fields) == 0 {
		fields = []string{"title", "description", "notes", "resolution"}
	}
	q := strings.ToLower(query)

	s.mu.Lock()
	defer s.mu.Unlock()

	var results []*Ticket
	for _, t := range s.data.Tickets {
		if ticketMatchesFields(t, q, fields) {
			results = append(results, t.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.Before(results[j].CreatedAt) })
	return results
}

func ticketMatchesFields(t *Ticket, q string, fields []string) bool {
	for _, f := range fields {
		var v string
		switch f {
		case "title":
			v = t.Title
		case "description":
			v = t.Description
		case "notes":
			v = t.Notes
		case "resolution":
			v = t.Resolution
		default:
			continue
		}
		if strings.Contains(strings.ToLower(v), q) {
			return true
		}
	}
	return false
}

// Count returns the number of tickets matching status/priority (either may
// be empty to mean "any").
func (s *DocumentStore) Count(status Status, priority Priority) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status == "" && priority == "" {
		return len(s.data.Tickets)
	}
	count := 0
	for _, t := range s.data.Tickets {
		if status != "" && t.Status != status {
			continue
		}
		if priority != "" && t.Priority != priority {
			continue
		}
		count++
	}
	return count
}

// GetAgent returns a copy of the named agent.
func (s *DocumentStore) GetAgent(name string) (*Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.data.Agents[name]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// SaveAgent upserts an agent, stamping last_seen.
func (s *DocumentStore) SaveAgent(a *Agent) *Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.LastSeen = time.Now().UTC()
	cp := *a
	s.data.Agents[a.Name] = &cp
	s.maybeSave()
	return a
}

// ListAgents returns all agents, or only active ones when activeOnly.
func (s *DocumentStore) ListAgents(activeOnly bool) []*Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Agent
	for _, a := range s.data.Agents {
		if activeOnly && !a.Active {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// Backup copies the store file to backupPath.
func (s *DocumentStore) Backup(backupPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("ticket: read for backup: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o700); err != nil {
		return fmt.Errorf("ticket: mkdir backup dir: %w", err)
	}
	if err := fsatomic.WriteFile(backupPath, raw, 0o600); err != nil {
		return fmt.Errorf("ticket: write backup: %w", err)
	}
	return nil
}

// Restore replaces the store's data from backupPath and reloads in-memory
// state.
func (s *DocumentStore) Restore(backupPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("ticket: read backup: %w", err)
	}
	if err := fsatomic.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("ticket: restore write: %w", err)
	}
	return s.load()
}

var _ Store = (*DocumentStore)(nil)
