package webhook

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/corelog"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/internal/fsatomic"
)

// fileData is the whole-file JSON shape persisted under a lock with
// copy-on-write replace (spec §4.6.c Subscription persistence).
type fileData struct {
	Subscriptions map[string]*Subscription `json:"subscriptions"`
	Deliveries    map[string]*Delivery     `json:"deliveries"`
}

// Store is the JSON-file-backed subscription and delivery ledger. A corrupt
// file is preserved under a timestamped backup, matching the Ticket Store's
// document backend recovery idiom.
type Store struct {
	mu     sync.Mutex
	path   string
	data   fileData
	logger corelog.Logger
}

// NewStore loads (or initializes) a subscription store at path.
func NewStore(path string, logger corelog.Logger) (*Store, error) {
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	s := &Store{
		path:   path,
		logger: logger,
		data: fileData{
			Subscriptions: make(map[string]*Subscription),
			Deliveries:    make(map[string]*Delivery),
		},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("webhook: read %s: %w", s.path, err)
	}

	var loaded fileData
	if err := json.Unmarshal(raw, &loaded); err != nil {
		backupPath := s.path + ".corrupt-" + time.Now().UTC().Format("20060102T150405")
		_ = os.WriteFile(backupPath, raw, 0o600)
		s.logger.Warn("webhook store file corrupt, starting fresh", map[string]interface{}{
			"path": s.path, "backup": backupPath,
		})
		return nil
	}
	if loaded.Subscriptions == nil {
		loaded.Subscriptions = make(map[string]*Subscription)
	}
	if loaded.Deliveries == nil {
		loaded.Deliveries = make(map[string]*Delivery)
	}
	s.data = loaded
	return nil
}

func (s *Store) save() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("webhook: marshal store: %w", err)
	}
	if err := fsatomic.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("webhook: write store: %w", err)
	}
	return nil
}

// AddSubscription persists a new subscription.
func (s *Store) AddSubscription(sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Subscriptions[sub.ID] = sub
	return s.save()
}

// GetSubscription returns the subscription with the given id.
func (s *Store) GetSubscription(id string) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.data.Subscriptions[id]
	return sub, ok
}

// ListSubscriptions returns all subscriptions, or only active ones.
func (s *Store) ListSubscriptions(activeOnly bool) []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Subscription
	for _, sub := range s.data.Subscriptions {
		if activeOnly && !sub.Active {
			continue
		}
		out = append(out, sub)
	}
	return out
}

// DeleteSubscription removes a subscription, returning false if it did not
// exist.
func (s *Store) DeleteSubscription(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Subscriptions[id]; !ok {
		return false, nil
	}
	delete(s.data.Subscriptions, id)
	return true, s.save()
}

// SaveSubscription persists mutations made in place to an already-tracked
// subscription (counters, active flag).
func (s *Store) SaveSubscription(sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Subscriptions[sub.ID] = sub
	return s.save()
}

// SaveDelivery upserts a delivery record.
func (s *Store) SaveDelivery(d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Deliveries[d.ID] = d
	return s.save()
}

// PendingRetries returns every delivery currently in StatusRetrying, for
// resuming on restart (spec §9 Open Question, decided in DESIGN.md).
func (s *Store) PendingRetries() []*Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Delivery
	for _, d := range s.data.Deliveries {
		if d.Status == StatusRetrying {
			out = append(out, d)
		}
	}
	return out
}
