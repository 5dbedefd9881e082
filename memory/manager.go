package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/budget"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/corelog"
)

// Manager is the process-wide coordinator for per-session Stores and the
// two shared, cross-session tiers (COOL, COLD). One lock guards the shared
// maps and the session registry; per-session Stores are unlocked, owned by
// their single session task, per spec §4.2.
type Manager struct {
	mu sync.Mutex

	stores map[string]*Store

	sharedCool map[string]*Item
	sharedCold map[string]*Item

	budgets *budget.Manager
	logger  corelog.Logger
	cold    ColdBackend

	coolMaxItems, coolMaxTokens int
	coldMaxItems, coldMaxTokens int
	promotionThreshold          int
	maxPromotedPerClose         int
}

// ColdBackend mirrors the shared COLD tier to a store that survives process
// restarts. Satisfied by RedisColdBackend when cfg.Memory.RedisURL is set;
// the in-memory sharedCold map remains authoritative for eviction
// bookkeeping either way (spec §4.2: COLD is "rarely accessed but retained
// longer", which calls for durability, not a second source of truth).
type ColdBackend interface {
	Save(ctx context.Context, item *Item) error
	Load(ctx context.Context, itemID string) (*Item, bool, error)
	Delete(ctx context.Context, itemID string) error
}

// SetColdBackend wires a durable mirror for the shared COLD tier. Calling it
// is optional; with no backend, COLD lives purely in memory.
func (m *Manager) SetColdBackend(b ColdBackend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cold = b
}

// ManagerConfig configures the shared-tier caps described in §4.2.
type ManagerConfig struct {
	CoolMaxItems, CoolMaxTokens int
	ColdMaxItems, ColdMaxTokens int
	PromotionThreshold          int
	MaxPromotedPerClose         int
}

// NewManager constructs a Manager backed by the given budget.Manager.
func NewManager(budgets *budget.Manager, cfg ManagerConfig, logger corelog.ComponentAwareLogger) *Manager {
	var log corelog.Logger = corelog.NoOpLogger{}
	if logger != nil {
		log = logger.WithComponent(corelog.ComponentMemory)
	}
	if cfg.CoolMaxItems == 0 {
		cfg.CoolMaxItems = 100
	}
	if cfg.CoolMaxTokens == 0 {
		cfg.CoolMaxTokens = 50000
	}
	if cfg.ColdMaxItems == 0 {
		cfg.ColdMaxItems = 500
	}
	if cfg.ColdMaxTokens == 0 {
		cfg.ColdMaxTokens = 200000
	}
	if cfg.PromotionThreshold == 0 {
		cfg.PromotionThreshold = 3
	}
	if cfg.MaxPromotedPerClose == 0 {
		cfg.MaxPromotedPerClose = 10
	}
	return &Manager{
		stores:              make(map[string]*Store),
		sharedCool:          make(map[string]*Item),
		sharedCold:          make(map[string]*Item),
		budgets:             budgets,
		logger:              log,
		coolMaxItems:        cfg.CoolMaxItems,
		coolMaxTokens:       cfg.CoolMaxTokens,
		coldMaxItems:        cfg.ColdMaxItems,
		coldMaxTokens:       cfg.ColdMaxTokens,
		promotionThreshold:  cfg.PromotionThreshold,
		maxPromotedPerClose: cfg.MaxPromotedPerClose,
	}
}

// CreateStore creates a budget and a tiered Store for a new agent session.
func (m *Manager) CreateStore(sessionID, agentName string) *Store {
	b := m.budgets.CreateBudget(agentName, sessionID)
	store := NewStore(sessionID, b)

	m.mu.Lock()
	m.stores[sessionID] = store
	m.mu.Unlock()
	return store
}

// GetStore returns the store for a session, if any.
func (m *Manager) GetStore(sessionID string) (*Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[sessionID]
	return s, ok
}

// CloseStats is the summary CloseStore returns.
type CloseStats struct {
	Tier          TierStats
	Promoted      int
	Evicted       int
	BudgetSummary budget.Summary
}

// CloseStore removes a session's store, promotes its frequently-accessed
// WARM items into the shared COOL tier (capped, overflow evicted), and
// closes its budget.
func (m *Manager) CloseStore(sessionID string) (CloseStats, bool) {
	m.mu.Lock()
	store, ok := m.stores[sessionID]
	if ok {
		delete(m.stores, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return CloseStats{}, false
	}

	warmItems := store.Items(Warm)
	candidates := make([]*Item, 0, len(warmItems))
	for _, item := range warmItems {
		candidates = append(candidates, item)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].AccessCount > candidates[j].AccessCount })

	promoted, evicted := 0, 0
	m.mu.Lock()
	for _, item := range candidates {
		if item.AccessCount < m.promotionThreshold || promoted >= m.maxPromotedPerClose {
			continue
		}
		evicted += m.evictLRUSharedLocked(Cool, item.TokenCount)
		m.sharedCool[item.ItemID] = item.Clone()
		promoted++
	}
	m.mu.Unlock()

	budgetSummary, _ := m.budgets.CloseSession(sessionID)

	stats := CloseStats{
		Tier:          store.GetTierStats(),
		Promoted:      promoted,
		Evicted:       evicted,
		BudgetSummary: budgetSummary,
	}
	m.logger.Info("session memory store closed", map[string]interface{}{
		"session": sessionID, "promoted": promoted, "evicted": evicted,
	})
	return stats, true
}

// evictLRUSharedLocked evicts the coolest items (oldest LastAccessed, then
// lowest AccessCount) from a shared tier until one more item of
// tokensNeeded tokens fits under its item and token caps. Evicting from COOL
// demotes into COLD rather than discarding; evicting from COLD is terminal
// and, if a durable backend is wired, removes it there too. Caller must
// hold m.mu.
func (m *Manager) evictLRUSharedLocked(tier Tier, tokensNeeded int) int {
	store, maxItems, maxTokens := m.sharedStoreLocked(tier)
	if len(store) == 0 {
		return 0
	}

	type kv struct {
		id   string
		item *Item
	}
	entries := make([]kv, 0, len(store))
	for id, item := range store {
		entries = append(entries, kv{id, item})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].item, entries[j].item
		if !a.LastAccessed.Equal(b.LastAccessed) {
			return a.LastAccessed.Before(b.LastAccessed)
		}
		return a.AccessCount < b.AccessCount
	})

	currentTokens := m.sharedTokensLocked(tier)
	evicted := 0
	for _, e := range entries {
		if len(store) < maxItems && currentTokens <= maxTokens-tokensNeeded {
			break
		}
		delete(store, e.id)
		currentTokens -= e.item.TokenCount
		evicted++

		switch tier {
		case Cool:
			// COOL items age out to COLD rather than vanishing; COLD is
			// the longer-retention tier (spec §4.2).
			m.evictLRUSharedLocked(Cold, e.item.TokenCount)
			coldItem := e.item.Clone()
			coldItem.Tier = Cold
			m.sharedCold[e.id] = coldItem
			m.mirrorColdSaveLocked(coldItem)
		case Cold:
			m.mirrorColdDeleteLocked(e.id)
		}
	}
	return evicted
}

// mirrorColdSaveLocked and mirrorColdDeleteLocked keep the optional durable
// backend in sync with sharedCold. Errors are logged, not returned: the
// in-memory map stays authoritative, so a transient backend failure never
// blocks an eviction. Caller must hold m.mu.
func (m *Manager) mirrorColdSaveLocked(item *Item) {
	if m.cold == nil {
		return
	}
	if err := m.cold.Save(context.Background(), item); err != nil {
		m.logger.Warn("cold backend save failed", map[string]interface{}{"item_id": item.ItemID, "error": err.Error()})
	}
}

func (m *Manager) mirrorColdDeleteLocked(itemID string) {
	if m.cold == nil {
		return
	}
	if err := m.cold.Delete(context.Background(), itemID); err != nil {
		m.logger.Warn("cold backend delete failed", map[string]interface{}{"item_id": itemID, "error": err.Error()})
	}
}

// GetCold returns a COLD-tier item, checking the in-memory map first and
// falling back to the durable backend so a freshly restarted process can
// still serve items a prior process demoted (spec §4.2 "retained longer").
func (m *Manager) GetCold(ctx context.Context, itemID string) (*Item, bool) {
	m.mu.Lock()
	if item, ok := m.sharedCold[itemID]; ok {
		m.mu.Unlock()
		return item, true
	}
	backend := m.cold
	m.mu.Unlock()

	if backend == nil {
		return nil, false
	}
	item, ok, err := backend.Load(ctx, itemID)
	if err != nil {
		m.logger.Warn("cold backend load failed", map[string]interface{}{"item_id": itemID, "error": err.Error()})
		return nil, false
	}
	return item, ok
}

func (m *Manager) sharedStoreLocked(tier Tier) (map[string]*Item, int, int) {
	if tier == Cool {
		return m.sharedCool, m.coolMaxItems, m.coolMaxTokens
	}
	return m.sharedCold, m.coldMaxItems, m.coldMaxTokens
}

func (m *Manager) sharedTokensLocked(tier Tier) int {
	store, _, _ := m.sharedStoreLocked(tier)
	total := 0
	for _, item := range store {
		total += item.TokenCount
	}
	return total
}

// QueryShared searches the shared COOL or COLD tier by substring match
// against content, returning up to limit results.
func (m *Manager) QueryShared(query string, tier Tier, limit int) []*Item {
	m.mu.Lock()
	store, _, _ := m.sharedStoreLocked(tier)
	items := make([]*Item, 0, len(store))
	for _, item := range store {
		items = append(items, item)
	}
	m.mu.Unlock()

	queryLower := strings.ToLower(query)
	results := make([]*Item, 0, limit)
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.Content), queryLower) {
			results = append(results, item)
			if len(results) >= limit {
				break
			}
		}
	}
	return results
}

// GlobalStats reports aggregate usage across all sessions and the shared
// tiers.
type GlobalStats struct {
	ActiveSessions int
	SharedCool     int
	SharedCold     int
}

// GlobalStats returns a lock-protected snapshot.
func (m *Manager) GlobalStats() GlobalStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return GlobalStats{
		ActiveSessions: len(m.stores),
		SharedCool:     len(m.sharedCool),
		SharedCold:     len(m.sharedCold),
	}
}
