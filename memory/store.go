package memory

import (
	"sort"
	"strings"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/budget"
)

// Store is a single session's tiered memory. It is owned by exactly one
// session task/goroutine and holds no internal lock — callers guarantee
// single-threaded access, per spec §4.2's concurrency note. The manager
// that owns the process-wide shared tiers is the only thing with its own
// lock (see Manager in manager.go).
type Store struct {
	SessionID string
	budget    *budget.Budget

	tiers map[Tier]map[string]*Item

	// hotOrder is the HOT-tier LRU list; ties break by insertion order, so
	// it is appended-to on store/promote and spliced-from on demote.
	hotOrder []string
}

// NewStore constructs an empty per-session tiered store bound to b.
func NewStore(sessionID string, b *budget.Budget) *Store {
	return &Store{
		SessionID: sessionID,
		budget:    b,
		tiers: map[Tier]map[string]*Item{
			Hot:    {},
			Warm:   {},
			Cool:   {},
			Cold:   {},
			Frozen: {},
		},
	}
}

// Store places item in its designated tier. A HOT item consumes its
// TokenCount from the session budget; if that fails, LRU eviction from HOT
// down to WARM is attempted before giving up. Returns false, leaving state
// unmutated, if space still cannot be made.
func (s *Store) Store(item *Item) bool {
	if item.Tier == Hot {
		if !s.budget.Consume(item.TokenCount) {
			if !s.evictLRU(item.TokenCount) {
				return false
			}
			if !s.budget.Consume(item.TokenCount) {
				return false
			}
		}
	}

	s.tiers[item.Tier][item.ItemID] = item
	if item.Tier == Hot {
		s.hotOrder = append(s.hotOrder, item.ItemID)
	}
	return true
}

// Retrieve looks up an item, optionally restricted to a single tier, and
// updates its access bookkeeping. Absent a tier hint it searches hottest
// first.
func (s *Store) Retrieve(itemID string, tier *Tier) *Item {
	if tier != nil {
		if item, ok := s.tiers[*tier][itemID]; ok {
			item.Access()
			return item
		}
		return nil
	}
	for _, t := range []Tier{Hot, Warm, Cool, Cold, Frozen} {
		if item, ok := s.tiers[t][itemID]; ok {
			item.Access()
			return item
		}
	}
	return nil
}

// PromoteToHot moves an item from any cooler tier into HOT, symmetric to
// Store: it may trigger LRU eviction to make budget room.
func (s *Store) PromoteToHot(itemID string) bool {
	var item *Item
	var sourceTier Tier
	found := false
	for _, t := range []Tier{Warm, Cool, Cold, Frozen} {
		if it, ok := s.tiers[t][itemID]; ok {
			item, sourceTier, found = it, t, true
			break
		}
	}
	if !found {
		return false
	}

	if !s.budget.Consume(item.TokenCount) {
		if !s.evictLRU(item.TokenCount) {
			return false
		}
		if !s.budget.Consume(item.TokenCount) {
			return false
		}
	}

	delete(s.tiers[sourceTier], itemID)
	item.Tier = Hot
	s.tiers[Hot][itemID] = item
	s.hotOrder = append(s.hotOrder, itemID)
	return true
}

// DemoteFromHot moves an item out of HOT into target (default WARM),
// always succeeding if the item is in HOT, and releases its tokens back to
// the budget.
func (s *Store) DemoteFromHot(itemID string, target Tier) bool {
	item, ok := s.tiers[Hot][itemID]
	if !ok {
		return false
	}

	delete(s.tiers[Hot], itemID)
	s.budget.Release(item.TokenCount)
	item.Tier = target
	s.tiers[target][itemID] = item
	s.removeFromHotOrder(itemID)
	return true
}

func (s *Store) removeFromHotOrder(itemID string) {
	for i, id := range s.hotOrder {
		if id == itemID {
			s.hotOrder = append(s.hotOrder[:i], s.hotOrder[i+1:]...)
			return
		}
	}
}

// evictLRU demotes least-recently-inserted HOT items (oldest entries in
// hotOrder first) to WARM until tokensNeeded tokens have been freed from
// the budget, or returns false without mutating anything if the entire HOT
// tier wouldn't free enough.
func (s *Store) evictLRU(tokensNeeded int) bool {
	freed := 0
	var toEvict []string
	for _, id := range s.hotOrder {
		item, ok := s.tiers[Hot][id]
		if !ok {
			continue
		}
		toEvict = append(toEvict, id)
		freed += item.TokenCount
		if freed >= tokensNeeded {
			break
		}
	}
	if freed < tokensNeeded {
		return false
	}
	for _, id := range toEvict {
		s.DemoteFromHot(id, Warm)
	}
	return true
}

// GetHotContext concatenates every HOT item's content, most-accessed first.
func (s *Store) GetHotContext() string {
	items := make([]*Item, 0, len(s.tiers[Hot]))
	for _, item := range s.tiers[Hot] {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].AccessCount > items[j].AccessCount })

	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, item.Content)
	}
	return strings.Join(parts, "\n\n")
}

// TierStats reports per-tier item/token counts plus the backing budget's
// snapshot.
type TierStats struct {
	Counts map[Tier]int
	Tokens map[Tier]int
	Budget budget.Snapshot
}

// GetTierStats returns the current tier statistics.
func (s *Store) GetTierStats() TierStats {
	stats := TierStats{Counts: make(map[Tier]int), Tokens: make(map[Tier]int)}
	for t, items := range s.tiers {
		stats.Counts[t] = len(items)
		total := 0
		for _, item := range items {
			total += item.TokenCount
		}
		stats.Tokens[t] = total
	}
	stats.Budget = s.budget.Snapshot()
	return stats
}

// Items returns a copy of the item map for a given tier, used by the
// Manager when promoting WARM items to the shared COOL tier at close.
func (s *Store) Items(tier Tier) map[string]*Item {
	out := make(map[string]*Item, len(s.tiers[tier]))
	for k, v := range s.tiers[tier] {
		out[k] = v
	}
	return out
}
