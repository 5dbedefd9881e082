package memory

import (
	"sort"
	"strings"
	"sync"
)

// Index is the Memory Manager's semantic index (spec §2 row 3): it indexes
// resolved tickets by keyword, file, and type, and scores relevance for a
// query. It is process-wide and holds its own lock, distinct from the
// per-session Stores and the shared COOL/COLD tiers above.
type Index struct {
	mu sync.RWMutex

	byID      map[string]*TicketMemory
	byKeyword map[string]map[string]struct{} // keyword -> set of ticket ids
	byFile    map[string]map[string]struct{} // file path -> set of ticket ids
	byType    map[string]map[string]struct{} // ticket type -> set of ticket ids

	patterns map[string]*FixPattern
}

// NewIndex constructs an empty semantic index.
func NewIndex() *Index {
	return &Index{
		byID:      make(map[string]*TicketMemory),
		byKeyword: make(map[string]map[string]struct{}),
		byFile:    make(map[string]map[string]struct{}),
		byType:    make(map[string]map[string]struct{}),
		patterns:  make(map[string]*FixPattern),
	}
}

// Add indexes a resolved ticket's memory by its keywords, files, and type.
func (idx *Index) Add(tm *TicketMemory) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.byID[tm.TicketID] = tm
	for _, kw := range tm.Keywords {
		key := strings.ToLower(kw)
		if idx.byKeyword[key] == nil {
			idx.byKeyword[key] = make(map[string]struct{})
		}
		idx.byKeyword[key][tm.TicketID] = struct{}{}
	}
	for _, f := range tm.FilesModified {
		if idx.byFile[f] == nil {
			idx.byFile[f] = make(map[string]struct{})
		}
		idx.byFile[f][tm.TicketID] = struct{}{}
	}
	if tm.TicketType != "" {
		if idx.byType[tm.TicketType] == nil {
			idx.byType[tm.TicketType] = make(map[string]struct{})
		}
		idx.byType[tm.TicketType][tm.TicketID] = struct{}{}
	}
}

// Get returns a ticket memory by id, recording an access.
func (idx *Index) Get(ticketID string) (*TicketMemory, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	tm, ok := idx.byID[ticketID]
	if ok {
		tm.Access()
	}
	return tm, ok
}

// Query scores every indexed ticket against keywords/file/ticketType and
// returns the top `limit` matches by RelevanceScore descending. Each
// matched query keyword adds 1/(len(keywords)+1), a file match adds 0.3 and
// a type match adds 0.2, capped at 1.0 — a simple, explainable scorer rather than true embedding
// similarity (embeddings belong to the shared COOL tier in manager.go, not
// this keyword index).
func (idx *Index) Query(keywords []string, file, ticketType string, limit int) []*TicketMemory {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	scores := make(map[string]float64)
	for _, kw := range keywords {
		key := strings.ToLower(kw)
		for id := range idx.byKeyword[key] {
			scores[id] += 1.0 / float64(len(keywords)+1)
		}
	}
	if file != "" {
		for id := range idx.byFile[file] {
			scores[id] += 0.3
		}
	}
	if ticketType != "" {
		for id := range idx.byType[ticketType] {
			scores[id] += 0.2
		}
	}

	type scored struct {
		tm    *TicketMemory
		score float64
	}
	results := make([]scored, 0, len(scores))
	for id, score := range scores {
		tm := idx.byID[id]
		if tm == nil {
			continue
		}
		if score > 1.0 {
			score = 1.0
		}
		results = append(results, scored{tm, score})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	out := make([]*TicketMemory, len(results))
	for i, r := range results {
		r.tm.RelevanceScore = r.score
		out[i] = r.tm
	}
	return out
}

// ExtractPatterns groups indexed tickets that have the same keyword list
// (same order) and the same ticket type, and turns every group with at
// least minOccurrences members into a FixPattern whose FilePatterns are the
// union of the members' modified files. The result is fully re-derivable
// from byID/byKeyword/byFile and is not stored as independent state beyond
// this call's return value.
func (idx *Index) ExtractPatterns(minOccurrences int) []*FixPattern {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	groups := make(map[string][]*TicketMemory)
	for _, tm := range idx.byID {
		key := strings.Join(append(append([]string{}, tm.Keywords...), tm.TicketType), "|")
		groups[key] = append(groups[key], tm)
	}

	var patterns []*FixPattern
	for key, members := range groups {
		if len(members) < minOccurrences {
			continue
		}
		ids := make([]string, 0, len(members))
		files := make(map[string]struct{})
		for _, m := range members {
			ids = append(ids, m.TicketID)
			for _, f := range m.FilesModified {
				files[f] = struct{}{}
			}
		}
		filePatterns := make([]string, 0, len(files))
		for f := range files {
			filePatterns = append(filePatterns, f)
		}
		sort.Strings(filePatterns)
		sort.Strings(ids)

		patterns = append(patterns, &FixPattern{
			PatternID:        "pattern_" + key,
			Name:             members[0].TicketType,
			FilePatterns:     filePatterns,
			KeywordTriggers:  members[0].Keywords,
			SolutionTemplate: members[0].SolutionSummary,
			OccurrenceCount:  len(members),
			ExampleTicketIDs: ids,
		})
	}
	return patterns
}
