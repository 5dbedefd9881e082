package budget

import (
	"sync"
	"time"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/corelog"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/telemetry"
)

// Manager owns every active session's Budget. It holds one map-level lock
// for create/close and delegates everything else to the per-budget lock
// inside Budget itself, so contention scales with session count rather
// than serializing on a single global lock.
type Manager struct {
	mu       sync.RWMutex
	budgets  map[string]*Budget
	logger   corelog.Logger
	telem    telemetry.Telemetry

	baseAllocation int
	maxExpansions  int
	shouldPct      float64
	mustPct        float64
}

// NewManager constructs a Manager. A nil logger/telem defaults to no-ops.
func NewManager(baseAllocation, maxExpansions int, shouldPct, mustPct float64, logger corelog.ComponentAwareLogger, telem telemetry.Telemetry) *Manager {
	var log corelog.Logger = corelog.NoOpLogger{}
	if logger != nil {
		log = logger.WithComponent(corelog.ComponentBudget)
	}
	if telem == nil {
		telem = telemetry.NoOp{}
	}
	return &Manager{
		budgets:        make(map[string]*Budget),
		logger:         log,
		telem:          telem,
		baseAllocation: baseAllocation,
		maxExpansions:  maxExpansions,
		shouldPct:      shouldPct,
		mustPct:        mustPct,
	}
}

// CreateBudget registers a new Budget for (agent, session). Re-creating for
// an already-tracked session replaces the prior entry.
func (m *Manager) CreateBudget(agent, sessionID string) *Budget {
	b := newBudget(agent, sessionID, m.baseAllocation, m.maxExpansions, m.shouldPct, m.mustPct)

	m.mu.Lock()
	m.budgets[sessionID] = b
	m.mu.Unlock()

	m.logger.Info("budget created", map[string]interface{}{
		"agent": agent, "session": sessionID, "allocated": m.baseAllocation,
	})
	return b
}

func (m *Manager) get(sessionID string) (*Budget, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.budgets[sessionID]
	return b, ok
}

// Consume is a no-op returning false for an unknown session — per §4.1, an
// unknown session id passed to consume/release is a programmer error
// treated as a no-op, not a panic.
func (m *Manager) Consume(sessionID string, n int) bool {
	b, ok := m.get(sessionID)
	if !ok {
		return false
	}
	return b.Consume(n)
}

// Release is a no-op for an unknown session.
func (m *Manager) Release(sessionID string, n int) {
	if b, ok := m.get(sessionID); ok {
		b.Release(n)
	}
}

// TryExpand is a no-op (returns false) for an unknown session.
func (m *Manager) TryExpand(sessionID string) bool {
	b, ok := m.get(sessionID)
	if !ok {
		return false
	}
	expanded := b.TryExpand()
	if expanded {
		m.logger.Warn("budget expanded", map[string]interface{}{
			"session": sessionID, "new_tier": string(b.Snapshot().Tier),
		})
	}
	return expanded
}

// CloseSession removes the session's budget and returns its terminal
// summary. Idempotent: closing an already-closed or unknown session
// returns (Summary{}, false).
func (m *Manager) CloseSession(sessionID string) (Summary, bool) {
	m.mu.Lock()
	b, ok := m.budgets[sessionID]
	if ok {
		delete(m.budgets, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return Summary{}, false
	}

	snap := b.Snapshot()
	summary := Summary{
		Used:           snap.Used,
		Peak:           snap.Peak,
		ExpansionCount: snap.ExpansionCount,
		FinalTier:      snap.Tier,
		Duration:       time.Since(b.startedAt),
	}
	m.logger.Info("budget session closed", map[string]interface{}{
		"session": sessionID, "peak": summary.Peak, "final_tier": string(summary.FinalTier),
	})
	return summary, true
}

// TotalUsage aggregates used/allocated tokens across every active session,
// taking a lock-protected snapshot per §4.1.
func (m *Manager) TotalUsage() (used, allocated int, sessions int) {
	m.mu.RLock()
	snapshot := make([]*Budget, 0, len(m.budgets))
	for _, b := range m.budgets {
		snapshot = append(snapshot, b)
	}
	m.mu.RUnlock()

	for _, b := range snapshot {
		s := b.Snapshot()
		used += s.Used
		allocated += s.Allocated
	}
	return used, allocated, len(snapshot)
}

// Get exposes a session's Budget for collaborators that need to consult
// ShouldHandoff/MustHandoff directly (the Orchestrator, the Tiered Memory
// Store). It does not transfer ownership — the Manager remains the sole
// owner, per spec §9's acyclic-ownership guidance.
func (m *Manager) Get(sessionID string) (*Budget, bool) {
	return m.get(sessionID)
}
