package budget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(10000, 3, 0.60, 0.80, nil, nil)
}

func TestConsumeWithinAllocation(t *testing.T) {
	m := newTestManager()
	b := m.CreateBudget("agent-a", "sess-1")

	require.True(t, b.Consume(5000))
	snap := b.Snapshot()
	assert.Equal(t, 5000, snap.Used)
	assert.Equal(t, 5000, snap.Peak)
}

func TestConsumeOverAllocationFails(t *testing.T) {
	m := newTestManager()
	b := m.CreateBudget("agent-a", "sess-1")

	require.True(t, b.Consume(9000))
	assert.False(t, b.Consume(2000))
	assert.Equal(t, 9000, b.Snapshot().Used)
}

func TestReleaseClampsAtZeroAndPreservesPeak(t *testing.T) {
	m := newTestManager()
	b := m.CreateBudget("agent-a", "sess-1")

	require.True(t, b.Consume(3000))
	b.Release(5000)

	snap := b.Snapshot()
	assert.Equal(t, 0, snap.Used)
	assert.Equal(t, 3000, snap.Peak, "peak is a watermark, never reduced by release")
}

func TestTryExpandAdvancesTierAndCaps(t *testing.T) {
	m := NewManager(1000, 2, 0.60, 0.80, nil, nil)
	b := m.CreateBudget("agent-a", "sess-1")

	require.True(t, b.TryExpand())
	assert.Equal(t, TierExpanded, b.Snapshot().Tier)
	assert.Equal(t, 1500, b.Snapshot().Allocated)

	require.True(t, b.TryExpand())
	assert.Equal(t, TierCritical, b.Snapshot().Tier)

	assert.False(t, b.TryExpand(), "expansion cap of 2 reached")
	assert.Equal(t, 2, b.Snapshot().ExpansionCount)
}

func TestShouldAndMustHandoffBoundaries(t *testing.T) {
	m := NewManager(10000, 3, 0.60, 0.80, nil, nil)
	b := m.CreateBudget("agent-a", "sess-1")

	require.True(t, b.Consume(5999))
	assert.False(t, b.ShouldHandoff())
	require.True(t, b.Consume(1))
	assert.True(t, b.ShouldHandoff(), "exactly 60%% is should_handoff per spec boundary")
	assert.False(t, b.MustHandoff())

	require.True(t, b.Consume(2000))
	assert.True(t, b.MustHandoff(), "exactly 80%% is must_handoff per spec boundary")
}

func TestUnknownSessionIsNoOp(t *testing.T) {
	m := newTestManager()
	assert.False(t, m.Consume("nonexistent", 10))
	m.Release("nonexistent", 10) // must not panic
	assert.False(t, m.TryExpand("nonexistent"))
	_, ok := m.CloseSession("nonexistent")
	assert.False(t, ok)
}

func TestCloseSessionIdempotent(t *testing.T) {
	m := newTestManager()
	b := m.CreateBudget("agent-a", "sess-1")
	require.True(t, b.Consume(100))

	summary, ok := m.CloseSession("sess-1")
	require.True(t, ok)
	assert.Equal(t, 100, summary.Used)

	_, ok = m.CloseSession("sess-1")
	assert.False(t, ok, "closing twice is a no-op the second time")
}

func TestConcurrentConsumeReleaseInvariant(t *testing.T) {
	m := NewManager(100000, 3, 0.60, 0.80, nil, nil)
	b := m.CreateBudget("agent-a", "sess-1")

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Consume(10) {
				b.Release(10)
			}
		}()
	}
	wg.Wait()

	snap := b.Snapshot()
	assert.GreaterOrEqual(t, snap.Used, 0)
	assert.LessOrEqual(t, snap.Used, snap.Allocated)
	assert.GreaterOrEqual(t, snap.Peak, snap.Used)
}

func TestTotalUsageAggregatesAcrossSessions(t *testing.T) {
	m := newTestManager()
	b1 := m.CreateBudget("agent-a", "sess-1")
	b2 := m.CreateBudget("agent-b", "sess-2")
	require.True(t, b1.Consume(100))
	require.True(t, b2.Consume(200))

	used, allocated, sessions := m.TotalUsage()
	assert.Equal(t, 300, used)
	assert.Equal(t, 20000, allocated)
	assert.Equal(t, 2, sessions)
}
