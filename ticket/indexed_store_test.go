package ticket

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndexedStore(t *testing.T) *IndexedStore {
	t.Helper()
	s, err := NewIndexedStore(filepath.Join(t.TempDir(), "tickets.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIndexedStoreCreateGetUpdateDelete(t *testing.T) {
	s := newTestIndexedStore(t)
	created, err := s.Create(New("a", "desc", TypeBug, PriorityHigh, "u"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, ok := s.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "a", got.Title)

	got.Title = "renamed"
	assert.True(t, s.Update(got))
	reGot, _ := s.Get(created.ID)
	assert.Equal(t, "renamed", reGot.Title)

	assert.True(t, s.Delete(created.ID))
	_, ok = s.Get(created.ID)
	assert.False(t, ok)
}

func TestIndexedStoreClaimRaceExactlyOneWinner(t *testing.T) {
	s := newTestIndexedStore(t)
	created, err := s.Create(New("racey", "", TypeTask, PriorityMedium, "u"))
	require.NoError(t, err)

	const agents = 10
	var wg sync.WaitGroup
	wins := make([]bool, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins[i] = s.Claim(created.ID, "agent")
		}(i)
	}
	wg.Wait()

	winCount := 0
	for _, w := range wins {
		if w {
			winCount++
		}
	}
	assert.Equal(t, 1, winCount)
}

func TestIndexedStoreListFiltersByStatusAndPriority(t *testing.T) {
	s := newTestIndexedStore(t)
	_, _ = s.Create(New("a", "", TypeBug, PriorityHigh, "u"))
	b, _ := s.Create(New("b", "", TypeBug, PriorityLow, "u"))
	require.True(t, s.Claim(b.ID, "agent-a"))

	open := s.List(ListFilter{Status: StatusOpen, Limit: 10})
	require.Len(t, open, 1)
	assert.Equal(t, "a", open[0].Title)
}

func TestIndexedStoreSearchMatchesSubstring(t *testing.T) {
	s := newTestIndexedStore(t)
	_, _ = s.Create(New("fix login bug", "auth breaks on retry", TypeBug, PriorityHigh, "u"))
	_, _ = s.Create(New("add export", "csv export feature", TypeFeature, PriorityLow, "u"))

	results := s.Search("export", nil)
	require.Len(t, results, 1)
	assert.Equal(t, "add export", results[0].Title)
}

func TestIndexedStoreNextIDIsMonotonic(t *testing.T) {
	s := newTestIndexedStore(t)
	a := s.NextID()
	b := s.NextID()
	assert.NotEqual(t, a, b)
}

func TestIndexedStoreAgents(t *testing.T) {
	s := newTestIndexedStore(t)
	s.SaveAgent(&Agent{Name: "agent-a", Type: "ai", Active: true})
	s.SaveAgent(&Agent{Name: "agent-b", Type: "human", Active: false})

	active := s.ListAgents(true)
	require.Len(t, active, 1)
	assert.Equal(t, "agent-a", active[0].Name)

	got, ok := s.GetAgent("agent-b")
	require.True(t, ok)
	assert.False(t, got.Active)
}

func TestIndexedStoreBackupAndRestore(t *testing.T) {
	s := newTestIndexedStore(t)
	created, err := s.Create(New("a", "", TypeTask, PriorityMedium, "u"))
	require.NoError(t, err)

	backupPath := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, s.Backup(backupPath))

	require.True(t, s.Delete(created.ID))

	require.NoError(t, s.Restore(backupPath))
	_, ok := s.Get(created.ID)
	assert.True(t, ok, "restore should bring the deleted ticket back")
}
