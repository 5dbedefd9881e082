package ticket

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDocumentStore(t *testing.T) *DocumentStore {
	t.Helper()
	s, err := NewDocumentStore(filepath.Join(t.TempDir(), "tickets.json"), true, nil)
	require.NoError(t, err)
	return s
}

func TestDocumentStoreCreateAssignsMonotonicID(t *testing.T) {
	s := newTestDocumentStore(t)
	t1, err := s.Create(New("a", "", TypeTask, PriorityMedium, "u"))
	require.NoError(t, err)
	t2, err := s.Create(New("b", "", TypeTask, PriorityMedium, "u"))
	require.NoError(t, err)
	assert.NotEqual(t, t1.ID, t2.ID)
}

func TestDocumentStoreGetUpdateDelete(t *testing.T) {
	s := newTestDocumentStore(t)
	created, err := s.Create(New("a", "desc", TypeBug, PriorityHigh, "u"))
	require.NoError(t, err)

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
	assert.False(t, s.Delete(created.ID), "deleting twice returns false")
}

func TestDocumentStoreClaimRaceExactlyOneWinner(t *testing.T) {
	s := newTestDocumentStore(t)
	created, err := s.Create(New("racey", "", TypeTask, PriorityMedium, "u"))
	require.NoError(t, err)

	const agents = 20
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
	assert.Equal(t, 1, winCount, "exactly one agent must win the claim race")

	final, _ := s.Get(created.ID)
	assert.Equal(t, StatusInProgress, final.Status)
}

func TestDocumentStoreClaimFailsWhenNotOpen(t *testing.T) {
	s := newTestDocumentStore(t)
	created, err := s.Create(New("a", "", TypeTask, PriorityMedium, "u"))
	require.NoError(t, err)
	require.True(t, s.Claim(created.ID, "agent-a"))
	assert.False(t, s.Claim(created.ID, "agent-b"))
}

func TestDocumentStoreListSortsByPriorityThenCreatedAt(t *testing.T) {
	s := newTestDocumentStore(t)
	_, _ = s.Create(New("low", "", TypeTask, PriorityLow, "u"))
	_, _ = s.Create(New("critical", "", TypeTask, PriorityCritical, "u"))
	_, _ = s.Create(New("medium", "", TypeTask, PriorityMedium, "u"))

	results := s.List(ListFilter{Limit: 10})
	require.Len(t, results, 3)
	assert.Equal(t, "critical", results[0].Title)
	assert.Equal(t, "medium", results[1].Title)
	assert.Equal(t, "low", results[2].Title)
}

func TestDocumentStoreSearchMatchesSubstring(t *testing.T) {
	s := newTestDocumentStore(t)
	_, _ = s.Create(New("fix login bug", "auth breaks on retry", TypeBug, PriorityHigh, "u"))
	_, _ = s.Create(New("add export", "csv export feature", TypeFeature, PriorityLow, "u"))

	results := s.Search("login", nil)
	require.Len(t, results, 1)
	assert.Equal(t, "fix login bug", results[0].Title)
}

func TestDocumentStoreCountFilters(t *testing.T) {
	s := newTestDocumentStore(t)
	_, _ = s.Create(New("a", "", TypeBug, PriorityHigh, "u"))
	created, _ := s.Create(New("b", "", TypeBug, PriorityHigh, "u"))
	require.True(t, s.Claim(created.ID, "agent-a"))

	assert.Equal(t, 2, s.Count("", ""))
	assert.Equal(t, 1, s.Count(StatusOpen, ""))
	assert.Equal(t, 1, s.Count(StatusInProgress, ""))
}

func TestDocumentStoreBackupAndRestore(t *testing.T) {
	s := newTestDocumentStore(t)
	created, err := s.Create(New("a", "", TypeTask, PriorityMedium, "u"))
	require.NoError(t, err)

	backupPath := filepath.Join(t.TempDir(), "backup.json")
	require.NoError(t, s.Backup(backupPath))

	require.True(t, s.Delete(created.ID))
	_, ok := s.Get(created.ID)
	require.False(t, ok)

	require.NoError(t, s.Restore(backupPath))
	_, ok = s.Get(created.ID)
	assert.True(t, ok, "restore should bring the deleted ticket back")
}

func TestDocumentStoreCorruptFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tickets.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	s, err := NewDocumentStore(path, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Count("", ""))
}
