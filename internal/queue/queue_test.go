package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubeflow/internal/storage"
)

func item(id string, offset time.Duration) *storage.Item {
	return &storage.Item{
		ID:        id,
		Status:    storage.StatusPending,
		CreatedAt: time.Unix(1000, 0).Add(offset),
	}
}

func TestClaimFIFO(t *testing.T) {
	m := NewManager(nil)
	m.Add(item("b", time.Second))
	m.Add(item("a", 0))
	m.Add(item("c", 2*time.Second))

	assert.Equal(t, "a", m.Claim().ID)
	assert.Equal(t, "b", m.Claim().ID)
	assert.Equal(t, "c", m.Claim().ID)
	assert.Nil(t, m.Claim())
}

func TestPlaylistChildrenGroupTogether(t *testing.T) {
	m := NewManager(nil)

	parentAt := time.Unix(1000, 0)
	later := item("later", 5*time.Second)
	m.Add(later)

	for i, id := range []string{"p1", "p2", "p3"} {
		child := item(id, 0)
		child.CreatedAt = parentAt
		child.SubIndex = i
		m.Add(child)
	}

	assert.Equal(t, "p1", m.Claim().ID)
	assert.Equal(t, "p2", m.Claim().ID)
	assert.Equal(t, "p3", m.Claim().ID)
	assert.Equal(t, "later", m.Claim().ID)
}

func TestClaimSkipsPausedItems(t *testing.T) {
	m := NewManager(nil)
	paused := item("a", 0)
	paused.Status = storage.StatusPaused
	m.Add(paused)
	m.Add(item("b", time.Second))

	assert.Equal(t, "b", m.Claim().ID)
	assert.Nil(t, m.Claim())
}

func TestQuotaEnforcedAtClaim(t *testing.T) {
	m := NewManager(func(e string) int {
		if e == "youtube" {
			return 1
		}
		return 0
	})

	a := item("a", 0)
	a.Extractor = "youtube"
	b := item("b", time.Second)
	b.Extractor = "youtube"
	c := item("c", 2*time.Second)
	c.Extractor = "vimeo"
	m.Add(a)
	m.Add(b)
	m.Add(c)

	first := m.Claim()
	require.Equal(t, "a", first.ID)

	// b is at quota; c (different extractor) is claimed instead.
	second := m.Claim()
	require.Equal(t, "c", second.ID)
	assert.Nil(t, m.Claim())

	// Releasing a frees the youtube slot.
	m.Release("a")
	assert.Equal(t, "b", m.Claim().ID)
}

func TestUnknownExtractorAlwaysEligible(t *testing.T) {
	m := NewManager(func(string) int { return 1 })

	a := item("a", 0)
	a.Extractor = "youtube"
	b := item("b", time.Second) // extractor unknown until preparing
	m.Add(a)
	m.Add(b)

	require.Equal(t, "a", m.Claim().ID)
	claimed := m.Claim()
	require.NotNil(t, claimed, "unknown-extractor items bypass the quota scan")
	assert.Equal(t, "b", claimed.ID)

	// Preparing discovers b is also youtube: over quota, so SetExtractor
	// refuses and the item goes back to waiting.
	assert.False(t, m.SetExtractor("b", "youtube"))
	b.Status = storage.StatusPending
	m.Requeue(b)
	assert.Equal(t, 1, m.WaitingCount())

	m.Release("a")
	assert.Equal(t, "b", m.Claim().ID)
	assert.True(t, m.SetExtractor("b", "youtube"))
}

func TestPauseBlocksClaims(t *testing.T) {
	m := NewManager(nil)
	m.Add(item("a", 0))

	m.Pause()
	assert.True(t, m.IsPaused())
	assert.Nil(t, m.Claim())

	// The waiting set is unchanged across pause/resume.
	assert.Equal(t, 1, m.WaitingCount())
	m.Resume()
	assert.Equal(t, "a", m.Claim().ID)
}

func TestRequeuePreservesOrder(t *testing.T) {
	m := NewManager(nil)
	a := item("a", 0)
	m.Add(a)
	m.Add(item("b", time.Second))

	claimed := m.Claim()
	require.Equal(t, "a", claimed.ID)
	claimed.Status = storage.StatusPending
	m.Requeue(claimed)

	// a regains its original head position.
	assert.Equal(t, "a", m.Claim().ID)
	assert.Equal(t, "b", m.Claim().ID)
}

func TestMoveOperations(t *testing.T) {
	m := NewManager(nil)
	m.Add(item("a", 0))
	m.Add(item("b", time.Second))
	m.Add(item("c", 2*time.Second))

	require.True(t, m.MoveToFront("c"))
	ids := func() []string {
		var out []string
		for _, it := range m.Waiting() {
			out = append(out, it.ID)
		}
		return out
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids())

	require.True(t, m.MoveDown("c"))
	assert.Equal(t, []string{"a", "c", "b"}, ids())

	require.True(t, m.MoveUp("b"))
	assert.Equal(t, []string{"a", "b", "c"}, ids())

	require.True(t, m.MoveToBack("a"))
	assert.Equal(t, []string{"b", "c", "a"}, ids())

	assert.False(t, m.MoveUp("b"), "head cannot move up")
	assert.False(t, m.MoveDown("a"), "tail cannot move down")
	assert.False(t, m.MoveToFront("zzz"))
}

func TestRemoveAndGet(t *testing.T) {
	m := NewManager(nil)
	m.Add(item("a", 0))

	assert.NotNil(t, m.Get("a"))
	removed := m.Remove("a")
	require.NotNil(t, removed)
	assert.Equal(t, "a", removed.ID)
	assert.Nil(t, m.Remove("a"))
	assert.Nil(t, m.Get("a"))
}
