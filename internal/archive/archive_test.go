package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMissingFileIsEmpty(t *testing.T) {
	m := NewManager()
	entries, err := m.Read(filepath.Join(t.TempDir(), "nope.log"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppendIsIdempotent(t *testing.T) {
	m := NewManager()
	path := filepath.Join(t.TempDir(), "a.log")

	added, err := m.Append(path, []string{"youtube ABC", "youtube DEF"}, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"youtube ABC", "youtube DEF"}, added)

	// Second identical append is a no-op.
	added, err = m.Append(path, []string{"youtube ABC", "youtube DEF"}, false)
	require.NoError(t, err)
	assert.Empty(t, added)

	entries, err := m.Read(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"youtube ABC", "youtube DEF"}, entries)
}

func TestAppendThenRemoveRestoresFile(t *testing.T) {
	m := NewManager()
	path := filepath.Join(t.TempDir(), "a.log")

	_, err := m.Append(path, []string{"youtube A", "youtube B"}, false)
	require.NoError(t, err)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = m.Append(path, []string{"youtube C"}, false)
	require.NoError(t, err)
	removed, err := m.Remove(path, []string{"youtube C"})
	require.NoError(t, err)
	assert.Equal(t, []string{"youtube C"}, removed)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestRemoveAbsentEntryIsNoop(t *testing.T) {
	m := NewManager()
	path := filepath.Join(t.TempDir(), "a.log")
	_, err := m.Append(path, []string{"youtube A"}, false)
	require.NoError(t, err)

	removed, err := m.Remove(path, []string{"youtube ZZZ"})
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestSkipCheckAllowsDuplicates(t *testing.T) {
	m := NewManager()
	path := filepath.Join(t.TempDir(), "a.log")

	_, err := m.Append(path, []string{"youtube A"}, false)
	require.NoError(t, err)
	added, err := m.Append(path, []string{"youtube A"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"youtube A"}, added)

	entries, err := m.Read(path)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestBlankLinesIgnored(t *testing.T) {
	m := NewManager()
	path := filepath.Join(t.TempDir(), "a.log")
	require.NoError(t, os.WriteFile(path, []byte("youtube A\n\n  \nyoutube B\n"), 0o644))

	entries, err := m.Read(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"youtube A", "youtube B"}, entries)
}

func TestConcurrentAppendsSameFile(t *testing.T) {
	m := NewManager()
	path := filepath.Join(t.TempDir(), "a.log")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Append(path, []string{fmt.Sprintf("youtube V%d", i)}, false)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := m.Read(path)
	require.NoError(t, err)
	assert.Len(t, entries, 20)

	seen := map[string]bool{}
	for _, e := range entries {
		assert.False(t, seen[e], "entry %q appears more than once", e)
		seen[e] = true
	}
}

func TestContains(t *testing.T) {
	m := NewManager()
	path := filepath.Join(t.TempDir(), "a.log")
	_, err := m.Append(path, []string{"youtube ABC"}, false)
	require.NoError(t, err)

	ok, err := m.Contains(path, "youtube ABC")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Contains(path, "youtube XYZ")
	require.NoError(t, err)
	assert.False(t, ok)
}
