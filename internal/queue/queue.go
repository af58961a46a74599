// Package queue holds the in-memory dispatch state: the ordered waiting
// list and the in-flight set. Durable state lives in storage; this is the
// structure workers claim from. Quota is enforced at claim time, not at
// admission.
package queue

import (
	"sort"
	"sync"

	"tubeflow/internal/storage"
)

// QuotaFunc reports the per-extractor concurrency quota; zero means
// unlimited.
type QuotaFunc func(extractor string) int

type Manager struct {
	mu       sync.Mutex
	waiting  []*storage.Item
	inflight map[string]string // item id -> extractor ("" while unknown)
	paused   bool
	quota    QuotaFunc
}

func NewManager(quota QuotaFunc) *Manager {
	if quota == nil {
		quota = func(string) int { return 0 }
	}
	return &Manager{
		inflight: map[string]string{},
		quota:    quota,
	}
}

// Add places an item in the waiting set at its order position: FIFO by
// created_at, with sub_index grouping playlist children under their parent.
func (m *Manager) Add(item *storage.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiting = append(m.waiting, item)
	m.sortLocked()
}

func (m *Manager) sortLocked() {
	sort.SliceStable(m.waiting, func(i, j int) bool {
		a, b := m.waiting[i], m.waiting[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.SubIndex < b.SubIndex
	})
}

// Remove drops a waiting item, returning it if present.
func (m *Manager) Remove(id string) *storage.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, it := range m.waiting {
		if it.ID == id {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			return it
		}
	}
	return nil
}

// Get returns the waiting item with the given id, if any.
func (m *Manager) Get(id string) *storage.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.waiting {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// Claim hands out the first eligible waiting item and marks it in-flight.
// Items are skipped when their (already known) extractor is at quota; items
// with an unknown extractor are always eligible. Returns nil when paused or
// nothing qualifies.
func (m *Manager) Claim() *storage.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused {
		return nil
	}
	for i, it := range m.waiting {
		if it.Status != storage.StatusPending {
			continue
		}
		if it.Extractor != "" && !m.quotaFreeLocked(it.Extractor) {
			continue
		}
		m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
		m.inflight[it.ID] = it.Extractor
		return it
	}
	return nil
}

func (m *Manager) quotaFreeLocked(extractor string) bool {
	limit := m.quota(extractor)
	if limit <= 0 {
		return true
	}
	active := 0
	for _, e := range m.inflight {
		if e == extractor {
			active++
		}
	}
	return active < limit
}

// SetExtractor records the extractor learned during preparing. It returns
// false when the extractor's quota is now exceeded; the caller must requeue
// the item and release its slot.
func (m *Manager) SetExtractor(id, extractor string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inflight[id]; !ok {
		return false
	}
	limit := m.quota(extractor)
	if limit > 0 {
		active := 0
		for otherID, e := range m.inflight {
			if otherID != id && e == extractor {
				active++
			}
		}
		if active >= limit {
			return false
		}
	}
	m.inflight[id] = extractor
	return true
}

// Requeue returns an in-flight item to waiting, keeping its original order
// position (created_at is unchanged).
func (m *Manager) Requeue(item *storage.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, item.ID)
	m.waiting = append(m.waiting, item)
	m.sortLocked()
}

// Release drops an item from the in-flight set on terminal transition.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, id)
}

// InFlight reports whether the item is currently claimed.
func (m *Manager) InFlight(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[id]
	return ok
}

// InFlightCount returns the number of claimed items.
func (m *Manager) InFlightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// DownloadingCount returns in-flight items running a given extractor.
func (m *Manager) DownloadingCount(extractor string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.inflight {
		if e == extractor {
			n++
		}
	}
	return n
}

// Waiting returns a snapshot of the waiting list in dispatch order.
func (m *Manager) Waiting() []*storage.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*storage.Item, len(m.waiting))
	copy(out, m.waiting)
	return out
}

func (m *Manager) WaitingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

// Pause stops Claim from handing out new items. Running downloads are
// unaffected.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

func (m *Manager) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Reorder helpers for the UI: they only shuffle created_at/sub_index-equal
// ordering by swapping positions in the waiting slice.

func (m *Manager) findLocked(id string) int {
	for i, it := range m.waiting {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) MoveToFront(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.findLocked(id)
	if idx <= 0 {
		return false
	}
	it := m.waiting[idx]
	m.waiting = append(m.waiting[:idx], m.waiting[idx+1:]...)
	m.waiting = append([]*storage.Item{it}, m.waiting...)
	m.renumberLocked()
	return true
}

func (m *Manager) MoveUp(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.findLocked(id)
	if idx <= 0 {
		return false
	}
	m.waiting[idx], m.waiting[idx-1] = m.waiting[idx-1], m.waiting[idx]
	m.renumberLocked()
	return true
}

func (m *Manager) MoveDown(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.findLocked(id)
	if idx < 0 || idx >= len(m.waiting)-1 {
		return false
	}
	m.waiting[idx], m.waiting[idx+1] = m.waiting[idx+1], m.waiting[idx]
	m.renumberLocked()
	return true
}

func (m *Manager) MoveToBack(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.findLocked(id)
	if idx < 0 || idx >= len(m.waiting)-1 {
		return false
	}
	it := m.waiting[idx]
	m.waiting = append(m.waiting[:idx], m.waiting[idx+1:]...)
	m.waiting = append(m.waiting, it)
	m.renumberLocked()
	return true
}

// renumberLocked rewrites created_at ordering keys so manual moves survive
// the next sort: every waiting item keeps its timestamp but sub_index is
// made strictly increasing in current slice order.
func (m *Manager) renumberLocked() {
	if len(m.waiting) == 0 {
		return
	}
	base := m.waiting[0].CreatedAt
	for i, it := range m.waiting {
		it.CreatedAt = base
		it.SubIndex = i
	}
}
