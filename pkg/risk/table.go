package risk

import (
	"sync"

	"github.com/heitortanoue/sdeit/pkg/peer"
)

// Update is one authority-reported infection risk. Risk 0 means the peer's
// infectious window has fully elapsed and the entry is dropped.
type Update struct {
	Peer peer.ID
	Risk float64
}

// Table holds the authority's belief that a peer is currently infectious
type Table struct {
	risks map[peer.ID]float64
	mutex sync.RWMutex
}

// NewTable creates an empty risk table
func NewTable() *Table {
	return &Table{
		risks: make(map[peer.ID]float64),
	}
}

// Get returns the known risk of a peer, 0 when unknown
func (t *Table) Get(id peer.ID) float64 {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.risks[id]
}

// ApplyBatch applies the updates in order under a single write lock so readers
// never observe a partially applied batch. Returns upserted and removed counts.
func (t *Table) ApplyBatch(updates []Update) (upserted, removed int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for _, u := range updates {
		if u.Risk == 0 {
			if _, exists := t.risks[u.Peer]; exists {
				removed++
			}
			delete(t.risks, u.Peer)
			continue
		}
		t.risks[u.Peer] = u.Risk
		upserted++
	}
	return upserted, removed
}

// Snapshot returns a copy of the table
func (t *Table) Snapshot() map[peer.ID]float64 {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	out := make(map[peer.ID]float64, len(t.risks))
	for id, r := range t.risks {
		out[id] = r
	}
	return out
}

// Restore replaces the table contents, keeping only values in (0,1]
func (t *Table) Restore(risks map[peer.ID]float64) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.risks = make(map[peer.ID]float64, len(risks))
	for id, r := range risks {
		if peer.Validate(id) != nil || !(r > 0 && r <= 1) {
			continue
		}
		t.risks[id] = r
	}
	return len(t.risks)
}

// Len returns the number of peers with a known risk
func (t *Table) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.risks)
}
