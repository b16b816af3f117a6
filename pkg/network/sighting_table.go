package network

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/heitortanoue/sdeit/pkg/peer"
)

// Position is a point in the lab floor plan, in meters
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance to o
func (p Position) Distance(o Position) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

// Sighting is the latest report of a peer's position
type Sighting struct {
	Peer     peer.ID   `json:"peer_id"`
	Position Position  `json:"position"`
	LastSeen time.Time `json:"last_seen"`
	Source   string    `json:"source"`
}

// SightingTable keeps the peers currently heard from, fed by beacons or by
// cluster membership, and turns them into scan observations
type SightingTable struct {
	self      peer.ID
	position  Position
	timeout   time.Duration
	maxRange  float64 // 0 means unlimited
	sightings map[peer.ID]*Sighting
	now       func() time.Time
	mutex     sync.RWMutex
}

// NewSightingTable creates a table for the node self standing at position
func NewSightingTable(self peer.ID, position Position, timeout time.Duration, maxRange float64) *SightingTable {
	return &SightingTable{
		self:      self,
		position:  position,
		timeout:   timeout,
		maxRange:  maxRange,
		sightings: make(map[peer.ID]*Sighting),
		now:       time.Now,
	}
}

// SetPosition moves this node
func (st *SightingTable) SetPosition(p Position) {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	st.position = p
}

// Position returns where this node stands
func (st *SightingTable) Position() Position {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	return st.position
}

// Observe records that id was heard at pos. Reports of this node itself and
// of malformed ids are ignored.
func (st *SightingTable) Observe(id peer.ID, pos Position, source string) bool {
	if id == st.self || peer.Validate(id) != nil {
		return false
	}
	if math.IsNaN(pos.X) || math.IsNaN(pos.Y) || math.IsInf(pos.X, 0) || math.IsInf(pos.Y, 0) {
		return false
	}

	st.mutex.Lock()
	defer st.mutex.Unlock()
	st.sightings[id] = &Sighting{
		Peer:     id,
		Position: pos,
		LastSeen: st.now(),
		Source:   source,
	}
	return true
}

// Forget drops id, e.g. when it left the cluster
func (st *SightingTable) Forget(id peer.ID) {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	delete(st.sightings, id)
}

// Active returns the sightings younger than the timeout
func (st *SightingTable) Active() []Sighting {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	now := st.now()
	active := make([]Sighting, 0, len(st.sightings))
	for _, s := range st.sightings {
		if now.Sub(s.LastSeen) < st.timeout {
			active = append(active, *s)
		}
	}
	return active
}

// Scan returns the distance to every active peer within range
func (st *SightingTable) Scan(ctx context.Context) (map[peer.ID]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	self := st.Position()
	observations := make(map[peer.ID]float64)
	for _, s := range st.Active() {
		d := self.Distance(s.Position)
		if st.maxRange > 0 && d > st.maxRange {
			continue
		}
		observations[s.Peer] = d
	}
	return observations, nil
}

// Prune removes the expired sightings and returns how many were removed
func (st *SightingTable) Prune() int {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	now := st.now()
	removed := 0
	for id, s := range st.sightings {
		if now.Sub(s.LastSeen) >= st.timeout {
			delete(st.sightings, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of active sightings
func (st *SightingTable) Count() int {
	return len(st.Active())
}

// GetStats returns sighting table statistics
func (st *SightingTable) GetStats() map[string]interface{} {
	pos := st.Position()
	return map[string]interface{}{
		"sightings_active": st.Count(),
		"timeout_seconds":  st.timeout.Seconds(),
		"max_range":        st.maxRange,
		"x":                pos.X,
		"y":                pos.Y,
	}
}
