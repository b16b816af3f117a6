// Package risk combines per-contact TLOT with the authority's known infection
// risks into a personal infection-risk estimate.
package risk

import (
	"github.com/heitortanoue/sdeit/pkg/exposure"
	"github.com/heitortanoue/sdeit/pkg/peer"
)

// Lookup resolves the known infection risk of a peer
type Lookup interface {
	Get(id peer.ID) float64
}

// PersonalRisk composes the risk contributed by every contact. Each contact is
// an independent event, so the result is independent of iteration order.
func PersonalRisk(tlots map[peer.ID]float64, known Lookup) float64 {
	myRisk := 0.0
	for id, tlot := range tlots {
		fromPeer := known.Get(id) * tlot
		myRisk = exposure.Compose(myRisk, fromPeer)
	}
	return myRisk
}

// MapLookup adapts a plain map to Lookup
type MapLookup map[peer.ID]float64

// Get returns the risk of id, 0 when absent
func (m MapLookup) Get(id peer.ID) float64 {
	return m[id]
}
