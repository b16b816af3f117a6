// Package scan provides a simulated proximity scanner for demo nodes and tests.
package scan

import (
	"context"
	"log"
	"math"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/heitortanoue/sdeit/pkg/peer"
)

// SimulatorConfig describes the simulated room
type SimulatorConfig struct {
	Seed      int64
	Peers     int     // people in the room
	RoomSize  float64 // side of the square room in meters, the node stands at its centre
	MaxRange  float64 // radio range in meters
	Step      float64 // max distance a person walks between scans
	LeaveRate float64 // chance per scan that a person leaves and a stranger enters
}

// DefaultSimulatorConfig returns a small office
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Seed:      1,
		Peers:     8,
		RoomSize:  20,
		MaxRange:  8,
		Step:      1,
		LeaveRate: 0.05,
	}
}

type walker struct {
	id   peer.ID
	x, y float64
}

// Simulator moves simulated people around and reports who is in range
type Simulator struct {
	cfg     SimulatorConfig
	rng     *rand.Rand
	walkers []*walker
	scans   int64
	mutex   sync.Mutex
}

// NewSimulator creates a deterministic simulator for cfg.Seed
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.RoomSize <= 0 {
		cfg.RoomSize = DefaultSimulatorConfig().RoomSize
	}
	s := &Simulator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	for i := 0; i < cfg.Peers; i++ {
		s.walkers = append(s.walkers, s.spawn())
	}
	return s
}

func (s *Simulator) spawn() *walker {
	id, err := uuid.NewRandomFromReader(s.rng)
	if err != nil {
		id = uuid.New()
	}
	half := s.cfg.RoomSize / 2
	return &walker{
		id: id,
		x:  s.rng.Float64()*s.cfg.RoomSize - half,
		y:  s.rng.Float64()*s.cfg.RoomSize - half,
	}
}

// Scan advances the simulation one step and returns the distances in range
func (s *Simulator) Scan(ctx context.Context) (map[peer.ID]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	half := s.cfg.RoomSize / 2
	observations := make(map[peer.ID]float64)

	for i, w := range s.walkers {
		if s.rng.Float64() < s.cfg.LeaveRate {
			s.walkers[i] = s.spawn()
			w = s.walkers[i]
		} else {
			w.x = clamp(w.x+(s.rng.Float64()*2-1)*s.cfg.Step, -half, half)
			w.y = clamp(w.y+(s.rng.Float64()*2-1)*s.cfg.Step, -half, half)
		}

		d := math.Hypot(w.x, w.y)
		if s.cfg.MaxRange <= 0 || d <= s.cfg.MaxRange {
			observations[w.id] = d
		}
	}

	s.scans++
	if s.scans%100 == 0 {
		log.Printf("[SIMULATOR] %d scans, %d of %d people in range", s.scans, len(observations), len(s.walkers))
	}
	return observations, nil
}

// GetStats returns simulator statistics
func (s *Simulator) GetStats() map[string]interface{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return map[string]interface{}{
		"seed":      s.cfg.Seed,
		"peers":     len(s.walkers),
		"room_size": s.cfg.RoomSize,
		"max_range": s.cfg.MaxRange,
		"scans":     s.scans,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
