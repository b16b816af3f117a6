package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heitortanoue/sdeit/pkg/alert"
	"github.com/heitortanoue/sdeit/pkg/exposure"
	"github.com/heitortanoue/sdeit/pkg/peer"
)

// SnapshotVersion is written into every snapshot; Load rejects other versions
const SnapshotVersion = 1

// ErrNoSnapshot is returned by Load when nothing was saved yet
var ErrNoSnapshot = errors.New("no snapshot")

// Snapshot is the persisted node state: the exposure ledger, the known risks
// and the scalars the engine needs to resume.
type Snapshot struct {
	Version    int                 `json:"version"`
	NodeID     string              `json:"node_id"`
	SavedAt    time.Time           `json:"saved_at"`
	Contacts   []exposure.Record   `json:"contacts"`
	KnownRisks map[peer.ID]float64 `json:"known_risks"`
	HighWater  time.Time           `json:"high_water"`
	Allowance  float64             `json:"daily_allowance"`
	SumToday   float64             `json:"sum_today"`
	Period     time.Time           `json:"period"`
	Alert      alert.State         `json:"alert"`
}

// Store persists snapshots
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
	Close() error
}

func checkVersion(snap Snapshot) error {
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("snapshot version %d not supported (want %d)", snap.Version, SnapshotVersion)
	}
	return nil
}
