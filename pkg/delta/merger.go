package delta

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/heitortanoue/sdeit/pkg/peer"
	"github.com/heitortanoue/sdeit/pkg/risk"
)

// Result summarises one successful VerifyAndMerge call
type Result struct {
	Applied   int       // messages newer than the previous high-water mark
	Stale     int       // verified messages skipped as already applied
	Upserted  int       // risk entries inserted or updated
	Removed   int       // risk entries dropped because a delta reported 0
	HighWater time.Time // high-water mark after the call
	Allowance float64   // daily allowance after the call
	Cleared   []peer.ID // peers reported with risk exactly 0 by applied messages
}

// ClearedPeer reports whether id was reported with risk 0
func (r Result) ClearedPeer(id peer.ID) bool {
	for _, c := range r.Cleared {
		if c == id {
			return true
		}
	}
	return false
}

// Merger verifies batches against the authority key and owns the known-risk
// table, the daily allowance and the high-water mark
type Merger struct {
	key       AuthorityKey
	digestAlg string
	table     *risk.Table

	highWater time.Time
	allowance float64
	mutex     sync.Mutex
}

// NewMerger creates a merger that starts with initialAllowance until the first delta
func NewMerger(key AuthorityKey, digestAlg string, table *risk.Table, initialAllowance float64) (*Merger, error) {
	if key.SignatureSize() == 0 {
		return nil, fmt.Errorf("%w: no algorithm", ErrInvalidKey)
	}
	if !SupportedDigest(digestAlg) {
		return nil, fmt.Errorf("unsupported digest algorithm %q", digestAlg)
	}
	if table == nil {
		table = risk.NewTable()
	}
	return &Merger{
		key:       key,
		digestAlg: digestAlg,
		table:     table,
		allowance: initialAllowance,
	}, nil
}

// Table returns the known-risk table the merger writes to
func (m *Merger) Table() *risk.Table {
	return m.table
}

// HighWater returns the timestamp of the newest applied delta
func (m *Merger) HighWater() time.Time {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.highWater
}

// Allowance returns the most recently applied daily TLOT increase allowance
func (m *Merger) Allowance() float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.allowance
}

// Restore sets the scalar state loaded from a snapshot
func (m *Merger) Restore(highWater time.Time, allowance float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.highWater = SignedTime(highWater)
	m.allowance = allowance
}

// VerifyAndMerge authenticates every message of the batch and, only if all
// verify, applies the ones newer than the high-water mark in timestamp order.
// On error nothing is changed.
func (m *Merger) VerifyAndMerge(deltas []Message) (Result, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i, msg := range deltas {
		if err := m.verify(i, msg); err != nil {
			return Result{HighWater: m.highWater, Allowance: m.allowance}, err
		}
	}

	ordered := make([]Message, len(deltas))
	copy(ordered, deltas)
	for i := range ordered {
		ordered[i].Timestamp = SignedTime(ordered[i].Timestamp)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	res := Result{}
	previous := m.highWater
	newest := previous
	allowance := m.allowance
	var updates []risk.Update

	for _, msg := range ordered {
		if msg.Timestamp.After(newest) {
			newest = msg.Timestamp
		}
		if !msg.Timestamp.After(previous) {
			res.Stale++
			continue
		}

		allowance = msg.DailyTLOTIncreaseAllowance
		for _, id := range peer.Sorted(msg.RiskUpdates) {
			r := msg.RiskUpdates[id]
			updates = append(updates, risk.Update{Peer: id, Risk: r})
			if r == 0 {
				res.Cleared = append(res.Cleared, id)
			}
		}
		res.Applied++
	}

	res.Upserted, res.Removed = m.table.ApplyBatch(updates)
	m.allowance = allowance
	m.highWater = newest

	res.HighWater = m.highWater
	res.Allowance = m.allowance
	return res, nil
}

func (m *Merger) verify(index int, msg Message) error {
	if msg.Timestamp.IsZero() {
		return malformed(index, "missing timestamp")
	}
	a := msg.DailyTLOTIncreaseAllowance
	if math.IsNaN(a) || math.IsInf(a, 0) || a < 0 {
		return malformed(index, fmt.Sprintf("daily allowance %v out of range", a))
	}
	for id, r := range msg.RiskUpdates {
		if peer.Validate(id) != nil {
			return malformed(index, "nil peer id in risk updates")
		}
		if math.IsNaN(r) || r < 0 || r > 1 {
			return malformed(index, fmt.Sprintf("risk %v for %s outside [0,1]", r, id))
		}
	}
	if len(msg.Signature) != m.key.SignatureSize() {
		return malformed(index, fmt.Sprintf("signature is %d bytes, want %d", len(msg.Signature), m.key.SignatureSize()))
	}

	digest, err := Digest(m.digestAlg, msg)
	if err != nil {
		return &VerificationError{Index: index, Reason: "digest", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if !m.key.Verify(digest, msg.Signature) {
		return mismatch(index)
	}
	return nil
}
