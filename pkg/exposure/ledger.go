package exposure

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/heitortanoue/sdeit/pkg/peer"
)

// ErrInputContract matches every rejected observation
var ErrInputContract = errors.New("input contract violation")

// ObservationError reports a single rejected scan observation
type ObservationError struct {
	Peer     peer.ID
	Distance float64
	Err      error
}

func (e *ObservationError) Error() string {
	return fmt.Sprintf("observation of %s at %vm rejected: %v", e.Peer, e.Distance, e.Err)
}

func (e *ObservationError) Unwrap() []error {
	return []error{ErrInputContract, e.Err}
}

// Record is the accumulated exposure to one peer
type Record struct {
	Peer        peer.ID   `json:"peer_id"`
	TLOT        float64   `json:"tlot"`
	LastContact time.Time `json:"last_contact"`
}

// Ledger keeps the decayed transmission likelihood per observed peer
type Ledger struct {
	records map[peer.ID]*Record
	params  Params
	mutex   sync.RWMutex
}

// NewLedger creates an empty ledger
func NewLedger(params Params) *Ledger {
	return &Ledger{
		records: make(map[peer.ID]*Record),
		params:  params,
	}
}

// Params returns the ledger parameters
func (l *Ledger) Params() Params {
	return l.params
}

// RecordObservation folds one proximity observation into the peer's TLOT and
// returns the increase it caused
func (l *Ledger) RecordObservation(id peer.ID, distanceMeters float64, now time.Time) (float64, error) {
	if err := peer.Validate(id); err != nil {
		return 0, &ObservationError{Peer: id, Distance: distanceMeters, Err: err}
	}
	if err := ValidateDistance(distanceMeters); err != nil {
		return 0, &ObservationError{Peer: id, Distance: distanceMeters, Err: err}
	}

	increment := Increment(l.params.BaseRate, l.params.HalfLifeMeters, distanceMeters)

	l.mutex.Lock()
	defer l.mutex.Unlock()

	rec, exists := l.records[id]
	if !exists {
		rec = &Record{Peer: id}
		l.records[id] = rec
	}

	existing := rec.TLOT
	rec.TLOT = Compose(existing, increment)
	rec.LastContact = now

	return rec.TLOT - existing, nil
}

// ExpireStaleContacts removes every record whose last contact date lies more
// than RetentionDays whole days before now and returns how many were removed
func (l *Ledger) ExpireStaleContacts(now time.Time) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	removed := 0
	for id, rec := range l.records {
		if DaysBetween(rec.LastContact, now, l.params.location()) > l.params.RetentionDays {
			delete(l.records, id)
			removed++
		}
	}

	return removed
}

// Get returns the record of one peer
func (l *Ledger) Get(id peer.ID) (Record, bool) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	rec, exists := l.records[id]
	if !exists {
		return Record{}, false
	}
	return *rec, true
}

// Records returns a copy of all records
func (l *Ledger) Records() []Record {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	return out
}

// TLOTs returns the peer to TLOT mapping
func (l *Ledger) TLOTs() map[peer.ID]float64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	out := make(map[peer.ID]float64, len(l.records))
	for id, rec := range l.records {
		out[id] = rec.TLOT
	}
	return out
}

// Len returns the number of tracked peers
func (l *Ledger) Len() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.records)
}

// Restore replaces the ledger contents, skipping records that break the invariants
func (l *Ledger) Restore(records []Record) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.records = make(map[peer.ID]*Record, len(records))
	for _, rec := range records {
		if peer.Validate(rec.Peer) != nil || !(rec.TLOT >= 0 && rec.TLOT <= 1) {
			continue
		}
		r := rec
		l.records[rec.Peer] = &r
	}
	return len(l.records)
}

// GetStats returns ledger statistics
func (l *Ledger) GetStats() map[string]interface{} {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var maxTLOT float64
	for _, rec := range l.records {
		if rec.TLOT > maxTLOT {
			maxTLOT = rec.TLOT
		}
	}

	return map[string]interface{}{
		"contacts":       len(l.records),
		"max_tlot":       maxTLOT,
		"retention_days": l.params.RetentionDays,
	}
}

// DaysBetween counts whole calendar days from the date of from to the date of to
func DaysBetween(from, to time.Time, loc *time.Location) int {
	fy, fm, fd := from.In(loc).Date()
	ty, tm, td := to.In(loc).Date()
	start := time.Date(fy, fm, fd, 0, 0, 0, 0, time.UTC)
	end := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start).Hours() / 24)
}
