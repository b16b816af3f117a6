// Package engine is the serialization point of a node: it owns the exposure
// ledger, the authority-fed risk table and the alert state, and runs every
// mutation under one lock.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/heitortanoue/sdeit/logging"
	"github.com/heitortanoue/sdeit/pkg/alert"
	"github.com/heitortanoue/sdeit/pkg/delta"
	"github.com/heitortanoue/sdeit/pkg/exposure"
	"github.com/heitortanoue/sdeit/pkg/peer"
	"github.com/heitortanoue/sdeit/pkg/risk"
	"github.com/heitortanoue/sdeit/pkg/state"
)

// DefaultInitialDailyAllowance is used until the first delta sets one
const DefaultInitialDailyAllowance = 1.0

// ConfigurationError rejects an engine configuration at construction
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Config is fixed for the lifetime of an Engine
type Config struct {
	NodeID                string
	OwnPeer               peer.ID
	AuthorityKey          delta.AuthorityKey
	DigestAlg             string
	TestThreshold         float64 // personal risk at which a test is recommended
	InitialDailyAllowance float64
	Exposure              exposure.Params
}

// Validate returns a *ConfigurationError for the first invalid field
func (c Config) Validate() error {
	if peer.Validate(c.OwnPeer) != nil {
		return &ConfigurationError{Field: "own_peer_id", Reason: "must be a non-nil UUID"}
	}
	if c.AuthorityKey.SignatureSize() == 0 {
		return &ConfigurationError{Field: "authority_key", Reason: "missing or unsupported algorithm"}
	}
	if !delta.SupportedDigest(c.DigestAlg) {
		return &ConfigurationError{Field: "digest_alg", Reason: fmt.Sprintf("unsupported %q", c.DigestAlg)}
	}
	if math.IsNaN(c.TestThreshold) || c.TestThreshold <= 0 || c.TestThreshold > 1 {
		return &ConfigurationError{Field: "infection_risk_test_threshold", Reason: "must be in (0,1]"}
	}
	a := c.InitialDailyAllowance
	if math.IsNaN(a) || math.IsInf(a, 0) || a < 0 {
		return &ConfigurationError{Field: "initial_daily_allowance", Reason: "must be a finite non-negative number"}
	}
	if err := c.Exposure.Validate(); err != nil {
		return &ConfigurationError{Field: "exposure", Reason: err.Error()}
	}
	return nil
}

// Option customises an Engine
type Option func(*Engine)

// WithLogger sets the event logger (default logging.Discard)
func WithLogger(l logging.EventLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithDisplay sets the display told about alert changes
func WithDisplay(d alert.Display) Option {
	return func(e *Engine) { e.display = d }
}

// WithMeter sets the meter instruments are created from (default the global provider)
func WithMeter(m metric.Meter) Option {
	return func(e *Engine) { e.meter = m }
}

// ScanResult is the outcome of one ProcessScan call
type ScanResult struct {
	Accepted     int // observations recorded; zero selects the idle alert variants
	Rejected     []error // one *exposure.ObservationError per rejected observation
	TLOTIncrease float64
	SumToday     float64
	PersonalRisk float64
	State        alert.State
	Changed      bool
}

// Status is a consistent read of the engine scalars
type Status struct {
	NodeID         string      `json:"node_id"`
	OwnPeer        peer.ID     `json:"own_peer_id"`
	Contacts       int         `json:"contacts"`
	KnownRisks     int         `json:"known_risks"`
	PersonalRisk   float64     `json:"personal_risk"`
	SumToday       float64     `json:"sum_today"`
	DailyAllowance float64     `json:"daily_allowance"`
	HighWater      time.Time   `json:"high_water"`
	Period         time.Time   `json:"period"`
	HasNearby      bool        `json:"has_nearby_peers"` // last scan recorded at least one observation; rejected ones do not count
	Alert          alert.State `json:"alert"`
	Diode          alert.Diode `json:"diode"`
}

// Engine computes exposure and risk for one node
type Engine struct {
	cfg      Config
	location *time.Location

	ledger  *exposure.Ledger
	merger  *delta.Merger
	machine *alert.Machine

	sumToday  float64
	period    time.Time
	hasNearby bool

	logger  logging.EventLogger
	display alert.Display
	meter   metric.Meter
	metrics *metrics

	mutex sync.Mutex
}

// New validates cfg and creates an engine in the Unset alert state
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.DigestAlg == "" {
		cfg.DigestAlg = delta.DigestSHA256
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	merger, err := delta.NewMerger(cfg.AuthorityKey, cfg.DigestAlg, risk.NewTable(), cfg.InitialDailyAllowance)
	if err != nil {
		return nil, &ConfigurationError{Field: "authority_key", Reason: err.Error()}
	}

	loc := cfg.Exposure.Location
	if loc == nil {
		loc = time.Local
		cfg.Exposure.Location = loc
	}

	e := &Engine{
		cfg:      cfg,
		location: loc,
		ledger:   exposure.NewLedger(cfg.Exposure),
		merger:   merger,
		machine:  alert.NewMachine(),
		logger:   logging.Discard{},
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.metrics, err = newMetrics(e.meter); err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return e, nil
}

// ProcessScan folds one scan's observations into the ledger, then recomputes
// the personal risk and the alert state. Observations that break the input
// contract are rejected individually and returned; the rest are applied.
func (e *Engine) ProcessScan(observations map[peer.ID]float64, now time.Time) ScanResult {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.rollover(now)

	res := ScanResult{}
	for _, id := range peer.Sorted(observations) {
		increase, err := e.ledger.RecordObservation(id, observations[id], now)
		if err != nil {
			res.Rejected = append(res.Rejected, err)
			e.logger.LogObservationRejected(err)
			continue
		}
		res.Accepted++
		res.TLOTIncrease += increase
	}

	e.sumToday += res.TLOTIncrease
	e.hasNearby = res.Accepted > 0

	res.SumToday = e.sumToday
	res.PersonalRisk = e.personalRisk()
	res.State, res.Changed = e.refresh(res.PersonalRisk)

	e.metrics.recordScan(len(res.Rejected), res.PersonalRisk)
	e.logger.LogScan(res.Accepted, len(res.Rejected), res.TLOTIncrease, res.SumToday, res.PersonalRisk)
	return res
}

// ExpireStaleContacts removes contacts beyond the retention horizon and
// returns how many were removed
func (e *Engine) ExpireStaleContacts(now time.Time) int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.rollover(now)

	removed := e.ledger.ExpireStaleContacts(now)
	if removed > 0 {
		e.metrics.recordExpired(removed)
		e.refresh(e.personalRisk())
	}
	e.logger.LogCleanup(removed, e.ledger.Len())
	return removed
}

// ApplyDeltas verifies and merges a batch of authority deltas. A failure
// rejects the whole batch and leaves the engine untouched. An applied delta
// reporting risk 0 for the own peer releases a held TestRecommended.
func (e *Engine) ApplyDeltas(batch []delta.Message, now time.Time) (delta.Result, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.rollover(now)

	res, err := e.merger.VerifyAndMerge(batch)
	if err != nil {
		e.metrics.recordBatchRejected(rejectReason(err))
		e.logger.LogDeltaRejected(len(batch), err)
		return res, err
	}

	e.metrics.recordApplied(res.Applied)
	e.logger.LogDeltaApplied(res.Applied, res.Stale, res.Upserted, res.Removed, res.HighWater, res.Allowance)

	myRisk := e.personalRisk()
	if res.ClearedPeer(e.cfg.OwnPeer) && e.machine.Current() == alert.TestRecommended {
		next := e.derive(myRisk)
		if _, changed := e.machine.Clear(next); changed {
			e.emit(alert.TestRecommended, next)
		}
		return res, nil
	}
	e.refresh(myRisk)
	return res, nil
}

// Rollover resets the sum of TLOT increase when now falls on a later local
// day than the one being accumulated. Every entry point also does this lazily.
func (e *Engine) Rollover(now time.Time) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.rollover(now) {
		e.refresh(e.personalRisk())
	}
}

// PersonalRisk returns the current personal infection-risk estimate
func (e *Engine) PersonalRisk() float64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.personalRisk()
}

// AlertState returns the current alert state
func (e *Engine) AlertState() alert.State {
	return e.machine.Current()
}

// Ledger exposes the exposure ledger for read access
func (e *Engine) Ledger() *exposure.Ledger {
	return e.ledger
}

// KnownRisks exposes the known-risk table for read access
func (e *Engine) KnownRisks() *risk.Table {
	return e.merger.Table()
}

// HighWater returns the timestamp of the newest applied delta
func (e *Engine) HighWater() time.Time {
	return e.merger.HighWater()
}

// Status returns the scalars of the engine read under its lock
func (e *Engine) Status() Status {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	current := e.machine.Current()
	return Status{
		NodeID:         e.cfg.NodeID,
		OwnPeer:        e.cfg.OwnPeer,
		Contacts:       e.ledger.Len(),
		KnownRisks:     e.merger.Table().Len(),
		PersonalRisk:   e.personalRisk(),
		SumToday:       e.sumToday,
		DailyAllowance: e.merger.Allowance(),
		HighWater:      e.merger.HighWater(),
		Period:         e.period,
		HasNearby:      e.hasNearby,
		Alert:          current,
		Diode:          current.Diode(),
	}
}

// Snapshot captures the persistable state
func (e *Engine) Snapshot(now time.Time) state.Snapshot {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return state.Snapshot{
		Version:    state.SnapshotVersion,
		NodeID:     e.cfg.NodeID,
		SavedAt:    now,
		Contacts:   e.ledger.Records(),
		KnownRisks: e.merger.Table().Snapshot(),
		HighWater:  e.merger.HighWater(),
		Allowance:  e.merger.Allowance(),
		SumToday:   e.sumToday,
		Period:     e.period,
		Alert:      e.machine.Current(),
	}
}

// Restore loads a snapshot, dropping entries that break the invariants.
// The alert state is restored as saved so a held TestRecommended survives restarts.
func (e *Engine) Restore(snap state.Snapshot) error {
	if snap.Version != state.SnapshotVersion {
		return fmt.Errorf("snapshot version %d not supported", snap.Version)
	}
	if snap.Alert != alert.Unset && !snap.Alert.Valid() {
		return fmt.Errorf("snapshot alert state %q unknown", snap.Alert)
	}
	a := snap.Allowance
	if math.IsNaN(a) || math.IsInf(a, 0) || a < 0 {
		return fmt.Errorf("snapshot daily allowance %v out of range", a)
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.ledger.Restore(snap.Contacts)
	e.merger.Table().Restore(snap.KnownRisks)
	e.merger.Restore(snap.HighWater, snap.Allowance)
	e.machine.Restore(snap.Alert)
	if snap.SumToday >= 0 && !math.IsInf(snap.SumToday, 0) {
		e.sumToday = snap.SumToday
	}
	if !snap.Period.IsZero() {
		e.period = snap.Period.In(e.location)
	}
	return nil
}

func (e *Engine) personalRisk() float64 {
	return risk.PersonalRisk(e.ledger.TLOTs(), e.merger.Table())
}

func (e *Engine) derive(myRisk float64) alert.State {
	return alert.Derive(myRisk, e.cfg.TestThreshold, e.sumToday, e.merger.Allowance(), e.hasNearby)
}

// refresh derives the state from the current inputs and reports a change
func (e *Engine) refresh(myRisk float64) (alert.State, bool) {
	previous := e.machine.Current()
	current, changed := e.machine.Observe(e.derive(myRisk))
	if changed {
		e.emit(previous, current)
	}
	return current, changed
}

func (e *Engine) emit(from, to alert.State) {
	e.metrics.recordTransition(string(to))
	e.logger.LogAlertChanged(string(from), string(to))
	if e.display != nil {
		e.display.Show(to)
	}
}

// rollover reports whether a new day started; callers hold the lock
func (e *Engine) rollover(now time.Time) bool {
	y, m, d := now.In(e.location).Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, e.location)

	if e.period.IsZero() {
		e.period = day
		return false
	}
	if !day.After(e.period) {
		return false
	}

	previous := e.sumToday
	e.sumToday = 0
	e.period = day
	e.logger.LogRollover(previous, day)
	return true
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, delta.ErrSignatureMismatch):
		return "signature"
	case errors.Is(err, delta.ErrMalformed):
		return "malformed"
	default:
		return "other"
	}
}
