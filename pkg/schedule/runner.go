// Package schedule drives an engine from periodic scans, retention passes and
// delta fetches.
package schedule

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/heitortanoue/sdeit/pkg/delta"
	"github.com/heitortanoue/sdeit/pkg/engine"
	"github.com/heitortanoue/sdeit/pkg/peer"
)

// Default periods of the reference deployment
const (
	DefaultScanInterval    = 3 * time.Second
	DefaultCleanupInterval = 24 * time.Hour
	DefaultFetchInterval   = time.Hour
)

// Scanner reports the peers currently in range and their estimated distance in meters
type Scanner interface {
	Scan(ctx context.Context) (map[peer.ID]float64, error)
}

// ScannerFunc adapts a function to Scanner
type ScannerFunc func(ctx context.Context) (map[peer.ID]float64, error)

// Scan calls f(ctx)
func (f ScannerFunc) Scan(ctx context.Context) (map[peer.ID]float64, error) { return f(ctx) }

// DeltaSource returns the authority deltas published after olderThan
type DeltaSource interface {
	Pull(ctx context.Context, olderThan time.Time) ([]delta.Message, error)
}

// BatchSource is a DeltaSource that keeps the deltas of each transport apart,
// so they are verified and applied as separate batches
type BatchSource interface {
	DeltaSource
	PullBatches(ctx context.Context, olderThan time.Time) ([][]delta.Message, error)
}

// Publisher is handed every fetched batch that applied, for relaying
type Publisher interface {
	Publish(batch []delta.Message, since time.Time)
}

// Node is the part of the engine the runner drives
type Node interface {
	ProcessScan(observations map[peer.ID]float64, now time.Time) engine.ScanResult
	ExpireStaleContacts(now time.Time) int
	ApplyDeltas(batch []delta.Message, now time.Time) (delta.Result, error)
	Rollover(now time.Time)
	HighWater() time.Time
}

// Intervals configures the tickers; zero values take the defaults
type Intervals struct {
	Scan    time.Duration
	Cleanup time.Duration
	Fetch   time.Duration
}

func (iv Intervals) withDefaults() Intervals {
	if iv.Scan <= 0 {
		iv.Scan = DefaultScanInterval
	}
	if iv.Cleanup <= 0 {
		iv.Cleanup = DefaultCleanupInterval
	}
	if iv.Fetch <= 0 {
		iv.Fetch = DefaultFetchInterval
	}
	return iv
}

// Runner owns the ticker goroutines of a node
type Runner struct {
	nodeID    string
	node      Node
	scanner   Scanner
	source    DeltaSource
	publisher Publisher
	intervals Intervals
	location  *time.Location
	now       func() time.Time

	// Execution control
	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mutex   sync.RWMutex

	// Metrics
	scanCount     int64
	scanErrors    int64
	fetchCount    int64
	fetchErrors   int64
	cleanupCount  int64
	rolloverCount int64
}

// NewRunner creates a runner. source may be nil when deltas are only pushed.
func NewRunner(nodeID string, node Node, scanner Scanner, source DeltaSource, intervals Intervals, loc *time.Location) *Runner {
	if loc == nil {
		loc = time.Local
	}
	return &Runner{
		nodeID:    nodeID,
		node:      node,
		scanner:   scanner,
		source:    source,
		intervals: intervals.withDefaults(),
		location:  loc,
		now:       time.Now,
	}
}

// SetPublisher relays applied fetches through p. Call before Start.
func (r *Runner) SetPublisher(p Publisher) {
	r.publisher = p
}

// Start launches the loops. It is a no-op if already running.
func (r *Runner) Start() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.running {
		return
	}
	r.running = true

	r.stopCh = make(chan struct{})
	stop := r.stopCh

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.loop(stop, r.intervals.Scan, func() { _, _ = r.ScanOnce(ctx) })
	r.loop(stop, r.intervals.Cleanup, func() { r.CleanupOnce() })
	if r.source != nil {
		r.loop(stop, r.intervals.Fetch, func() { _, _ = r.FetchOnce(ctx) })
	}
	r.wg.Add(1)
	go r.midnightLoop(stop)

	log.Printf("[SCHEDULE] Runner started for %s (scan: %s, cleanup: %s, fetch: %s)",
		r.nodeID, r.intervals.Scan, r.intervals.Cleanup, r.intervals.Fetch)
}

// Stop halts the loops and waits for in-flight work to finish
func (r *Runner) Stop() {
	r.mutex.Lock()
	if !r.running {
		r.mutex.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.cancel()
	r.mutex.Unlock()

	r.wg.Wait()
	log.Printf("[SCHEDULE] Runner stopped for %s", r.nodeID)
}

// IsRunning returns whether the loops are running
func (r *Runner) IsRunning() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.running
}

func (r *Runner) loop(stop <-chan struct{}, interval time.Duration, tick func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				tick()
			case <-stop:
				return
			}
		}
	}()
}

// midnightLoop fires a rollover at each local midnight so the display
// reflects the reset even when no scan runs right then
func (r *Runner) midnightLoop(stop <-chan struct{}) {
	defer r.wg.Done()
	for {
		timer := time.NewTimer(untilMidnight(r.now(), r.location))
		select {
		case <-timer.C:
			r.node.Rollover(r.now())
			r.mutex.Lock()
			r.rolloverCount++
			r.mutex.Unlock()
		case <-stop:
			timer.Stop()
			return
		}
	}
}

// ScanOnce runs one scan cycle. A failing scanner skips the cycle.
func (r *Runner) ScanOnce(ctx context.Context) (engine.ScanResult, error) {
	observations, err := r.scanner.Scan(ctx)
	if err != nil {
		r.mutex.Lock()
		r.scanErrors++
		r.mutex.Unlock()
		log.Printf("[SCHEDULE] Scan failed: %v", err)
		return engine.ScanResult{}, err
	}

	res := r.node.ProcessScan(observations, r.now())
	r.mutex.Lock()
	r.scanCount++
	r.mutex.Unlock()
	return res, nil
}

// CleanupOnce runs one retention pass
func (r *Runner) CleanupOnce() int {
	removed := r.node.ExpireStaleContacts(r.now())
	r.mutex.Lock()
	r.cleanupCount++
	r.mutex.Unlock()
	return removed
}

// FetchOnce pulls the deltas newer than the engine's high-water mark and
// applies them, one batch per transport when the source keeps them apart.
// The result sums the applied batches; rejected ones are retried on the next tick.
func (r *Runner) FetchOnce(ctx context.Context) (delta.Result, error) {
	if r.source == nil {
		return delta.Result{}, nil
	}

	since := r.node.HighWater()
	batches, err := r.pull(ctx, since)
	if err != nil {
		r.countFetch(false)
		log.Printf("[SCHEDULE] Delta fetch failed: %v", err)
		return delta.Result{}, err
	}

	total := delta.Result{HighWater: since}
	var errs []error
	for _, batch := range batches {
		before := r.node.HighWater()
		res, err := r.node.ApplyDeltas(batch, r.now())
		if err != nil {
			log.Printf("[SCHEDULE] Delta batch of %d rejected: %v", len(batch), err)
			errs = append(errs, err)
			continue
		}
		if r.publisher != nil && res.Applied > 0 {
			r.publisher.Publish(batch, before)
		}
		total.Applied += res.Applied
		total.Stale += res.Stale
		total.Upserted += res.Upserted
		total.Removed += res.Removed
		total.Cleared = append(total.Cleared, res.Cleared...)
		total.HighWater = res.HighWater
		total.Allowance = res.Allowance
	}

	err = errors.Join(errs...)
	r.countFetch(err == nil)
	return total, err
}

// pull asks a BatchSource for its per-source batches, anything else for one
func (r *Runner) pull(ctx context.Context, since time.Time) ([][]delta.Message, error) {
	if bs, ok := r.source.(BatchSource); ok {
		return bs.PullBatches(ctx, since)
	}
	batch, err := r.source.Pull(ctx, since)
	if err != nil || len(batch) == 0 {
		return nil, err
	}
	return [][]delta.Message{batch}, nil
}

func (r *Runner) countFetch(ok bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.fetchCount++
	if !ok {
		r.fetchErrors++
	}
}

// GetStats returns runner statistics
func (r *Runner) GetStats() map[string]interface{} {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return map[string]interface{}{
		"running":        r.running,
		"scan_count":     r.scanCount,
		"scan_errors":    r.scanErrors,
		"fetch_count":    r.fetchCount,
		"fetch_errors":   r.fetchErrors,
		"cleanup_count":  r.cleanupCount,
		"rollover_count": r.rolloverCount,
		"has_source":     r.source != nil,
	}
}

func untilMidnight(now time.Time, loc *time.Location) time.Duration {
	local := now.In(loc)
	y, m, d := local.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	return next.Sub(now)
}
