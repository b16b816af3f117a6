package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// EventLogger is what the engine reports to. NodeLogger is the production one.
type EventLogger interface {
	LogScan(accepted, rejected int, tlotIncrease, sumToday, personalRisk float64)
	LogObservationRejected(err error)
	LogCleanup(removed, remaining int)
	LogDeltaApplied(applied, stale, upserted, removed int, highWater time.Time, allowance float64)
	LogDeltaRejected(batchSize int, err error)
	LogAlertChanged(from, to string)
	LogRollover(previousSum float64, period time.Time)
	LogError(operation string, err error)
}

// NodeLogger writes one structured line per engine event
type NodeLogger struct {
	nodeID string
	logger *log.Logger
}

// NewNodeLogger creates a logger for the node writing to stdout
func NewNodeLogger(nodeID string) *NodeLogger {
	return NewNodeLoggerTo(os.Stdout, nodeID)
}

// NewNodeLoggerTo creates a logger writing to w
func NewNodeLoggerTo(w io.Writer, nodeID string) *NodeLogger {
	logger := log.New(w, fmt.Sprintf("[%s] ", nodeID), log.LstdFlags|log.Lmicroseconds)
	return &NodeLogger{
		nodeID: nodeID,
		logger: logger,
	}
}

// LogScan records the outcome of one scan cycle
func (l *NodeLogger) LogScan(accepted, rejected int, tlotIncrease, sumToday, personalRisk float64) {
	l.logger.Printf("SCAN: accepted=%d rejected=%d tlot_increase=%.6f sum_today=%.6f personal_risk=%.6f at=%d",
		accepted, rejected, tlotIncrease, sumToday, personalRisk, time.Now().UnixMilli())
}

// LogObservationRejected records an observation that broke the input contract
func (l *NodeLogger) LogObservationRejected(err error) {
	l.logger.Printf("OBSERVATION_REJECTED: error=%q at=%d", err.Error(), time.Now().UnixMilli())
}

// LogCleanup records a retention pass
func (l *NodeLogger) LogCleanup(removed, remaining int) {
	l.logger.Printf("CLEANUP: removed=%d remaining=%d at=%d", removed, remaining, time.Now().UnixMilli())
}

// LogDeltaApplied records a verified and merged delta batch
func (l *NodeLogger) LogDeltaApplied(applied, stale, upserted, removed int, highWater time.Time, allowance float64) {
	l.logger.Printf("DELTA_APPLIED: applied=%d stale=%d upserted=%d removed=%d high_water=%s allowance=%.6f at=%d",
		applied, stale, upserted, removed, highWater.UTC().Format(time.RFC3339), allowance, time.Now().UnixMilli())
}

// LogDeltaRejected records a batch that failed verification
func (l *NodeLogger) LogDeltaRejected(batchSize int, err error) {
	l.logger.Printf("DELTA_REJECTED: batch_size=%d error=%q at=%d", batchSize, err.Error(), time.Now().UnixMilli())
}

// LogAlertChanged records an alert state transition
func (l *NodeLogger) LogAlertChanged(from, to string) {
	if from == "" {
		from = "UNSET"
	}
	l.logger.Printf("ALERT_CHANGED: from=%s to=%s at=%d", from, to, time.Now().UnixMilli())
}

// LogRollover records the daily reset of the TLOT increase sum
func (l *NodeLogger) LogRollover(previousSum float64, period time.Time) {
	l.logger.Printf("ROLLOVER: previous_sum=%.6f period=%s at=%d",
		previousSum, period.Format("2006-01-02"), time.Now().UnixMilli())
}

// LogError records errors
func (l *NodeLogger) LogError(operation string, err error) {
	l.logger.Printf("ERROR: operation=%s error=%q at=%d", operation, err.Error(), time.Now().UnixMilli())
}

// LogMetrics records timing of a periodic operation
func (l *NodeLogger) LogMetrics(operation string, duration time.Duration, count int) {
	l.logger.Printf("METRICS: operation=%s duration_ms=%.2f count=%d at=%d",
		operation, float64(duration.Microseconds())/1000.0, count, time.Now().UnixMilli())
}

// Discard drops every event
type Discard struct{}

func (Discard) LogScan(int, int, float64, float64, float64) {}
func (Discard) LogObservationRejected(error) {}
func (Discard) LogCleanup(int, int) {}
func (Discard) LogDeltaApplied(int, int, int, int, time.Time, float64) {}
func (Discard) LogDeltaRejected(int, error) {}
func (Discard) LogAlertChanged(string, string) {}
func (Discard) LogRollover(float64, time.Time) {}
func (Discard) LogError(string, error) {}
