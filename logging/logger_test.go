package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNodeLogger_Lines(t *testing.T) {
	var buf bytes.Buffer
	l := NewNodeLoggerTo(&buf, "node-1")

	l.LogScan(3, 1, 0.1, 0.5, 0.01)
	l.LogDeltaRejected(2, errors.New("delta 1 rejected"))
	l.LogAlertChanged("", "NOMINAL_IDLE")
	l.LogDeltaApplied(1, 0, 2, 0, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), 10)

	out := buf.String()
	expected := []string{
		"[node-1] ",
		"SCAN: accepted=3 rejected=1",
		`DELTA_REJECTED: batch_size=2 error="delta 1 rejected"`,
		"ALERT_CHANGED: from=UNSET to=NOMINAL_IDLE",
		"high_water=2024-01-02T03:04:05Z",
	}
	for _, e := range expected {
		if !strings.Contains(out, e) {
			t.Errorf("output should contain %q, got:\n%s", e, out)
		}
	}

	if lines := strings.Count(out, "\n"); lines != 4 {
		t.Errorf("expected 4 lines, got %d", lines)
	}
}

func TestDiscardImplementsEventLogger(t *testing.T) {
	var l EventLogger = Discard{}
	l.LogError("noop", errors.New("ignored"))
}
