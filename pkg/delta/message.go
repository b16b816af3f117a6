// Package delta authenticates authority-issued infection-risk batches and
// merges them into the known-risk table.
package delta

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/heitortanoue/sdeit/pkg/peer"
)

// Message is one signed authority update. It is never mutated after construction.
type Message struct {
	Signature                  []byte
	RiskUpdates                map[peer.ID]float64
	DailyTLOTIncreaseAllowance float64
	Timestamp                  time.Time
}

type wireMessage struct {
	Signature                  []byte             `json:"signature"`
	RiskUpdates                map[string]float64 `json:"risk_updates"`
	DailyTLOTIncreaseAllowance float64            `json:"daily_tlot_increase_allowance"`
	Timestamp                  time.Time          `json:"timestamp"`
}

// MarshalJSON encodes the message with string peer keys and a base64 signature
func (m Message) MarshalJSON() ([]byte, error) {
	updates := make(map[string]float64, len(m.RiskUpdates))
	for id, r := range m.RiskUpdates {
		updates[id.String()] = r
	}
	return json.Marshal(wireMessage{
		Signature:                  m.Signature,
		RiskUpdates:                updates,
		DailyTLOTIncreaseAllowance: m.DailyTLOTIncreaseAllowance,
		Timestamp:                  m.Timestamp.UTC(),
	})
}

// UnmarshalJSON decodes the wire form; malformed peer ids are rejected
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	updates := make(map[peer.ID]float64, len(w.RiskUpdates))
	for key, r := range w.RiskUpdates {
		id, err := peer.Parse(key)
		if err != nil {
			return fmt.Errorf("risk update key: %w", err)
		}
		updates[id] = r
	}

	m.Signature = w.Signature
	m.RiskUpdates = updates
	m.DailyTLOTIncreaseAllowance = w.DailyTLOTIncreaseAllowance
	m.Timestamp = w.Timestamp
	return nil
}

// Batch is the wire envelope of a sequence of messages
type Batch struct {
	Deltas []Message `json:"deltas"`
}
