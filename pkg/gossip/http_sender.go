package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/heitortanoue/sdeit/pkg/delta"
	"github.com/heitortanoue/sdeit/pkg/network"
)

// HTTPSender posts relayed batches to the neighbour's POST /delta
type HTTPSender struct {
	nodeID  string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPSender creates a sender with a per-request timeout
func NewHTTPSender(nodeID string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		nodeID: nodeID,
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// SendBatch posts batch to baseURL/delta with the remaining ttl
func (s *HTTPSender) SendBatch(ctx context.Context, baseURL string, batch []delta.Message, ttl int) error {
	payload, err := json.Marshal(delta.Batch{Deltas: batch})
	if err != nil {
		return fmt.Errorf("failed to serialize batch: %w", err)
	}

	url := strings.TrimRight(baseURL, "/") + "/delta"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sdeit-relay/1.0")
	req.Header.Set("X-Node-ID", s.nodeID)
	req.Header.Set(network.TTLHeader, strconv.Itoa(ttl))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	// a neighbour that already has the deltas answers 200 with applied=0
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP status %d when relaying to %s", resp.StatusCode, baseURL)
	}
	return nil
}
