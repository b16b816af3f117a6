package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/heitortanoue/sdeit/pkg/delta"
)

// HTTPDeltaSource pulls delta batches from the authority's HTTP endpoint
type HTTPDeltaSource struct {
	baseURL string
	nodeID  string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPDeltaSource creates a source for GET {baseURL}/deltas
func NewHTTPDeltaSource(baseURL, nodeID string, timeout time.Duration) *HTTPDeltaSource {
	return &HTTPDeltaSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		nodeID:  nodeID,
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// Pull fetches the deltas published after olderThan. A zero olderThan asks for everything.
func (s *HTTPDeltaSource) Pull(ctx context.Context, olderThan time.Time) ([]delta.Message, error) {
	fullURL := s.baseURL + "/deltas"
	if !olderThan.IsZero() {
		q := url.Values{}
		q.Set("older_than", olderThan.UTC().Format(time.RFC3339Nano))
		fullURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "sdeit-node/1.0")
	req.Header.Set("X-Node-ID", s.nodeID)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch deltas: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP status %d when fetching deltas", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDeltaBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read deltas: %w", err)
	}

	var batch delta.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("failed to decode deltas: %w", err)
	}
	return batch.Deltas, nil
}
