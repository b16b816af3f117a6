package network

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/heitortanoue/sdeit/pkg/delta"
	"github.com/heitortanoue/sdeit/pkg/engine"
	"github.com/heitortanoue/sdeit/pkg/exposure"
	"github.com/heitortanoue/sdeit/pkg/risk"
)

const maxDeltaBody = 4 << 20

// TTLHeader carries the remaining hops of a relayed batch
const TTLHeader = "X-Gossip-TTL"

// Node is what the status server reads from and pushes deltas into
type Node interface {
	Status() engine.Status
	ApplyDeltas(batch []delta.Message, now time.Time) (delta.Result, error)
	Ledger() *exposure.Ledger
	KnownRisks() *risk.Table
	HighWater() time.Time
}

// Relayer is told about pushed batches once they are applied. since is the
// high-water mark before the batch.
type Relayer interface {
	Publish(batch []delta.Message, since time.Time)
	Forward(batch []delta.Message, since time.Time, ttl int)
}

// StatsProvider contributes a section to /stats
type StatsProvider func() map[string]interface{}

// StatusServer exposes the node over HTTP and accepts pushed delta batches
type StatusServer struct {
	port   int
	mux    *http.ServeMux
	nodeID string
	node   Node
	server *http.Server
	now    func() time.Time

	stats map[string]StatsProvider
	relay Relayer
}

// NewStatusServer creates a server for node on port
func NewStatusServer(nodeID string, port int, node Node) *StatusServer {
	mux := http.NewServeMux()

	s := &StatusServer{
		nodeID: nodeID,
		port:   port,
		mux:    mux,
		node:   node,
		now:    time.Now,
		stats:  make(map[string]StatsProvider),
		server: &http.Server{
			Addr:              ":" + strconv.Itoa(port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	s.setupRoutes()
	return s
}

// AddStats registers a /stats section. Call before Start.
func (s *StatusServer) AddStats(name string, provider StatsProvider) {
	s.stats[name] = provider
}

// HandleFunc registers an extra route. Call before Start.
func (s *StatusServer) HandleFunc(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

// SetRelay makes the server hand applied batches to r. Call before Start.
func (s *StatusServer) SetRelay(r Relayer) {
	s.relay = r
}

func (s *StatusServer) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/state", s.handleState)
	s.mux.HandleFunc("/stats", s.handleStats)
	s.mux.HandleFunc("/alert", s.handleAlert)
	s.mux.HandleFunc("/delta", s.handleDelta)
}

// Handler returns the routes, for embedding and tests
func (s *StatusServer) Handler() http.Handler {
	return s.mux
}

// Start serves until Stop; it returns http.ErrServerClosed after Stop
func (s *StatusServer) Start() error {
	log.Printf("[HTTP] Server started on port %d", s.port)
	return s.server.ListenAndServe()
}

// Stop shuts the server down
func (s *StatusServer) Stop() error {
	log.Printf("[HTTP] Stopping server on port %d", s.port)
	return s.server.Close()
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id": s.nodeID,
		"status":  "healthy",
		"port":    s.port,
	})
}

func (s *StatusServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	risks := s.node.KnownRisks().Snapshot()
	known := make(map[string]float64, len(risks))
	for id, v := range risks {
		known[id.String()] = v
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      s.node.Status(),
		"contacts":    s.node.Ledger().Records(),
		"known_risks": known,
	})
}

func (s *StatusServer) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"node_id": s.nodeID,
		"ledger":  s.node.Ledger().GetStats(),
	}
	for name, provider := range s.stats {
		out[name] = provider()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *StatusServer) handleAlert(w http.ResponseWriter, r *http.Request) {
	st := s.node.Status()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":         st.Alert,
		"diode":         st.Diode,
		"personal_risk": st.PersonalRisk,
		"sum_today":     st.SumToday,
		"allowance":     st.DailyAllowance,
	})
}

// handleDelta accepts a pushed {"deltas": [...]} batch
func (s *StatusServer) handleDelta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDeltaBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var batch delta.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid delta batch: "+err.Error())
		return
	}

	since := s.node.HighWater()
	res, err := s.node.ApplyDeltas(batch.Deltas, s.now())
	if err != nil {
		var verr *delta.VerificationError
		if errors.As(err, &verr) {
			s.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":  err.Error(),
				"index":  verr.Index,
				"reason": verr.Reason,
			})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.relay != nil && res.Applied > 0 {
		if ttl, relayed := ParseTTL(r.Header); relayed {
			s.relay.Forward(batch.Deltas, since, ttl)
		} else {
			s.relay.Publish(batch.Deltas, since)
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"applied":    res.Applied,
		"stale":      res.Stale,
		"upserted":   res.Upserted,
		"removed":    res.Removed,
		"high_water": res.HighWater,
		"allowance":  res.Allowance,
	})
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Node-ID", s.nodeID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding response: %v", err)
	}
}

func (s *StatusServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]interface{}{"error": msg})
}

// GetStats returns HTTP server statistics
func (s *StatusServer) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"http_port": s.port,
		"node_id":   s.nodeID,
	}
}

// ParseTTL reads the relay TTL header. ok is false for batches that did not
// come from a relay; an unparsable value counts as exhausted.
func ParseTTL(h http.Header) (ttl int, ok bool) {
	v := h.Get(TTLHeader)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, true
	}
	return n, true
}
