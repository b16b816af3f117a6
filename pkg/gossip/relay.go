// Package gossip relays authority deltas between lab nodes. Deltas carry the
// authority signature, so a node forwards only what it verified and applied.
package gossip

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/heitortanoue/sdeit/pkg/delta"
	"github.com/heitortanoue/sdeit/pkg/network"
)

// PeerLister returns the base URLs of neighbouring nodes
type PeerLister interface {
	GetPeerURLs() []string
	Count() int
}

// StaticPeers is a fixed neighbour list
type StaticPeers []string

// GetPeerURLs returns the list
func (p StaticPeers) GetPeerURLs() []string { return p }

// Count returns the number of neighbours
func (p StaticPeers) Count() int { return len(p) }

// Sender delivers a batch to one neighbour
type Sender interface {
	SendBatch(ctx context.Context, baseURL string, batch []delta.Message, ttl int) error
}

type job struct {
	batch []delta.Message
	ttl   int
}

// Relay forwards applied deltas to up to fanout random neighbours
type Relay struct {
	nodeID     string
	fanout     int
	defaultTTL int

	peers  PeerLister
	sender Sender
	seen   *network.SeenCache
	queue  chan job

	// Execution control
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mutex   sync.RWMutex

	// Metrics
	sentCount    int64
	failedCount  int64
	droppedCount int64 // TTL exhausted, duplicates or full queue
}

// NewRelay creates a relay. Batches are queued and sent from one goroutine.
func NewRelay(nodeID string, fanout, defaultTTL int, peers PeerLister, sender Sender) *Relay {
	if fanout <= 0 {
		fanout = 3
	}
	if defaultTTL <= 0 {
		defaultTTL = 4
	}
	return &Relay{
		nodeID:     nodeID,
		fanout:     fanout,
		defaultTTL: defaultTTL,
		peers:      peers,
		sender:     sender,
		seen:       network.NewSeenCache(10000),
		queue:      make(chan job, 64),
	}
}

// Start launches the send loop
func (r *Relay) Start() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.sendLoop(r.stopCh)

	log.Printf("[RELAY] Started for %s (fanout: %d, TTL: %d, peers: %d)",
		r.nodeID, r.fanout, r.defaultTTL, r.peers.Count())
}

// Stop halts the send loop; queued batches are dropped
func (r *Relay) Stop() {
	r.mutex.Lock()
	if !r.running {
		r.mutex.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mutex.Unlock()

	r.wg.Wait()
	log.Printf("[RELAY] Stopped for %s", r.nodeID)
}

// IsRunning returns whether the relay is running
func (r *Relay) IsRunning() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.running
}

// Publish relays deltas this node obtained first hand, with the default TTL.
// Only messages newer than since (the high-water mark before the batch was
// applied) are relayed.
func (r *Relay) Publish(batch []delta.Message, since time.Time) {
	r.enqueue(batch, since, r.defaultTTL)
}

// Forward relays deltas that arrived from another relay with ttl hops left
func (r *Relay) Forward(batch []delta.Message, since time.Time, ttl int) {
	r.enqueue(batch, since, ttl-1)
}

func (r *Relay) enqueue(batch []delta.Message, since time.Time, ttl int) {
	if !r.IsRunning() {
		return
	}
	if ttl <= 0 {
		r.countDropped(1)
		return
	}

	fresh := make([]delta.Message, 0, len(batch))
	for _, m := range batch {
		if !delta.SignedTime(m.Timestamp).After(since) {
			continue
		}
		if r.seen.MarkSeen(network.KeyOf(m)) {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		r.countDropped(1)
		return
	}

	select {
	case r.queue <- job{batch: fresh, ttl: ttl}:
	default:
		r.countDropped(1)
		log.Printf("[RELAY] Queue full, dropping batch of %d", len(fresh))
	}
}

func (r *Relay) sendLoop(stop <-chan struct{}) {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-stop:
			return
		case j := <-r.queue:
			r.send(ctx, j)
		}
	}
}

func (r *Relay) send(ctx context.Context, j job) {
	neighbours := r.peers.GetPeerURLs()
	if len(neighbours) == 0 {
		return
	}
	targets := selectRandomPeers(neighbours, r.fanout)

	sent, failed := 0, 0
	for _, url := range targets {
		if err := r.sender.SendBatch(ctx, url, j.batch, j.ttl); err != nil {
			log.Printf("[RELAY] Error relaying %d deltas to %s: %v", len(j.batch), url, err)
			failed++
			continue
		}
		sent++
	}

	r.mutex.Lock()
	r.sentCount += int64(sent)
	r.failedCount += int64(failed)
	r.mutex.Unlock()

	log.Printf("[RELAY] %d deltas sent to %d/%d neighbours (TTL: %d)", len(j.batch), sent, len(targets), j.ttl)
}

func (r *Relay) countDropped(n int64) {
	r.mutex.Lock()
	r.droppedCount += n
	r.mutex.Unlock()
}

// selectRandomPeers picks up to count peers without repetition
func selectRandomPeers(peers []string, count int) []string {
	if len(peers) <= count {
		return peers
	}

	shuffled := make([]string, len(peers))
	copy(shuffled, peers)

	// Fisher-Yates shuffle
	for i := len(shuffled) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:count]
}

// GetStats returns relay statistics
func (r *Relay) GetStats() map[string]interface{} {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return map[string]interface{}{
		"running":       r.running,
		"fanout":        r.fanout,
		"default_ttl":   r.defaultTTL,
		"sent_count":    r.sentCount,
		"failed_count":  r.failedCount,
		"dropped_count": r.droppedCount,
		"queued":        len(r.queue),
		"seen_cache":    r.seen.GetStats(),
		"peer_count":    r.peers.Count(),
	}
}
