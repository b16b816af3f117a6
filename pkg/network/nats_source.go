package network

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/heitortanoue/sdeit/pkg/delta"
)

// DefaultNATSSubject carries {"deltas": [...]} batches published by the authority
const DefaultNATSSubject = "sdeit.deltas"

// NATSConfig holds the connection settings of a NATSDeltaSource
type NATSConfig struct {
	URL            string
	Subject        string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
	BufferSize     int // messages kept between pulls; oldest are dropped first
}

// NATSDeltaSource buffers delta batches pushed over NATS until the next Pull
type NATSDeltaSource struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string

	buffer []delta.Message
	limit  int
	seen   *SeenCache
	mutex  sync.Mutex

	receivedCount  int64
	droppedCount   int64
	duplicateCount int64
}

// NewNATSDeltaSource creates an unconnected source holding up to limit messages
func NewNATSDeltaSource(subject string, limit int) *NATSDeltaSource {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	if limit <= 0 {
		limit = 1000
	}
	return &NATSDeltaSource{subject: subject, limit: limit, seen: NewSeenCache(4 * limit)}
}

// DialNATSDeltaSource connects to the server and subscribes to the delta subject
func DialNATSDeltaSource(cfg NATSConfig) (*NATSDeltaSource, error) {
	s := NewNATSDeltaSource(cfg.Subject, cfg.BufferSize)

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[NATS] Disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[NATS] Reconnected to %s", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sub, err := conn.Subscribe(s.subject, s.handleMsg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}

	s.conn = conn
	s.sub = sub
	log.Printf("[NATS] Subscribed to %s on %s", s.subject, cfg.URL)
	return s, nil
}

func (s *NATSDeltaSource) handleMsg(msg *nats.Msg) {
	var batch delta.Batch
	if err := json.Unmarshal(msg.Data, &batch); err != nil {
		s.mutex.Lock()
		s.droppedCount++
		s.mutex.Unlock()
		log.Printf("[NATS] Dropped undecodable batch on %s: %v", msg.Subject, err)
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, m := range batch.Deltas {
		s.receivedCount++
		// republished deltas are dropped until they age out of the cache
		if !s.seen.MarkSeen(KeyOf(m)) {
			s.duplicateCount++
			continue
		}
		s.buffer = append(s.buffer, m)
	}
	if over := len(s.buffer) - s.limit; over > 0 {
		s.buffer = append([]delta.Message(nil), s.buffer[over:]...)
		s.droppedCount += int64(over)
	}
}

// Pull drains the buffer, returning the messages newer than olderThan.
// Drained messages are not returned again, even if the engine rejects them.
func (s *NATSDeltaSource) Pull(ctx context.Context, olderThan time.Time) ([]delta.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var out []delta.Message
	for _, m := range s.buffer {
		if delta.SignedTime(m.Timestamp).After(olderThan) {
			out = append(out, m)
		}
	}
	s.buffer = nil
	return out, nil
}

// Close drops the subscription and the connection
func (s *NATSDeltaSource) Close() error {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			log.Printf("[NATS] Error unsubscribing: %v", err)
		}
	}
	if s.conn != nil {
		s.conn.Close()
	}
	return nil
}

// GetStats returns NATS source statistics
func (s *NATSDeltaSource) GetStats() map[string]interface{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	connected := s.conn != nil && s.conn.IsConnected()
	return map[string]interface{}{
		"subject":         s.subject,
		"connected":       connected,
		"buffered":        len(s.buffer),
		"received_count":  s.receivedCount,
		"dropped_count":   s.droppedCount,
		"duplicate_count": s.duplicateCount,
		"seen_cache":      s.seen.GetStats(),
	}
}
