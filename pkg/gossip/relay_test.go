package gossip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/heitortanoue/sdeit/pkg/delta"
)

type sentBatch struct {
	url   string
	batch []delta.Message
	ttl   int
}

type MockSender struct {
	mutex   sync.Mutex
	sent    []sentBatch
	failURL string
}

func (m *MockSender) SendBatch(ctx context.Context, url string, batch []delta.Message, ttl int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if url == m.failURL {
		return errors.New("mock send error to " + url)
	}
	m.sent = append(m.sent, sentBatch{url: url, batch: batch, ttl: ttl})
	return nil
}

func (m *MockSender) Sent() []sentBatch {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]sentBatch, len(m.sent))
	copy(out, m.sent)
	return out
}

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func msg(sig string, offset time.Duration) delta.Message {
	return delta.Message{Signature: []byte(sig), Timestamp: base.Add(offset)}
}

func waitSent(t *testing.T, s *MockSender, n int) []sentBatch {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sent := s.Sent(); len(sent) >= n {
			return sent
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %d sends, got %d", n, len(s.Sent()))
	return nil
}

func TestRelay_Defaults(t *testing.T) {
	r := NewRelay("node-1", 0, 0, StaticPeers{}, &MockSender{})
	if r.fanout != 3 || r.defaultTTL != 4 {
		t.Errorf("expected fanout 3 and TTL 4, got %d and %d", r.fanout, r.defaultTTL)
	}
	if r.IsRunning() {
		t.Error("relay should not run before Start")
	}
}

func TestRelay_PublishSendsFreshDeltas(t *testing.T) {
	sender := &MockSender{}
	r := NewRelay("node-1", 2, 4, StaticPeers{"http://a:8080", "http://b:8080"}, sender)
	r.Start()
	defer r.Stop()

	r.Publish([]delta.Message{msg("old", -time.Minute), msg("new", time.Minute)}, base)

	sent := waitSent(t, sender, 2)
	for _, s := range sent {
		if s.ttl != 4 {
			t.Errorf("published batch should carry the default TTL, got %d", s.ttl)
		}
		if len(s.batch) != 1 || string(s.batch[0].Signature) != "new" {
			t.Errorf("only the delta newer than the high-water mark should be sent, got %+v", s.batch)
		}
	}
}

func TestRelay_ForwardDecrementsTTL(t *testing.T) {
	sender := &MockSender{}
	r := NewRelay("node-1", 1, 4, StaticPeers{"http://a:8080"}, sender)
	r.Start()
	defer r.Stop()

	r.Forward([]delta.Message{msg("x", time.Second)}, base, 3)
	sent := waitSent(t, sender, 1)
	if sent[0].ttl != 2 {
		t.Errorf("expected TTL 2 after one hop, got %d", sent[0].ttl)
	}
}

func TestRelay_DropsExhaustedAndDuplicates(t *testing.T) {
	sender := &MockSender{}
	r := NewRelay("node-1", 1, 4, StaticPeers{"http://a:8080"}, sender)
	r.Start()
	defer r.Stop()

	r.Forward([]delta.Message{msg("x", time.Second)}, base, 1)
	r.Publish([]delta.Message{msg("y", time.Second)}, base)
	r.Publish([]delta.Message{msg("y", time.Second)}, base)

	waitSent(t, sender, 1)
	time.Sleep(20 * time.Millisecond)
	if n := len(sender.Sent()); n != 1 {
		t.Errorf("expected exactly one send, got %d", n)
	}
	if d := r.GetStats()["dropped_count"]; d != int64(2) {
		t.Errorf("expected 2 dropped batches, got %v", d)
	}
}

func TestRelay_NotRunningIgnores(t *testing.T) {
	sender := &MockSender{}
	r := NewRelay("node-1", 1, 4, StaticPeers{"http://a:8080"}, sender)
	r.Publish([]delta.Message{msg("x", time.Second)}, base)

	if len(r.queue) != 0 {
		t.Error("a stopped relay should not queue batches")
	}
}

func TestRelay_CountsFailures(t *testing.T) {
	sender := &MockSender{failURL: "http://down:8080"}
	r := NewRelay("node-1", 2, 4, StaticPeers{"http://down:8080", "http://up:8080"}, sender)
	r.Start()
	defer r.Stop()

	r.Publish([]delta.Message{msg("x", time.Second)}, base)
	waitSent(t, sender, 1)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.GetStats()["failed_count"] == int64(1) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	stats := r.GetStats()
	if stats["failed_count"] != int64(1) || stats["sent_count"] != int64(1) {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestSelectRandomPeers(t *testing.T) {
	peers := []string{"a", "b", "c", "d", "e"}
	picked := selectRandomPeers(peers, 3)
	if len(picked) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(picked))
	}
	seen := map[string]bool{}
	for _, p := range picked {
		if seen[p] {
			t.Errorf("peer %s picked twice", p)
		}
		seen[p] = true
	}
	if got := selectRandomPeers(peers[:2], 3); len(got) != 2 {
		t.Errorf("expected all peers when fewer than count, got %v", got)
	}
}
