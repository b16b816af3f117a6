package network

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/heitortanoue/sdeit/pkg/delta"
	"github.com/heitortanoue/sdeit/pkg/peer"
)

func natsBatch(t *testing.T, msgs ...delta.Message) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(delta.Batch{Deltas: msgs})
	if err != nil {
		t.Fatalf("failed to encode batch: %v", err)
	}
	return &nats.Msg{Subject: DefaultNATSSubject, Data: data}
}

func TestNATSDeltaSource_BuffersUntilPull(t *testing.T) {
	signer, _ := newTestAuthority(t)
	s := NewNATSDeltaSource("", 10)
	a := peer.New()

	old := signDelta(t, signer, testTime.Add(-time.Hour), 1, map[peer.ID]float64{a: 0.1})
	fresh := signDelta(t, signer, testTime.Add(time.Hour), 2, map[peer.ID]float64{a: 0.2})
	s.handleMsg(natsBatch(t, old, fresh))

	batch, err := s.Pull(context.Background(), testTime)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch) != 1 || batch[0].RiskUpdates[a] != 0.2 {
		t.Fatalf("only the fresh delta should be pulled, got %+v", batch)
	}

	batch, _ = s.Pull(context.Background(), time.Time{})
	if len(batch) != 0 {
		t.Errorf("buffer should be drained, got %d", len(batch))
	}
}

func TestNATSDeltaSource_DropsUndecodable(t *testing.T) {
	s := NewNATSDeltaSource("lab.deltas", 10)
	s.handleMsg(&nats.Msg{Subject: "lab.deltas", Data: []byte("garbage")})

	stats := s.GetStats()
	if stats["dropped_count"] != int64(1) || stats["buffered"] != 0 {
		t.Errorf("unexpected stats %v", stats)
	}
	if stats["subject"] != "lab.deltas" || stats["connected"] != false {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestNATSDeltaSource_BufferLimit(t *testing.T) {
	signer, _ := newTestAuthority(t)
	s := NewNATSDeltaSource("", 2)

	for i := 0; i < 3; i++ {
		s.handleMsg(natsBatch(t, signDelta(t, signer, testTime.Add(time.Duration(i)*time.Minute), float64(i), nil)))
	}

	batch, _ := s.Pull(context.Background(), time.Time{})
	if len(batch) != 2 {
		t.Fatalf("expected 2 buffered messages, got %d", len(batch))
	}
	if batch[0].DailyTLOTIncreaseAllowance != 1 {
		t.Errorf("the oldest message should have been dropped, got allowance %v first", batch[0].DailyTLOTIncreaseAllowance)
	}
	if s.GetStats()["dropped_count"] != int64(1) {
		t.Errorf("expected one dropped message")
	}
}

func TestNATSDeltaSource_PulledBatchVerifies(t *testing.T) {
	e, signer := newTestEngine(t)
	s := NewNATSDeltaSource("", 10)
	a := peer.New()

	s.handleMsg(natsBatch(t, signDelta(t, signer, testTime, 4, map[peer.ID]float64{a: 0.7})))
	batch, _ := s.Pull(context.Background(), e.HighWater())

	res, err := e.ApplyDeltas(batch, testTime)
	if err != nil {
		t.Fatalf("batch from NATS should verify: %v", err)
	}
	if res.Applied != 1 || e.KnownRisks().Get(a) != 0.7 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestNATSDeltaSource_DropsRepublished(t *testing.T) {
	signer, _ := newTestAuthority(t)
	s := NewNATSDeltaSource("", 10)

	m := signDelta(t, signer, testTime, 3, map[peer.ID]float64{peer.New(): 0.4})
	s.handleMsg(natsBatch(t, m))
	s.handleMsg(natsBatch(t, m))

	batch, _ := s.Pull(context.Background(), time.Time{})
	if len(batch) != 1 {
		t.Fatalf("republished delta should be buffered once, got %d", len(batch))
	}
	if s.GetStats()["duplicate_count"] != int64(1) {
		t.Errorf("expected one duplicate, stats %v", s.GetStats())
	}
}
