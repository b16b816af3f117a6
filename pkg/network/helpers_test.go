package network

import (
	"bytes"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/heitortanoue/sdeit/pkg/delta"
	"github.com/heitortanoue/sdeit/pkg/engine"
	"github.com/heitortanoue/sdeit/pkg/exposure"
	"github.com/heitortanoue/sdeit/pkg/peer"
)

var testTime = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

func newTestAuthority(t *testing.T) (*delta.Signer, delta.AuthorityKey) {
	t.Helper()
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{9}, ed25519.SeedSize))
	key, err := delta.NewAuthorityKey(delta.AlgEd25519, priv.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("failed to build key: %v", err)
	}
	return delta.NewEd25519Signer(priv, delta.DigestSHA256), key
}

func newTestEngine(t *testing.T) (*engine.Engine, *delta.Signer) {
	t.Helper()
	signer, key := newTestAuthority(t)
	params := exposure.DefaultParams()
	params.Location = time.UTC

	e, err := engine.New(engine.Config{
		NodeID:                "node-http",
		OwnPeer:               peer.New(),
		AuthorityKey:          key,
		TestThreshold:         0.5,
		InitialDailyAllowance: 1,
		Exposure:              params,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e, signer
}

func signDelta(t *testing.T, s *delta.Signer, ts time.Time, allowance float64, updates map[peer.ID]float64) delta.Message {
	t.Helper()
	m, err := s.Sign(delta.Message{RiskUpdates: updates, DailyTLOTIncreaseAllowance: allowance, Timestamp: ts})
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	return m
}
