package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heitortanoue/sdeit/internal/config"
	"github.com/heitortanoue/sdeit/logging"
	"github.com/heitortanoue/sdeit/pkg/alert"
	"github.com/heitortanoue/sdeit/pkg/delta"
	"github.com/heitortanoue/sdeit/pkg/engine"
	"github.com/heitortanoue/sdeit/pkg/gossip"
	"github.com/heitortanoue/sdeit/pkg/network"
	"github.com/heitortanoue/sdeit/pkg/peer"
	"github.com/heitortanoue/sdeit/pkg/schedule"
	"github.com/heitortanoue/sdeit/pkg/state"
)

func testAuthority(t *testing.T) (*delta.Signer, string) {
	t.Helper()
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{5}, ed25519.SeedSize))
	key, err := delta.NewAuthorityKey(delta.AlgEd25519, priv.Public().(ed25519.PublicKey))
	require.NoError(t, err)
	return delta.NewEd25519Signer(priv, delta.DigestSHA256), key.String()
}

func testNode(t *testing.T, id, authorityKey string) (*config.NodeConfig, *engine.Engine) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.NodeID = id
	cfg.OwnPeerID = peer.New().String()
	cfg.AuthorityKey = authorityKey
	cfg.Timezone = "UTC"
	require.NoError(t, cfg.Validate())

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	e, err := engine.New(ec)
	require.NoError(t, err)
	return cfg, e
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a:1", "b:2"}, splitList(" a:1, ,b:2 ,"))
	assert.Nil(t, splitList(""))
}

func TestBuildSource(t *testing.T) {
	cfg := config.DefaultConfig()

	src, closeAll, err := buildSource(cfg)
	require.NoError(t, err)
	assert.Nil(t, src, "no transport configured means push only")
	closeAll()

	cfg.DeltaURL = "http://authority.lab:9000"
	src, _, err = buildSource(cfg)
	require.NoError(t, err)
	assert.IsType(t, &network.HTTPDeltaSource{}, src)
}

func TestOpenStore(t *testing.T) {
	cfg := config.DefaultConfig()
	store, err := openStore(cfg)
	require.NoError(t, err)
	assert.Nil(t, store)

	cfg.SnapshotPath = filepath.Join(t.TempDir(), "node.db")
	cfg.SnapshotDriver = config.SnapshotSQLite
	store, err = openStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, &state.SQLiteStore{}, store)
	require.NoError(t, store.Close())

	cfg.SnapshotPath = filepath.Join(t.TempDir(), "node.json")
	cfg.SnapshotDriver = config.SnapshotJSON
	store, err = openStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, &state.FileStore{}, store)
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	signer, key := testAuthority(t)
	_, e := testNode(t, "node-1", key)
	store := state.NewFileStore(filepath.Join(t.TempDir(), "node.json"))

	now := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	contact := peer.New()
	e.ProcessScan(map[peer.ID]float64{contact: 0}, now)
	m, err := signer.Sign(delta.Message{RiskUpdates: map[peer.ID]float64{contact: 0.4}, DailyTLOTIncreaseAllowance: 3, Timestamp: now})
	require.NoError(t, err)
	_, err = e.ApplyDeltas([]delta.Message{m}, now)
	require.NoError(t, err)

	var logs bytes.Buffer
	require.NoError(t, saveSnapshot(e, store, logging.NewNodeLoggerTo(&logs, "node-1")))
	assert.Contains(t, logs.String(), "METRICS: operation=snapshot_save")

	_, restarted := testNode(t, "node-1", key)
	restoreSnapshot(restarted, store)

	before, after := e.Status(), restarted.Status()
	assert.Equal(t, before.Contacts, after.Contacts)
	assert.InDelta(t, before.PersonalRisk, after.PersonalRisk, 1e-12)
	assert.Equal(t, before.DailyAllowance, after.DailyAllowance)
	assert.True(t, before.HighWater.Equal(after.HighWater))
	assert.Equal(t, before.Alert, after.Alert)
}

func TestSaveSnapshot_LogsFailure(t *testing.T) {
	_, key := testAuthority(t)
	_, e := testNode(t, "node-1", key)
	// a regular file where the snapshot directory should be
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	store := state.NewFileStore(filepath.Join(blocker, "node.json"))

	var logs bytes.Buffer
	err := saveSnapshot(e, store, logging.NewNodeLoggerTo(&logs, "node-1"))
	require.Error(t, err)
	assert.Contains(t, logs.String(), "ERROR: operation=snapshot_save")
}

func TestPositionHandler(t *testing.T) {
	var got network.Position
	h := createPositionHandler(func(p network.Position) error {
		got = p
		return nil
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/position", bytes.NewReader([]byte(`{"x":2.5,"y":-1}`))))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, network.Position{X: 2.5, Y: -1}, got)

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/position", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/position", bytes.NewReader([]byte("{"))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Node A polls the authority, applies the batch and relays it to node B,
// whose alert follows.
func TestIntegration_FetchRelayAndAlert(t *testing.T) {
	signer, key := testAuthority(t)
	now := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

	cfgA, nodeA := testNode(t, "node-a", key)
	_, nodeB := testNode(t, "node-b", key)
	sick := peer.New()

	// B stood next to the sick peer
	nodeB.ProcessScan(map[peer.ID]float64{sick: 0}, now)
	require.Equal(t, alert.NominalNearby, nodeB.AlertState())

	m, err := signer.Sign(delta.Message{
		RiskUpdates:                map[peer.ID]float64{sick: 1},
		DailyTLOTIncreaseAllowance: 5,
		Timestamp:                  now,
	})
	require.NoError(t, err)

	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(delta.Batch{Deltas: []delta.Message{m}})
	}))
	defer authority.Close()

	serverB := network.NewStatusServer("node-b", 0, nodeB)
	httpB := httptest.NewServer(serverB.Handler())
	defer httpB.Close()

	relay := gossip.NewRelay("node-a", 1, 2, gossip.StaticPeers{httpB.URL}, gossip.NewHTTPSender("node-a", time.Second))
	relay.Start()
	defer relay.Stop()

	cfgA.DeltaURL = authority.URL
	source, closeAll, err := buildSource(cfgA)
	require.NoError(t, err)
	defer closeAll()

	runner := schedule.NewRunner("node-a", nodeA, nil, source, schedule.Intervals{}, time.UTC)
	runner.SetPublisher(relay)

	res, err := runner.FetchOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1.0, nodeA.KnownRisks().Get(sick))

	require.Eventually(t, func() bool {
		return nodeB.KnownRisks().Get(sick) == 1.0
	}, 2*time.Second, 10*time.Millisecond)

	// B's personal risk is the TLOT of one zero-distance contact
	assert.InDelta(t, 0.062, nodeB.PersonalRisk(), 1e-12)
	assert.Equal(t, 5.0, nodeB.Status().DailyAllowance)
}
