package swim

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/heitortanoue/sdeit/pkg/network"
	"github.com/heitortanoue/sdeit/pkg/peer"
)

func TestMeta_RoundTrip(t *testing.T) {
	id := peer.New()
	data, err := EncodeMeta(id, network.Position{X: 1.5, Y: -2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gotID, pos, err := DecodeMeta(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotID != id || pos.X != 1.5 || pos.Y != -2 {
		t.Errorf("unexpected meta %s %+v", gotID, pos)
	}

	if _, _, err := DecodeMeta([]byte(`{"peer_id":"bogus"}`)); err == nil {
		t.Error("bogus peer id should fail")
	}
	if _, _, err := DecodeMeta(nil); err == nil {
		t.Error("empty meta should fail")
	}
}

func TestSwimEvents_MirrorMembership(t *testing.T) {
	self := peer.New()
	table := network.NewSightingTable(self, network.Position{}, time.Minute, 0)
	events := &SwimEvents{nodeID: "node-1", table: table}

	other := peer.New()
	meta, _ := EncodeMeta(other, network.Position{X: 3, Y: 4})
	node := &memberlist.Node{Name: "node-2", Meta: meta}

	events.NotifyJoin(node)
	obs, _ := table.Scan(context.Background())
	if obs[other] != 5 {
		t.Fatalf("joined node should be sighted at 5m, got %v", obs)
	}

	moved, _ := EncodeMeta(other, network.Position{X: 0, Y: 1})
	events.NotifyUpdate(&memberlist.Node{Name: "node-2", Meta: moved})
	obs, _ = table.Scan(context.Background())
	if obs[other] != 1 {
		t.Errorf("updated node should be sighted at 1m, got %v", obs)
	}

	events.NotifyLeave(&memberlist.Node{Name: "node-2", Meta: moved})
	if table.Count() != 0 {
		t.Error("left node should be forgotten")
	}

	selfMeta, _ := EncodeMeta(self, network.Position{})
	events.NotifyJoin(&memberlist.Node{Name: "node-1", Meta: selfMeta})
	events.NotifyJoin(&memberlist.Node{Name: "node-3", Meta: []byte("junk")})
	if table.Count() != 0 {
		t.Error("own node and junk meta should not be sighted")
	}
}

func TestMetaDelegate_RespectsLimit(t *testing.T) {
	self := peer.New()
	table := network.NewSightingTable(self, network.Position{X: 2, Y: 2}, time.Minute, 0)
	d := &metaDelegate{self: self, table: table}

	meta := d.NodeMeta(memberlist.MetaMaxSize)
	id, pos, err := DecodeMeta(meta)
	if err != nil || id != self || pos.X != 2 {
		t.Errorf("unexpected meta %q: %v", meta, err)
	}
	if d.NodeMeta(10) != nil {
		t.Error("meta over the limit should be withheld")
	}
}

func TestMembershipManager_TwoNodes(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two memberlist nodes on loopback")
	}

	idA, idB := peer.New(), peer.New()
	tableA := network.NewSightingTable(idA, network.Position{X: 0, Y: 0}, time.Minute, 10)
	tableB := network.NewSightingTable(idB, network.Position{X: 6, Y: 8}, time.Minute, 10)

	a, err := NewMembershipManager(MembershipConfig{
		NodeID: "node-a", PeerID: idA, BindAddr: "127.0.0.1", BindPort: 0, Local: true,
	}, tableA)
	if err != nil {
		t.Fatalf("failed to start node a: %v", err)
	}
	defer a.Shutdown()

	b, err := NewMembershipManager(MembershipConfig{
		NodeID: "node-b", PeerID: idB, BindAddr: "127.0.0.1", BindPort: 0, Local: true,
		Seeds: []string{a.LocalAddr()},
	}, tableB)
	if err != nil {
		t.Fatalf("failed to start node b: %v", err)
	}
	defer b.Shutdown()

	deadline := time.Now().Add(5 * time.Second)
	for a.MemberCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if a.MemberCount() != 2 {
		t.Fatalf("expected 2 members, got %d", a.MemberCount())
	}

	obs, err := a.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if obs[idB] != 10 {
		t.Errorf("node b should be 10m away, got %v", obs)
	}

	stats := b.GetStats()
	if stats["live_members"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}
}
