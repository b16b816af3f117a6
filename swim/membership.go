package swim

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/heitortanoue/sdeit/pkg/network"
	"github.com/heitortanoue/sdeit/pkg/peer"
)

// NodeMeta is what every member publishes about itself
type NodeMeta struct {
	PeerID string  `json:"peer_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// EncodeMeta builds the memberlist meta of a node
func EncodeMeta(id peer.ID, pos network.Position) ([]byte, error) {
	return json.Marshal(NodeMeta{PeerID: id.String(), X: pos.X, Y: pos.Y})
}

// DecodeMeta parses the memberlist meta of a node
func DecodeMeta(data []byte) (peer.ID, network.Position, error) {
	var m NodeMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return peer.Nil, network.Position{}, fmt.Errorf("failed to decode node meta: %w", err)
	}
	id, err := peer.Parse(m.PeerID)
	if err != nil {
		return peer.Nil, network.Position{}, err
	}
	return id, network.Position{X: m.X, Y: m.Y}, nil
}

// SwimEvents implements memberlist.EventDelegate, mirroring membership into the sighting table
type SwimEvents struct {
	nodeID string
	table  *network.SightingTable
}

// NotifyJoin is called when a node joins the cluster
func (e *SwimEvents) NotifyJoin(n *memberlist.Node) {
	if n.Name == e.nodeID {
		return
	}
	log.Printf("[SWIM] Node %s (%s) joined the cluster", n.Name, n.Address())
	e.observe(n)
}

// NotifyLeave is called when a node leaves the cluster or is declared dead
func (e *SwimEvents) NotifyLeave(n *memberlist.Node) {
	log.Printf("[SWIM] Node %s left the cluster", n.Name)
	if id, _, err := DecodeMeta(n.Meta); err == nil {
		e.table.Forget(id)
	}
}

// NotifyUpdate is called when a node's meta changes, e.g. after it moved
func (e *SwimEvents) NotifyUpdate(n *memberlist.Node) {
	if n.Name == e.nodeID {
		return
	}
	e.observe(n)
}

func (e *SwimEvents) observe(n *memberlist.Node) {
	id, pos, err := DecodeMeta(n.Meta)
	if err != nil {
		log.Printf("[SWIM] Ignoring node %s: %v", n.Name, err)
		return
	}
	e.table.Observe(id, pos, "swim")
}

// metaDelegate serves the local node meta; only NodeMeta carries data
type metaDelegate struct {
	self  peer.ID
	table *network.SightingTable
	mutex sync.Mutex
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	meta, err := EncodeMeta(d.self, d.table.Position())
	if err != nil || len(meta) > limit {
		return nil
	}
	return meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// MembershipManager runs the memberlist of a lab node and scans its members
type MembershipManager struct {
	ml     *memberlist.Memberlist
	nodeID string
	self   peer.ID
	table  *network.SightingTable
}

// MembershipConfig configures the membership
type MembershipConfig struct {
	NodeID   string   // unique memberlist name, e.g. "node-1"
	PeerID   peer.ID  // identifier reported to the engine of other nodes
	BindAddr string   // address to bind, e.g. "0.0.0.0"
	BindPort int      // SWIM port (default 7946; 0 picks a free one)
	Seeds    []string // host:port of members to join
	Local    bool     // loopback timings, for tests and single-host labs
}

// NewMembershipManager creates the memberlist and joins the seeds
func NewMembershipManager(config MembershipConfig, table *network.SightingTable) (*MembershipManager, error) {
	cfg := memberlist.DefaultLANConfig()
	if config.Local {
		cfg = memberlist.DefaultLocalConfig()
	}
	cfg.Name = config.NodeID
	cfg.BindAddr = config.BindAddr
	cfg.BindPort = config.BindPort
	cfg.AdvertisePort = config.BindPort
	cfg.LogOutput = log.Writer()

	cfg.Events = &SwimEvents{nodeID: config.NodeID, table: table}
	cfg.Delegate = &metaDelegate{self: config.PeerID, table: table}

	if !config.Local {
		cfg.PushPullInterval = 30 * time.Second
		cfg.ProbeTimeout = time.Second
		cfg.ProbeInterval = 5 * time.Second
	}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}

	manager := &MembershipManager{
		ml:     ml,
		nodeID: config.NodeID,
		self:   config.PeerID,
		table:  table,
	}

	validSeeds := make([]string, 0, len(config.Seeds))
	for _, seed := range config.Seeds {
		if seed != "" && seed != manager.LocalAddr() {
			validSeeds = append(validSeeds, seed)
		}
	}
	if len(validSeeds) > 0 {
		joinCount, err := ml.Join(validSeeds)
		if err != nil {
			log.Printf("[SWIM] Warning: failed to join seeds %v: %v", validSeeds, err)
		} else {
			log.Printf("[SWIM] Joined %d seed nodes", joinCount)
		}
	}

	return manager, nil
}

// LiveMembers returns the live members other than this node
func (m *MembershipManager) LiveMembers() []*memberlist.Node {
	allMembers := m.ml.Members()
	liveMembers := make([]*memberlist.Node, 0, len(allMembers))

	for _, member := range allMembers {
		if member.Name != m.nodeID {
			liveMembers = append(liveMembers, member)
		}
	}
	return liveMembers
}

// Scan refreshes the sighting of every live member and returns the distances in range
func (m *MembershipManager) Scan(ctx context.Context) (map[peer.ID]float64, error) {
	for _, member := range m.LiveMembers() {
		id, pos, err := DecodeMeta(member.Meta)
		if err != nil {
			continue
		}
		m.table.Observe(id, pos, "swim")
	}
	return m.table.Scan(ctx)
}

// Move updates this node's position and gossips the new meta
func (m *MembershipManager) Move(pos network.Position) error {
	m.table.SetPosition(pos)
	if err := m.ml.UpdateNode(5 * time.Second); err != nil {
		return fmt.Errorf("failed to publish position: %w", err)
	}
	return nil
}

// MemberCount returns the number of members including this node
func (m *MembershipManager) MemberCount() int {
	return m.ml.NumMembers()
}

// LocalAddr returns the memberlist address of this node
func (m *MembershipManager) LocalAddr() string {
	return m.ml.LocalNode().Address()
}

// Leave makes this node leave the cluster gracefully
func (m *MembershipManager) Leave() error {
	if err := m.ml.Leave(5 * time.Second); err != nil {
		return fmt.Errorf("failed to leave the cluster: %w", err)
	}
	return nil
}

// Shutdown stops the memberlist
func (m *MembershipManager) Shutdown() error {
	if err := m.ml.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down memberlist: %w", err)
	}
	return nil
}

// GetStats returns memberlist statistics
func (m *MembershipManager) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"node_id":       m.nodeID,
		"peer_id":       m.self.String(),
		"total_members": m.ml.NumMembers(),
		"live_members":  len(m.LiveMembers()),
		"local_addr":    m.LocalAddr(),
	}
}
