package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/heitortanoue/sdeit/pkg/peer"
)

// DefaultBeaconInterval matches the scan period of the reference deployment
const DefaultBeaconInterval = 3 * time.Second

// Beacon is the datagram every node broadcasts to announce itself
type Beacon struct {
	PeerID string  `json:"peer_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	SentAt int64   `json:"sent_at"`
}

// BeaconServer sends and receives proximity beacons over UDP, feeding a SightingTable
type BeaconServer struct {
	self     peer.ID
	port     int
	table    *SightingTable
	targets  []string // host:port to beacon to, e.g. a broadcast address
	interval time.Duration
	conn     *net.UDPConn

	// Execution control
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mutex   sync.RWMutex

	// Metrics
	sentCount     int64
	receivedCount int64
	droppedCount  int64
}

// NewBeaconServer creates a beacon server on port (0 picks a free one)
func NewBeaconServer(self peer.ID, port int, table *SightingTable, targets []string, interval time.Duration) *BeaconServer {
	if interval <= 0 {
		interval = DefaultBeaconInterval
	}
	return &BeaconServer{
		self:     self,
		port:     port,
		table:    table,
		targets:  targets,
		interval: interval,
	}
}

// Start opens the socket and launches the receive and beacon loops
func (s *BeaconServer) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to resolve beacon address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for beacons: %w", err)
	}

	s.conn = conn
	s.port = conn.LocalAddr().(*net.UDPAddr).Port
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(2)
	go s.handleIncomingPackets(conn)
	go s.beaconLoop(s.stopCh)

	log.Printf("[BEACON] Listening on port %d, beaconing to %v every %s", s.port, s.targets, s.interval)
	return nil
}

// Stop closes the socket and waits for the loops to exit
func (s *BeaconServer) Stop() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	err := s.conn.Close()
	s.mutex.Unlock()

	s.wg.Wait()
	return err
}

// Port returns the bound UDP port
func (s *BeaconServer) Port() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.port
}

func (s *BeaconServer) isRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

func (s *BeaconServer) handleIncomingPackets(conn *net.UDPConn) {
	defer s.wg.Done()
	buffer := make([]byte, 1024)

	for {
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if !s.isRunning() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[BEACON] Error reading packet: %v", err)
			continue
		}

		if err := s.processPacket(buffer[:n]); err != nil {
			s.mutex.Lock()
			s.droppedCount++
			s.mutex.Unlock()
			log.Printf("[BEACON] Dropped packet from %s: %v", addr.IP, err)
		}
	}
}

// processPacket decodes a beacon and records the sighting
func (s *BeaconServer) processPacket(data []byte) error {
	var b Beacon
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("failed to decode beacon: %w", err)
	}
	id, err := peer.Parse(b.PeerID)
	if err != nil {
		return err
	}
	if id == s.self {
		return nil
	}
	if !s.table.Observe(id, Position{X: b.X, Y: b.Y}, "beacon") {
		return fmt.Errorf("beacon from %s rejected", id)
	}

	s.mutex.Lock()
	s.receivedCount++
	s.mutex.Unlock()
	return nil
}

func (s *BeaconServer) beaconLoop(stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SendBeacon(); err != nil {
				log.Printf("[BEACON] Error sending beacon: %v", err)
			}
		case <-stop:
			return
		}
	}
}

// SendBeacon announces this node's position to every target
func (s *BeaconServer) SendBeacon() error {
	s.mutex.RLock()
	conn := s.conn
	s.mutex.RUnlock()
	if conn == nil {
		return fmt.Errorf("beacon server not started")
	}

	pos := s.table.Position()
	data, err := json.Marshal(Beacon{
		PeerID: s.self.String(),
		X:      pos.X,
		Y:      pos.Y,
		SentAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode beacon: %w", err)
	}

	var errs []error
	sent := 0
	for _, target := range s.targets {
		addr, err := net.ResolveUDPAddr("udp", target)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := conn.WriteToUDP(data, addr); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}

	s.mutex.Lock()
	s.sentCount += int64(sent)
	s.mutex.Unlock()
	return errors.Join(errs...)
}

// GetStats returns beacon server statistics
func (s *BeaconServer) GetStats() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return map[string]interface{}{
		"udp_port":       s.port,
		"running":        s.running,
		"targets":        len(s.targets),
		"sent_count":     s.sentCount,
		"received_count": s.receivedCount,
		"dropped_count":  s.droppedCount,
	}
}
