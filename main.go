package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/heitortanoue/sdeit/internal/config"
	"github.com/heitortanoue/sdeit/internal/telemetry"
	"github.com/heitortanoue/sdeit/logging"
	"github.com/heitortanoue/sdeit/pkg/alert"
	"github.com/heitortanoue/sdeit/pkg/engine"
	"github.com/heitortanoue/sdeit/pkg/gossip"
	"github.com/heitortanoue/sdeit/pkg/network"
	"github.com/heitortanoue/sdeit/pkg/peer"
	"github.com/heitortanoue/sdeit/pkg/scan"
	"github.com/heitortanoue/sdeit/pkg/schedule"
	"github.com/heitortanoue/sdeit/pkg/state"
	"github.com/heitortanoue/sdeit/swim"
)

const snapshotInterval = time.Minute

var startTime = time.Now() // For uptime calculation

func main() {
	// Command line flags
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		nodeID     = flag.String("id", "", "Unique ID of this node")
		ownPeer    = flag.String("peer", "", "Own peer UUID, as broadcast to other nodes")
		authority  = flag.String("authority-key", "", "Authority public key, <alg>:<base64>")
		scanner    = flag.String("scanner", "", "Proximity source: simulator, beacon or swim")
		httpPort   = flag.Int("http-port", 0, "HTTP port for status and pushed deltas")
		deltaURL   = flag.String("delta-url", "", "Authority base URL polled for deltas")
		natsURL    = flag.String("nats-url", "", "NATS server carrying delta batches")
		snapshot   = flag.String("snapshot", "", "Snapshot file path")
		relayPeers = flag.String("relay", "", "Comma-separated base URLs of nodes to relay deltas to")
		seeds      = flag.String("seeds", "", "Comma-separated beacon targets or SWIM seeds")
		showUsage  = flag.Bool("help", false, "Show usage help")
	)
	flag.Parse()

	if *showUsage {
		printUsage()
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Error loading configuration: %v", err)
		}
		cfg = loaded
	}

	// Flags override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			cfg.NodeID = *nodeID
		case "peer":
			cfg.OwnPeerID = *ownPeer
		case "authority-key":
			cfg.AuthorityKey = *authority
		case "scanner":
			cfg.Scanner = *scanner
		case "http-port":
			cfg.HTTPPort = *httpPort
		case "delta-url":
			cfg.DeltaURL = *deltaURL
		case "nats-url":
			cfg.NATSURL = *natsURL
		case "snapshot":
			cfg.SnapshotPath = *snapshot
		case "relay":
			cfg.RelayPeers = splitList(*relayPeers)
		case "seeds":
			list := splitList(*seeds)
			cfg.BeaconTargets = list
			cfg.SwimSeeds = list
		}
	})

	if err := cfg.Validate(); err != nil {
		if config.IsConfigurationError(err) {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(2)
		}
		log.Fatalf("Error validating configuration: %v", err)
	}
	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		log.Fatalf("Error building engine configuration: %v", err)
	}

	// Engine
	metrics := telemetry.New()
	logger := logging.NewNodeLogger(cfg.NodeID)
	eng, err := engine.New(engineCfg,
		engine.WithLogger(logger),
		engine.WithDisplay(alert.LogDisplay{NodeID: cfg.NodeID}),
		engine.WithMeter(metrics.Meter("github.com/heitortanoue/sdeit")),
	)
	if err != nil {
		log.Fatalf("Error creating engine: %v", err)
	}

	// Persistence
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Error opening snapshot store: %v", err)
	}
	if store != nil {
		restoreSnapshot(eng, store)
	}

	// Proximity
	prox, err := buildProximity(cfg, engineCfg.OwnPeer)
	if err != nil {
		log.Fatalf("Error starting %s scanner: %v", cfg.Scanner, err)
	}

	// Authority deltas
	source, closeSources, err := buildSource(cfg)
	if err != nil {
		log.Fatalf("Error connecting delta sources: %v", err)
	}

	runner := schedule.NewRunner(cfg.NodeID, eng, prox.scanner, source, schedule.Intervals{
		Scan:    cfg.ScanInterval,
		Cleanup: cfg.CleanupInterval,
		Fetch:   cfg.FetchInterval,
	}, engineCfg.Exposure.Location)

	server := network.NewStatusServer(cfg.NodeID, cfg.HTTPPort, eng)
	server.AddStats("runner", runner.GetStats)
	server.AddStats("metrics", metrics.Stats)
	server.AddStats("uptime", func() map[string]interface{} {
		return map[string]interface{}{"seconds": time.Since(startTime).Seconds()}
	})
	for name, provider := range prox.stats {
		server.AddStats(name, provider)
	}

	var relay *gossip.Relay
	if len(cfg.RelayPeers) > 0 {
		relay = gossip.NewRelay(cfg.NodeID, cfg.RelayFanout, cfg.RelayTTL,
			gossip.StaticPeers(cfg.RelayPeers), gossip.NewHTTPSender(cfg.NodeID, 5*time.Second))
		server.SetRelay(relay)
		runner.SetPublisher(relay)
		server.AddStats("relay", relay.GetStats)
	}
	if prox.move != nil {
		server.HandleFunc("/position", createPositionHandler(prox.move))
	}

	stopSnapshots := make(chan struct{})
	if store != nil {
		go snapshotLoop(eng, store, logger, stopSnapshots)
	}

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutdown signal received, stopping...")

		fmt.Println("Stopping scheduler...")
		runner.Stop()

		if relay != nil {
			fmt.Println("Stopping relay...")
			relay.Stop()
		}

		fmt.Println("Stopping proximity scanner...")
		prox.stop()

		fmt.Println("Closing delta sources...")
		closeSources()

		if store != nil {
			close(stopSnapshots)
			fmt.Println("Saving snapshot...")
			saveSnapshot(eng, store, logger)
			if err := store.Close(); err != nil {
				fmt.Printf("Error closing snapshot store: %v\n", err)
			}
		}

		fmt.Println("Stopping HTTP server...")
		if err := server.Stop(); err != nil {
			fmt.Printf("Error stopping HTTP: %v\n", err)
		}

		if err := metrics.Shutdown(context.Background()); err != nil {
			fmt.Printf("Error stopping metrics: %v\n", err)
		}
		os.Exit(0)
	}()

	// Startup info
	fmt.Printf("=== Node %s ===\n", cfg.NodeID)
	fmt.Printf("Peer: %s\n", engineCfg.OwnPeer)
	fmt.Printf("Authority: %s, digest %s\n", engineCfg.AuthorityKey.Alg, engineCfg.DigestAlg)
	fmt.Printf("HTTP (status): http://%s:%d\n", cfg.BindAddr, cfg.HTTPPort)
	fmt.Printf("Scanner: %s every %v\n", cfg.Scanner, cfg.ScanInterval)
	fmt.Printf("Deltas: url=%q nats=%q every %v\n", cfg.DeltaURL, cfg.NATSURL, cfg.FetchInterval)
	fmt.Printf("Relay: %d peers, fanout=%d, ttl=%d\n", len(cfg.RelayPeers), cfg.RelayFanout, cfg.RelayTTL)
	fmt.Printf("Threshold: %.3f, initial allowance %.3f\n", engineCfg.TestThreshold, engineCfg.InitialDailyAllowance)
	fmt.Printf("Starting...\n\n")

	if relay != nil {
		relay.Start()
	}
	runner.Start()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Error starting HTTP server: %v", err)
	}
	select {} // the signal goroutine exits the process
}

// proximity is the running scanner with its lifecycle hooks
type proximity struct {
	scanner schedule.Scanner
	stats   map[string]network.StatsProvider
	move    func(network.Position) error
	stop    func()
}

func buildProximity(cfg *config.NodeConfig, self peer.ID) (*proximity, error) {
	pos := network.Position{X: cfg.Position.X, Y: cfg.Position.Y}

	switch cfg.Scanner {
	case config.ScannerBeacon:
		table := network.NewSightingTable(self, pos, cfg.SightingTimeout, cfg.MaxRange)
		beacon := network.NewBeaconServer(self, cfg.BeaconPort, table, cfg.BeaconTargets, cfg.BeaconInterval)
		if err := beacon.Start(); err != nil {
			return nil, err
		}
		return &proximity{
			scanner: table,
			stats: map[string]network.StatsProvider{
				"sightings": table.GetStats,
				"beacon":    beacon.GetStats,
			},
			move: func(p network.Position) error {
				table.SetPosition(p)
				return nil
			},
			stop: func() {
				if err := beacon.Stop(); err != nil {
					fmt.Printf("Error stopping beacon: %v\n", err)
				}
			},
		}, nil

	case config.ScannerSWIM:
		table := network.NewSightingTable(self, pos, cfg.SightingTimeout, cfg.MaxRange)
		members, err := swim.NewMembershipManager(swim.MembershipConfig{
			NodeID:   cfg.NodeID,
			PeerID:   self,
			BindAddr: cfg.BindAddr,
			BindPort: cfg.SwimPort,
			Seeds:    cfg.SwimSeeds,
		}, table)
		if err != nil {
			return nil, err
		}
		return &proximity{
			scanner: members,
			stats: map[string]network.StatsProvider{
				"sightings":  table.GetStats,
				"membership": members.GetStats,
			},
			move: members.Move,
			stop: func() {
				if err := members.Leave(); err != nil {
					fmt.Printf("Error leaving cluster: %v\n", err)
				}
				if err := members.Shutdown(); err != nil {
					fmt.Printf("Error stopping memberlist: %v\n", err)
				}
			},
		}, nil

	default:
		simCfg := scan.DefaultSimulatorConfig()
		simCfg.Seed = cfg.SimulatorSeed
		simCfg.Peers = cfg.SimulatorPeers
		if cfg.MaxRange > 0 {
			simCfg.MaxRange = cfg.MaxRange
		}
		sim := scan.NewSimulator(simCfg)
		return &proximity{
			scanner: sim,
			stats:   map[string]network.StatsProvider{"simulator": sim.GetStats},
			stop:    func() {},
		}, nil
	}
}

// buildSource combines the configured delta transports. Both may be empty,
// in which case deltas only arrive through POST /delta.
func buildSource(cfg *config.NodeConfig) (schedule.DeltaSource, func(), error) {
	var sources schedule.FanIn
	var closers []func()

	if cfg.DeltaURL != "" {
		sources = append(sources, network.NewHTTPDeltaSource(cfg.DeltaURL, cfg.NodeID, cfg.DeltaTimeout))
	}
	if cfg.NATSURL != "" {
		nats, err := network.DialNATSDeltaSource(network.NATSConfig{
			URL:            cfg.NATSURL,
			Subject:        cfg.NATSSubject,
			Name:           "sdeit-" + cfg.NodeID,
			ReconnectWait:  2 * time.Second,
			MaxReconnects:  -1,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, nats)
		closers = append(closers, func() { _ = nats.Close() })
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	switch len(sources) {
	case 0:
		return nil, closeAll, nil
	case 1:
		return sources[0], closeAll, nil
	default:
		return sources, closeAll, nil
	}
}

func openStore(cfg *config.NodeConfig) (state.Store, error) {
	if cfg.SnapshotPath == "" {
		return nil, nil
	}
	if cfg.SnapshotDriver == config.SnapshotSQLite {
		return state.OpenSQLiteStore(cfg.SnapshotPath)
	}
	return state.NewFileStore(cfg.SnapshotPath), nil
}

func restoreSnapshot(eng *engine.Engine, store state.Store) {
	snap, err := store.Load(context.Background())
	if errors.Is(err, state.ErrNoSnapshot) {
		log.Printf("[MAIN] No snapshot found, starting fresh")
		return
	}
	if err != nil {
		log.Fatalf("Error loading snapshot: %v", err)
	}
	if err := eng.Restore(snap); err != nil {
		log.Fatalf("Error restoring snapshot: %v", err)
	}
	log.Printf("[MAIN] Restored snapshot saved at %s (%d contacts, %d known risks)",
		snap.SavedAt.Format(time.RFC3339), len(snap.Contacts), len(snap.KnownRisks))
}

func saveSnapshot(eng *engine.Engine, store state.Store, logger *logging.NodeLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	snap := eng.Snapshot(start)
	if err := store.Save(ctx, snap); err != nil {
		logger.LogError("snapshot_save", err)
		return err
	}
	logger.LogMetrics("snapshot_save", time.Since(start), len(snap.Contacts))
	return nil
}

func snapshotLoop(eng *engine.Engine, store state.Store, logger *logging.NodeLogger, stop <-chan struct{}) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			saveSnapshot(eng, store, logger)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// printUsage shows available options and endpoints
func printUsage() {
	fmt.Fprintf(os.Stderr, `
=== SDEIT Exposure Node ===

USAGE:
  %s [options]

EXAMPLES:
  %s -config=node.yaml
  %s -id=node-1 -peer=<uuid> -authority-key=ed25519:<base64>
  %s -id=node-2 -scanner=beacon -seeds=10.0.0.3:7000,10.0.0.4:7000
  %s -id=node-3 -scanner=swim -seeds=10.0.0.2:7946 -nats-url=nats://10.0.0.1:4222

OPTIONS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])

	flag.PrintDefaults()

	fmt.Fprintf(os.Stderr, `
ENDPOINTS (HTTP):
  GET  /health     - Liveness
  GET  /state      - Status, contacts and known risks
  GET  /alert      - Alert state and diode
  GET  /stats      - Node statistics and metrics
  POST /delta      - Push a signed delta batch {"deltas": [...]}
  POST /position   - Update node position {x: float, y: float} (beacon and swim)
`)
}

// createPositionHandler handles POST /position
func createPositionHandler(move func(network.Position) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var position network.Position
		if err := json.NewDecoder(r.Body).Decode(&position); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}

		if err := move(position); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		response := map[string]interface{}{
			"message": "Position updated successfully",
			"x":       position.X,
			"y":       position.Y,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}
