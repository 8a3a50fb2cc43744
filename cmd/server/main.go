package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mnohosten/driftkv/internal/coordinator"
	"github.com/mnohosten/driftkv/internal/lsm"
	"github.com/mnohosten/driftkv/internal/metrics"
	"github.com/mnohosten/driftkv/internal/server"
	"github.com/mnohosten/driftkv/internal/topology"
)

func main() {
	host := flag.String("host", "0.0.0.0", "Server host address")
	port := flag.Int("port", 8080, "Server port")
	dataDir := flag.String("data-dir", "./data", "Data directory for SSTables and in-flight flush output")
	flushThreshold := flag.Int64("flush-threshold-bytes", 4*1024*1024, "Memtable size in bytes that triggers a flush")
	flushWorkers := flag.Int("flush-workers", 2, "Size of the background flush worker pool")
	topologyFile := flag.String("topology", "", "Path to the cluster topology YAML file")
	nodeID := flag.String("node-id", "", "This node's id, must match an entry in the topology file")
	flag.Parse()

	if *topologyFile == "" || *nodeID == "" {
		fmt.Fprintln(os.Stderr, "❌ -topology and -node-id are both required")
		os.Exit(1)
	}

	cluster, err := topology.Load(*topologyFile, *nodeID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ failed to load topology: %v\n", err)
		os.Exit(1)
	}

	reg := metrics.DefaultRegistry()

	engineConfig := lsm.DefaultConfig(*dataDir)
	engineConfig.FlushThreshold = *flushThreshold
	engineConfig.FlushWorkers = *flushWorkers
	engineConfig.Metrics = reg

	engine, err := lsm.Open(engineConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ failed to open storage engine: %v\n", err)
		os.Exit(1)
	}

	coord := coordinator.New(engine, cluster, reg)

	config := server.DefaultConfig()
	config.Host = *host
	config.Port = *port

	fmt.Printf("📁 data directory: %s\n", *dataDir)
	fmt.Printf("🧭 node %q, %d peer(s)\n", *nodeID, len(cluster.Peers()))

	srv := server.New(config, engine, coord, reg)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ server error: %v\n", err)
		os.Exit(1)
	}
}
