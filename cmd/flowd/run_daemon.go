package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowcore/flowcore/placement"
	"github.com/flowcore/flowcore/query"
)

// runDaemon starts a query.Manager and serves its coordinator surface
// (query status, worker status, Prometheus metrics). It holds no
// Backend of its own: registering per-worker backends is the
// responsibility of whatever wires gRPC (or another transport) into
// the worker fleet, a collaborator this package defines the contract
// for (query.Backend) but does not implement.
func runDaemon(args []string) {
	daemonCmd := flag.NewFlagSet("daemon", flag.ExitOnError)
	listenAddr := daemonCmd.String("e", "127.0.0.1:8000", "endpoint to listen on (status/metrics)")
	topologyPath := daemonCmd.String("topology", "", "path to a YAML fleet/topology document (see placement.LoadTopology)")
	if daemonCmd.Parse(args) != nil {
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "", log.Lshortfile)

	var topo *placement.Topology
	if *topologyPath != "" {
		doc, err := os.ReadFile(*topologyPath)
		if err != nil {
			logger.Fatalf("reading topology document: %s", err)
		}
		topo, err = placement.LoadTopology(doc)
		if err != nil {
			logger.Fatalf("loading topology document: %s", err)
		}
		logger.Printf("loaded topology: %d nodes\n", len(topo.Nodes()))
	}

	reg := prometheus.NewRegistry()
	manager := query.NewManager(nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		since := time.Time{}
		ws := manager.WorkerStatus(since)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(ws); err != nil {
			logger.Printf("encoding /status response: %s", err)
		}
	})
	mux.HandleFunc("/topology", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if topo == nil {
			json.NewEncoder(w).Encode(map[string]any{"nodes": 0})
			return
		}
		nodes := topo.Nodes()
		capacities := make(map[string]int, len(nodes))
		for _, n := range nodes {
			capacities[fmt.Sprintf("%d", n)] = topo.Capacity(n)
		}
		json.NewEncoder(w).Encode(map[string]any{"nodes": len(nodes), "capacity": capacities})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpl, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Fatal(err)
	}
	server := &http.Server{Handler: mux}

	go func() {
		logger.Printf("flowd daemon listening on %v\n", httpl.Addr())
		if err := server.Serve(httpl); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	server.Shutdown(ctx)
}
