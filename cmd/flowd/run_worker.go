package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowcore/flowcore/catalog"
	"github.com/flowcore/flowcore/ids"
	"github.com/flowcore/flowcore/source/tcpsource"
)

// runWorker starts the per-node state a query.Backend implementation
// would drive: a catalog.SourceCatalog with the built-in plugin types
// registered, and a /metrics surface for the exec.Pipeline counters
// those plugins' pipelines accumulate. The RPC surface that turns
// incoming registerQuery/start/stop/unregister calls into compiled
// exec.Pipeline trees is the gRPC transport this package leaves
// unimplemented (see package catalog's doc comment); this binary
// establishes everything that surface would sit on top of.
func runWorker(args []string) {
	workerCmd := flag.NewFlagSet("worker", flag.ExitOnError)
	workerId := workerCmd.Uint64("w", 1, "this worker's WorkerId")
	listenAddr := workerCmd.String("e", "127.0.0.1:9000", "endpoint to listen on (metrics)")
	if workerCmd.Parse(args) != nil {
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "", log.Lshortfile)
	self := ids.WorkerId(*workerId)

	cat := catalog.NewSourceCatalog(0)
	cat.Plugins.RegisterSourceType("tcp", tcpSourceValidator)

	reg := prometheus.NewRegistry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpl, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Fatal(err)
	}
	server := &http.Server{Handler: mux}
	go func() {
		logger.Printf("flowd worker %d listening on %v\n", self, httpl.Addr())
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

// tcpSourceValidator implements tcpsource's validateAndFormat: it
// requires a non-empty "addr" entry and rejects anything else.
func tcpSourceValidator(config map[string]string) (any, error) {
	addr, ok := config["addr"]
	if !ok || addr == "" {
		return nil, tcpsource.ErrMissingAddr
	}
	return addr, nil
}
