package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basilproxy/fwdproxy/internal/acceptor"
	"github.com/basilproxy/fwdproxy/internal/cache"
	"github.com/basilproxy/fwdproxy/internal/config"
	ioutilx "github.com/basilproxy/fwdproxy/internal/ioutil"
	"github.com/basilproxy/fwdproxy/internal/logging"
	"github.com/basilproxy/fwdproxy/internal/metrics"
	"github.com/basilproxy/fwdproxy/internal/tracing"
	"github.com/basilproxy/fwdproxy/internal/upstream"
	"github.com/basilproxy/fwdproxy/internal/worker"
)

// main wires up the forward proxy's collaborators and runs the accept
// loop until the process is killed. There is no graceful shutdown path:
// the proxy holds no state worth draining on exit, and connection
// pooling / keep-alive toward either side are explicit non-goals.
func main() {
	// The only CLI input this proxy accepts is a single optional
	// positional port argument; everything else is environment-driven
	// (internal/config).
	if len(os.Args) > 1 {
		port, err := strconv.Atoi(os.Args[1])
		if err != nil {
			log.Fatalf("invalid port argument %q: %v", os.Args[1], err)
		}
		config.SetPort(port)
	}
	cfg := config.GetInstance()

	ioutilx.IgnoreBrokenPipe()

	logger := logging.NewLogger(cfg.Tracing.ServiceName)
	ctx := context.Background()

	shutdownTracing, err := tracing.InitTracing(cfg.Tracing)
	if err != nil {
		log.Fatalf("failed to initialise tracing: %v", err)
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()

	respCache := cache.New(cfg.Cache.CapacityBytes)
	respCache.Register(reg)

	m := metrics.New()
	m.Register(reg)

	if cfg.Metrics.ListenAddr != "" {
		go serveMetrics(logger, cfg.Metrics.ListenAddr, reg)
	}

	connector := upstream.NewConnector()
	w := worker.New(respCache, connector, logger, m, cfg.Server.MaxHeaderBytes)
	gate := acceptor.NewGate(cfg.Server.MaxClients)
	acc := acceptor.New(gate, w, logger, m)

	ln, err := acceptor.Listen(cfg.Server.Port)
	if err != nil {
		logger.Fatal(ctx, "failed to bind listener", err)
	}
	defer ln.Close()

	logger.Info(ctx, "forward proxy listening", slog.Int("port", cfg.Server.Port))

	if err := acc.Run(ctx, ln); err != nil {
		logger.Fatal(ctx, "accept loop exited", err)
	}
}

// serveMetrics exposes the Prometheus registry on its own listener,
// separate from the forward-proxy socket — the proxy core never speaks
// HTTP itself, so this observability surface is deliberately a second
// process-wide listener rather than a path on the main one.
func serveMetrics(logger *logging.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error(context.Background(), "metrics listener exited", err)
	}
}
