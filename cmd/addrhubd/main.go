// Command addrhubd runs the blockchain address-activity notification hub:
// N independent worker hubs, a client-facing websocket listener, the
// Alchemy webhook receiver, and a Prometheus metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgeapp/addrhub/internal/adapter/webhook"
	"github.com/edgeapp/addrhub/internal/config"
	"github.com/edgeapp/addrhub/internal/hub"
	"github.com/edgeapp/addrhub/internal/log"
	"github.com/edgeapp/addrhub/internal/metrics"
	"github.com/edgeapp/addrhub/internal/session"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning a process exit code: 0 on clean
// shutdown, 1 on a fatal initialization error.
func run(args []string) int {
	fs := flag.NewFlagSet("addrhubd", flag.ContinueOnError)
	configPath := fs.String("config", "addrhub.json", "path to the JSON configuration file")
	logLevel := fs.String("loglevel", "info", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := log.New(parseLevel(*logLevel))
	log.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "err", err)
		return 1
	}

	reg := metrics.NewRegistry()
	deps := newSharedDeps(cfg, reg)

	workers := make([]*hub.Hub, cfg.InstanceCount)
	wsHandlers := make([]http.Handler, cfg.InstanceCount)
	var webhookAdapters map[string]*webhook.Adapter

	for i := 0; i < cfg.InstanceCount; i++ {
		h := hub.New(deps.hubMetrics, logger)
		workerLog := logger.WithWorker(i)

		builds := make(map[string]*webhook.Adapter)
		for _, pc := range cfg.Plugins {
			pb, err := buildPlugin(pc, cfg, deps, workerLog)
			if err != nil {
				logger.Error("failed to build plugin", "plugin", pc.PluginID, "worker", i, "err", err)
				return 1
			}
			h.RegisterPlugin(pb.plugin, pb.adapter)
			if pb.webhookAdapter != nil {
				builds[pc.PluginID] = pb.webhookAdapter
			}
		}

		workers[i] = h
		wsHandlers[i] = session.NewHandler(h, workerLog)
		if i == 0 {
			// Every worker constructs its own webhook adapter instance for
			// IPC-relay symmetry, but only one process-wide HTTP listener
			// exists in this port, so worker 0's instances receive inbound
			// deliveries; the broadcaster relays to every sibling.
			webhookAdapters = builds
		}
	}

	ready := &readinessHandler{}
	ready.ready.Store(true)

	mux := http.NewServeMux()
	mux.Handle("/webhook/", webhook.NewRouter(webhookAdapters))
	mux.Handle("/healthz", ready)
	mux.Handle("/", newRoundRobin(wsHandlers))

	mainSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort), Handler: mux}
	metricsSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort), Handler: metrics.NewExporter(reg).Handler()}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("client listener starting", "addr", mainSrv.Addr)
		if err := mainSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("client listener: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics listener starting", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics listener: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("listener failed, shutting down", "err", err)
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mainSrv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)

	for i, h := range workers {
		logger.Info("destroying worker", "worker", i)
		h.Destroy()
	}

	logger.Info("shutdown complete")
	return exitCode
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
