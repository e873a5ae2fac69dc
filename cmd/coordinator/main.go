// Command coordinator runs the in-process coordination bus as a standalone
// service: it loads the runtime configuration, starts the dead-letter
// archiver, and serves Prometheus metrics plus the status tool over HTTP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coordinator/pkg/audit"
	"coordinator/pkg/bus"
	"coordinator/pkg/config"
	"coordinator/pkg/eventlog"
	"coordinator/pkg/logx"
	"coordinator/pkg/metrics"
	"coordinator/pkg/persistence"
	"coordinator/pkg/status"
)

func main() {
	var configPath string
	var listenAddr string
	var agentList string
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.StringVar(&listenAddr, "listen", ":8080", "HTTP listen address for metrics and status")
	flag.StringVar(&agentList, "agents", "", "Comma-separated agent names to register at startup")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "config/config.json"
	}

	if err := run(configPath, listenAddr, agentList); err != nil {
		logx.Errorf("coordinator failed: %v", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr, agentList string) error {
	logger := logx.NewLogger("coordinator")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	messageBus := bus.NewWithLimits(cfg.BusLimits())
	for _, agent := range strings.Split(agentList, ",") {
		agent = strings.TrimSpace(agent)
		if agent == "" {
			continue
		}
		if err := messageBus.RegisterAgent(agent); err != nil {
			return fmt.Errorf("failed to register agent %s: %w", agent, err)
		}
		logger.Info("registered agent: %s", agent)
	}

	registry := status.NewRegistry()
	if err := registry.Register(status.NewCoordinationStatusTool(messageBus)); err != nil {
		return fmt.Errorf("failed to register status tool: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	archiverDone := make(chan struct{})
	if cfg.Audit.Enabled {
		var writer *eventlog.Writer
		var archive *persistence.Archive
		if cfg.Audit.EventLogDir != "" {
			writer, err = eventlog.NewWriter(cfg.Audit.EventLogDir)
			if err != nil {
				return err
			}
			defer func() { _ = writer.Close() }()
		}
		if cfg.Audit.ArchiveDBPath != "" {
			archive, err = persistence.Open(cfg.Audit.ArchiveDBPath)
			if err != nil {
				return err
			}
			defer func() { _ = archive.Close() }()
		}

		var sink audit.DeadLetterArchiver
		if archive != nil {
			sink = archive
		}
		archiver := audit.NewArchiver(messageBus, writer, sink, cfg.AuditInterval())
		go func() {
			archiver.Run(ctx)
			close(archiverDone)
		}()
	} else {
		close(archiverDone)
	}

	promRegistry := prometheus.NewRegistry()
	if err := promRegistry.Register(metrics.NewBusCollector(messageBus)); err != nil {
		return fmt.Errorf("failed to register bus collector: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", statusHandler(registry))

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		stop()
		<-archiverDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown: %v", err)
	}
	<-archiverDone

	logger.Info("coordinator stopped")
	return nil
}

// statusHandler exposes the status tool over HTTP. Query parameters map
// directly onto the tool arguments.
func statusHandler(registry *status.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tool, err := registry.Get("delegate_coordination_status")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		args := make(map[string]any)
		for key, values := range r.URL.Query() {
			if len(values) == 0 {
				continue
			}
			switch key {
			case "include_messages", "include_dead_letters":
				args[key] = values[0] == "true" || values[0] == "1"
			case "message_limit", "message_offset", "dead_letter_limit",
				"dead_letter_offset", "context_limit", "context_offset":
				var n int
				if _, err := fmt.Sscanf(values[0], "%d", &n); err == nil {
					args[key] = n
				}
			default:
				args[key] = values[0]
			}
		}

		result, err := tool.Exec(r.Context(), args)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			logx.Warnf("failed to encode status response: %v", err)
		}
	}
}
