package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/Kaplinskiy/zvonilka/internal/config"
	"github.com/Kaplinskiy/zvonilka/internal/httpserver"
	"github.com/Kaplinskiy/zvonilka/internal/metrics"
	"github.com/Kaplinskiy/zvonilka/internal/room"
	"github.com/Kaplinskiy/zvonilka/internal/signaling"
	"github.com/Kaplinskiy/zvonilka/internal/turncred"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting zvonilka-signal",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"ws_idle_timeout", cfg.WSIdleTimeout,
		"ws_ping_interval", cfg.WSPingInterval,
		"max_signaling_message_bytes", cfg.MaxMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxMessagesPerSecond,
		"room_code_length", cfg.RoomCodeLength,
		"ice_buffer_cap", cfg.IceBufferCap,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)

	if cfg.TURNREST.Enabled() && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("TURN credentials are enabled with no origin allowlist; any site can mint relay credentials")
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	m := metrics.New()
	registry := room.NewRegistry(room.Options{
		CodeLength:   cfg.RoomCodeLength,
		IceBufferCap: cfg.IceBufferCap,
		Metrics:      m,
		Logger:       logger,
	})

	var issuer *turncred.Issuer
	if cfg.TURNREST.Enabled() {
		issuer = turncred.NewIssuer(turncred.IssuerConfig{
			SharedSecret: cfg.TURNREST.SharedSecret,
			URLs:         cfg.TURNREST.URLs,
		})
	}

	sig := signaling.NewServer(signaling.Config{
		Registry:       registry,
		TurnIssuer:     issuer,
		TurnTTLSeconds: cfg.TURNREST.TTLSeconds,
		StunURLs:       cfg.StunURLs,
		Metrics:        m,
		Logger:         logger,

		WSIdleTimeout:        cfg.WSIdleTimeout,
		WSPingInterval:       cfg.WSPingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
	})
	sig.RegisterRoutes(srv.Mux(), srv.WithOriginPolicy)

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
