package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime/debug"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/turnrest"
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

	logger.Info("starting aero-webrtc-signal-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"room_join_policy", cfg.RoomJoinPolicy,
		"missing_target_policy", cfg.MissingTargetPolicy,
		"stats_broadcast", cfg.StatsBroadcast,
		"max_connections", cfg.MaxConnections,
		"static_dir", cfg.StaticDir,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration; /webrtc/ice and /readyz will report it", "err", err)
	}
	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	hub, err := signaling.NewHub(signaling.HubConfig{
		JoinPolicy:     cfg.RoomJoinPolicy,
		MissingTarget:  cfg.MissingTargetPolicy,
		RoomCodeLength: cfg.RoomCodeLength,
		StatsBroadcast: cfg.StatsBroadcast,
		StatsInterval:  cfg.StatsInterval,
		Metrics:        m,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to configure signaling hub", "err", err)
		os.Exit(2)
	}

	sig := signaling.NewServer(signaling.Config{
		Hub:     hub,
		Metrics: m,
		Logger:  logger,

		MaxConnections:                cfg.MaxConnections,
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		MaxRelaysPerTargetPerSecond:   cfg.MaxRelaysPerTargetPerSecond,
		OutboundQueueBytes:            cfg.OutboundQueueBytes,
	})

	turn, err := newTURNGenerator(cfg)
	if err != nil {
		logger.Error("failed to configure TURN REST credentials", "err", err)
		os.Exit(2)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, httpserver.Deps{
		Hub:       hub,
		Signaling: sig,
		Metrics:   m,
		TURN:      turn,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	statsCtx, stopStats := context.WithCancel(context.Background())
	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		hub.Run(statsCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				logger.Info("shutdown signal received")
				return srv.Shutdown(ctx)
			},
			"signaling": func(ctx context.Context) error {
				// Hijacked WebSockets are invisible to http.Server.Shutdown.
				sig.Close()
				return nil
			},
			"stats": func(ctx context.Context) error {
				stopStats()
				select {
				case <-statsDone:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	)

	select {
	case err := <-errCh:
		sig.Close()
		stopStats()
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
	case code := <-wait:
		logger.Info("shutdown complete", "exit_code", code)
		os.Exit(code)
	}
}

func newTURNGenerator(cfg config.Config) (*turnrest.Generator, error) {
	if !cfg.TURNREST.Enabled() {
		return nil, nil
	}
	return turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret:   cfg.TURNREST.SharedSecret,
		TTLSeconds:     cfg.TURNREST.TTLSeconds,
		UsernamePrefix: cfg.TURNREST.UsernamePrefix,
	})
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info, which
	// `go run` and dev builds still carry.
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
