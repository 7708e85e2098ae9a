package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/rs/zerolog"

	"quorumlog/internal/logger"
	"quorumlog/internal/metrics"
	"quorumlog/internal/server"
	"quorumlog/internal/statemachine"
)

var args struct {
	Config   string `arg:"required" help:"path to the YAML configuration file"`
	LogLevel string `arg:"--log-level" help:"override the configured log level (trace|debug|info|warn|error)"`
}

func main() {
	arg.MustParse(&args)

	cfg, err := server.LoadConfig(args.Config)
	if err != nil {
		logger.Log.Fatal().Err(err).Str("path", args.Config).Msg("failed to load configuration")
	}

	levelName := cfg.Logging.Level
	if args.LogLevel != "" {
		levelName = args.LogLevel
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		logger.Log.Fatal().Err(err).Str("level", levelName).Msg("invalid log level")
	}
	logger.SetLevel(level)
	log := logger.For(cfg.Server.ID)

	// Peers are dialed by id through the qlog resolver scheme, so every peer's
	// address must be registered before the transport comes up.
	for _, peer := range cfg.Cluster.Peers {
		server.RegisterResolverPeer(server.ServerID(peer.ID), server.ServerAddress(peer.Addr))
	}

	sm := statemachine.NewKVStateMachine(log)
	collector := metrics.NewMetrics()

	srv, err := server.NewServer(cfg, sm, collector, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize server")
	}

	go func() {
		signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-signalCtx.Done()
		log.Info().Msg("signal received, shutting down")
		srv.Shutdown()
	}()

	log.Info().
		Str("listenAddr", cfg.Server.ListenAddr).
		Str("dataDir", cfg.Server.DataDir).
		Int("peers", len(cfg.Cluster.Peers)).
		Msg("starting server")

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
	log.Info().Msg("server stopped")
}
