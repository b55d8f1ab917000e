package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tandachain/config"
	"tandachain/core/events"
	"tandachain/core/state"
	"tandachain/crypto"
	"tandachain/native/tanda"
	"tandachain/observability"
	"tandachain/observability/logging"
	telemetry "tandachain/observability/otel"
	"tandachain/rpc"
	"tandachain/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("tandad", cfg.Observability.Environment, logging.Options{
		Level: *logLevel,
		File:  cfg.Observability.LogFile,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tandad exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "tandad",
		Environment: cfg.Observability.Environment,
		Network:     cfg.NetworkName,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Insecure:    cfg.Observability.OTLPInsecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	identity, err := crypto.LoadAddress(cfg.NodeKeystorePath, "")
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}
	logger.Info("node identity loaded", slog.String("address", identity.String()), slog.String("network", cfg.NetworkName))

	fresh := freshDataDir(cfg.DataDir)
	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	hub := rpc.NewHub(logger)
	engine := tanda.NewEngine()
	engine.SetState(state.NewManager(db))
	engine.SetLogger(logger)
	engine.SetMetrics(observability.Tanda())
	engine.SetEmitter(events.Fanout{observability.EventCounter{}, hub})

	if fresh {
		allocs, err := cfg.GenesisAllocations()
		if err != nil {
			return err
		}
		if err := applyGenesis(engine, allocs); err != nil {
			return fmt.Errorf("apply genesis: %w", err)
		}
		logger.Info("genesis allocations applied", slog.Int("count", len(allocs)))
	}

	server, err := rpc.NewServer(engine, hub, rpc.ServerConfig{
		ReadHeaderTimeout: seconds(cfg.RPC.ReadHeaderTimeout),
		ReadTimeout:       seconds(cfg.RPC.ReadTimeout),
		WriteTimeout:      seconds(cfg.RPC.WriteTimeout),
		IdleTimeout:       seconds(cfg.RPC.IdleTimeout),
		EnableFaucet:      cfg.RPC.EnableFaucet,
		MetricsPath:       cfg.Observability.MetricsPath,
		Auth: rpc.AuthConfig{
			Enabled:   cfg.Auth.Enabled,
			Secret:    []byte(cfg.JWTSecret()),
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			ClockSkew: seconds(cfg.Auth.ClockSkew),
		},
		RateLimit: rpc.RateLimit{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
	}, logger)
	if err != nil {
		return err
	}
	if !cfg.Auth.Enabled {
		logger.Warn("rpc auth disabled; callers identify themselves with the " + rpc.CallerHeader + " header")
	}
	return server.Start(ctx, cfg.RPCAddress)
}

func freshDataDir(path string) bool {
	_, err := os.Stat(path)
	return errors.Is(err, os.ErrNotExist)
}

func applyGenesis(engine *tanda.Engine, allocs []config.GenesisAllocation) error {
	for _, alloc := range allocs {
		if alloc.Amount.Sign() == 0 {
			continue
		}
		if err := engine.Faucet(alloc.Address, alloc.Amount); err != nil {
			return fmt.Errorf("credit %s: %w", crypto.FromRaw(alloc.Address), err)
		}
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
