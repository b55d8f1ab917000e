package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tandachain/cmd/internal/passphrase"
	"tandachain/crypto"
	"tandachain/observability/logging"
	telemetry "tandachain/observability/otel"
	"tandachain/services/relayer"
)

func main() {
	cfgPath := flag.String("config", "relayer.yaml", "path to relayer configuration")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := relayer.LoadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("tanda-relayer", cfg.Observability.Environment, logging.Options{
		Level: *logLevel,
		File:  cfg.Observability.LogFile,
	})
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relayer exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg relayer.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "tanda-relayer",
		Environment: cfg.Observability.Environment,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Insecure:    cfg.Observability.OTLPInsecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	pass, err := passphrase.NewSource("relayer operator keystore", cfg.Operator.PassphraseEnv).Get()
	if err != nil {
		return err
	}
	operator, err := crypto.LoadAddress(cfg.Operator.Keystore, pass)
	if err != nil {
		return fmt.Errorf("load operator identity: %w", err)
	}

	policyDefs, err := relayer.LoadPolicies(cfg.PoliciesPath)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	enforcer, err := relayer.NewPolicyEnforcer(policyDefs)
	if err != nil {
		return fmt.Errorf("init policies: %w", err)
	}
	store, err := relayer.OpenStore(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	if n, err := store.RequeueInterrupted(ctx); err != nil {
		return err
	} else if n > 0 {
		logger.Warn("requeued interrupted settlements", slog.Int64("count", n))
	}

	processor := relayer.NewProcessor(store, enforcer,
		relayer.WithRail(fiatRail(cfg.Observability.Environment, logger)),
		relayer.WithOperator(operator),
		relayer.WithLogger(logger))
	if cfg.PauseOnStart {
		processor.Pause()
	}
	subscriber, err := relayer.NewSubscriber(cfg.StreamURL, cfg.StreamToken, processor, cfg.RetryInterval.Duration, logger)
	if err != nil {
		return err
	}
	recon, err := relayer.NewReconciler(store, cfg.Recon.OutputDir, logger)
	if err != nil {
		return err
	}

	go func() { _ = subscriber.Run(ctx) }()
	go retryLoop(ctx, processor, cfg.RetryInterval.Duration, logger)
	go recon.RunDaily(ctx, cfg.Recon.Interval.Duration)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           relayer.NewAdminServer(processor, store, cfg.Admin.BearerToken),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		logger.Info("relayer admin listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("operator", operator.String()))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func retryLoop(ctx context.Context, processor *relayer.Processor, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := processor.RetryFailed(ctx)
			if err != nil {
				logger.Error("retry failed settlements", slog.Any("error", err))
				continue
			}
			if n > 0 {
				logger.Info("retried failed settlements", slog.Int("settled", n))
			}
		}
	}
}

// fiatRail returns the rail used to move fiat. Production rails are injected
// by the operator's build; dev networks settle against a log-only sandbox.
func fiatRail(env string, logger *slog.Logger) relayer.FiatRail {
	if env == "dev" {
		return relayer.FuncRail(func(_ context.Context, t relayer.Transfer) (string, error) {
			logger.Info("sandbox fiat transfer",
				slog.String("reference", t.Reference),
				logging.MaskField("participant", crypto.FromRaw(t.Participant).String()),
				slog.String("amount", t.Amount.String()))
			return "sandbox-" + t.Reference[:16], nil
		})
	}
	return relayer.FuncRail(func(context.Context, relayer.Transfer) (string, error) {
		return "", errors.New("fiat rail not configured")
	})
}
