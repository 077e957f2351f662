package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"basketchain/observability/logging"
	telemetry "basketchain/observability/otel"
	"basketchain/services/basketd/app"
	"basketchain/services/basketd/config"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/basketd/config.yaml", "path to basketd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("basketd: load config: %v", err)
	}
	logger := logging.Setup("basketd", cfg.Environment, logging.WithLevel(os.Getenv("BASKETD_LOG_LEVEL")))

	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	insecure := cfg.Telemetry.Insecure
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "basketd",
		Environment: cfg.Environment,
		Endpoint:    endpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		log.Fatalf("basketd: init telemetry: %v", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("basketd: starting",
		"listen", cfg.ListenAddress,
		"custody", cfg.CustodyAccount,
		"ledger", cfg.Ledger.URL,
		"ledger_token", logging.MaskValue(cfg.Ledger.AuthToken),
		"journal", cfg.Journal.Driver,
		"oracle_mode", cfg.Oracle.Mode,
		"native", cfg.NativeSymbol)

	daemon, err := app.New(ctx, cfg, app.Options{Logger: logger})
	if err != nil {
		log.Fatalf("basketd: %v", err)
	}
	defer func() {
		if err := daemon.Close(); err != nil {
			logger.Warn("basketd: shutdown", "error", err)
		}
	}()

	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("basketd: stopped", "error", err)
		return
	}
	logger.Info("basketd: stopped")
}
