// Dump-and-hedge — an automated arbitrage bot for Polymarket-style binary
// prediction markets (UP/DOWN tokens settling to 1.0).
//
// Architecture:
//
//	main.go                   — entry point: parses flags, loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go          — composition root: wires feed → round → dump → hedge → statemachine → orderclient
//	feed/feed.go              — WebSocket order book mirror with auto-reconnect, emits PriceSnapshots
//	round/round.go            — round discovery (Gamma API) and lifecycle (started/ending/expired/switched)
//	dump/dump.go              — DumpDetector: watches for a sharp one-sided price drop
//	hedge/hedge.go            — HedgeStrategy: decides when the opposite leg locks in guaranteed profit
//	statemachine/statemachine.go — TradeCycle state machine (WATCHING → LEG1 → LEG2 → terminal)
//	orderclient/              — OrderClient contract plus live (signed HTTP) and dry-run implementations
//	store/store.go            — append-only JSON file persistence for completed cycles
//	metrics/metrics.go        — Prometheus /metrics + /health HTTP server
//
// How it makes money:
//
//	When one side of a binary market (UP or DOWN) suddenly drops in price,
//	the bot buys that side, betting on a bounce. It then watches the
//	opposite side's price: once the two prices sum to sum_target or less,
//	buying the opposite side locks in a profit no matter which side
//	ultimately settles at 1.0, because the combined cost of one share of
//	each side is less than the combined 1.0 payout.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"dumphedge/internal/config"
	"dumphedge/internal/engine"
	"dumphedge/internal/metrics"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	dry := flag.Bool("dry", false, "force dry-run mode regardless of the config file")
	debug := flag.Bool("debug", false, "enable debug-level logging regardless of the config file")
	noAutoDiscover := flag.Bool("no-auto-discover", false, "disable round auto-discovery regardless of the config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		return 1
	}

	if *dry {
		cfg.DryRun = true
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if *noAutoDiscover {
		cfg.Round.AutoDiscover = false
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	logger := newLogger(cfg.Logging)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return 1
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		return 1
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("dump-and-hedge bot started",
		"auto_mode", cfg.AutoMode,
		"dry_run", cfg.DryRun,
		"auto_discover", cfg.Round.AutoDiscover,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("failed to stop metrics server", "error", err)
		}
	}

	eng.Stop()
	return 0
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
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
