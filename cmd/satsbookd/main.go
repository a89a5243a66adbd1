// Satsbook — a prediction-market exchange for binary YES/NO outcomes,
// denominated in Bitcoin satoshis.
//
// Architecture:
//
//	main.go              — entry point: loads config, opens the store, starts everything, waits for SIGINT/SIGTERM
//	engine/              — exchange core: order pipeline, offset settlement, resolution, funds ledger
//	book/                — in-memory depth mirror per market, rebuilt from the store at boot
//	bot/                 — the house maker: quotes buy curves, pulls back as exposure climbs
//	risk/                — pure tier/pullback/target arithmetic shared by engine and maker
//	lightning/           — LND REST client plus the deposit poller and withdrawal dispatcher
//	api/                 — HTTP/WebSocket surface: JSON handlers, event stream, Prometheus metrics
//	store/               — SQLite persistence; every money move is one serializable transaction
//
// How money stays honest:
//
//	Every order reserves its full cost up front, every fill writes a bet
//	pair inside the same transaction, and resolution pays face value from
//	the loser's reservation. The ledger audit (total balances, resting
//	reserves, pending face) is exposed on /api/stats, so drift anywhere
//	shows up as a number that stopped adding up.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"satsbook/internal/api"
	"satsbook/internal/book"
	"satsbook/internal/bot"
	"satsbook/internal/config"
	"satsbook/internal/engine"
	"satsbook/internal/lightning"
	"satsbook/internal/metrics"
	"satsbook/internal/store"
)

func main() {
	cfgPath := "configs/satsbook.yaml"
	if p := os.Getenv("SATSBOOK_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store.Path, 1, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", cfg.Store.Path)
		os.Exit(2)
	}
	defer st.Close()

	mets := metrics.New(prometheus.NewRegistry())
	mets.RegisterStoreRetries(st.TxRetries)

	eng := engine.New(*cfg, st, book.NewSet(), mets, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Rebuild(ctx); err != nil {
		logger.Error("failed to rebuild book mirror", "error", err)
		os.Exit(2)
	}

	// First boot creates the admin and the house maker; afterwards these
	// are no-ops and the store rows are the truth.
	admin, err := st.EnsureUser(ctx, cfg.Exchange.AdminUsername, true, false)
	if err != nil {
		logger.Error("failed to ensure admin user", "error", err)
		os.Exit(2)
	}

	mm := bot.New(*cfg, st, eng, mets, logger)
	maker, err := mm.Seed(ctx)
	if err != nil {
		logger.Error("failed to seed house maker", "error", err)
		os.Exit(2)
	}
	go mm.Run(ctx)

	if cfg.Lightning.Enabled {
		client := lightning.NewClient(cfg.Lightning, logger)
		workers := lightning.NewWorkers(cfg.Lightning, client, st, eng, logger)
		go workers.Run(ctx)
		if cfg.Lightning.DryRun {
			logger.Warn("DRY-RUN MODE — lightning payments are faked")
		}
	} else {
		logger.Info("lightning disabled, deposits and withdrawals are admin-driven")
	}

	apiServer := api.NewServer(cfg.Server, eng, mm, mets, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("satsbook started",
		"url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		"admin", admin.Username,
		"maker", maker.Username,
		"lightning", cfg.Lightning.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	cancel()
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
