package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/api"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/api/handlers"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/browser"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/config"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/logger"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/metrics"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/notify"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/portal"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/quickbase"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/relay"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/runner"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/session"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/syncer"
)

func main() {
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}

	ctx := context.Background()

	store, err := newSessionStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session store")
	}

	codes := relay.New(cfg.CodeGrace, log)
	reader := portal.NewClient(log)
	driver := browser.NewDriver(cfg.Headless, log)

	sessions := session.NewManager(driver, store, codes, reader,
		cfg.PortalUsername, cfg.PortalPassword, cfg.CodeWait, log)

	engine := syncer.NewEngine(
		quickbase.NewClient(cfg.QuickbaseRealm, cfg.QuickbaseToken, log),
		syncer.Tables{
			Accounts:     cfg.AccountsTableID,
			Transactions: cfg.TransactionsTableID,
			Balances:     cfg.BalancesTableID,
		},
		log,
	)

	var notifier notify.Notifier = notify.Noop{}
	if cfg.AlertsConfigured() {
		notifier = notify.NewTwilioNotifier(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom, cfg.AlertTo, log)
	} else {
		log.Warn().Msg("Alerts not configured - failures will only be logged")
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.NewCollector(registry)

	runs := runner.New(sessions, reader, engine, recorder, notifier, log)

	router := api.NewRouter(api.Deps{
		Sync:     handlers.NewSyncHandler(runs, log),
		Relay:    handlers.NewRelayHandler(codes, recorder, log),
		Status:   handlers.NewStatusHandler(sessions, runs, log),
		Gatherer: registry,
		Log:      log,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
		// A sync run blocks the /sync response for the whole login
		// and scrape, including the verification-code wait.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.CodeWait + 10*time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func newSessionStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	if cfg.SessionBucket != "" {
		var creds []byte
		if cfg.GCPCredentials != "" {
			data, err := os.ReadFile(cfg.GCPCredentials)
			if err != nil {
				return nil, err
			}
			creds = data
		}
		return session.NewGCSStore(ctx, cfg.SessionBucket, creds)
	}
	return session.NewFileStore(cfg.SessionDir)
}
