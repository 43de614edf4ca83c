// Command sync runs one sync cycle from a terminal. The verification
// code is read from stdin instead of the SMS webhook, which makes it
// usable without any inbound connectivity.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

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
	var (
		refreshFeeds     = flag.Bool("refresh-feeds", false, "Trigger a bank feed update before scraping")
		skipBalances     = flag.Bool("skip-balances", false, "Skip the daily balance snapshot")
		skipTransactions = flag.Bool("skip-transactions", false, "Skip pending transaction sync")
	)
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration error")
	}

	ctx := context.Background()

	store, err := session.NewFileStore(cfg.SessionDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session store")
	}

	codes := relay.New(cfg.CodeGrace, log)
	go readCodesFromStdin(codes)

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

	runs := runner.New(sessions, reader, engine, metrics.Noop{}, notify.Noop{}, log)

	fmt.Println("If a verification code is requested, type the 6-digit code here and press Enter.")

	result, err := runs.Run(ctx, runner.Options{
		SkipBalances:     *skipBalances,
		SkipTransactions: *skipTransactions,
		RefreshFeeds:     *refreshFeeds,
		RefreshTimeout:   cfg.RefreshTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Sync failed")
	}

	fmt.Println(result.Summary())
	for _, e := range result.Errors {
		fmt.Println("  error:", e)
	}
	if len(result.Errors) > 0 {
		os.Exit(1)
	}
}

// readCodesFromStdin feeds typed lines into the relay, so the login's
// code wait resolves the same way it does for the webhook.
func readCodesFromStdin(codes *relay.Relay) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		codes.Deliver(line, "stdin")
	}
}
