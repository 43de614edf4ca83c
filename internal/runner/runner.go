// Package runner orchestrates one full sync run: session, optional
// feed refresh, portal read, destination sync.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/domain"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/metrics"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/notify"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/session"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/syncer"
)

// ErrAlreadyRunning is returned when a run is requested while another
// is in flight. Runs are serialized: two browser logins racing for one
// verification code can only hurt each other.
var ErrAlreadyRunning = errors.New("sync already running")

// SessionProvider yields a working session and discards a dead one.
type SessionProvider interface {
	EnsureSession(ctx context.Context) (*session.Session, error)
	Invalidate()
}

// Reader is the portal surface a run needs.
type Reader interface {
	ReadAll(ctx context.Context, s *session.Session) ([]domain.Account, []domain.Transaction, error)
	TriggerFeedRefresh(ctx context.Context, s *session.Session) error
	WaitForRefresh(ctx context.Context, s *session.Session, timeout time.Duration) error
}

// Syncer reconciles the scraped data into the destination.
type Syncer interface {
	Sync(ctx context.Context, accounts []domain.Account, txns []domain.Transaction, opts syncer.Options) (*domain.SyncResult, error)
}

// Options controls one run.
type Options struct {
	SkipBalances     bool
	SkipTransactions bool
	RefreshFeeds     bool
	RefreshTimeout   time.Duration
}

// Runner executes sync runs, one at a time.
type Runner struct {
	sessions SessionProvider
	reader   Reader
	engine   Syncer
	recorder metrics.Recorder
	notifier notify.Notifier
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
}

// New wires a runner.
func New(sessions SessionProvider, reader Reader, engine Syncer, recorder metrics.Recorder, notifier notify.Notifier, log zerolog.Logger) *Runner {
	return &Runner{
		sessions: sessions,
		reader:   reader,
		engine:   engine,
		recorder: recorder,
		notifier: notifier,
		log:      log,
	}
}

// Running reports whether a run is in flight.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Run executes one sync run. A second concurrent call fails fast with
// ErrAlreadyRunning instead of queueing.
func (r *Runner) Run(ctx context.Context, opts Options) (*domain.SyncResult, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	started := time.Now()
	result, err := r.run(ctx, opts)
	if err != nil {
		r.recorder.RecordRunFailure(failureReason(err))
		r.alert(err)
		return result, err
	}

	r.recorder.RecordRunSuccess(time.Since(started))
	r.recorder.RecordRecordsSynced(result.AccountsSynced, result.BalancesInserted, result.TransactionsSynced)
	return result, nil
}

func (r *Runner) run(ctx context.Context, opts Options) (*domain.SyncResult, error) {
	r.log.Info().
		Bool("refresh_feeds", opts.RefreshFeeds).
		Bool("skip_balances", opts.SkipBalances).
		Bool("skip_transactions", opts.SkipTransactions).
		Msg("Sync run starting")

	sess, err := r.sessions.EnsureSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring session: %w", err)
	}

	if opts.RefreshFeeds {
		r.refreshFeeds(ctx, sess, opts.RefreshTimeout)
	}

	accounts, txns, err := r.reader.ReadAll(ctx, sess)
	if errors.Is(err, domain.ErrSessionExpired) {
		// The session died mid-read. One fresh login, one retry; if
		// that also expires something is wrong beyond the session.
		r.log.Warn().Msg("Session expired mid-run, re-logging in")
		r.sessions.Invalidate()

		sess, err = r.sessions.EnsureSession(ctx)
		if err != nil {
			return nil, fmt.Errorf("re-acquiring session: %w", err)
		}
		accounts, txns, err = r.reader.ReadAll(ctx, sess)
	}
	if err != nil {
		return nil, fmt.Errorf("reading portal: %w", err)
	}

	result, err := r.engine.Sync(ctx, accounts, txns, syncer.Options{
		SkipBalances:     opts.SkipBalances,
		SkipTransactions: opts.SkipTransactions,
	})
	if err != nil {
		return result, fmt.Errorf("syncing: %w", err)
	}

	r.log.Info().Str("result", result.Summary()).Msg("Sync run finished")
	return result, nil
}

// refreshFeeds asks the banks for fresh data before scraping. Refresh
// trouble is logged and ignored; a stale scrape beats no scrape.
func (r *Runner) refreshFeeds(ctx context.Context, sess *session.Session, timeout time.Duration) {
	if err := r.reader.TriggerFeedRefresh(ctx, sess); err != nil {
		r.log.Warn().Err(err).Msg("Feed refresh trigger failed, scraping current data")
		return
	}
	if err := r.reader.WaitForRefresh(ctx, sess, timeout); err != nil {
		r.log.Warn().Err(err).Msg("Feed refresh wait failed, scraping current data")
	}
}

func (r *Runner) alert(runErr error) {
	msg := fmt.Sprintf("QB sync failed: %v", runErr)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := r.notifier.Alert(ctx, msg); err != nil {
		r.log.Warn().Err(err).Msg("Alert delivery failed")
	}
}

// failureReason buckets a run error for metrics.
func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrCaptchaDetected):
		return "captcha"
	case errors.Is(err, domain.ErrCodeTimedOut):
		return "code_timeout"
	case errors.Is(err, domain.ErrLoginFailed):
		return "login"
	case errors.Is(err, domain.ErrSessionExpired):
		return "session"
	case errors.Is(err, domain.ErrScrapeFailed):
		return "scrape"
	default:
		return "other"
	}
}
