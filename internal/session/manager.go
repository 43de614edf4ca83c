package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/domain"
)

// State is the manager's position in the session lifecycle.
type State int

const (
	StateNoSession State = iota
	StateLoggingIn
	StateChallenged
	StateAuthenticated
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateLoggingIn:
		return "logging_in"
	case StateChallenged:
		return "challenged"
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Manager owns the session lifecycle: reusing a warm session when it
// still works, persisting fresh ones, and driving the interactive login
// with its verification-code hand-off when it doesn't.
type Manager struct {
	driver LoginDriver
	store  Store
	codes  CodeWaiter
	prober Prober

	username string
	password string
	codeWait time.Duration
	log      zerolog.Logger
	now      func() time.Time

	mu             sync.Mutex
	state          State
	current        *Session
	lastScreenshot []byte
}

// NewManager wires the lifecycle together. codeWait bounds how long a
// login blocks for a verification code; it must comfortably exceed the
// portal's own code expiry or every challenge becomes a coin flip.
func NewManager(driver LoginDriver, store Store, codes CodeWaiter, prober Prober, username, password string, codeWait time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		driver:   driver,
		store:    store,
		codes:    codes,
		prober:   prober,
		username: username,
		password: password,
		codeWait: codeWait,
		log:      log,
		now:      time.Now,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastScreenshot returns the most recent failure screenshot, nil if no
// login has failed yet.
func (m *Manager) LastScreenshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastScreenshot
}

// Invalidate discards the current session, forcing the next
// EnsureSession to log in again.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	m.state = StateExpired
}

// EnsureSession returns a session that just answered a live probe. It
// tries the in-memory session, then the persisted one, and only then
// pays for a fresh browser login.
func (m *Manager) EnsureSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()

	if current.Valid() {
		if err := m.prober.Probe(ctx, current); err == nil {
			return current, nil
		} else if !errors.Is(err, domain.ErrSessionExpired) {
			return nil, fmt.Errorf("probing session: %w", err)
		}
		m.log.Info().Msg("In-memory session expired")
	}

	stored, err := m.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		m.log.Info().Msg("No persisted session")
	case err != nil:
		m.log.Warn().Err(err).Msg("Loading persisted session failed")
	case stored.Valid():
		if err := m.prober.Probe(ctx, stored); err == nil {
			m.log.Info().Dur("age", stored.Age()).Msg("Reusing persisted session")
			m.adopt(stored)
			return stored, nil
		} else if !errors.Is(err, domain.ErrSessionExpired) {
			return nil, fmt.Errorf("probing persisted session: %w", err)
		}
		m.log.Info().Msg("Persisted session expired")
	}

	return m.Login(ctx)
}

// Login runs one full interactive login and persists the resulting
// session. On a verification challenge it blocks until a code arrives
// through the relay or the wait times out.
func (m *Manager) Login(ctx context.Context) (*Session, error) {
	m.setState(StateLoggingIn)
	m.log.Info().Msg("Starting login")

	flow, err := m.driver.NewFlow(ctx)
	if err != nil {
		m.setState(StateNoSession)
		return nil, fmt.Errorf("starting login flow: %w", err)
	}
	defer flow.Close()

	outcome, err := flow.Start(ctx, m.username, m.password)
	if err != nil {
		m.failLogin(ctx, flow, "start")
		return nil, fmt.Errorf("submitting credentials: %w", err)
	}

	switch outcome {
	case OutcomeAuthenticated:
		// Credentials alone were enough.
	case OutcomeChallenged:
		if err := m.completeChallenge(ctx, flow); err != nil {
			return nil, err
		}
	case OutcomeCaptcha:
		m.failLogin(ctx, flow, "captcha")
		return nil, fmt.Errorf("credentials page: %w", domain.ErrCaptchaDetected)
	default:
		m.failLogin(ctx, flow, "stuck")
		return nil, fmt.Errorf("login landed on unrecognized page: %w", domain.ErrLoginFailed)
	}

	cookies, err := flow.Cookies(ctx)
	if err != nil {
		m.failLogin(ctx, flow, "cookies")
		return nil, fmt.Errorf("harvesting cookies: %w", err)
	}

	s := New(cookies, m.now().UTC())
	if !s.Valid() {
		m.failLogin(ctx, flow, "invalid-session")
		return nil, fmt.Errorf("harvested cookies missing identity: %w", domain.ErrLoginFailed)
	}

	if err := m.store.Save(ctx, s); err != nil {
		m.log.Warn().Err(err).Msg("Persisting session failed")
	}

	m.adopt(s)
	m.log.Info().Str("company_id", s.CompanyID()).Msg("Login complete")
	return s, nil
}

// completeChallenge drives the verification-code leg: request a text,
// block on the relay, submit what arrives.
func (m *Manager) completeChallenge(ctx context.Context, flow LoginFlow) error {
	m.setState(StateChallenged)
	m.log.Info().Dur("code_wait", m.codeWait).Msg("Verification challenge, requesting code")

	if err := flow.RequestCode(ctx); err != nil {
		m.failLogin(ctx, flow, "request-code")
		return fmt.Errorf("requesting verification code: %w", err)
	}

	code, err := m.codes.AwaitCode(ctx, m.codeWait)
	if err != nil {
		m.failLogin(ctx, flow, "code-wait")
		return fmt.Errorf("waiting for verification code: %w", err)
	}

	outcome, err := flow.SubmitCode(ctx, code)
	if err != nil {
		m.failLogin(ctx, flow, "submit-code")
		return fmt.Errorf("submitting verification code: %w", err)
	}
	if outcome != OutcomeAuthenticated {
		m.failLogin(ctx, flow, "code-rejected")
		return fmt.Errorf("verification code rejected (%s): %w", outcome, domain.ErrLoginFailed)
	}
	return nil
}

func (m *Manager) adopt(s *Session) {
	m.mu.Lock()
	m.current = s
	m.state = StateAuthenticated
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// failLogin captures a screenshot of where the flow died and resets the
// lifecycle. Screenshot failures are logged and swallowed; they must
// never mask the login error.
func (m *Manager) failLogin(ctx context.Context, flow LoginFlow, stage string) {
	png, err := flow.Screenshot(ctx)
	if err != nil {
		m.log.Warn().Err(err).Str("stage", stage).Msg("Failure screenshot unavailable")
	} else {
		name := fmt.Sprintf("login-%s-%s.png", stage, m.now().UTC().Format("20060102-150405"))
		if err := m.store.SaveScreenshot(ctx, name, png); err != nil {
			m.log.Warn().Err(err).Str("name", name).Msg("Persisting screenshot failed")
		} else {
			m.log.Info().Str("name", name).Msg("Failure screenshot saved")
		}
		m.mu.Lock()
		m.lastScreenshot = png
		m.mu.Unlock()
	}

	m.setState(StateNoSession)
}
