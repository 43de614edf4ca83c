package session

import (
	"context"
	"time"
)

// Outcome is where a login attempt landed after submitting a step.
type Outcome int

const (
	// OutcomeAuthenticated means the portal accepted the credentials and
	// the flow reached the application.
	OutcomeAuthenticated Outcome = iota
	// OutcomeChallenged means the portal is asking for a verification
	// code before it will finish the login.
	OutcomeChallenged
	// OutcomeCaptcha means the portal presented a captcha or robot
	// check; no automated path forward exists.
	OutcomeCaptcha
	// OutcomeStuck means the flow landed somewhere unrecognized.
	OutcomeStuck
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuthenticated:
		return "authenticated"
	case OutcomeChallenged:
		return "challenged"
	case OutcomeCaptcha:
		return "captcha"
	case OutcomeStuck:
		return "stuck"
	default:
		return "unknown"
	}
}

// LoginFlow is one interactive login attempt. Implementations drive a
// real browser; tests substitute fakes.
type LoginFlow interface {
	// Start submits the credentials and reports where the flow landed.
	Start(ctx context.Context, username, password string) (Outcome, error)

	// RequestCode asks the portal to text a verification code. Only
	// meaningful after Start returned OutcomeChallenged.
	RequestCode(ctx context.Context) error

	// SubmitCode enters the verification code and reports where the
	// flow landed.
	SubmitCode(ctx context.Context, code string) (Outcome, error)

	// Cookies harvests the session cookies once authenticated.
	Cookies(ctx context.Context) (map[string]string, error)

	// Screenshot captures the current page, for diagnosing failures.
	Screenshot(ctx context.Context) ([]byte, error)

	// Close tears the attempt down, releasing the browser.
	Close() error
}

// LoginDriver creates login attempts.
type LoginDriver interface {
	NewFlow(ctx context.Context) (LoginFlow, error)
}

// CodeWaiter blocks until a verification code arrives or the wait gives
// up. The relay implements it.
type CodeWaiter interface {
	AwaitCode(ctx context.Context, timeout time.Duration) (string, error)
}

// Prober checks a session against the live portal. The portal client
// implements it; domain.ErrSessionExpired signals the session is dead.
type Prober interface {
	Probe(ctx context.Context, s *Session) error
}
