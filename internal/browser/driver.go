// Package browser drives the interactive portal login with a real
// Chrome instance. It is the only place a browser exists; everything
// after cookie harvest is plain HTTP.
package browser

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/session"
)

const (
	portalURL  = "https://qbo.intuit.com"
	bankingURL = "https://qbo.intuit.com/app/banking"

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.5 Safari/605.1.15"

	emailInput    = `[data-testid="IdentifierFirstInternationalUserIdInput"]`
	emailSubmit   = `[data-testid="IdentifierFirstSubmitButton"]`
	passwordInput = `input[type="password"]:not([data-testid="SignInHiddenInput"])`
	submitButton  = `button[type="submit"]`
	codeInput     = `input[type="tel"], input[type="text"]`

	textCodeButton = `//button[contains(., 'Text a code')]`
	continueButton = `//button[contains(., 'Continue')]`
)

// stealthScript masks the usual headless-Chrome tells before any page
// script runs. The portal's bot detection checks exactly these.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
window.chrome = { runtime: {} };
const originalQuery = window.navigator.permissions.query;
window.navigator.permissions.query = (parameters) => (
	parameters.name === 'notifications'
		? Promise.resolve({ state: Notification.permission })
		: originalQuery(parameters)
);
`

// Driver creates Chrome-backed login flows.
type Driver struct {
	headless bool
	log      zerolog.Logger
}

// NewDriver creates the login driver. headless=false is useful when
// watching a login locally.
func NewDriver(headless bool, log zerolog.Logger) *Driver {
	return &Driver{headless: headless, log: log}
}

// NewFlow launches a browser and installs the stealth script. The
// caller owns the flow and must Close it.
func (d *Driver) NewFlow(ctx context.Context) (session.LoginFlow, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.NoSandbox,
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(userAgent),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	f := &flow{ctx: browserCtx, cancel: func() { browserCancel(); allocCancel() }, log: d.log}

	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
		return err
	}))
	if err != nil {
		f.cancel()
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	return f, nil
}

type flow struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// Start navigates to the portal and submits the credentials.
func (f *flow) Start(ctx context.Context, username, password string) (session.Outcome, error) {
	f.log.Info().Msg("Navigating to portal")

	if err := chromedp.Run(f.ctx,
		chromedp.Navigate(portalURL),
		chromedp.Sleep(jitter(3*time.Second, 2*time.Second)),
	); err != nil {
		return session.OutcomeStuck, fmt.Errorf("opening portal: %w", err)
	}

	loc, err := f.location()
	if err != nil {
		return session.OutcomeStuck, err
	}
	if strings.Contains(loc, "qbo.intuit.com/app/") {
		f.log.Info().Msg("Already authenticated")
		return session.OutcomeAuthenticated, nil
	}

	f.log.Info().Msg("Entering email")
	emailCtx, cancel := context.WithTimeout(f.ctx, 20*time.Second)
	err = chromedp.Run(emailCtx,
		chromedp.WaitVisible(emailInput, chromedp.ByQuery),
		chromedp.Click(emailInput, chromedp.ByQuery),
		typeSlowly(emailInput, username),
		chromedp.Sleep(jitter(500*time.Millisecond, time.Second)),
		chromedp.Click(emailSubmit, chromedp.ByQuery),
	)
	cancel()
	if err != nil {
		return f.classifyPage("email step")
	}

	f.log.Info().Msg("Entering password")
	passCtx, cancel := context.WithTimeout(f.ctx, 20*time.Second)
	err = chromedp.Run(passCtx,
		chromedp.WaitVisible(passwordInput, chromedp.ByQuery),
		chromedp.Click(passwordInput, chromedp.ByQuery),
		typeSlowly(passwordInput, password),
		chromedp.Sleep(jitter(500*time.Millisecond, time.Second)),
		chromedp.Click(submitButton, chromedp.ByQuery),
	)
	cancel()
	if err != nil {
		return f.classifyPage("password step")
	}

	if f.waitForApp(ctx, 20*time.Second) {
		f.log.Info().Msg("Credentials accepted")
		return session.OutcomeAuthenticated, nil
	}
	return f.classifyPage("after credentials")
}

// RequestCode clicks the button that texts a verification code. If the
// page already shows the code prompt the text was sent automatically.
func (f *flow) RequestCode(ctx context.Context) error {
	text, err := f.pageText()
	if err != nil {
		return err
	}
	if strings.Contains(text, "check your text") || strings.Contains(text, "verification code") {
		f.log.Info().Msg("Code prompt already showing")
		return nil
	}

	f.log.Info().Msg("Requesting text code")
	clickCtx, cancel := context.WithTimeout(f.ctx, 15*time.Second)
	defer cancel()
	if err := chromedp.Run(clickCtx,
		chromedp.Click(textCodeButton, chromedp.BySearch),
		chromedp.Sleep(jitter(2*time.Second, time.Second)),
	); err != nil {
		return fmt.Errorf("clicking text-a-code: %w", err)
	}
	return nil
}

// SubmitCode enters the verification code and waits for the portal to
// accept it.
func (f *flow) SubmitCode(ctx context.Context, code string) (session.Outcome, error) {
	f.log.Info().Msg("Submitting verification code")

	submitCtx, cancel := context.WithTimeout(f.ctx, 20*time.Second)
	err := chromedp.Run(submitCtx,
		chromedp.WaitVisible(codeInput, chromedp.ByQuery),
		chromedp.Click(codeInput, chromedp.ByQuery),
		typeSlowly(codeInput, code),
		chromedp.Sleep(jitter(500*time.Millisecond, time.Second)),
		chromedp.Click(continueButton, chromedp.BySearch),
	)
	cancel()
	if err != nil {
		return f.classifyPage("code entry")
	}

	if f.waitForApp(ctx, time.Minute) {
		f.log.Info().Msg("Verification accepted")
		return session.OutcomeAuthenticated, nil
	}
	return f.classifyPage("after code")
}

// Cookies visits the banking page so every feed cookie is set, then
// harvests the intuit.com cookie jar.
func (f *flow) Cookies(ctx context.Context) (map[string]string, error) {
	if err := chromedp.Run(f.ctx,
		chromedp.Navigate(bankingURL),
		chromedp.Sleep(jitter(3*time.Second, 2*time.Second)),
	); err != nil {
		return nil, fmt.Errorf("opening banking page: %w", err)
	}

	var raw []*network.Cookie
	err := chromedp.Run(f.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("reading cookies: %w", err)
	}

	cookies := make(map[string]string)
	for _, c := range raw {
		if strings.Contains(c.Domain, "intuit.com") {
			cookies[c.Name] = c.Value
		}
	}
	f.log.Info().Int("cookies", len(cookies)).Msg("Cookies harvested")
	return cookies, nil
}

func (f *flow) Screenshot(ctx context.Context) ([]byte, error) {
	var png []byte
	if err := chromedp.Run(f.ctx, chromedp.CaptureScreenshot(&png)); err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	return png, nil
}

func (f *flow) Close() error {
	f.cancel()
	return nil
}

// waitForApp polls the location until the flow lands inside the
// application or the wait runs out.
func (f *flow) waitForApp(ctx context.Context, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		loc, err := f.location()
		if err == nil && strings.Contains(loc, "qbo.intuit.com/app/") {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	return false
}

// classifyPage decides what the current page means for the login. Page
// text is the only reliable signal; the URLs are opaque.
func (f *flow) classifyPage(stage string) (session.Outcome, error) {
	loc, _ := f.location()
	text, err := f.pageText()
	if err != nil {
		return session.OutcomeStuck, fmt.Errorf("%s: reading page: %w", stage, err)
	}

	switch {
	case strings.Contains(text, "captcha") || strings.Contains(text, "robot"):
		f.log.Warn().Str("stage", stage).Str("url", loc).Msg("Captcha page detected")
		return session.OutcomeCaptcha, nil
	case strings.Contains(text, "verify") ||
		strings.Contains(text, "check your text") ||
		strings.Contains(text, "verification code"):
		f.log.Info().Str("stage", stage).Msg("Verification challenge detected")
		return session.OutcomeChallenged, nil
	default:
		f.log.Warn().Str("stage", stage).Str("url", loc).Msg("Login stuck on unrecognized page")
		return session.OutcomeStuck, nil
	}
}

func (f *flow) location() (string, error) {
	var loc string
	if err := chromedp.Run(f.ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("reading location: %w", err)
	}
	return loc, nil
}

func (f *flow) pageText() (string, error) {
	var text string
	textCtx, cancel := context.WithTimeout(f.ctx, 10*time.Second)
	defer cancel()
	if err := chromedp.Run(textCtx, chromedp.Text("body", &text, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return strings.ToLower(text), nil
}

// typeSlowly sends keystrokes at human speed with occasional pauses.
// Instant fills are one of the strongest bot signals on this form.
func typeSlowly(sel, text string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, r := range text {
			if err := chromedp.SendKeys(sel, string(r), chromedp.ByQuery).Do(ctx); err != nil {
				return err
			}
			delay := time.Duration(50+rand.Intn(100)) * time.Millisecond
			if rand.Float64() < 0.1 {
				delay += time.Duration(100+rand.Intn(200)) * time.Millisecond
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		return nil
	})
}

// jitter returns base plus a random slice of spread.
func jitter(base, spread time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(spread)))
}

var _ session.LoginDriver = (*Driver)(nil)
