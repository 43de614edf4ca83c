package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/domain"
)

func validCookies() map[string]string {
	return map[string]string{
		"qbo.currentcompanyid": "9130350",
		"qbo.ticket":           "V1-135-abcdef",
		"qbo.authid":           "user-1",
		"qbo.csrftoken":        "csrf-1",
	}
}

type fakeFlow struct {
	startOutcome  Outcome
	startErr      error
	submitOutcome Outcome
	submitErr     error
	requestErr    error
	cookies       map[string]string
	screenshot    []byte

	codeRequested bool
	submittedCode string
	closed        bool
}

func (f *fakeFlow) Start(context.Context, string, string) (Outcome, error) {
	return f.startOutcome, f.startErr
}

func (f *fakeFlow) RequestCode(context.Context) error {
	f.codeRequested = true
	return f.requestErr
}

func (f *fakeFlow) SubmitCode(_ context.Context, code string) (Outcome, error) {
	f.submittedCode = code
	return f.submitOutcome, f.submitErr
}

func (f *fakeFlow) Cookies(context.Context) (map[string]string, error) {
	if f.cookies == nil {
		return validCookies(), nil
	}
	return f.cookies, nil
}

func (f *fakeFlow) Screenshot(context.Context) ([]byte, error) {
	if f.screenshot == nil {
		return []byte("png-bytes"), nil
	}
	return f.screenshot, nil
}

func (f *fakeFlow) Close() error {
	f.closed = true
	return nil
}

type fakeDriver struct {
	flow    *fakeFlow
	flowErr error
	flows   int
}

func (d *fakeDriver) NewFlow(context.Context) (LoginFlow, error) {
	d.flows++
	return d.flow, d.flowErr
}

type fakeStore struct {
	stored      *Session
	loadErr     error
	saved       *Session
	screenshots map[string][]byte
}

func (s *fakeStore) Load(context.Context) (*Session, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.stored == nil {
		return nil, ErrNotFound
	}
	return s.stored, nil
}

func (s *fakeStore) Save(_ context.Context, sess *Session) error {
	s.saved = sess
	return nil
}

func (s *fakeStore) SaveScreenshot(_ context.Context, name string, png []byte) error {
	if s.screenshots == nil {
		s.screenshots = map[string][]byte{}
	}
	s.screenshots[name] = png
	return nil
}

type fakeWaiter struct {
	code string
	err  error
}

func (w *fakeWaiter) AwaitCode(context.Context, time.Duration) (string, error) {
	return w.code, w.err
}

// fakeProber expires the first n probes, then accepts everything.
type fakeProber struct {
	expireFirst int
	probes      int
}

func (p *fakeProber) Probe(context.Context, *Session) error {
	p.probes++
	if p.probes <= p.expireFirst {
		return domain.ErrSessionExpired
	}
	return nil
}

func newTestManager(driver *fakeDriver, store *fakeStore, waiter *fakeWaiter, prober *fakeProber) *Manager {
	return NewManager(driver, store, waiter, prober, "user@example.com", "hunter2", time.Minute, zerolog.Nop())
}

func TestLogin_ChallengeFlow(t *testing.T) {
	flow := &fakeFlow{startOutcome: OutcomeChallenged, submitOutcome: OutcomeAuthenticated}
	driver := &fakeDriver{flow: flow}
	store := &fakeStore{}
	m := newTestManager(driver, store, &fakeWaiter{code: "123456"}, &fakeProber{})

	s, err := m.Login(context.Background())

	require.NoError(t, err)
	assert.True(t, flow.codeRequested)
	assert.Equal(t, "123456", flow.submittedCode)
	assert.True(t, flow.closed)
	assert.Equal(t, "9130350", s.CompanyID())
	assert.Equal(t, StateAuthenticated, m.State())
	require.NotNil(t, store.saved)
	assert.Equal(t, s, store.saved)
}

func TestLogin_NoChallenge(t *testing.T) {
	flow := &fakeFlow{startOutcome: OutcomeAuthenticated}
	m := newTestManager(&fakeDriver{flow: flow}, &fakeStore{}, &fakeWaiter{}, &fakeProber{})

	_, err := m.Login(context.Background())

	require.NoError(t, err)
	assert.False(t, flow.codeRequested)
}

func TestLogin_Captcha(t *testing.T) {
	flow := &fakeFlow{startOutcome: OutcomeCaptcha}
	store := &fakeStore{}
	m := newTestManager(&fakeDriver{flow: flow}, store, &fakeWaiter{}, &fakeProber{})

	_, err := m.Login(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCaptchaDetected)
	assert.True(t, domain.IsLoginFailure(err))
	assert.Equal(t, StateNoSession, m.State())
	assert.Len(t, store.screenshots, 1)
	assert.Equal(t, []byte("png-bytes"), m.LastScreenshot())
}

func TestLogin_CodeTimeout(t *testing.T) {
	flow := &fakeFlow{startOutcome: OutcomeChallenged}
	waiter := &fakeWaiter{err: domain.ErrCodeTimedOut}
	m := newTestManager(&fakeDriver{flow: flow}, &fakeStore{}, waiter, &fakeProber{})

	_, err := m.Login(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCodeTimedOut)
	assert.Empty(t, flow.submittedCode)
}

func TestLogin_CodeRejected(t *testing.T) {
	flow := &fakeFlow{startOutcome: OutcomeChallenged, submitOutcome: OutcomeStuck}
	m := newTestManager(&fakeDriver{flow: flow}, &fakeStore{}, &fakeWaiter{code: "654321"}, &fakeProber{})

	_, err := m.Login(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLoginFailed)
}

func TestLogin_MissingIdentityCookies(t *testing.T) {
	flow := &fakeFlow{startOutcome: OutcomeAuthenticated, cookies: map[string]string{"unrelated": "x"}}
	m := newTestManager(&fakeDriver{flow: flow}, &fakeStore{}, &fakeWaiter{}, &fakeProber{})

	_, err := m.Login(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLoginFailed)
}

func TestEnsureSession_ReusesPersisted(t *testing.T) {
	stored := New(validCookies(), time.Now().Add(-time.Hour))
	driver := &fakeDriver{flow: &fakeFlow{}}
	m := newTestManager(driver, &fakeStore{stored: stored}, &fakeWaiter{}, &fakeProber{})

	s, err := m.EnsureSession(context.Background())

	require.NoError(t, err)
	assert.Equal(t, stored, s)
	assert.Zero(t, driver.flows)
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestEnsureSession_FallsBackToLogin(t *testing.T) {
	stored := New(validCookies(), time.Now().Add(-48*time.Hour))
	flow := &fakeFlow{startOutcome: OutcomeAuthenticated}
	driver := &fakeDriver{flow: flow}
	prober := &fakeProber{expireFirst: 1}
	m := newTestManager(driver, &fakeStore{stored: stored}, &fakeWaiter{}, prober)

	s, err := m.EnsureSession(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, driver.flows)
	assert.True(t, s.Valid())
}

func TestEnsureSession_ReusesInMemory(t *testing.T) {
	flow := &fakeFlow{startOutcome: OutcomeAuthenticated}
	driver := &fakeDriver{flow: flow}
	m := newTestManager(driver, &fakeStore{}, &fakeWaiter{}, &fakeProber{})

	first, err := m.EnsureSession(context.Background())
	require.NoError(t, err)
	second, err := m.EnsureSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, driver.flows)
}

func TestInvalidate(t *testing.T) {
	flow := &fakeFlow{startOutcome: OutcomeAuthenticated}
	driver := &fakeDriver{flow: flow}
	m := newTestManager(driver, &fakeStore{}, &fakeWaiter{}, &fakeProber{})

	_, err := m.EnsureSession(context.Background())
	require.NoError(t, err)

	m.Invalidate()
	assert.Equal(t, StateExpired, m.State())

	_, err = m.EnsureSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, driver.flows)
}

func TestCookieHeaderStable(t *testing.T) {
	s := New(map[string]string{"b": "2", "a": "1", "c": "3"}, time.Now())
	assert.Equal(t, "a=1; b=2; c=3", s.CookieHeader())
}

func TestUserIDFallbacks(t *testing.T) {
	s := New(map[string]string{"qbo.gauthid": "g-1"}, time.Now())
	assert.Equal(t, "g-1", s.UserID())

	s = New(map[string]string{"userIdentifier": "u-1"}, time.Now())
	assert.Equal(t, "u-1", s.UserID())

	s = New(map[string]string{"qbo.authid": "a-1", "qbo.gauthid": "g-1"}, time.Now())
	assert.Equal(t, "a-1", s.UserID())
}
