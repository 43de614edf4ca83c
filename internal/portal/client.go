// Package portal reads bank-feed data out of the accounting portal's
// browser-facing API using the cookies of an authenticated session. No
// browser is involved past login; these are plain HTTP calls.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/domain"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/session"
)

const (
	defaultBaseURL = "https://qbo.intuit.com"

	// Static API key shipped in the portal's own JS bundle; it
	// identifies the web client, not the user.
	apiKey = "prdakyresxaDrhFXaSARXaUdj1S8M7h6YK7YGekc"

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.5 Safari/605.1.15"

	// txnPageSize bounds one transaction read via the X-Range header.
	txnPageSize = 500

	refreshPollInterval = 15 * time.Second
)

// Client calls the portal's bank-feed endpoints. It never follows
// redirects: a 3xx here means the session bounced to the login page.
type Client struct {
	httpClient *http.Client
	baseURL    string // overridable for tests
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// NewClient creates a portal reader. Requests are rate limited to stay
// under the portal's anti-bot thresholds.
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL: defaultBaseURL,
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
		log:     log,
	}
}

type portalAccount struct {
	QboAccountID       json.Number `json:"qboAccountId"`
	QboAccountFullName string      `json:"qboAccountFullName"`
	OlbAccountNickname string      `json:"olbAccountNickname"`
	FiName             string      `json:"fiName"`
	QboAccountType     string      `json:"qboAccountType"`
	BankBalance        float64     `json:"bankBalance"`
	QboBalance         float64     `json:"qboBalance"`
	NumTxnToReview     int         `json:"numTxnToReview"`
	LastUpdateTime     string      `json:"lastUpdateTime"`
}

// initialDataResponse models getInitialData. Accounts is a pointer so a
// 200 that silently dropped the key is distinguishable from an empty
// list; the former means the page structure changed under us.
type initialDataResponse struct {
	Accounts *[]portalAccount `json:"accounts"`
}

// ReadAccounts returns every connected bank account.
func (c *Client) ReadAccounts(ctx context.Context, s *session.Session) ([]domain.Account, error) {
	endpoint := fmt.Sprintf("/api/neo/v1/company/%s/olb/ng/getInitialData", s.CompanyID())

	var payload initialDataResponse
	if err := c.get(ctx, s, endpoint, nil, nil, &payload); err != nil {
		return nil, fmt.Errorf("reading accounts: %w", err)
	}
	if payload.Accounts == nil {
		return nil, fmt.Errorf("accounts missing from initial data: %w", domain.ErrScrapeFailed)
	}

	asOf := time.Now().UTC()
	accounts := make([]domain.Account, 0, len(*payload.Accounts))
	for _, pa := range *payload.Accounts {
		accounts = append(accounts, domain.Account{
			ExternalID:    pa.QboAccountID.String(),
			Name:          pa.QboAccountFullName,
			Nickname:      pa.OlbAccountNickname,
			Institution:   pa.FiName,
			Type:          pa.QboAccountType,
			BankBalance:   pa.BankBalance,
			LedgerBalance: pa.QboBalance,
			PendingCount:  pa.NumTxnToReview,
			LastUpdated:   parsePortalTime(pa.LastUpdateTime),
			AsOf:          asOf,
		})
	}

	c.log.Info().Int("accounts", len(accounts)).Msg("Accounts read")
	return accounts, nil
}

type portalTransaction struct {
	ID           string      `json:"id"`
	OlbTxnID     json.Number `json:"olbTxnId"`
	OlbTxnDate   string      `json:"olbTxnDate"`
	Description  string      `json:"description"`
	Amount       float64     `json:"amount"`
	MerchantName string      `json:"merchantName"`
}

type transactionsResponse struct {
	Items []portalTransaction `json:"items"`
}

// ReadPendingTransactions returns the for-review transactions of one
// account. Amounts come back signed; they are stored absolute with the
// sign folded into the type.
func (c *Client) ReadPendingTransactions(ctx context.Context, s *session.Session, accountID string) ([]domain.Transaction, error) {
	endpoint := fmt.Sprintf("/api/neo/v1/company/%s/olb/ng/getTransactions", s.CompanyID())
	params := url.Values{
		"accountId":      {accountID},
		"sort":           {"-txnDate"},
		"reviewState":    {"PENDING"},
		"ignoreMatching": {"false"},
	}
	extra := http.Header{"X-Range": {fmt.Sprintf("items=0-%d", txnPageSize-1)}}

	var payload transactionsResponse
	if err := c.get(ctx, s, endpoint, params, extra, &payload); err != nil {
		return nil, fmt.Errorf("reading transactions for account %s: %w", accountID, err)
	}

	txns := make([]domain.Transaction, 0, len(payload.Items))
	for _, item := range payload.Items {
		txnType := domain.TypeIncome
		amount := item.Amount
		if amount < 0 {
			txnType = domain.TypeExpense
			amount = -amount
		}

		date := item.OlbTxnDate
		if len(date) > 10 {
			date = date[:10]
		}

		txns = append(txns, domain.Transaction{
			ExternalID:        item.OlbTxnID.String(),
			InternalID:        item.ID,
			AccountExternalID: accountID,
			Date:              date,
			Description:       item.Description,
			MerchantName:      item.MerchantName,
			Amount:            amount,
			Type:              txnType,
		})
	}

	c.log.Debug().Str("account_id", accountID).Int("transactions", len(txns)).Msg("Pending transactions read")
	return txns, nil
}

// ReadAll reads every account and the pending transactions of each. A
// per-account transaction failure aborts the read; partial data must
// never look like a clean scrape.
func (c *Client) ReadAll(ctx context.Context, s *session.Session) ([]domain.Account, []domain.Transaction, error) {
	accounts, err := c.ReadAccounts(ctx, s)
	if err != nil {
		return nil, nil, err
	}

	var txns []domain.Transaction
	for _, account := range accounts {
		accountTxns, err := c.ReadPendingTransactions(ctx, s, account.ExternalID)
		if err != nil {
			return nil, nil, err
		}
		txns = append(txns, accountTxns...)
	}

	c.log.Info().Int("accounts", len(accounts)).Int("transactions", len(txns)).Msg("Portal read complete")
	return accounts, txns, nil
}

// Probe verifies the session still answers the API. It implements
// session.Prober.
func (c *Client) Probe(ctx context.Context, s *session.Session) error {
	if _, err := c.ReadAccounts(ctx, s); err != nil {
		return err
	}
	return nil
}

type refreshStatus struct {
	IsComplete bool `json:"isComplete"`
	HasErrors  bool `json:"hasErrors"`
	SubJobs    []struct {
		FiName     string `json:"fiName"`
		IsComplete bool   `json:"isComplete"`
		HasError   bool   `json:"hasError"`
	} `json:"subJobs"`
}

// TriggerFeedRefresh starts a bank-feed update, the API equivalent of
// the banking page's Update button.
func (c *Client) TriggerFeedRefresh(ctx context.Context, s *session.Session) error {
	status, err := c.postRefresh(ctx, s)
	if err != nil {
		return fmt.Errorf("starting feed refresh: %w", err)
	}

	c.log.Info().Int("banks", len(status.SubJobs)).Msg("Feed refresh started")
	return nil
}

// WaitForRefresh polls until the feed update reports complete or the
// timeout expires. Per-bank errors are logged, not fatal; the scrape
// still reads whatever refreshed.
func (c *Client) WaitForRefresh(ctx context.Context, s *session.Session, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(refreshPollInterval)
	defer ticker.Stop()

	for {
		status, err := c.postRefresh(ctx, s)
		if err != nil {
			c.log.Warn().Err(err).Msg("Refresh status check failed")
		} else if status.IsComplete {
			if status.HasErrors {
				var failed []string
				for _, sj := range status.SubJobs {
					if sj.HasError {
						failed = append(failed, sj.FiName)
					}
				}
				c.log.Warn().Strs("banks", failed).Msg("Feed refresh completed with bank errors")
			} else {
				c.log.Info().Msg("Feed refresh complete")
			}
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("feed refresh did not complete within %s", timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// postRefresh calls the manualUpdate endpoint; the same call starts the
// job and reports its current state.
func (c *Client) postRefresh(ctx context.Context, s *session.Session) (*refreshStatus, error) {
	endpoint := fmt.Sprintf("/api/neo/v2/company/%s/olb/manualUpdate/start", s.CompanyID())

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(`{"fiList":[]}`))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, s)

	var status refreshStatus
	if err := c.send(req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// get performs one authenticated read.
func (c *Client) get(ctx context.Context, s *session.Session, endpoint string, params url.Values, extra http.Header, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req, s)
	for name, values := range extra {
		for _, v := range values {
			req.Header.Set(name, v)
		}
	}

	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode >= 300 && resp.StatusCode < 400:
		c.log.Warn().Int("status", resp.StatusCode).Str("path", req.URL.Path).Msg("Session rejected by portal")
		return fmt.Errorf("%s %s: status %d: %w", req.Method, req.URL.Path, resp.StatusCode, domain.ErrSessionExpired)
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		c.log.Error().Int("status", resp.StatusCode).Str("path", req.URL.Path).Str("body", string(snippet)).Msg("Portal API error")
		return fmt.Errorf("%s %s: status %d: %w", req.Method, req.URL.Path, resp.StatusCode, domain.ErrScrapeFailed)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w: %v", req.URL.Path, domain.ErrScrapeFailed, err)
	}
	return nil
}

// setHeaders applies the browser-session identity the API expects.
func (c *Client) setHeaders(req *http.Request, s *session.Session) {
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("apiKey", apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Intuit_APIKey intuit_apikey=%s, intuit_apikey_version=1.0", apiKey))
	req.Header.Set("authType", "browser_auth")
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("Cookie", s.CookieHeader())
	req.Header.Set("intuit-company-id", s.CompanyID())
	req.Header.Set("intuit-user-id", s.UserID())
	req.Header.Set("intuit-plugin-id", "integrations-datain-ui")
	req.Header.Set("intuit_tid", uuid.NewString())
	req.Header.Set("Referer", c.baseURL+"/app/banking")
	req.Header.Set("User-Agent", userAgent)

	if token := s.CSRFToken(); token != "" {
		req.Header.Set("Csrftoken", token)
	}
	if token := s.XCSRFToken(); token != "" {
		req.Header.Set("x-csrf-token", token)
	}
}

func parsePortalTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ session.Prober = (*Client)(nil)
