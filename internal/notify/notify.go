// Package notify sends operator alerts when a sync run fails in a way
// that needs a human, like a captcha page or a dead session.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notifier delivers one operator alert.
type Notifier interface {
	Alert(ctx context.Context, message string) error
}

// TwilioNotifier texts alerts through the Twilio messages API.
type TwilioNotifier struct {
	httpClient *http.Client
	baseURL    string // overridable for tests
	accountSID string
	authToken  string
	from       string
	to         string
	log        zerolog.Logger
}

// NewTwilioNotifier creates an SMS notifier.
func NewTwilioNotifier(accountSID, authToken, from, to string, log zerolog.Logger) *TwilioNotifier {
	return &TwilioNotifier{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    "https://api.twilio.com",
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		to:         to,
		log:        log,
	}
}

func (n *TwilioNotifier) Alert(ctx context.Context, message string) error {
	form := url.Values{
		"From": {n.from},
		"To":   {n.to},
		"Body": {message},
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", n.baseURL, n.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating alert request: %w", err)
	}
	req.SetBasicAuth(n.accountSID, n.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sending alert: status %d", resp.StatusCode)
	}

	n.log.Info().Str("to", n.to).Msg("Alert sent")
	return nil
}

// Noop drops alerts, for setups without Twilio credentials.
type Noop struct{}

func (Noop) Alert(context.Context, string) error { return nil }

var (
	_ Notifier = (*TwilioNotifier)(nil)
	_ Notifier = Noop{}
)
