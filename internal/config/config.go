// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the whole service configuration. It is read once at
// startup and treated as immutable.
type Config struct {
	// Portal credentials
	PortalUsername string
	PortalPassword string

	// Destination realm
	QuickbaseRealm    string
	QuickbaseToken    string
	AccountsTableID   string
	TransactionsTableID string
	BalancesTableID   string // optional, empty disables balance snapshots

	// Session persistence: bucket wins when both are set
	SessionBucket   string
	SessionDir      string
	GCPCredentials  string // path to a service-account JSON key, optional

	// Login
	Headless       bool
	CodeWait       time.Duration
	CodeGrace      time.Duration
	RefreshTimeout time.Duration

	// Alerts (optional, all-or-nothing)
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	AlertTo          string

	// Server
	Port string
}

// Load reads the configuration from environment variables. Missing
// required variables are reported together, not one at a time.
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.PortalUsername = required("QB_USERNAME")
	cfg.PortalPassword = required("QB_PASSWORD")
	cfg.QuickbaseRealm = required("QUICKBASE_REALM")
	cfg.QuickbaseToken = required("QUICKBASE_TOKEN")
	cfg.AccountsTableID = required("ACCOUNTS_TABLE_ID")
	cfg.TransactionsTableID = required("TRANSACTIONS_TABLE_ID")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.BalancesTableID = os.Getenv("BALANCES_TABLE_ID")
	cfg.SessionBucket = os.Getenv("SESSION_BUCKET")
	cfg.SessionDir = getEnvString("SESSION_DIR", defaultSessionDir())
	cfg.GCPCredentials = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")

	cfg.Headless = getEnvBool("HEADLESS", true)
	// The wait must outlive the portal's own code expiry (about ten
	// minutes) so a slow first text still has a chance.
	cfg.CodeWait = getEnvDuration("CODE_WAIT", 11*time.Minute)
	cfg.CodeGrace = getEnvDuration("CODE_GRACE", 90*time.Second)
	cfg.RefreshTimeout = getEnvDuration("REFRESH_TIMEOUT", 10*time.Minute)

	cfg.TwilioAccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.TwilioAuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.TwilioFrom = os.Getenv("TWILIO_FROM")
	cfg.AlertTo = os.Getenv("ALERT_TO")

	cfg.Port = getEnvString("PORT", "8080")

	return cfg, nil
}

// AlertsConfigured reports whether every Twilio alert variable is set.
func (c *Config) AlertsConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFrom != "" && c.AlertTo != ""
}

func defaultSessionDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".session"
	}
	return home + "/.qb-sync/session"
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
