// Package relay hands verification codes from the inbound SMS webhook to
// the login flow blocked inside the session manager. The hand-off is a
// single-slot mailbox with a bounded wait, not a polling loop.
package relay

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/domain"
)

// codePattern matches a standalone 6-digit run. The word boundaries
// reject digits embedded in longer numbers, such as a callback phone
// number quoted in the message body.
var codePattern = regexp.MustCompile(`\b(\d{6})\b`)

// DefaultGracePeriod is how long a code delivered with no challenge
// outstanding is retained. It covers the race between the portal sending
// the SMS and the login flow reaching AwaitCode.
const DefaultGracePeriod = 90 * time.Second

// ExtractCode pulls the first standalone 6-digit code out of a message
// body. The second return is false when no isolated run exists.
func ExtractCode(body string) (string, bool) {
	m := codePattern.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Relay is the single-instance mailbox between the webhook goroutine and
// the session manager's blocking wait. At most one challenge is
// outstanding at a time, and a resolved code is consumed exactly once.
type Relay struct {
	log   zerolog.Logger
	grace time.Duration

	mu      sync.Mutex
	pending chan string // non-nil while a challenge is outstanding
	parked  string      // code delivered before anyone was waiting
	parkedAt time.Time
}

// New creates a relay with the given grace period for early deliveries.
// A non-positive grace falls back to DefaultGracePeriod.
func New(grace time.Duration, log zerolog.Logger) *Relay {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Relay{log: log, grace: grace}
}

// Deliver extracts a code from an inbound message body and resolves the
// outstanding challenge, if any. With no challenge outstanding the code
// is parked for the grace period. Messages without an isolated 6-digit
// run are discarded; the webhook acks them regardless, so no error is
// returned. The boolean reports whether a code was extracted.
func (r *Relay) Deliver(body, sender string) bool {
	code, ok := ExtractCode(body)
	if !ok {
		r.log.Warn().Str("sender", sender).Msg("No 6-digit code found in message, discarding")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending != nil {
		select {
		case r.pending <- code:
			r.log.Info().Str("sender", sender).Str("code_prefix", code[:2]).Msg("Verification code delivered to waiting login")
		default:
			// Slot already filled: a duplicate message for the same
			// login. Never replay it into a later run.
			r.log.Warn().Str("sender", sender).Msg("Duplicate verification code ignored")
		}
		return true
	}

	r.parked = code
	r.parkedAt = time.Now()
	r.log.Info().Str("sender", sender).Str("code_prefix", code[:2]).Dur("grace", r.grace).Msg("No challenge outstanding, parking code")
	return true
}

// AwaitCode blocks until a code is delivered, the timeout elapses, or
// ctx is cancelled. On timeout it returns domain.ErrCodeTimedOut. A code
// parked within the grace period resolves the wait immediately. Only one
// wait may be outstanding at a time.
func (r *Relay) AwaitCode(ctx context.Context, timeout time.Duration) (string, error) {
	r.mu.Lock()
	if r.pending != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("a verification challenge is already outstanding")
	}

	if r.parked != "" && time.Since(r.parkedAt) <= r.grace {
		code := r.parked
		r.parked = ""
		r.mu.Unlock()
		r.log.Info().Str("code_prefix", code[:2]).Msg("Consuming parked verification code")
		return code, nil
	}
	r.parked = ""

	ch := make(chan string, 1)
	r.pending = ch
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case code := <-ch:
		r.clear()
		return code, nil
	case <-timer.C:
		r.clear()
		return "", fmt.Errorf("no code received within %s: %w", timeout, domain.ErrCodeTimedOut)
	case <-ctx.Done():
		// The surrounding run was aborted. Abandon the wait but leave
		// the relay able to handle later messages.
		r.clear()
		return "", ctx.Err()
	}
}

// clear destroys the current challenge. A code that raced into the slot
// after the wait ended belongs to an expired login and is dropped, which
// keeps consumption at-most-once.
func (r *Relay) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		select {
		case <-r.pending:
			r.log.Warn().Msg("Dropping code resolved after the wait ended")
		default:
		}
		r.pending = nil
	}
}
