// Package handlers implements the HTTP surface: triggering syncs,
// receiving verification codes, and exposing run diagnostics.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/api/middleware"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/domain"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/metrics"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/runner"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/session"
)

// SyncRunner starts sync runs. Satisfied by runner.Runner.
type SyncRunner interface {
	Run(ctx context.Context, opts runner.Options) (*domain.SyncResult, error)
}

// SyncHandler triggers sync runs.
type SyncHandler struct {
	runner SyncRunner
	log    zerolog.Logger
}

// NewSyncHandler creates a sync handler.
func NewSyncHandler(r SyncRunner, log zerolog.Logger) *SyncHandler {
	return &SyncHandler{runner: r, log: log}
}

type syncRequest struct {
	RefreshFeeds      bool `json:"refresh_feeds"`
	RefreshTimeoutSec int  `json:"refresh_timeout"`
	SkipBalances      bool `json:"skip_balances"`
	SkipTransactions  bool `json:"skip_transactions"`
}

// TriggerSync handles POST /sync. The run executes synchronously; the
// response carries the full result.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	opts := runner.Options{
		SkipBalances:     req.SkipBalances,
		SkipTransactions: req.SkipTransactions,
		RefreshFeeds:     req.RefreshFeeds,
		RefreshTimeout:   10 * time.Minute,
	}
	if req.RefreshTimeoutSec > 0 {
		opts.RefreshTimeout = time.Duration(req.RefreshTimeoutSec) * time.Second
	}

	result, err := h.runner.Run(r.Context(), opts)
	if err != nil {
		h.log.Error().Err(err).Msg("Sync run failed")
		middleware.WriteError(w, statusForRunError(err), err.Error())
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"result": result,
	})
}

// statusForRunError maps a run failure to an HTTP status: the caller
// is usually a scheduler deciding whether to retry.
func statusForRunError(err error) int {
	switch {
	case errors.Is(err, runner.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCodeTimedOut):
		return http.StatusRequestTimeout
	case domain.IsLoginFailure(err),
		errors.Is(err, domain.ErrScrapeFailed),
		errors.Is(err, domain.ErrSessionExpired):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Deliverer accepts inbound message bodies. Satisfied by relay.Relay.
type Deliverer interface {
	Deliver(body, sender string) bool
}

// RelayHandler receives verification codes, from the SMS webhook and
// from manual submission.
type RelayHandler struct {
	codes    Deliverer
	recorder metrics.Recorder
	log      zerolog.Logger
}

// NewRelayHandler creates a relay handler.
func NewRelayHandler(codes Deliverer, recorder metrics.Recorder, log zerolog.Logger) *RelayHandler {
	return &RelayHandler{codes: codes, recorder: recorder, log: log}
}

// emptyTwiML tells the SMS provider to send no reply.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioSMS handles POST /twilio/sms, the inbound message webhook. It
// always answers 200 with empty TwiML: a webhook error would make the
// provider retry and re-deliver stale codes.
func (h *RelayHandler) TwilioSMS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.log.Warn().Err(err).Msg("Unparseable webhook form")
	}

	body := r.PostFormValue("Body")
	sender := r.PostFormValue("From")

	if h.codes.Deliver(body, sender) {
		h.recorder.RecordCodeRelayed()
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(emptyTwiML))
}

var codeShape = regexp.MustCompile(`^\d{6}$`)

type codeRequest struct {
	SMSCode string `json:"sms_code"`
}

// SubmitCode handles POST /code, the manual escape hatch when the
// webhook is down and an operator reads the code off a phone.
func (h *RelayHandler) SubmitCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !codeShape.MatchString(req.SMSCode) {
		middleware.WriteError(w, http.StatusBadRequest, "sms_code must be exactly 6 digits")
		return
	}

	if h.codes.Deliver(req.SMSCode, "manual") {
		h.recorder.RecordCodeRelayed()
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// SessionStatus exposes login diagnostics. Satisfied by session.Manager.
type SessionStatus interface {
	State() session.State
	LastScreenshot() []byte
}

// RunStatus reports whether a run is in flight. Satisfied by runner.Runner.
type RunStatus interface {
	Running() bool
}

// StatusHandler serves health and diagnostics.
type StatusHandler struct {
	sessions SessionStatus
	runs     RunStatus
	log      zerolog.Logger
}

// NewStatusHandler creates a status handler.
func NewStatusHandler(sessions SessionStatus, runs RunStatus, log zerolog.Logger) *StatusHandler {
	return &StatusHandler{sessions: sessions, runs: runs, log: log}
}

// Health handles GET /health.
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"session_state": h.sessions.State().String(),
		"sync_running":  h.runs.Running(),
	})
}

// Screenshot handles GET /screenshot, returning the last login failure
// screenshot for remote debugging.
func (h *StatusHandler) Screenshot(w http.ResponseWriter, r *http.Request) {
	png := h.sessions.LastScreenshot()
	if len(png) == 0 {
		middleware.WriteError(w, http.StatusNotFound, "No screenshot captured")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}
