package domain

import "errors"

// Fatal error classes for a sync run. Destination write failures are not
// here on purpose: they are collected per record into SyncResult.Errors
// and never abort the batch.
var (
	// ErrLoginFailed means credentials or the verification code were
	// rejected. Fatal for the run.
	ErrLoginFailed = errors.New("login failed")

	// ErrCaptchaDetected means the portal served a bot-detection page.
	// Fatal and non-retryable within the run; a later scheduled cycle
	// may succeed once the anti-bot state clears.
	ErrCaptchaDetected = errors.New("captcha detected")

	// ErrCodeTimedOut means no SMS verification code arrived within the
	// bounded wait. It is a subtype of ErrLoginFailed.
	ErrCodeTimedOut = errors.New("verification code timed out")

	// ErrScrapeFailed means an expected page structure or API field was
	// missing. The rest of the run is aborted; partial results are not
	// synced.
	ErrScrapeFailed = errors.New("scrape failed")

	// ErrSessionExpired means the portal answered with an unauthenticated
	// redirect or status mid-read. The caller gets exactly one re-login
	// attempt before the run fails.
	ErrSessionExpired = errors.New("session expired")
)

// IsLoginFailure reports whether err is any of the login-fatal classes,
// including the captcha and code-timeout subtypes.
func IsLoginFailure(err error) bool {
	return errors.Is(err, ErrLoginFailed) ||
		errors.Is(err, ErrCaptchaDetected) ||
		errors.Is(err, ErrCodeTimedOut)
}
