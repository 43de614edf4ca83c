// Package session owns the authenticated portal session: the cookie
// state harvested after a browser login, its persistence, and the
// lifecycle that decides when a fresh login is needed.
package session

import (
	"sort"
	"strings"
	"time"
)

// Cookie names that carry the identity values API calls need.
const (
	cookieCompanyID = "qbo.currentcompanyid"
	cookieAuthID    = "qbo.authid"
	cookieGAuthID   = "qbo.gauthid"
	cookieUserIdent = "userIdentifier"
	cookieCSRF      = "qbo.csrftoken"
	cookieXCSRF     = "qbo.xcsrfderivationkey"
	cookieTicket    = "qbo.ticket"
)

// Session is the cookie state of one authenticated portal login.
type Session struct {
	Cookies   map[string]string `json:"cookies"`
	CreatedAt time.Time         `json:"created_at"`
}

// New creates a session from harvested cookies.
func New(cookies map[string]string, createdAt time.Time) *Session {
	return &Session{Cookies: cookies, CreatedAt: createdAt}
}

// CompanyID returns the company the session is scoped to.
func (s *Session) CompanyID() string {
	return s.Cookies[cookieCompanyID]
}

// UserID returns the authenticated user id, trying the cookie variants
// the portal sets depending on the login path.
func (s *Session) UserID() string {
	for _, name := range []string{cookieAuthID, cookieGAuthID, cookieUserIdent} {
		if v := s.Cookies[name]; v != "" {
			return v
		}
	}
	return ""
}

// CSRFToken returns the request CSRF token, empty if absent.
func (s *Session) CSRFToken() string {
	return s.Cookies[cookieCSRF]
}

// XCSRFToken returns the derived CSRF key, empty if absent.
func (s *Session) XCSRFToken() string {
	return s.Cookies[cookieXCSRF]
}

// CookieHeader renders the cookies as a single Cookie header value.
// Names are sorted so the header is stable across runs.
func (s *Session) CookieHeader() string {
	names := make([]string, 0, len(s.Cookies))
	for name := range s.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+s.Cookies[name])
	}
	return strings.Join(pairs, "; ")
}

// Valid reports whether the session carries the cookies API calls
// cannot work without. It says nothing about server-side expiry; only a
// live probe can.
func (s *Session) Valid() bool {
	return s != nil && s.CompanyID() != "" && s.Cookies[cookieTicket] != ""
}

// Age returns how long ago the session was created.
func (s *Session) Age() time.Duration {
	return time.Since(s.CreatedAt)
}
