// Package identity extracts the caller's session and business identifiers.
package identity

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// Header and query names carrying caller identity.
const (
	SessionHeaderName = "x-session-key"
	SMBHeaderName     = "x-smb-key"
	SessionQueryName  = "session_key"
	SMBQueryName      = "smb_key"
)

// MissingHeadersMessage is returned with 401 when identity is absent.
const MissingHeadersMessage = "Unauthorized: Missing required headers"

type contextKey int

const (
	sessionIDKey contextKey = iota
	smbIDKey
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:@+-]{1,128}$`)

// Caller is the identity of one request.
type Caller struct {
	SessionID string
	SMBID     string
}

// SessionIDFromContext extracts the session id from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// SMBIDFromContext extracts the business id from the request context.
func SMBIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(smbIDKey).(string); ok {
		return v
	}
	return ""
}

// CallerFromContext returns both identifiers.
func CallerFromContext(ctx context.Context) Caller {
	return Caller{SessionID: SessionIDFromContext(ctx), SMBID: SMBIDFromContext(ctx)}
}

// WithCaller stores c in ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	ctx = context.WithValue(ctx, sessionIDKey, c.SessionID)
	return context.WithValue(ctx, smbIDKey, c.SMBID)
}

// Sanitize trims id and returns "" when it is not an acceptable identifier.
func Sanitize(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !idPattern.MatchString(id) {
		return ""
	}
	return id
}

// FromRequest reads identity from headers, falling back to query parameters
// for clients that cannot set headers (EventSource, WebSocket).
func FromRequest(r *http.Request) Caller {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get(SessionQueryName)
	}
	smb := r.Header.Get(SMBHeaderName)
	if smb == "" {
		smb = r.URL.Query().Get(SMBQueryName)
	}
	return Caller{SessionID: Sanitize(sid), SMBID: Sanitize(smb)}
}

// Require rejects requests without both identifiers and stores them in the
// request context otherwise.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := FromRequest(r)
		if c.SessionID == "" || c.SMBID == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": MissingHeadersMessage})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), c)))
	})
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
