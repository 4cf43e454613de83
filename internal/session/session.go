// Package session owns the single source of truth for "who is logged in":
// the current identity, its token pair, and the durable copy that survives a
// process restart. The channel manager and the tracking coordinator hold
// read-only views and react to the event stream published here.
package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"fleettrack/internal/model"
)

// Session is the authenticated identity and tokens for the current user.
type Session struct {
	User         model.User
	AccessToken  string
	RefreshToken string
	// ClientID identifies this client installation on the realtime channel.
	// Generated once and persisted alongside the tokens.
	ClientID     uuid.UUID
	LastActivity time.Time
}

// Valid reports whether the session is authenticated to the best of local
// knowledge: both tokens present and the access token not past its exp claim.
// Opaque (non-JWT) access tokens are assumed valid; the server is the
// authority either way.
func (s Session) Valid() bool {
	if s.AccessToken == "" || s.RefreshToken == "" {
		return false
	}
	return !tokenExpired(s.AccessToken, time.Now())
}

func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}

type EventKind int

const (
	EventLoggedIn EventKind = iota + 1
	EventRefreshed
	EventLoggedOut
	// EventExpired is broadcast when the refresh token itself was rejected.
	// Dependents must tear down: the channel disconnects and the coordinator
	// discards in-flight commands.
	EventExpired
)

func (k EventKind) String() string {
	switch k {
	case EventLoggedIn:
		return "logged_in"
	case EventRefreshed:
		return "refreshed"
	case EventLoggedOut:
		return "logged_out"
	case EventExpired:
		return "expired"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	User model.User
}
