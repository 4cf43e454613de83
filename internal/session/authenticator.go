package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"fleettrack/internal/apierr"
	"fleettrack/internal/model"
	"fleettrack/internal/validator"
)

// AuthAPI is the remote half of authentication. Implemented by rest.Client;
// kept narrow so tests can stub it.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (model.User, model.Tokens, error)
	RefreshToken(ctx context.Context, refreshToken string) (model.Tokens, error)
	Logout(ctx context.Context) error
}

// Authenticator holds and mutates the process-wide session. It is constructed
// explicitly and handed to the channel manager and coordinator; there is no
// ambient global.
type Authenticator struct {
	logger   *slog.Logger
	api      AuthAPI
	store    *Store
	validate *validator.Validator

	mu      sync.RWMutex
	sess    *Session
	subs    map[int]chan Event
	nextSub int

	// refreshGroup collapses concurrent 401-triggered refreshes into a
	// single remote attempt.
	refreshGroup singleflight.Group
}

func NewAuthenticator(logger *slog.Logger, api AuthAPI, store *Store) *Authenticator {
	return &Authenticator{
		logger:   logger,
		api:      api,
		store:    store,
		validate: validator.New(),
		subs:     make(map[int]chan Event),
	}
}

// Restore loads the persisted session at process start. No network call is
// made; the restored session is tentatively authenticated and validated on
// first use. Returns true when a session was restored.
func (a *Authenticator) Restore() (bool, error) {
	sess, err := a.store.Load()
	if err != nil {
		a.logger.Warn("discarding unreadable session file", "error", err)
		return false, err
	}
	if sess == nil {
		return false, nil
	}

	a.mu.Lock()
	a.sess = sess
	a.mu.Unlock()

	a.logger.Info("session restored", "user_id", sess.User.ID, "role", sess.User.Role)
	return true, nil
}

type loginInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

// Login authenticates against the backend and installs the resulting session.
func (a *Authenticator) Login(ctx context.Context, email, password string) (model.User, error) {
	if err := a.validate.Validate(loginInput{Email: email, Password: password}); err != nil {
		return model.User{}, err
	}

	user, tokens, err := a.api.Login(ctx, email, password)
	if err != nil {
		return model.User{}, err
	}

	if err := a.SetSession(user, tokens); err != nil {
		return model.User{}, err
	}

	a.broadcast(Event{Kind: EventLoggedIn, User: user})
	a.logger.Info("logged in", "user_id", user.ID, "role", user.Role)
	return user, nil
}

// SetSession replaces the session atomically and persists it synchronously
// with the in-memory update. The client id survives across logins on the
// same installation.
func (a *Authenticator) SetSession(user model.User, tokens model.Tokens) error {
	a.mu.Lock()
	clientID := uuid.New()
	if a.sess != nil && a.sess.ClientID != uuid.Nil {
		clientID = a.sess.ClientID
	}
	sess := &Session{
		User:         user,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ClientID:     clientID,
		LastActivity: time.Now(),
	}
	a.sess = sess
	snapshot := *sess
	a.mu.Unlock()

	if err := a.store.Save(snapshot); err != nil {
		a.logger.Error("failed to persist session", "error", err)
		return err
	}
	return nil
}

// Refresh obtains a new token pair using the stored refresh token. Concurrent
// callers share a single remote attempt. When the refresh token itself is
// rejected the session is torn down and EventExpired is broadcast; the caller
// gets AuthExpired.
func (a *Authenticator) Refresh(ctx context.Context) error {
	_, err, _ := a.refreshGroup.Do("refresh", func() (any, error) {
		a.mu.RLock()
		var refreshToken string
		if a.sess != nil {
			refreshToken = a.sess.RefreshToken
		}
		a.mu.RUnlock()

		if refreshToken == "" {
			return nil, a.expire()
		}

		tokens, err := a.api.RefreshToken(ctx, refreshToken)
		if err != nil {
			switch apierr.KindOf(err) {
			case apierr.KindUnauthorized, apierr.KindAuthExpired:
				a.logger.Warn("refresh token rejected, forcing logout", "error", err)
				return nil, a.expire()
			}
			// Transport trouble leaves the session alone; the next call
			// can retry.
			return nil, err
		}

		a.mu.Lock()
		if a.sess == nil {
			// Logged out while the refresh was in flight; drop the result.
			a.mu.Unlock()
			return nil, apierr.New(apierr.KindPreconditionFailed, "no session")
		}
		a.sess.AccessToken = tokens.AccessToken
		a.sess.RefreshToken = tokens.RefreshToken
		a.sess.LastActivity = time.Now()
		snapshot := *a.sess
		a.mu.Unlock()

		if err := a.store.Save(snapshot); err != nil {
			a.logger.Error("failed to persist refreshed tokens", "error", err)
		}

		a.broadcast(Event{Kind: EventRefreshed, User: snapshot.User})
		return nil, nil
	})
	return err
}

// expire tears the session down after an irrecoverable auth failure.
func (a *Authenticator) expire() error {
	a.mu.Lock()
	had := a.sess != nil
	var user model.User
	if had {
		user = a.sess.User
	}
	a.sess = nil
	a.mu.Unlock()

	if err := a.store.Clear(); err != nil {
		a.logger.Error("failed to clear session file", "error", err)
	}
	if had {
		a.broadcast(Event{Kind: EventExpired, User: user})
	}
	return apierr.New(apierr.KindAuthExpired, "session expired, login required")
}

// Logout clears tokens, user and persisted storage. The remote invalidation
// call is best effort: its failure is logged, never surfaced, and never
// blocks the local logout. It runs before the local teardown so the request
// still carries the access token. Safe to call any number of times in any
// state.
func (a *Authenticator) Logout(ctx context.Context) {
	a.mu.RLock()
	had := a.sess != nil
	var user model.User
	if had {
		user = a.sess.User
	}
	a.mu.RUnlock()

	if had {
		if err := a.api.Logout(ctx); err != nil {
			a.logger.Warn("remote logout failed", "error", err)
		}
	}

	a.mu.Lock()
	had = a.sess != nil
	if had {
		user = a.sess.User
	}
	a.sess = nil
	a.mu.Unlock()

	if err := a.store.Clear(); err != nil {
		a.logger.Error("failed to clear session file", "error", err)
	}
	if had {
		a.broadcast(Event{Kind: EventLoggedOut, User: user})
		a.logger.Info("logged out", "user_id", user.ID)
	}
}

// UpdateProfile replaces the user half of the session, keeping tokens.
func (a *Authenticator) UpdateProfile(user model.User) error {
	a.mu.Lock()
	if a.sess == nil {
		a.mu.Unlock()
		return apierr.New(apierr.KindPreconditionFailed, "no session")
	}
	a.sess.User = user
	a.sess.LastActivity = time.Now()
	snapshot := *a.sess
	a.mu.Unlock()

	return a.store.Save(snapshot)
}

// Current returns a read-only snapshot and whether it is authenticated.
func (a *Authenticator) Current() (Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.sess == nil {
		return Session{}, false
	}
	return *a.sess, a.sess.Valid()
}

// AccessToken satisfies the REST client's token provider.
func (a *Authenticator) AccessToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.sess == nil {
		return ""
	}
	return a.sess.AccessToken
}

// Subscribe returns a session event stream and a cancel function. The stream
// is buffered; a subscriber that falls behind loses events rather than
// blocking the authenticator.
func (a *Authenticator) Subscribe() (<-chan Event, func()) {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	ch := make(chan Event, 8)
	a.subs[id] = ch
	a.mu.Unlock()

	return ch, func() {
		a.mu.Lock()
		if sub, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(sub)
		}
		a.mu.Unlock()
	}
}

func (a *Authenticator) broadcast(ev Event) {
	a.mu.RLock()
	targets := make([]chan Event, 0, len(a.subs))
	for _, ch := range a.subs {
		targets = append(targets, ch)
	}
	a.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			a.logger.Warn("session subscriber buffer full, dropping event", "event", ev.Kind.String())
		}
	}
}
