package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"fleettrack/internal/model"
)

// Store persists session material to a single JSON file. Every mutating call
// on the Authenticator writes through it synchronously, so a restarted
// process sees exactly the last committed state.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// persistedState uses the same fixed keys the product has always used for
// session storage; the file is the sole input to Restore.
type persistedState struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         *model.User `json:"user"`
	ClientID     string      `json:"clientId"`
	LastActivity time.Time   `json:"lastActivity"`
}

// Load reads the persisted session. A missing file is not an error, it just
// means nobody is logged in. A corrupt file is reported so the caller can
// decide to start clean.
func (s *Store) Load() (*Session, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}
	if state.User == nil || state.AccessToken == "" || state.RefreshToken == "" {
		return nil, nil
	}

	clientID, err := uuid.Parse(state.ClientID)
	if err != nil {
		clientID = uuid.New()
	}

	return &Session{
		User:         *state.User,
		AccessToken:  state.AccessToken,
		RefreshToken: state.RefreshToken,
		ClientID:     clientID,
		LastActivity: state.LastActivity,
	}, nil
}

// Save writes the session atomically so a crash mid-write can never leave a
// torn file behind.
func (s *Store) Save(sess Session) error {
	user := sess.User
	state := persistedState{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		User:         &user,
		ClientID:     sess.ClientID.String(),
		LastActivity: sess.LastActivity,
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session file: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// Clear removes the persisted session. Removing an already-absent file is
// fine; logout must be idempotent.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
