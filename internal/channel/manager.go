// Package channel maintains exactly one logical websocket connection to the
// tracking backend per authenticated session, with bounded automatic
// recovery. Subscribers observe both the raw event stream and connection
// state changes.
package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"fleettrack/internal/apierr"
	"fleettrack/internal/config"
	"fleettrack/internal/session"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Conn is the transport surface the manager needs; satisfied by
// *websocket.Conn.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens an authenticated transport. Swappable in tests.
type Dialer func(ctx context.Context, socketURL string, auth AuthPayload) (Conn, error)

// GorillaDialer upgrades to websocket and sends the auth payload as the
// first frame.
func GorillaDialer(handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context, socketURL string, auth AuthPayload) (Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, socketURL, nil)
		if err != nil {
			return nil, err
		}
		if err := conn.WriteJSON(auth); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// SessionSource is the read-only session view the manager depends on.
type SessionSource interface {
	Current() (session.Session, bool)
}

type Manager struct {
	logger    *slog.Logger
	cfg       config.ChannelConfig
	socketURL string
	sessions  SessionSource
	dial      Dialer

	mu      sync.Mutex
	state   State
	lastErr error
	conn    Conn
	cancel  context.CancelFunc
	// gen invalidates state reports from superseded supervisors.
	gen int

	subs      map[int]chan Event
	stateSubs map[int]chan State
	nextSub   int
}

func NewManager(logger *slog.Logger, cfg config.ChannelConfig, socketURL string, sessions SessionSource) *Manager {
	return &Manager{
		logger:    logger,
		cfg:       cfg,
		socketURL: socketURL,
		sessions:  sessions,
		dial:      GorillaDialer(cfg.HandshakeTimeout),
		subs:      make(map[int]chan Event),
		stateSubs: make(map[int]chan State),
	}
}

// Connect starts the connection supervisor. A call with no authenticated
// session is a caller error, not a retryable state. Calling while already
// connecting or connected is a no-op. A manual Connect resets the retry
// budget, including out of the failed state.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}

	sess, ok := m.sessions.Current()
	if !ok {
		m.mu.Unlock()
		return apierr.New(apierr.KindPreconditionFailed, "cannot connect without an authenticated session")
	}

	if m.cancel != nil {
		m.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.lastErr = nil
	m.mu.Unlock()

	m.notifyState(StateConnecting)

	auth := AuthPayload{
		Token:          sess.AccessToken,
		UserID:         sess.User.ID,
		OrganizationID: sess.User.OrganizationID,
		ClientID:       sess.ClientID.String(),
	}
	go m.supervise(runCtx, gen, auth)
	return nil
}

// Disconnect tears the transport down unconditionally and leaves the manager
// disconnected. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.gen++
	changed := m.state != StateDisconnected
	m.state = StateDisconnected
	m.lastErr = nil
	m.mu.Unlock()

	if changed {
		m.notifyState(StateDisconnected)
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error that drove the most recent reconnecting or
// failed transition.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Subscribe returns the inbound event stream and a cancel function.
// Cancellation detaches the stream deterministically.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	buffer := m.cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
		m.mu.Unlock()
	}
}

// StateChanges returns a stream of connection-state transitions and a cancel
// function.
func (m *Manager) StateChanges() (<-chan State, func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan State, 16)
	m.stateSubs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		if sub, ok := m.stateSubs[id]; ok {
			delete(m.stateSubs, id)
			close(sub)
		}
		m.mu.Unlock()
	}
}

// WatchSession reacts to the authenticator's event stream: a login brings
// the channel up, a logout or expiry force-disconnects it within one
// notification cycle.
func (m *Manager) WatchSession(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case session.EventLoggedIn:
				if err := m.Connect(ctx); err != nil {
					m.logger.Warn("channel connect after login failed", "error", err)
				}
			case session.EventLoggedOut, session.EventExpired:
				m.Disconnect()
			}
		}
	}
}

// supervise owns one connection lifecycle: dial, pump, and bounded redial.
// It exits on cancellation, on retry budget exhaustion, or when superseded.
func (m *Manager) supervise(ctx context.Context, gen int, auth AuthPayload) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.InitialBackoff
	bo.MaxInterval = m.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	attempts := 0
	for {
		if ctx.Err() != nil {
			m.transition(gen, StateDisconnected, nil)
			return
		}

		conn, err := m.dial(ctx, m.socketURL, auth)
		if err != nil {
			if ctx.Err() != nil {
				m.transition(gen, StateDisconnected, nil)
				return
			}
			attempts++
			m.logger.Warn("channel dial failed", "attempt", attempts, "max", m.cfg.MaxRetries, "error", err)
			if attempts >= m.cfg.MaxRetries {
				m.transition(gen, StateFailed, err)
				return
			}
			m.transition(gen, StateReconnecting, err)
			if !sleep(ctx, bo.NextBackOff()) {
				m.transition(gen, StateDisconnected, nil)
				return
			}
			continue
		}

		if !m.adopt(gen, conn) {
			_ = conn.Close()
			return
		}
		m.transition(gen, StateConnected, nil)
		attempts = 0
		bo.Reset()

		err = m.pump(conn)
		m.release(gen)
		if ctx.Err() != nil {
			m.transition(gen, StateDisconnected, nil)
			return
		}
		m.logger.Warn("channel transport terminated", "error", err)
		m.transition(gen, StateReconnecting, err)
	}
}

// adopt publishes the live connection unless this supervisor was superseded.
func (m *Manager) adopt(gen int, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.conn = conn
	return true
}

func (m *Manager) release(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen && m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// pump reads frames until the transport dies, forwarding decoded events to
// subscribers in arrival order.
func (m *Manager) pump(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Kind == "" {
			m.logger.Debug("ignoring unrecognized channel frame")
			continue
		}
		m.deliver(ev)
	}
}

func (m *Manager) deliver(ev Event) {
	m.mu.Lock()
	targets := make([]chan Event, 0, len(m.subs))
	for _, ch := range m.subs {
		targets = append(targets, ch)
	}
	m.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("channel subscriber buffer full, dropping event", "event", string(ev.Kind))
		}
	}
}

// transition applies a supervisor-driven state change unless the supervisor
// has been superseded by a newer Connect/Disconnect.
func (m *Manager) transition(gen int, state State, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.lastErr = err
	m.mu.Unlock()

	m.notifyState(state)
}

func (m *Manager) notifyState(state State) {
	m.mu.Lock()
	targets := make([]chan State, 0, len(m.stateSubs))
	for _, ch := range m.stateSubs {
		targets = append(targets, ch)
	}
	m.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- state:
		default:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
