// Package tracking projects a consistent current world state of active
// locations and emergency requests out of channel events and REST polls, and
// mediates every mutating command against that state. It enforces the
// emergency status state machine and the role constraints; it never touches
// session lifecycle, which belongs to the authenticator.
package tracking

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"fleettrack/internal/apierr"
	"fleettrack/internal/config"
	"fleettrack/internal/model"
	"fleettrack/internal/session"
	"fleettrack/internal/validator"
)

// API is the remote leg of every coordinator operation. Implemented by
// rest.Client; kept as an interface so tests can count and fail calls.
type API interface {
	ActiveLocations(ctx context.Context) ([]model.ActiveLocation, error)
	LocationHistory(ctx context.Context, userID string, q model.HistoryQuery) (model.LocationHistoryPage, error)
	UpdateLocation(ctx context.Context, update model.LocationUpdate) error
	StartTracking(ctx context.Context) error
	StopTracking(ctx context.Context) error
	OrgStats(ctx context.Context) (model.TrackingStats, error)
	EmergencyRequests(ctx context.Context, f model.EmergencyFilter) (model.EmergencyPage, error)
	CreateEmergency(ctx context.Context, req model.CreateEmergency) (model.EmergencyRequest, error)
	AcknowledgeEmergency(ctx context.Context, requestID string) (model.EmergencyRequest, error)
	ResolveEmergency(ctx context.Context, requestID string) (model.EmergencyRequest, error)
}

// SessionSource is the read-only session view commands are gated on.
type SessionSource interface {
	Current() (session.Session, bool)
}

type Coordinator struct {
	logger   *slog.Logger
	cfg      config.TrackingConfig
	api      API
	sessions SessionSource
	validate *validator.Validator

	mu          sync.RWMutex
	locations   map[string]model.ActiveLocation
	emergencies map[string]model.EmergencyRequest
	isTracking  bool

	// lockMu guards cmdLocks; each emergency id gets its own mutex so no
	// two transitions on one request can run concurrently.
	lockMu   sync.Mutex
	cmdLocks map[string]*sync.Mutex
}

func NewCoordinator(logger *slog.Logger, cfg config.TrackingConfig, api API, sessions SessionSource) *Coordinator {
	return &Coordinator{
		logger:      logger,
		cfg:         cfg,
		api:         api,
		sessions:    sessions,
		validate:    validator.New(),
		locations:   make(map[string]model.ActiveLocation),
		emergencies: make(map[string]model.EmergencyRequest),
		cmdLocks:    make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) requireSession() (session.Session, error) {
	sess, ok := c.sessions.Current()
	if !ok {
		return session.Session{}, apierr.New(apierr.KindPreconditionFailed, "no authenticated session")
	}
	return sess, nil
}

// requireManager gates the admin commands. The check runs before any remote
// call: a forbidden caller costs no round trip.
func (c *Coordinator) requireManager() (session.Session, error) {
	sess, err := c.requireSession()
	if err != nil {
		return session.Session{}, err
	}
	if !sess.User.Role.CanManageTracking() {
		return session.Session{}, apierr.New(apierr.KindForbidden, "role %s may not manage tracking", sess.User.Role)
	}
	return sess, nil
}

func (c *Coordinator) requireDeliveryUser() (session.Session, error) {
	sess, err := c.requireSession()
	if err != nil {
		return session.Session{}, err
	}
	if !sess.User.Role.IsDeliveryUser() {
		return session.Session{}, apierr.New(apierr.KindForbidden, "role %s is not a tracked subject", sess.User.Role)
	}
	return sess, nil
}

// lockRequest serializes transitions per emergency request id.
func (c *Coordinator) lockRequest(id string) func() {
	c.lockMu.Lock()
	lock, ok := c.cmdLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		c.cmdLocks[id] = lock
	}
	c.lockMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// ActiveLocations returns the current projection: one record per active
// subject, stale records filtered out. Pure; no side effects.
func (c *Coordinator) ActiveLocations() []model.ActiveLocation {
	cutoff := time.Now().Add(-c.cfg.StaleAfter)

	c.mu.RLock()
	out := make([]model.ActiveLocation, 0, len(c.locations))
	for _, loc := range c.locations {
		if c.cfg.StaleAfter > 0 && loc.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, loc)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// EmergencyRequests returns locally known requests matching the filter,
// newest first. When Page/Limit are set the slice is windowed locally.
func (c *Coordinator) EmergencyRequests(f model.EmergencyFilter) []model.EmergencyRequest {
	c.mu.RLock()
	out := make([]model.EmergencyRequest, 0, len(c.emergencies))
	for _, req := range c.emergencies {
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		if f.Priority != "" && req.Priority != f.Priority {
			continue
		}
		out = append(out, req)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if f.Limit > 0 {
		start := 0
		if f.Page > 1 {
			start = (f.Page - 1) * f.Limit
		}
		if start >= len(out) {
			return nil
		}
		end := start + f.Limit
		if end > len(out) {
			end = len(out)
		}
		out = out[start:end]
	}
	return out
}

// LocationHistory delegates to the backend's paginated history query. A
// delivery user may only query their own trail.
func (c *Coordinator) LocationHistory(ctx context.Context, userID string, q model.HistoryQuery) (model.LocationHistoryPage, error) {
	sess, err := c.requireSession()
	if err != nil {
		return model.LocationHistoryPage{}, err
	}
	if !sess.User.Role.CanManageTracking() && sess.User.ID != userID {
		return model.LocationHistoryPage{}, apierr.New(apierr.KindForbidden, "may only query own history")
	}
	return c.api.LocationHistory(ctx, userID, q)
}

// Stats returns the organization tracking summary.
func (c *Coordinator) Stats(ctx context.Context) (model.TrackingStats, error) {
	if _, err := c.requireManager(); err != nil {
		return model.TrackingStats{}, err
	}
	return c.api.OrgStats(ctx)
}

// IsTracking reports whether the current delivery user has tracking on.
func (c *Coordinator) IsTracking() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isTracking
}

// AcknowledgeEmergency transitions a pending request to acknowledged. The
// remote call happens first; local state changes only after confirmation, so
// a failed call leaves the projection untouched.
func (c *Coordinator) AcknowledgeEmergency(ctx context.Context, requestID string) (model.EmergencyRequest, error) {
	sess, err := c.requireManager()
	if err != nil {
		return model.EmergencyRequest{}, err
	}

	unlock := c.lockRequest(requestID)
	defer unlock()

	c.mu.RLock()
	known, ok := c.emergencies[requestID]
	c.mu.RUnlock()
	if ok && known.Status != model.EmergencyPending {
		return model.EmergencyRequest{}, apierr.New(apierr.KindInvalidTransition,
			"cannot acknowledge request in status %s", known.Status)
	}

	confirmed, err := c.api.AcknowledgeEmergency(ctx, requestID)
	if err != nil {
		return model.EmergencyRequest{}, err
	}
	c.stampAcknowledged(&confirmed, sess.User.ID)

	if err := c.confirmLive(); err != nil {
		return model.EmergencyRequest{}, err
	}

	c.mu.Lock()
	merged := c.mergeEmergencyLocked(confirmed)
	c.mu.Unlock()

	c.logger.Info("emergency acknowledged", "request_id", requestID, "by", sess.User.ID)
	return merged, nil
}

// ResolveEmergency transitions an acknowledged request to resolved. Direct
// pending -> resolved is rejected unless AllowResolveFromPending is set.
func (c *Coordinator) ResolveEmergency(ctx context.Context, requestID string) (model.EmergencyRequest, error) {
	sess, err := c.requireManager()
	if err != nil {
		return model.EmergencyRequest{}, err
	}

	unlock := c.lockRequest(requestID)
	defer unlock()

	c.mu.RLock()
	known, ok := c.emergencies[requestID]
	c.mu.RUnlock()
	if ok && !known.Status.CanTransitionTo(model.EmergencyResolved, c.cfg.AllowResolveFromPending) {
		return model.EmergencyRequest{}, apierr.New(apierr.KindInvalidTransition,
			"cannot resolve request in status %s", known.Status)
	}

	confirmed, err := c.api.ResolveEmergency(ctx, requestID)
	if err != nil {
		return model.EmergencyRequest{}, err
	}
	c.stampResolved(&confirmed, sess.User.ID)

	if err := c.confirmLive(); err != nil {
		return model.EmergencyRequest{}, err
	}

	c.mu.Lock()
	merged := c.mergeEmergencyLocked(confirmed)
	c.mu.Unlock()

	c.logger.Info("emergency resolved", "request_id", requestID, "by", sess.User.ID)
	return merged, nil
}

// CreateEmergency raises a distress request for the calling delivery user.
func (c *Coordinator) CreateEmergency(ctx context.Context, req model.CreateEmergency) (model.EmergencyRequest, error) {
	if _, err := c.requireDeliveryUser(); err != nil {
		return model.EmergencyRequest{}, err
	}
	if err := c.validate.Validate(req); err != nil {
		return model.EmergencyRequest{}, err
	}
	if req.Priority == "" {
		req.Priority = model.PriorityMedium
	}

	created, err := c.api.CreateEmergency(ctx, req)
	if err != nil {
		return model.EmergencyRequest{}, err
	}
	if err := c.confirmLive(); err != nil {
		return model.EmergencyRequest{}, err
	}

	c.mu.Lock()
	merged := c.mergeEmergencyLocked(created)
	c.mu.Unlock()
	return merged, nil
}

// StartTracking turns the calling delivery user's tracking on. The flag
// flips only after the backend confirms.
func (c *Coordinator) StartTracking(ctx context.Context) error {
	sess, err := c.requireDeliveryUser()
	if err != nil {
		return err
	}
	if err := c.api.StartTracking(ctx); err != nil {
		return err
	}
	if err := c.confirmLive(); err != nil {
		return err
	}

	c.mu.Lock()
	c.isTracking = true
	if loc, ok := c.locations[sess.User.ID]; ok {
		loc.IsActive = true
		c.locations[sess.User.ID] = loc
	}
	c.mu.Unlock()
	return nil
}

// StopTracking turns the calling delivery user's tracking off and evicts
// its record from the active projection.
func (c *Coordinator) StopTracking(ctx context.Context) error {
	sess, err := c.requireDeliveryUser()
	if err != nil {
		return err
	}
	if err := c.api.StopTracking(ctx); err != nil {
		return err
	}
	if err := c.confirmLive(); err != nil {
		return err
	}

	c.mu.Lock()
	c.isTracking = false
	delete(c.locations, sess.User.ID)
	c.mu.Unlock()
	return nil
}

// UpdateLocation upserts the calling delivery user's own record. The remote
// write happens first; a failure is surfaced to the caller rather than
// retried, so the caller decides whether the fix matters enough to resend.
func (c *Coordinator) UpdateLocation(ctx context.Context, position model.Position, device model.DeviceInfo) error {
	sess, err := c.requireDeliveryUser()
	if err != nil {
		return err
	}
	if err := c.validate.Validate(position); err != nil {
		return err
	}
	if position.Timestamp.IsZero() {
		position.Timestamp = time.Now()
	}

	update := model.LocationUpdate{Position: position, DeviceInfo: device}
	if err := c.api.UpdateLocation(ctx, update); err != nil {
		return err
	}
	if err := c.confirmLive(); err != nil {
		return err
	}

	c.applyLocation(model.ActiveLocation{
		UserID:         sess.User.ID,
		UserName:       sess.User.Name,
		OrganizationID: sess.User.OrganizationID,
		Position:       position,
		IsActive:       true,
		BatteryLevel:   device.BatteryLevel,
		NetworkType:    device.NetworkType,
		UpdatedAt:      position.Timestamp,
	})
	return nil
}

// confirmLive guards against applying a remote result that outlived the
// session: if the user logged out while the call was in flight, the result
// is abandoned.
func (c *Coordinator) confirmLive() error {
	if _, ok := c.sessions.Current(); !ok {
		return apierr.New(apierr.KindPreconditionFailed, "session ended while command was in flight")
	}
	return nil
}
