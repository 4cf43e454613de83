package tracking

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleettrack/internal/apierr"
	"fleettrack/internal/channel"
	"fleettrack/internal/config"
	"fleettrack/internal/logger"
	"fleettrack/internal/model"
	"fleettrack/internal/session"
)

type fakeAPI struct {
	calls atomic.Int32

	// onAcknowledge and onStop run inside the matching call, before it
	// returns.
	onAcknowledge func()
	onStop        func()

	locations    []model.ActiveLocation
	locationsErr error

	emergencies    model.EmergencyPage
	emergenciesErr error

	acknowledgeResult model.EmergencyRequest
	acknowledgeErr    error
	resolveResult     model.EmergencyRequest
	resolveErr        error
	createResult      model.EmergencyRequest
	createErr         error

	updateErr error
	startErr  error
	stopErr   error
}

func (f *fakeAPI) ActiveLocations(ctx context.Context) ([]model.ActiveLocation, error) {
	f.calls.Add(1)
	return f.locations, f.locationsErr
}

func (f *fakeAPI) LocationHistory(ctx context.Context, userID string, q model.HistoryQuery) (model.LocationHistoryPage, error) {
	f.calls.Add(1)
	return model.LocationHistoryPage{}, nil
}

func (f *fakeAPI) UpdateLocation(ctx context.Context, update model.LocationUpdate) error {
	f.calls.Add(1)
	return f.updateErr
}

func (f *fakeAPI) StartTracking(ctx context.Context) error {
	f.calls.Add(1)
	return f.startErr
}

func (f *fakeAPI) StopTracking(ctx context.Context) error {
	f.calls.Add(1)
	if f.onStop != nil {
		f.onStop()
	}
	return f.stopErr
}

func (f *fakeAPI) OrgStats(ctx context.Context) (model.TrackingStats, error) {
	f.calls.Add(1)
	return model.TrackingStats{ActiveUsers: 1}, nil
}

func (f *fakeAPI) EmergencyRequests(ctx context.Context, filter model.EmergencyFilter) (model.EmergencyPage, error) {
	f.calls.Add(1)
	return f.emergencies, f.emergenciesErr
}

func (f *fakeAPI) CreateEmergency(ctx context.Context, req model.CreateEmergency) (model.EmergencyRequest, error) {
	f.calls.Add(1)
	return f.createResult, f.createErr
}

func (f *fakeAPI) AcknowledgeEmergency(ctx context.Context, requestID string) (model.EmergencyRequest, error) {
	f.calls.Add(1)
	if f.onAcknowledge != nil {
		f.onAcknowledge()
	}
	return f.acknowledgeResult, f.acknowledgeErr
}

func (f *fakeAPI) ResolveEmergency(ctx context.Context, requestID string) (model.EmergencyRequest, error) {
	f.calls.Add(1)
	return f.resolveResult, f.resolveErr
}

type stubSessions struct {
	sess session.Session
	ok   atomic.Bool
}

func (s *stubSessions) Current() (session.Session, bool) {
	if !s.ok.Load() {
		return session.Session{}, false
	}
	return s.sess, true
}

func adminSessions() *stubSessions {
	s := &stubSessions{sess: session.Session{
		User:         model.User{ID: "admin-1", Role: model.RoleOrganizationAdmin, OrganizationID: "org-1"},
		AccessToken:  "access",
		RefreshToken: "refresh",
	}}
	s.ok.Store(true)
	return s
}

func courierSessions() *stubSessions {
	s := &stubSessions{sess: session.Session{
		User:         model.User{ID: "courier-1", Name: "Dana Courier", Role: model.RoleDeliveryUser, OrganizationID: "org-1"},
		AccessToken:  "access",
		RefreshToken: "refresh",
	}}
	s.ok.Store(true)
	return s
}

func testTrackingConfig() config.TrackingConfig {
	return config.TrackingConfig{
		LocationPollInterval:  time.Second,
		EmergencyPollInterval: time.Second,
		StaleAfter:            5 * time.Minute,
		EmergencyPageLimit:    50,
	}
}

func newTestCoordinator(api *fakeAPI, sessions SessionSource, cfg config.TrackingConfig) *Coordinator {
	return NewCoordinator(logger.Discard(), cfg, api, sessions)
}

func pendingEmergency(id string, createdAt time.Time) model.EmergencyRequest {
	return model.EmergencyRequest{
		ID:             id,
		UserID:         "courier-1",
		OrganizationID: "org-1",
		Priority:       model.PriorityHigh,
		Status:         model.EmergencyPending,
		CreatedAt:      createdAt,
	}
}

func seedEmergency(c *Coordinator, req model.EmergencyRequest) {
	c.mu.Lock()
	c.mergeEmergencyLocked(req)
	c.mu.Unlock()
}

func activeLocation(userID string, ts time.Time) model.ActiveLocation {
	return model.ActiveLocation{
		UserID:         userID,
		OrganizationID: "org-1",
		Position:       model.Position{Latitude: 52.1, Longitude: 4.3, Timestamp: ts},
		IsActive:       true,
		UpdatedAt:      ts,
	}
}

func TestCoordinator_CommandsRequireSession(t *testing.T) {
	api := &fakeAPI{}
	sessions := adminSessions()
	sessions.ok.Store(false)
	c := newTestCoordinator(api, sessions, testTrackingConfig())

	_, err := c.AcknowledgeEmergency(context.Background(), "em-1")
	assert.True(t, apierr.IsKind(err, apierr.KindPreconditionFailed))

	err = c.StartTracking(context.Background())
	assert.True(t, apierr.IsKind(err, apierr.KindPreconditionFailed))

	assert.Zero(t, api.calls.Load(), "no remote call without a session")
}

func TestCoordinator_RoleGates(t *testing.T) {
	t.Run("courier_cannot_manage", func(t *testing.T) {
		api := &fakeAPI{}
		c := newTestCoordinator(api, courierSessions(), testTrackingConfig())

		_, err := c.AcknowledgeEmergency(context.Background(), "em-1")
		assert.True(t, apierr.IsKind(err, apierr.KindForbidden))

		_, err = c.ResolveEmergency(context.Background(), "em-1")
		assert.True(t, apierr.IsKind(err, apierr.KindForbidden))

		_, err = c.Stats(context.Background())
		assert.True(t, apierr.IsKind(err, apierr.KindForbidden))

		assert.Zero(t, api.calls.Load(), "forbidden commands must not reach the backend")
	})

	t.Run("admin_is_not_a_tracked_subject", func(t *testing.T) {
		api := &fakeAPI{}
		c := newTestCoordinator(api, adminSessions(), testTrackingConfig())

		err := c.StartTracking(context.Background())
		assert.True(t, apierr.IsKind(err, apierr.KindForbidden))

		err = c.UpdateLocation(context.Background(), model.Position{Latitude: 1, Longitude: 1}, model.DeviceInfo{})
		assert.True(t, apierr.IsKind(err, apierr.KindForbidden))

		_, err = c.CreateEmergency(context.Background(), model.CreateEmergency{})
		assert.True(t, apierr.IsKind(err, apierr.KindForbidden))

		assert.Zero(t, api.calls.Load())
	})
}

func TestCoordinator_AcknowledgeThenResolve(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	api := &fakeAPI{
		acknowledgeResult: model.EmergencyRequest{ID: "em-1", Status: model.EmergencyAcknowledged, CreatedAt: created},
		resolveResult:     model.EmergencyRequest{ID: "em-1", Status: model.EmergencyResolved, CreatedAt: created},
	}
	c := newTestCoordinator(api, adminSessions(), testTrackingConfig())
	seedEmergency(c, pendingEmergency("em-1", created))

	acked, err := c.AcknowledgeEmergency(context.Background(), "em-1")
	require.NoError(t, err)
	assert.Equal(t, model.EmergencyAcknowledged, acked.Status)
	assert.Equal(t, "admin-1", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)

	resolved, err := c.ResolveEmergency(context.Background(), "em-1")
	require.NoError(t, err)
	assert.Equal(t, model.EmergencyResolved, resolved.Status)
	assert.Equal(t, "admin-1", resolved.ResolvedBy)
	assert.Equal(t, "admin-1", resolved.AcknowledgedBy, "acknowledgement metadata survives the resolve")
	require.NotNil(t, resolved.ResolvedAt)
}

func TestCoordinator_DoubleResolveFailsLocally(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	api := &fakeAPI{
		resolveResult: model.EmergencyRequest{ID: "em-1", Status: model.EmergencyResolved, CreatedAt: created},
	}
	c := newTestCoordinator(api, adminSessions(), testTrackingConfig())

	seeded := pendingEmergency("em-1", created)
	seeded.Status = model.EmergencyAcknowledged
	seedEmergency(c, seeded)

	_, err := c.ResolveEmergency(context.Background(), "em-1")
	require.NoError(t, err)
	callsAfterFirst := api.calls.Load()

	_, err = c.ResolveEmergency(context.Background(), "em-1")
	assert.True(t, apierr.IsKind(err, apierr.KindInvalidTransition))
	assert.Equal(t, callsAfterFirst, api.calls.Load(), "known-bad transitions fail before the backend")
}

func TestCoordinator_ResolveFromPending(t *testing.T) {
	created := time.Now().Add(-time.Minute)

	t.Run("rejected_by_default", func(t *testing.T) {
		api := &fakeAPI{}
		c := newTestCoordinator(api, adminSessions(), testTrackingConfig())
		seedEmergency(c, pendingEmergency("em-1", created))

		_, err := c.ResolveEmergency(context.Background(), "em-1")
		assert.True(t, apierr.IsKind(err, apierr.KindInvalidTransition))
		assert.Zero(t, api.calls.Load())
	})

	t.Run("allowed_when_configured", func(t *testing.T) {
		api := &fakeAPI{
			resolveResult: model.EmergencyRequest{ID: "em-1", Status: model.EmergencyResolved, CreatedAt: created},
		}
		cfg := testTrackingConfig()
		cfg.AllowResolveFromPending = true
		c := newTestCoordinator(api, adminSessions(), cfg)
		seedEmergency(c, pendingEmergency("em-1", created))

		resolved, err := c.ResolveEmergency(context.Background(), "em-1")
		require.NoError(t, err)
		assert.Equal(t, model.EmergencyResolved, resolved.Status)
	})
}

func TestCoordinator_RemoteRejectionLeavesProjectionUntouched(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	api := &fakeAPI{
		acknowledgeErr: apierr.New(apierr.KindInvalidTransition, "already acknowledged elsewhere"),
	}
	c := newTestCoordinator(api, adminSessions(), testTrackingConfig())
	seedEmergency(c, pendingEmergency("em-1", created))

	_, err := c.AcknowledgeEmergency(context.Background(), "em-1")
	assert.True(t, apierr.IsKind(err, apierr.KindInvalidTransition))

	reqs := c.EmergencyRequests(model.EmergencyFilter{})
	require.Len(t, reqs, 1)
	assert.Equal(t, model.EmergencyPending, reqs[0].Status, "no optimistic update on failure")
}

func TestCoordinator_OutOfOrderLocationUpdatesDropped(t *testing.T) {
	c := newTestCoordinator(&fakeAPI{}, adminSessions(), testTrackingConfig())

	newer := time.Now()
	older := newer.Add(-time.Minute)

	c.applyLocation(activeLocation("u-1", newer))
	c.applyLocation(activeLocation("u-1", older))

	locs := c.ActiveLocations()
	require.Len(t, locs, 1)
	assert.Equal(t, newer.Unix(), locs[0].Position.Timestamp.Unix(), "older update must not win")
}

func TestCoordinator_PollMergesWithoutEvicting(t *testing.T) {
	now := time.Now()
	api := &fakeAPI{locations: []model.ActiveLocation{activeLocation("u-2", now)}}
	c := newTestCoordinator(api, adminSessions(), testTrackingConfig())

	c.applyLocation(activeLocation("u-1", now))

	require.NoError(t, c.PollLocations(context.Background()))
	assert.Len(t, c.ActiveLocations(), 2, "poll adds, never replaces wholesale")

	api.locations = nil
	require.NoError(t, c.PollLocations(context.Background()))
	assert.Len(t, c.ActiveLocations(), 2, "an empty poll evicts nothing")

	api.locationsErr = apierr.New(apierr.KindNetwork, "backend unreachable")
	err := c.PollLocations(context.Background())
	assert.True(t, apierr.IsKind(err, apierr.KindNetwork))
	assert.Len(t, c.ActiveLocations(), 2, "a failed poll evicts nothing")
}

func TestCoordinator_StaleLocationsEvicted(t *testing.T) {
	cfg := testTrackingConfig()
	cfg.StaleAfter = time.Minute
	api := &fakeAPI{}
	c := newTestCoordinator(api, adminSessions(), cfg)

	c.applyLocation(activeLocation("u-old", time.Now().Add(-2*time.Minute)))
	c.applyLocation(activeLocation("u-new", time.Now()))

	locs := c.ActiveLocations()
	require.Len(t, locs, 1)
	assert.Equal(t, "u-new", locs[0].UserID)

	require.NoError(t, c.PollLocations(context.Background()))
	c.mu.RLock()
	_, stillThere := c.locations["u-old"]
	c.mu.RUnlock()
	assert.False(t, stillThere, "poll garbage-collects stale records")
}

func TestCoordinator_PollEmergenciesOnlyAdvances(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	api := &fakeAPI{emergencies: model.EmergencyPage{Requests: []model.EmergencyRequest{
		pendingEmergency("em-1", created),
	}}}
	c := newTestCoordinator(api, adminSessions(), testTrackingConfig())

	acked := pendingEmergency("em-1", created)
	acked.Status = model.EmergencyAcknowledged
	acked.AcknowledgedBy = "admin-1"
	seedEmergency(c, acked)

	require.NoError(t, c.PollEmergencies(context.Background()))

	reqs := c.EmergencyRequests(model.EmergencyFilter{})
	require.Len(t, reqs, 1)
	assert.Equal(t, model.EmergencyAcknowledged, reqs[0].Status, "a stale poll snapshot cannot regress status")
	assert.Equal(t, "admin-1", reqs[0].AcknowledgedBy)
}

func TestCoordinator_EmergencyFilterAndOrder(t *testing.T) {
	c := newTestCoordinator(&fakeAPI{}, adminSessions(), testTrackingConfig())
	base := time.Now()

	older := pendingEmergency("em-old", base.Add(-time.Hour))
	newer := pendingEmergency("em-new", base)
	resolved := pendingEmergency("em-done", base.Add(-30*time.Minute))
	resolved.Status = model.EmergencyResolved
	resolved.Priority = model.PriorityLow

	seedEmergency(c, older)
	seedEmergency(c, newer)
	seedEmergency(c, resolved)

	all := c.EmergencyRequests(model.EmergencyFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, "em-new", all[0].ID, "newest first")

	pending := c.EmergencyRequests(model.EmergencyFilter{Status: model.EmergencyPending})
	assert.Len(t, pending, 2)

	high := c.EmergencyRequests(model.EmergencyFilter{Priority: model.PriorityHigh})
	assert.Len(t, high, 2)

	paged := c.EmergencyRequests(model.EmergencyFilter{Page: 2, Limit: 2})
	require.Len(t, paged, 1)
	assert.Equal(t, "em-old", paged[0].ID)
}

func TestCoordinator_CourierSelfOperations(t *testing.T) {
	api := &fakeAPI{
		createResult: model.EmergencyRequest{ID: "em-9", Status: model.EmergencyPending, CreatedAt: time.Now()},
	}
	c := newTestCoordinator(api, courierSessions(), testTrackingConfig())

	require.NoError(t, c.StartTracking(context.Background()))
	assert.True(t, c.IsTracking())

	pos := model.Position{Latitude: 52.37, Longitude: 4.89, Timestamp: time.Now()}
	require.NoError(t, c.UpdateLocation(context.Background(), pos, model.DeviceInfo{NetworkType: model.NetworkWifi}))

	locs := c.ActiveLocations()
	require.Len(t, locs, 1)
	assert.Equal(t, "courier-1", locs[0].UserID)
	assert.Equal(t, model.NetworkWifi, locs[0].NetworkType)

	created, err := c.CreateEmergency(context.Background(), model.CreateEmergency{
		Position: pos,
		Message:  "flat tire on the highway",
	})
	require.NoError(t, err)
	assert.Equal(t, "em-9", created.ID)

	require.NoError(t, c.StopTracking(context.Background()))
	assert.False(t, c.IsTracking())
	assert.Empty(t, c.ActiveLocations(), "stopping removes the own record")
}

func TestCoordinator_CreateEmergencyValidatesPriority(t *testing.T) {
	api := &fakeAPI{}
	c := newTestCoordinator(api, courierSessions(), testTrackingConfig())

	_, err := c.CreateEmergency(context.Background(), model.CreateEmergency{
		Position: model.Position{Latitude: 52.1, Longitude: 4.3},
		Priority: "urgent",
	})
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
	assert.Zero(t, api.calls.Load())
}

func TestCoordinator_UpdateLocationValidatesPosition(t *testing.T) {
	api := &fakeAPI{}
	c := newTestCoordinator(api, courierSessions(), testTrackingConfig())

	err := c.UpdateLocation(context.Background(), model.Position{Latitude: 120, Longitude: 4.8}, model.DeviceInfo{})
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
	assert.Zero(t, api.calls.Load())
}

func TestCoordinator_UpdateLocationSurfacesRemoteFailure(t *testing.T) {
	api := &fakeAPI{updateErr: apierr.New(apierr.KindNetwork, "backend unreachable")}
	c := newTestCoordinator(api, courierSessions(), testTrackingConfig())

	err := c.UpdateLocation(context.Background(), model.Position{Latitude: 52.1, Longitude: 4.3}, model.DeviceInfo{})
	assert.True(t, apierr.IsKind(err, apierr.KindNetwork))
	assert.Empty(t, c.ActiveLocations(), "a failed write must not appear locally")
}

func TestCoordinator_LocationHistoryAccess(t *testing.T) {
	api := &fakeAPI{}
	c := newTestCoordinator(api, courierSessions(), testTrackingConfig())

	_, err := c.LocationHistory(context.Background(), "courier-1", model.HistoryQuery{})
	require.NoError(t, err)

	_, err = c.LocationHistory(context.Background(), "someone-else", model.HistoryQuery{})
	assert.True(t, apierr.IsKind(err, apierr.KindForbidden))
}

func TestCoordinator_HandleChannelEvents(t *testing.T) {
	c := newTestCoordinator(&fakeAPI{}, adminSessions(), testTrackingConfig())
	now := time.Now()

	c.applyLocation(activeLocation("u-1", now.Add(-time.Minute)))

	locPayload, _ := json.Marshal(activeLocation("u-1", now))
	c.handleEvent(channel.Event{Kind: channel.EventLocationUpdate, Data: locPayload})

	locs := c.ActiveLocations()
	require.Len(t, locs, 1)
	assert.Equal(t, now.Unix(), locs[0].Position.Timestamp.Unix())

	emPayload, _ := json.Marshal(pendingEmergency("em-1", now))
	c.handleEvent(channel.Event{Kind: channel.EventEmergencyNew, Data: emPayload})
	assert.Len(t, c.EmergencyRequests(model.EmergencyFilter{}), 1)

	stopPayload, _ := json.Marshal(map[string]string{"userId": "u-1"})
	c.handleEvent(channel.Event{Kind: channel.EventTrackingStopped, Data: stopPayload})
	assert.Empty(t, c.ActiveLocations())

	c.handleEvent(channel.Event{Kind: channel.EventLocationUpdate, Data: []byte("garbage")})
	c.handleEvent(channel.Event{Kind: "mystery:event", Data: []byte("{}")})
}

func TestCoordinator_ConcurrentTransitionsOnOneRequestSerialize(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	api := &fakeAPI{
		acknowledgeResult: model.EmergencyRequest{ID: "em-1", Status: model.EmergencyAcknowledged, CreatedAt: created},
	}
	c := newTestCoordinator(api, adminSessions(), testTrackingConfig())
	seedEmergency(c, pendingEmergency("em-1", created))

	const workers = 8
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := c.AcknowledgeEmergency(context.Background(), "em-1")
			results <- err
		}()
	}

	var succeeded, rejected int
	for i := 0; i < workers; i++ {
		if err := <-results; err == nil {
			succeeded++
		} else {
			require.True(t, apierr.IsKind(err, apierr.KindInvalidTransition), "got %v", err)
			rejected++
		}
	}

	assert.Equal(t, 1, succeeded, "exactly one transition wins")
	assert.Equal(t, workers-1, rejected)
	assert.Equal(t, int32(1), api.calls.Load(), "losers fail locally without a remote call")
}

func TestCoordinator_SessionEndClearsProjections(t *testing.T) {
	sessions := adminSessions()
	c := newTestCoordinator(&fakeAPI{}, sessions, testTrackingConfig())

	c.applyLocation(activeLocation("u-1", time.Now()))
	seedEmergency(c, pendingEmergency("em-1", time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan session.Event, 1)
	done := make(chan struct{})
	go func() {
		c.WatchSession(ctx, events)
		close(done)
	}()

	events <- session.Event{Kind: session.EventExpired}
	close(events)
	<-done

	assert.Empty(t, c.ActiveLocations())
	assert.Empty(t, c.EmergencyRequests(model.EmergencyFilter{}))
	assert.False(t, c.IsTracking())
}

func TestCoordinator_StopTrackingDiscardedAfterLogout(t *testing.T) {
	sessions := courierSessions()
	api := &fakeAPI{}
	c := newTestCoordinator(api, sessions, testTrackingConfig())

	require.NoError(t, c.StartTracking(context.Background()))
	c.applyLocation(activeLocation("courier-1", time.Now()))

	api.onStop = func() { sessions.ok.Store(false) }

	err := c.StopTracking(context.Background())
	assert.True(t, apierr.IsKind(err, apierr.KindPreconditionFailed))

	assert.True(t, c.IsTracking(), "the confirmed stop must not apply after the session ended")
	assert.Len(t, c.ActiveLocations(), 1)
}

func TestCoordinator_InFlightCommandDiscardedAfterLogout(t *testing.T) {
	sessions := adminSessions()
	created := time.Now().Add(-time.Minute)
	api := &fakeAPI{
		acknowledgeResult: model.EmergencyRequest{ID: "em-1", Status: model.EmergencyAcknowledged, CreatedAt: created},
	}
	c := newTestCoordinator(api, sessions, testTrackingConfig())
	seedEmergency(c, pendingEmergency("em-1", created))

	// The session vanishes while the remote call is in flight; the confirmed
	// result must be abandoned, not applied.
	api.onAcknowledge = func() { sessions.ok.Store(false) }

	_, err := c.AcknowledgeEmergency(context.Background(), "em-1")
	assert.True(t, apierr.IsKind(err, apierr.KindPreconditionFailed))

	reqs := c.EmergencyRequests(model.EmergencyFilter{})
	require.Len(t, reqs, 1)
	assert.Equal(t, model.EmergencyPending, reqs[0].Status)
}
