package tracking

import (
	"context"
	"sync"
	"time"

	"fleettrack/internal/channel"
	"fleettrack/internal/model"
	"fleettrack/internal/session"
)

// PollLocations refreshes the active-location projection from the backend.
// Results merge by subject id: a record never moves backwards in time, an
// empty or failed poll never evicts anything. Records that have gone stale
// are garbage collected here rather than at read time.
func (c *Coordinator) PollLocations(ctx context.Context) error {
	if _, err := c.requireManager(); err != nil {
		return err
	}

	fetched, err := c.api.ActiveLocations(ctx)
	if err != nil {
		return err
	}
	for _, loc := range fetched {
		c.applyLocation(loc)
	}

	if c.cfg.StaleAfter > 0 {
		cutoff := time.Now().Add(-c.cfg.StaleAfter)
		c.mu.Lock()
		for id, loc := range c.locations {
			if loc.UpdatedAt.Before(cutoff) {
				delete(c.locations, id)
			}
		}
		c.mu.Unlock()
	}
	return nil
}

// PollEmergencies refreshes the emergency projection from the backend's
// first page, newest first. Like locations, a poll only adds and advances;
// it never removes.
func (c *Coordinator) PollEmergencies(ctx context.Context) error {
	if _, err := c.requireManager(); err != nil {
		return err
	}

	page, err := c.api.EmergencyRequests(ctx, model.EmergencyFilter{
		Page:  1,
		Limit: c.cfg.EmergencyPageLimit,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, req := range page.Requests {
		c.mergeEmergencyLocked(req)
	}
	c.mu.Unlock()
	return nil
}

// Run consumes realtime channel events and folds them into the projections.
// Undecodable payloads are logged and skipped; the loop ends when the
// channel closes or ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, events <-chan channel.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ev)
		}
	}
}

func (c *Coordinator) handleEvent(ev channel.Event) {
	switch ev.Kind {
	case channel.EventLocationUpdate:
		loc, err := ev.DecodeLocation()
		if err != nil {
			c.logger.Warn("dropping malformed location event", "error", err)
			return
		}
		c.applyLocation(loc)

	case channel.EventEmergencyNew, channel.EventEmergencyUpdate:
		req, err := ev.DecodeEmergency()
		if err != nil {
			c.logger.Warn("dropping malformed emergency event", "error", err)
			return
		}
		c.mu.Lock()
		c.mergeEmergencyLocked(req)
		c.mu.Unlock()

	case channel.EventTrackingStarted:
		userID, err := ev.DecodeSubject()
		if err != nil {
			c.logger.Warn("dropping malformed tracking event", "error", err)
			return
		}
		c.mu.Lock()
		if loc, ok := c.locations[userID]; ok {
			loc.IsActive = true
			c.locations[userID] = loc
		}
		c.mu.Unlock()

	case channel.EventTrackingStopped:
		userID, err := ev.DecodeSubject()
		if err != nil {
			c.logger.Warn("dropping malformed tracking event", "error", err)
			return
		}
		c.mu.Lock()
		delete(c.locations, userID)
		c.mu.Unlock()

	default:
		c.logger.Debug("ignoring unknown event kind", "kind", ev.Kind)
	}
}

// WatchSession clears the projections on logout or expiry. Login itself
// changes nothing here; the polling loops repopulate on their next tick.
func (c *Coordinator) WatchSession(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case session.EventLoggedOut, session.EventExpired:
				c.reset()
			}
		}
	}
}

func (c *Coordinator) reset() {
	c.mu.Lock()
	c.locations = make(map[string]model.ActiveLocation)
	c.emergencies = make(map[string]model.EmergencyRequest)
	c.isTracking = false
	c.mu.Unlock()

	c.lockMu.Lock()
	c.cmdLocks = make(map[string]*sync.Mutex)
	c.lockMu.Unlock()

	c.logger.Info("tracking projections cleared")
}

// applyLocation upserts with latest-write-wins on the position timestamp; an
// out-of-order update is dropped. An inactive record evicts the subject.
func (c *Coordinator) applyLocation(loc model.ActiveLocation) {
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = loc.Position.Timestamp
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.locations[loc.UserID]; ok &&
		loc.Position.Timestamp.Before(existing.Position.Timestamp) {
		return
	}
	if !loc.IsActive {
		delete(c.locations, loc.UserID)
		return
	}
	c.locations[loc.UserID] = loc
}

// statusRank orders emergency statuses along the lifecycle so a merge can
// tell a stale snapshot from an advance.
func statusRank(s model.EmergencyStatus) int {
	switch s {
	case model.EmergencyPending:
		return 0
	case model.EmergencyAcknowledged:
		return 1
	case model.EmergencyResolved:
		return 2
	}
	return -1
}

// mergeEmergencyLocked folds one request into the projection. Status only
// moves forward; actor/timestamp fields set locally survive a snapshot that
// omits them. Caller holds c.mu.
func (c *Coordinator) mergeEmergencyLocked(req model.EmergencyRequest) model.EmergencyRequest {
	existing, ok := c.emergencies[req.ID]
	if ok {
		if statusRank(req.Status) < statusRank(existing.Status) {
			return existing
		}
		if req.AcknowledgedBy == "" {
			req.AcknowledgedBy = existing.AcknowledgedBy
		}
		if req.AcknowledgedAt == nil {
			req.AcknowledgedAt = existing.AcknowledgedAt
		}
		if req.ResolvedBy == "" {
			req.ResolvedBy = existing.ResolvedBy
		}
		if req.ResolvedAt == nil {
			req.ResolvedAt = existing.ResolvedAt
		}
		if req.CreatedAt.IsZero() {
			req.CreatedAt = existing.CreatedAt
		}
	}
	c.emergencies[req.ID] = req
	return req
}

// stampAcknowledged fills in acknowledgement metadata when the backend
// response omits it.
func (c *Coordinator) stampAcknowledged(req *model.EmergencyRequest, actorID string) {
	if req.Status == "" {
		req.Status = model.EmergencyAcknowledged
	}
	if req.AcknowledgedBy == "" {
		req.AcknowledgedBy = actorID
	}
	if req.AcknowledgedAt == nil {
		now := time.Now()
		req.AcknowledgedAt = &now
	}
}

func (c *Coordinator) stampResolved(req *model.EmergencyRequest, actorID string) {
	if req.Status == "" {
		req.Status = model.EmergencyResolved
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = actorID
	}
	if req.ResolvedAt == nil {
		now := time.Now()
		req.ResolvedAt = &now
	}
}
