package rest

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"fleettrack/internal/model"
)

// subjectRef is a backend reference that arrives either as a bare id string
// or as a populated object.
type subjectRef struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

func (r *subjectRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		r.ID = id
		return nil
	}
	type ref subjectRef
	var obj ref
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = subjectRef(obj)
	return nil
}

type wireLocation struct {
	UserID         subjectRef        `json:"userId"`
	OrganizationID subjectRef        `json:"organizationId"`
	Location       model.Position    `json:"location"`
	IsActive       bool              `json:"isActive"`
	BatteryLevel   *int              `json:"batteryLevel"`
	NetworkType    model.NetworkType `json:"networkType"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

func (w wireLocation) toModel() model.ActiveLocation {
	return model.ActiveLocation{
		UserID:         w.UserID.ID,
		UserName:       w.UserID.Name,
		OrganizationID: w.OrganizationID.ID,
		Position:       w.Location,
		IsActive:       w.IsActive,
		BatteryLevel:   w.BatteryLevel,
		NetworkType:    w.NetworkType,
		UpdatedAt:      w.UpdatedAt,
	}
}

type wireEmergency struct {
	ID             string                  `json:"_id"`
	UserID         subjectRef              `json:"userId"`
	OrganizationID subjectRef              `json:"organizationId"`
	Location       model.Position          `json:"location"`
	Message        string                  `json:"message"`
	Priority       model.EmergencyPriority `json:"priority"`
	Status         model.EmergencyStatus   `json:"status"`
	CreatedAt      time.Time               `json:"createdAt"`
	AcknowledgedBy *subjectRef             `json:"acknowledgedBy"`
	AcknowledgedAt *time.Time              `json:"acknowledgedAt"`
	ResolvedBy     *subjectRef             `json:"resolvedBy"`
	ResolvedAt     *time.Time              `json:"resolvedAt"`
}

func (w wireEmergency) toModel() model.EmergencyRequest {
	req := model.EmergencyRequest{
		ID:             w.ID,
		UserID:         w.UserID.ID,
		UserName:       w.UserID.Name,
		OrganizationID: w.OrganizationID.ID,
		Position:       w.Location,
		Message:        w.Message,
		Priority:       w.Priority,
		Status:         w.Status,
		CreatedAt:      w.CreatedAt,
		AcknowledgedAt: w.AcknowledgedAt,
		ResolvedAt:     w.ResolvedAt,
	}
	if w.AcknowledgedBy != nil {
		req.AcknowledgedBy = w.AcknowledgedBy.ID
	}
	if w.ResolvedBy != nil {
		req.ResolvedBy = w.ResolvedBy.ID
	}
	return req
}

// ActiveLocations returns the organization-wide active location snapshot.
func (c *Client) ActiveLocations(ctx context.Context) ([]model.ActiveLocation, error) {
	var wires []wireLocation
	if err := c.get(ctx, "/tracking/org/locations/active", nil, &wires); err != nil {
		return nil, err
	}
	locations := make([]model.ActiveLocation, 0, len(wires))
	for _, w := range wires {
		locations = append(locations, w.toModel())
	}
	return locations, nil
}

// CurrentLocation returns the caller's own latest location record.
func (c *Client) CurrentLocation(ctx context.Context) (model.ActiveLocation, error) {
	var w wireLocation
	if err := c.get(ctx, "/tracking/location/current", nil, &w); err != nil {
		return model.ActiveLocation{}, err
	}
	return w.toModel(), nil
}

type wireHistoryPage struct {
	History    []wireLocation   `json:"history"`
	Pagination model.Pagination `json:"pagination"`
}

// LocationHistory fetches a page of a subject's historical positions.
func (c *Client) LocationHistory(ctx context.Context, userID string, q model.HistoryQuery) (model.LocationHistoryPage, error) {
	query := url.Values{}
	query.Set("userId", userID)
	if !q.StartDate.IsZero() {
		query.Set("startDate", q.StartDate.Format(time.RFC3339))
	}
	if !q.EndDate.IsZero() {
		query.Set("endDate", q.EndDate.Format(time.RFC3339))
	}
	if q.Page > 0 {
		query.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}

	var wire wireHistoryPage
	if err := c.get(ctx, "/tracking/location/history", query, &wire); err != nil {
		return model.LocationHistoryPage{}, err
	}

	page := model.LocationHistoryPage{Pagination: wire.Pagination}
	for _, w := range wire.History {
		page.History = append(page.History, w.toModel())
	}
	return page, nil
}

// UpdateLocation upserts the caller's own location record.
func (c *Client) UpdateLocation(ctx context.Context, update model.LocationUpdate) error {
	return c.post(ctx, "/tracking/location/update", update, nil)
}

// StartTracking marks the caller as actively tracked.
func (c *Client) StartTracking(ctx context.Context) error {
	return c.post(ctx, "/realtime/start-tracking", nil, nil)
}

// StopTracking marks the caller as no longer tracked.
func (c *Client) StopTracking(ctx context.Context) error {
	return c.post(ctx, "/realtime/stop-tracking", nil, nil)
}

// OrgStats returns the organization tracking dashboard summary.
func (c *Client) OrgStats(ctx context.Context) (model.TrackingStats, error) {
	var stats model.TrackingStats
	if err := c.get(ctx, "/tracking/org/stats", nil, &stats); err != nil {
		return model.TrackingStats{}, err
	}
	return stats, nil
}

type wireEmergencyPage struct {
	Requests   []wireEmergency  `json:"requests"`
	Pagination model.Pagination `json:"pagination"`
}

// EmergencyRequests lists the organization's emergency requests, filterable
// by status, priority and page.
func (c *Client) EmergencyRequests(ctx context.Context, f model.EmergencyFilter) (model.EmergencyPage, error) {
	query := url.Values{}
	if f.Status != "" {
		query.Set("status", string(f.Status))
	}
	if f.Priority != "" {
		query.Set("priority", string(f.Priority))
	}
	if f.Page > 0 {
		query.Set("page", strconv.Itoa(f.Page))
	}
	if f.Limit > 0 {
		query.Set("limit", strconv.Itoa(f.Limit))
	}

	var wire wireEmergencyPage
	if err := c.get(ctx, "/tracking/org/emergency", query, &wire); err != nil {
		return model.EmergencyPage{}, err
	}

	page := model.EmergencyPage{Pagination: wire.Pagination}
	for _, w := range wire.Requests {
		page.Requests = append(page.Requests, w.toModel())
	}
	return page, nil
}

// CreateEmergency raises a new distress request for the caller.
func (c *Client) CreateEmergency(ctx context.Context, req model.CreateEmergency) (model.EmergencyRequest, error) {
	var wire wireEmergency
	if err := c.post(ctx, "/tracking/emergency/request", req, &wire); err != nil {
		return model.EmergencyRequest{}, err
	}
	return wire.toModel(), nil
}

// AcknowledgeEmergency transitions a pending request to acknowledged. The
// backend answers a wrong-state request with 409, surfaced as
// InvalidTransition.
func (c *Client) AcknowledgeEmergency(ctx context.Context, requestID string) (model.EmergencyRequest, error) {
	var wire wireEmergency
	if err := c.patch(ctx, "/tracking/org/emergency/"+requestID+"/acknowledge", nil, &wire); err != nil {
		return model.EmergencyRequest{}, err
	}
	return wire.toModel(), nil
}

// ResolveEmergency transitions an acknowledged request to resolved.
func (c *Client) ResolveEmergency(ctx context.Context, requestID string) (model.EmergencyRequest, error) {
	var wire wireEmergency
	if err := c.patch(ctx, "/tracking/org/emergency/"+requestID+"/resolve", nil, &wire); err != nil {
		return model.EmergencyRequest{}, err
	}
	return wire.toModel(), nil
}
