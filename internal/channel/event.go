package channel

import (
	"encoding/json"

	"fleettrack/internal/model"
)

// EventKind discriminates the frames pushed by the tracking backend.
type EventKind string

const (
	EventLocationUpdate  EventKind = "location:update"
	EventEmergencyNew    EventKind = "emergency:new"
	EventEmergencyUpdate EventKind = "emergency:update"
	EventTrackingStarted EventKind = "tracking:started"
	EventTrackingStopped EventKind = "tracking:stopped"
)

// Event is one inbound frame. Events reach subscribers in transport-arrival
// order; no reordering or deduplication happens at this layer.
type Event struct {
	Kind EventKind       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeLocation unmarshals the payload of a location event.
func (e Event) DecodeLocation() (model.ActiveLocation, error) {
	var loc model.ActiveLocation
	err := json.Unmarshal(e.Data, &loc)
	return loc, err
}

// DecodeEmergency unmarshals the payload of an emergency event.
func (e Event) DecodeEmergency() (model.EmergencyRequest, error) {
	var req model.EmergencyRequest
	err := json.Unmarshal(e.Data, &req)
	return req, err
}

// trackingSignal is the payload of tracking started/stopped events.
type trackingSignal struct {
	UserID string `json:"userId"`
}

// DecodeSubject returns the subject user id of a tracking start/stop event.
func (e Event) DecodeSubject() (string, error) {
	var sig trackingSignal
	err := json.Unmarshal(e.Data, &sig)
	return sig.UserID, err
}

// AuthPayload is the first frame sent after the websocket upgrade; it binds
// the connection to the authenticated subject.
type AuthPayload struct {
	Token          string `json:"token"`
	UserID         string `json:"userId"`
	OrganizationID string `json:"organizationId,omitempty"`
	ClientID       string `json:"clientId"`
}
