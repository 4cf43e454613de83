package model

import "time"

// NetworkType is the reported connectivity of a tracked device.
type NetworkType string

const (
	NetworkWifi    NetworkType = "wifi"
	Network5G      NetworkType = "5g"
	Network4G      NetworkType = "4g"
	Network3G      NetworkType = "3g"
	Network2G      NetworkType = "2g"
	NetworkUnknown NetworkType = "unknown"
)

// Position is a single geographic fix. Timestamp is the capture time on the
// device, not the server receive time; it drives latest-write-wins merging.
type Position struct {
	Latitude  float64   `json:"latitude" validate:"latitude"`
	Longitude float64   `json:"longitude" validate:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type DeviceInfo struct {
	BatteryLevel *int        `json:"batteryLevel,omitempty"`
	NetworkType  NetworkType `json:"networkType,omitempty"`
	Model        string      `json:"model,omitempty"`
	OS           string      `json:"os,omitempty"`
	AppVersion   string      `json:"appVersion,omitempty"`
}

// ActiveLocation is the latest known position and status for one tracked
// subject. The coordinator keeps at most one per user id.
type ActiveLocation struct {
	UserID         string      `json:"userId"`
	UserName       string      `json:"userName,omitempty"`
	OrganizationID string      `json:"organizationId"`
	Position       Position    `json:"location"`
	IsActive       bool        `json:"isActive"`
	BatteryLevel   *int        `json:"batteryLevel,omitempty"`
	NetworkType    NetworkType `json:"networkType,omitempty"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// LocationUpdate is the payload a delivery user sends for their own record.
type LocationUpdate struct {
	Position   Position   `json:"location"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

type HistoryQuery struct {
	StartDate time.Time
	EndDate   time.Time
	Page      int
	Limit     int
}

type LocationHistoryPage struct {
	History    []ActiveLocation `json:"history"`
	Pagination Pagination       `json:"pagination"`
}

// TrackingStats is the organization dashboard summary.
type TrackingStats struct {
	ActiveUsers               int `json:"activeUsers"`
	TotalUsers                int `json:"totalUsers"`
	TotalEmergencyRequests    int `json:"totalEmergencyRequests"`
	PendingEmergencyRequests  int `json:"pendingEmergencyRequests"`
	ResolvedEmergencyRequests int `json:"resolvedEmergencyRequests"`
}
