package model

import "time"

type EmergencyStatus string

const (
	EmergencyPending      EmergencyStatus = "pending"
	EmergencyAcknowledged EmergencyStatus = "acknowledged"
	EmergencyResolved     EmergencyStatus = "resolved"
)

// CanTransitionTo encodes the pending -> acknowledged -> resolved state
// machine. No transition skips a state and resolved is terminal. Direct
// pending -> resolved is gated behind allowResolveFromPending because the
// backend contract never established whether it is legal.
func (s EmergencyStatus) CanTransitionTo(next EmergencyStatus, allowResolveFromPending bool) bool {
	switch s {
	case EmergencyPending:
		if next == EmergencyAcknowledged {
			return true
		}
		return next == EmergencyResolved && allowResolveFromPending
	case EmergencyAcknowledged:
		return next == EmergencyResolved
	default:
		return false
	}
}

type EmergencyPriority string

const (
	PriorityLow      EmergencyPriority = "low"
	PriorityMedium   EmergencyPriority = "medium"
	PriorityHigh     EmergencyPriority = "high"
	PriorityCritical EmergencyPriority = "critical"
)

// EmergencyRequest is a distress signal raised by a tracked subject. Requests
// are never deleted, only transitioned; acknowledge/resolve timestamps are set
// once on transition and never cleared.
type EmergencyRequest struct {
	ID             string            `json:"id"`
	UserID         string            `json:"userId"`
	UserName       string            `json:"userName,omitempty"`
	OrganizationID string            `json:"organizationId"`
	Position       Position          `json:"location"`
	Message        string            `json:"message,omitempty"`
	Priority       EmergencyPriority `json:"priority"`
	Status         EmergencyStatus   `json:"status"`
	CreatedAt      time.Time         `json:"createdAt"`
	AcknowledgedBy string            `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time        `json:"acknowledgedAt,omitempty"`
	ResolvedBy     string            `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time        `json:"resolvedAt,omitempty"`
}

// CreateEmergency is the payload for raising a new request.
type CreateEmergency struct {
	Position Position          `json:"location"`
	Message  string            `json:"message,omitempty" validate:"max=500"`
	Priority EmergencyPriority `json:"priority" validate:"emergency_priority"`
}

type EmergencyFilter struct {
	Status   EmergencyStatus
	Priority EmergencyPriority
	Page     int
	Limit    int
}

type EmergencyPage struct {
	Requests   []EmergencyRequest `json:"requests"`
	Pagination Pagination         `json:"pagination"`
}
