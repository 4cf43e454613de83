package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmergencyStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name              string
		from              EmergencyStatus
		to                EmergencyStatus
		allowShortCircuit bool
		want              bool
	}{
		{"pending_to_acknowledged", EmergencyPending, EmergencyAcknowledged, false, true},
		{"pending_to_resolved_blocked", EmergencyPending, EmergencyResolved, false, false},
		{"pending_to_resolved_allowed", EmergencyPending, EmergencyResolved, true, true},
		{"pending_to_pending", EmergencyPending, EmergencyPending, false, false},
		{"acknowledged_to_resolved", EmergencyAcknowledged, EmergencyResolved, false, true},
		{"acknowledged_to_pending", EmergencyAcknowledged, EmergencyPending, false, false},
		{"acknowledged_to_acknowledged", EmergencyAcknowledged, EmergencyAcknowledged, false, false},
		{"resolved_is_terminal", EmergencyResolved, EmergencyAcknowledged, false, false},
		{"resolved_stays_resolved", EmergencyResolved, EmergencyResolved, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.from.CanTransitionTo(tt.to, tt.allowShortCircuit)
			assert.Equal(t, tt.want, got)
		})
	}
}
