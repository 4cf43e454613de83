package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fleettrack/internal/apierr"
)

func TestValidate(t *testing.T) {
	type input struct {
		Email    string `validate:"required,email"`
		Latitude float64 `validate:"latitude"`
	}

	v := New()

	assert.NoError(t, v.Validate(input{Email: "dana@example.com", Latitude: 52.3}))

	err := v.Validate(input{Email: "nope", Latitude: 52.3})
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))

	err = v.Validate(input{Email: "dana@example.com", Latitude: 123})
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
}

func TestEmergencyPriorityTag(t *testing.T) {
	v := New()

	for _, ok := range []string{"", "low", "medium", "high", "critical"} {
		assert.NoError(t, v.Var(ok, "emergency_priority"), ok)
	}
	err := v.Var("urgent", "emergency_priority")
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
}
