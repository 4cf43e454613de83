package validator

import (
	"github.com/go-playground/validator/v10"

	"fleettrack/internal/apierr"
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New()

	// Custom validators
	v.RegisterValidation("emergency_priority", validateEmergencyPriority)

	return &Validator{validate: v}
}

// Validate checks the struct's validate tags and maps failures into the
// shared error taxonomy so callers surface them like any other command error.
func (v *Validator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		return apierr.Wrap(apierr.KindValidation, err, "invalid input")
	}
	return nil
}

// Var validates a single value against a tag expression.
func (v *Validator) Var(field interface{}, tag string) error {
	if err := v.validate.Var(field, tag); err != nil {
		return apierr.Wrap(apierr.KindValidation, err, "invalid value")
	}
	return nil
}

func validateEmergencyPriority(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "", "low", "medium", "high", "critical":
		return true
	}
	return false
}
