package repository

import "github.com/sensorwatch/envalert/internal/errors"

var (
	// ErrAlertNotFound is returned when an alert id does not exist.
	ErrAlertNotFound = errors.NewStd("alert not found")
	// ErrInvalidTransition is returned when a lifecycle action is not allowed
	// from the alert's current status.
	ErrInvalidTransition = errors.NewStd("invalid alert status transition")
)
