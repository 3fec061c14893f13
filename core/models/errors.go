package models

import "github.com/pkg/errors"

// Error taxonomy of the placement and resilience layer. Only ErrFatalConfiguration and
// retry exhaustion ever reach a caller; the rest drive internal state transitions.
var (
	ErrQuotaUnknown        = errors.New("quota unknown")
	ErrCapacityExhausted   = errors.New("capacity exhausted")
	ErrTransientSubmission = errors.New("transient submission error")
	ErrTransientPoll       = errors.New("transient poll error")
	ErrFatalConfiguration  = errors.New("fatal configuration error")
	ErrInvalidTransition   = errors.New("invalid job status transition")
)

// IsFatal reports whether err must be surfaced to the caller without retry
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalConfiguration)
}

// FatalConfigf builds a fatal configuration error with context
func FatalConfigf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrFatalConfiguration, format, args...)
}
