package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable means the store could not answer this cycle: it failed or returned nothing.
	ErrUnavailable = errors.New("data unavailable")

	// ErrUnknownStation means the station is not part of the configured set.
	ErrUnknownStation = errors.New("unknown station")
)

// ErrorKind classifies ingestion failures
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindStore     ErrorKind = "store"
	KindParse     ErrorKind = "parse"
)

// IngestionError is a failure processing one station/day unit
type IngestionError struct {
	Kind    ErrorKind
	Station string
	Day     time.Time
	Err     error
}

func (e *IngestionError) Error() string {
	if e.Day.IsZero() {
		return fmt.Sprintf("%s error for %s: %v", e.Kind, e.Station, e.Err)
	}
	return fmt.Sprintf("%s error for %s on %s: %v", e.Kind, e.Station, e.Day.Format("2006-01-02"), e.Err)
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether retrying the same unit later may succeed.
// Parse errors repeat for the same payload.
func (e *IngestionError) IsTransient() bool {
	return e.Kind != KindParse
}

// KindOf extracts the ErrorKind of err, or "unknown".
func KindOf(err error) ErrorKind {
	var ie *IngestionError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return "unknown"
}

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}
