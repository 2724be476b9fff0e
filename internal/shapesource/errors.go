package shapesource

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig   = errors.New("shapesource: invalid config")
	ErrConversion      = errors.New("shapesource: coordinate conversion failed")
	ErrMalformedRecord = errors.New("shapesource: malformed record")
)

// RecordError reports a record that could not be turned into a feature.
// It matches ErrMalformedRecord with errors.Is.
type RecordError struct {
	Index  int
	ID     any
	Reason string
	Err    error
}

func (e *RecordError) Error() string {
	msg := fmt.Sprintf("%v: record %d (id=%v): %s", ErrMalformedRecord, e.Index, e.ID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RecordError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedRecord}
	}
	return []error{ErrMalformedRecord, e.Err}
}

func invalidConfig(field string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalidConfig, field)
}
