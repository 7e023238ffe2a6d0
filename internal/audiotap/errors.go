package audiotap

import "errors"

// Sentinel errors for tap sessions and capture.
var (
	// ErrTapCreation is returned when the process tap cannot be created.
	ErrTapCreation = errors.New("process tap creation failed")
	// ErrAggregateCreation is returned when the aggregate device cannot be created.
	ErrAggregateCreation = errors.New("aggregate device creation failed")
	// ErrInvalidSession is returned by operations on a released or moved session.
	ErrInvalidSession = errors.New("tap session is not valid")
	// ErrIOProcRegistration is returned when an IOProc cannot be registered.
	ErrIOProcRegistration = errors.New("IOProc registration failed")
	// ErrInvalidIOProc is returned by operations on a closed or moved IOProc.
	ErrInvalidIOProc = errors.New("IOProc is not valid")
	// ErrEmptyBuffer is returned when saving a buffer that holds no samples.
	ErrEmptyBuffer = errors.New("capture buffer is empty")
	// ErrInvalidFormat is returned when a buffer cannot be sized for a format.
	ErrInvalidFormat = errors.New("invalid capture format or duration")
)
