package model

import "errors"

// Error taxonomy shared by every component. Callers match with errors.Is.
var (
	ErrSourceUnavailable   = errors.New("source unavailable")
	ErrParseFailure        = errors.New("parse failure")
	ErrDuplicateName       = errors.New("duplicate log name")
	ErrAlreadyRunning      = errors.New("extraction already running")
	ErrJobActive           = errors.New("extraction job active")
	ErrNotFound            = errors.New("log not found")
	ErrInterrupted         = errors.New("extraction interrupted")
	ErrFailureRateExceeded = errors.New("parse failure rate exceeded")
	ErrUnknownFormat       = errors.New("unknown log format")
	ErrInvalidFormat       = errors.New("invalid log format")
	ErrUnknownAlgorithm    = errors.New("unknown extraction algorithm")
	ErrInvalidFilter       = errors.New("invalid filter")
	ErrInvalidSource       = errors.New("invalid source descriptor")
	ErrOutOfOrder          = errors.New("record sequence out of order")
)
