package qfit_errors

import "errors"

// Common errors
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrFetchFailed     = errors.New("fetch failed")
	ErrUploadFailed    = errors.New("upload failed")
	ErrUploadCancelled = errors.New("upload cancelled")
	ErrUploadInFlight  = errors.New("upload already in flight")
	ErrSessionClosed   = errors.New("session closed")
	ErrNotConnected    = errors.New("not connected")
	ErrChannelClosed   = errors.New("channel closed")
	ErrQueueFull       = errors.New("queue full")
)
