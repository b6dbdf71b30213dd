package media

import "errors"

var (
	// Capture errors
	ErrMediaUnavailable = errors.New("no compatible input device")
	ErrDeviceBusy       = errors.New("media device busy")
	ErrPermissionDenied = errors.New("media permission denied")
	ErrNotReadable      = errors.New("media device not readable")

	// Track control errors
	ErrLimitsUnsupported = errors.New("track does not support send limits")
)
