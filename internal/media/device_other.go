//go:build !linux

package media

import "context"

// unavailableDevice is used where pion/mediadevices has no capture driver.
// Calls on these platforms proceed receive-only.
type unavailableDevice struct{}

// NewSystemDevice returns the platform capture device.
func NewSystemDevice(_ int) (Device, error) {
	return unavailableDevice{}, nil
}

func (unavailableDevice) Open(context.Context, Constraints) ([]*Track, error) {
	return nil, ErrMediaUnavailable
}
