package call

import (
	"context"
	"errors"

	"github.com/petervdpas/famcall/internal/media"
	"github.com/petervdpas/famcall/internal/peer"
	"github.com/petervdpas/famcall/internal/store"
)

var (
	ErrPermissionDenied = errors.New("caller may not call this party")
	ErrCallInProgress   = errors.New("a call is already in progress")
	ErrNotRinging       = errors.New("call is not ringing for this party")
	ErrCancelled        = errors.New("call cancelled while acquiring media")
	ErrUnknownCall      = errors.New("unknown call")
)

// ErrorClass groups errors by how the caller should react to them.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	// ClassMedia: device problems, shown as a dismissible message.
	ClassMedia
	// ClassSignaling: the store rejected the record shape or lost it; a
	// deployment problem, never a user error.
	ClassSignaling
	// ClassTransport: the peer connection failed; the call is over.
	ClassTransport
	// ClassPermission: the capability check refused the call.
	ClassPermission
	// ClassTransient: timeouts and channel hiccups that heal by themselves.
	ClassTransient
)

func (c ErrorClass) String() string {
	switch c {
	case ClassMedia:
		return "media"
	case ClassSignaling:
		return "signaling"
	case ClassTransport:
		return "transport"
	case ClassPermission:
		return "permission"
	case ClassTransient:
		return "transient"
	}
	return "unknown"
}

// Classify maps an error from any call operation to its class.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrPermissionDenied):
		return ClassPermission
	case errors.Is(err, media.ErrMediaUnavailable),
		errors.Is(err, media.ErrDeviceBusy),
		errors.Is(err, media.ErrPermissionDenied),
		errors.Is(err, media.ErrNotReadable):
		return ClassMedia
	case errors.Is(err, store.ErrSchema), errors.Is(err, store.ErrRecordNotFound):
		return ClassSignaling
	case errors.Is(err, peer.ErrClosed):
		return ClassTransport
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassTransient
	}
	return ClassUnknown
}

// endReasonFor picks the record end reason for a failed start.
func endReasonFor(err error) store.EndReason {
	switch Classify(err) {
	case ClassMedia:
		return store.ReasonMediaError
	case ClassPermission:
		return store.ReasonPermissionDenied
	}
	return store.ReasonFailed
}
