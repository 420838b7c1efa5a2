package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyCredential means Connect was called without an API credential.
	ErrEmptyCredential = errors.New("credential is empty")

	// ErrStreamInactive means the local media stream is missing or no longer
	// producing audio. The caller should re-acquire microphone access.
	ErrStreamInactive = errors.New("local media stream is missing or inactive")

	// ErrConnectInProgress rejects a Connect issued while a prior negotiation
	// is still pending. There is never a second parallel negotiation.
	ErrConnectInProgress = errors.New("connect already in progress")

	// ErrNotConnected rejects control messages before the data channel is
	// open or after the session went back to idle.
	ErrNotConnected = errors.New("session is not connected")

	// ErrTransportDisconnected wraps the cause of an asynchronous transport
	// failure surfaced through the controller's error callback.
	ErrTransportDisconnected = errors.New("transport disconnected")
)

// NegotiationError reports a failed SDP exchange with the realtime endpoint.
// The controller does not retry these on its own; the caller may call
// Connect again.
type NegotiationError struct {
	Status int
	Err    error
}

func (e *NegotiationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("realtime negotiation failed: endpoint returned status %d", e.Status)
	}
	return fmt.Sprintf("realtime negotiation failed: %v", e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// Retryable reports whether a manual reconnect attempt is reasonable for
// err. Configuration mistakes are the caller's to fix first.
func Retryable(err error) bool {
	if errors.Is(err, ErrEmptyCredential) || errors.Is(err, ErrStreamInactive) {
		return false
	}
	var ne *NegotiationError
	if errors.As(err, &ne) {
		// 4xx means the request itself is bad; retrying sends the same
		// credential at the same broken request.
		return ne.Status == 0 || ne.Status >= 500
	}
	return true
}
