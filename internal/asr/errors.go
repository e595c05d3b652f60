package asr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lexiqai/asr-transport/internal/resilience"
)

var (
	// ErrUnknownConnection is returned for ids that are not (or no longer) registered
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrConnectionClosed is returned when a connection was disconnected mid-operation
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidParams wraps every parameter validation failure
	ErrInvalidParams = errors.New("invalid connect params")

	// ErrMissingCredentials is returned when the handshake keys are not configured
	ErrMissingCredentials = errors.New("missing ASR credentials")

	// ErrConnectTimeout is returned when the socket does not open in time
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrReconnectExhausted is reported through OnError once every reconnect attempt failed
	ErrReconnectExhausted = resilience.ErrReconnectExhausted
)

// ProtocolError reports an inbound frame that could not be decoded.
// The frame is dropped and the connection stays up.
type ProtocolError struct {
	ConnectionID string
	Err          error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on connection %s: %v", e.ConnectionID, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// HandshakeError is a websocket upgrade the service answered with an HTTP status
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake failed with HTTP %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// IsRetryableConnectError reports whether a failed socket open is worth another
// attempt. Rejected credentials, bad requests and DNS failures are not.
func IsRetryableConnectError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrInvalidParams), errors.Is(err, ErrMissingCredentials):
		return false
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, ErrConnectTimeout):
		return true
	}

	var hs *HandshakeError
	if errors.As(err, &hs) {
		return hs.StatusCode == http.StatusTooManyRequests || hs.StatusCode >= http.StatusInternalServerError
	}
	return resilience.IsRetryableNetworkError(err)
}
