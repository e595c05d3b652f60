package asr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/asr-transport/internal/resilience"
)

func TestIsRetryableConnectError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"refused", errors.New("dial tcp 10.0.0.1:443: connect: connection refused"), true},
		{"timeout", fmt.Errorf("%w after 30s: %w", ErrConnectTimeout, errors.New("context deadline exceeded")), true},
		{"circuit open", fmt.Errorf("failed to open socket: %w", resilience.ErrCircuitOpen), true},
		{"unauthorized", &HandshakeError{StatusCode: http.StatusUnauthorized, Err: websocket.ErrBadHandshake}, false},
		{"forbidden", &HandshakeError{StatusCode: http.StatusForbidden, Err: websocket.ErrBadHandshake}, false},
		{"throttled", &HandshakeError{StatusCode: http.StatusTooManyRequests, Err: websocket.ErrBadHandshake}, true},
		{"unavailable", &HandshakeError{StatusCode: http.StatusServiceUnavailable, Err: websocket.ErrBadHandshake}, true},
		{"dns", errors.New("websocket dial failed: dial tcp: lookup asr.invalid: no such host"), false},
		{"closed", ErrConnectionClosed, false},
		{"invalid params", fmt.Errorf("%w: session id is required", ErrInvalidParams), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableConnectError(tt.err); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}
