package asr

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/asr-transport/internal/observability"
)

// Socket is the subset of *websocket.Conn the manager relies on.
// WriteMessage calls are serialized by the caller; WriteControl and Close may run
// concurrently with them.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens sockets to the recognition service
type Dialer interface {
	Dial(ctx context.Context, header http.Header) (Socket, error)
}

// Handshake headers carrying authentication
const (
	HeaderAppKey     = "X-Api-App-Key"
	HeaderAccessKey  = "X-Api-Access-Key"
	HeaderResourceID = "X-Api-Resource-Id"
	HeaderConnectID  = "X-Api-Connect-Id"

	headerLogID = "X-Tt-Logid"
)

// WebsocketDialer dials the service with gorilla/websocket
type WebsocketDialer struct {
	url    string
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewWebsocketDialer creates a dialer for url
func NewWebsocketDialer(url string, handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		url: url,
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  handshakeTimeout,
			ReadBufferSize:    16 * 1024,
			WriteBufferSize:   16 * 1024,
			EnableCompression: false, // payloads are gzip-compressed already
		},
		logger: observability.GetLogger().With().Str("component", "asr_dialer").Logger(),
	}
}

// Dial opens a socket, honoring ctx for the TCP connect and the handshake
func (d *WebsocketDialer) Dial(ctx context.Context, header http.Header) (Socket, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	// logid identifies the session in the service's own logs
	d.logger.Debug().
		Str("connect_id", header.Get(HeaderConnectID)).
		Str("logid", resp.Header.Get(headerLogID)).
		Msg("ASR websocket handshake complete")

	return conn, nil
}
