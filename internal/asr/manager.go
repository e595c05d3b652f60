// Package asr implements the connection manager for the streaming
// speech-recognition service: one websocket per recognition session, a
// heartbeat, bounded reconnection with backoff and replay of audio submitted
// while the socket was down.
package asr

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/asr-transport/internal/config"
	"github.com/lexiqai/asr-transport/internal/observability"
	"github.com/lexiqai/asr-transport/internal/resilience"
)

// closeGracePeriod bounds the wait for the close frame to be written
const closeGracePeriod = time.Second

// Manager owns every live recognition connection
type Manager struct {
	cfg     *config.Config
	dialer  Dialer
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger

	mu          sync.RWMutex
	connections map[string]*connection
}

// NewManager creates a manager. Zero-valued tuning fields in cfg fall back to
// config.Default(); a nil dialer dials cfg.ASRURL with gorilla/websocket.
func NewManager(cfg *config.Config, dialer Dialer) *Manager {
	cfg = withDefaults(cfg)
	if dialer == nil {
		dialer = NewWebsocketDialer(cfg.ASRURL, cfg.ConnectTimeout)
	}

	logger := observability.GetLogger().With().Str("component", "asr").Logger()

	breaker := resilience.NewCircuitBreaker("asr_dialer", cfg.CircuitBreakerMaxFailures, cfg.CircuitBreakerResetTimeout)
	breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		logger.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	})

	return &Manager{
		cfg:         cfg,
		dialer:      dialer,
		breaker:     breaker,
		logger:      logger,
		connections: make(map[string]*connection),
	}
}

func withDefaults(cfg *config.Config) *config.Config {
	def := config.Default()
	if cfg == nil {
		return def
	}

	c := *cfg
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.PendingAudioLimit <= 0 {
		c.PendingAudioLimit = def.PendingAudioLimit
	}
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = def.ReconnectInitialDelay
	}
	if c.ReconnectBackoffMultiplier < 1 {
		c.ReconnectBackoffMultiplier = def.ReconnectBackoffMultiplier
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if c.CircuitBreakerMaxFailures <= 0 {
		c.CircuitBreakerMaxFailures = def.CircuitBreakerMaxFailures
	}
	if c.CircuitBreakerResetTimeout <= 0 {
		c.CircuitBreakerResetTimeout = def.CircuitBreakerResetTimeout
	}
	if c.ASRModelName == "" {
		c.ASRModelName = def.ASRModelName
	}
	return &c
}

// Connect opens a recognition session and returns its connection id once the
// socket is up and the configuration frame has been sent. Validation failures
// return before any I/O. ctx bounds only the initial open; the connection itself
// lives until Disconnect or until reconnection gives up.
func (m *Manager) Connect(ctx context.Context, params Params, callbacks Callbacks) (string, error) {
	if m.cfg.ASRAppKey == "" || m.cfg.ASRAccessKey == "" {
		return "", ErrMissingCredentials
	}

	params = params.withDefaults(m.cfg.ASRModelName)
	if err := params.Validate(); err != nil {
		return "", err
	}
	request, err := params.clientRequest()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	id := uuid.New().String()
	conn := newConnection(id, params, request, callbacks, m.cfg.PendingAudioLimit, m.logger)
	m.add(conn)

	stop := context.AfterFunc(ctx, conn.cancel)
	err = m.open(conn)
	if !stop() && err == nil {
		// ctx ended while the socket was opening
		err = ctx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("connect aborted: %w", ctx.Err())
		}
		m.abandon(conn)
		conn.logger.Warn().Err(err).Msg("Failed to connect to ASR service")
		return "", err
	}

	return id, nil
}

// Disconnect closes the connection for good. It is idempotent and stops any
// reconnect in flight. OnDisconnected is not fired for an explicit Disconnect.
func (m *Manager) Disconnect(connectionID string) error {
	conn, ok := m.get(connectionID)
	if !ok {
		return nil
	}

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		m.remove(conn)
		return nil
	}
	conn.closed = true
	conn.status = StatusDisconnected
	sock := conn.detachLocked()
	conn.pending.Clear()
	conn.mu.Unlock()

	conn.cancel()
	if sock != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod)); err != nil {
			conn.logger.Debug().Err(err).Msg("Failed to send close frame")
		}
		_ = sock.Close()
	}
	m.remove(conn)

	conn.logger.Info().Msg("ASR connection disconnected")
	return nil
}

// ConnectionStatus returns the current status of a registered connection
func (m *Manager) ConnectionStatus(connectionID string) (Status, error) {
	conn, ok := m.get(connectionID)
	if !ok {
		return StatusDisconnected, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.status, nil
}

// Snapshot returns a copy of the connection's latest running state
func (m *Manager) Snapshot(connectionID string) (Snapshot, error) {
	conn, ok := m.get(connectionID)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	return conn.snapshot(), nil
}

// Stats counts registered connections by status
func (m *Manager) Stats() map[Status]int {
	m.mu.RLock()
	conns := make([]*connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	stats := make(map[Status]int)
	for _, conn := range conns {
		conn.mu.Lock()
		stats[conn.status]++
		conn.mu.Unlock()
	}
	return stats
}

// Ready reports whether new sockets can currently be opened
func (m *Manager) Ready(ctx context.Context) (bool, error) {
	state, dials, failures, _ := m.breaker.GetStats()
	if state == resilience.StateOpen {
		return false, fmt.Errorf("dial circuit breaker is %s after %d failed of %d dials", state, failures, dials)
	}
	return true, nil
}

// Close disconnects every connection
func (m *Manager) Close() error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Disconnect(id)
	}
	return nil
}

func (m *Manager) handshakeHeader(connectionID string) http.Header {
	h := http.Header{}
	h.Set(HeaderAppKey, m.cfg.ASRAppKey)
	h.Set(HeaderAccessKey, m.cfg.ASRAccessKey)
	if m.cfg.ASRResourceID != "" {
		h.Set(HeaderResourceID, m.cfg.ASRResourceID)
	}
	h.Set(HeaderConnectID, connectionID)
	return h
}

func (m *Manager) get(id string) (*connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[id]
	return conn, ok
}

func (m *Manager) add(conn *connection) {
	m.mu.Lock()
	m.connections[conn.id] = conn
	m.mu.Unlock()
	conn.metrics.RecordConnectionStart()
}

func (m *Manager) remove(conn *connection) {
	m.mu.Lock()
	if m.connections[conn.id] == conn {
		delete(m.connections, conn.id)
	}
	m.mu.Unlock()
	conn.metrics.RecordConnectionEnd()
}

// abandon tears down a connection whose first open failed
func (m *Manager) abandon(conn *connection) {
	conn.mu.Lock()
	conn.closed = true
	conn.status = StatusDisconnected
	sock := conn.detachLocked()
	conn.mu.Unlock()

	conn.cancel()
	if sock != nil {
		_ = sock.Close()
	}
	m.remove(conn)
}
