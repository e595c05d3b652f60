package asr

import (
	"errors"
	"fmt"
	"time"

	"github.com/lexiqai/asr-transport/internal/resilience"
)

func (m *Manager) reconnectConfig(conn *connection) *resilience.ReconnectConfig {
	return &resilience.ReconnectConfig{
		MaxAttempts:  m.cfg.ReconnectMaxAttempts,
		InitialDelay: m.cfg.ReconnectInitialDelay,
		Multiplier:   m.cfg.ReconnectBackoffMultiplier,
		MaxDelay:     m.cfg.ReconnectMaxDelay,
		OnAttempt: func(attempt int, delay time.Duration) {
			conn.mu.Lock()
			conn.retryCount = attempt
			conn.mu.Unlock()

			conn.metrics.RecordReconnectAttempt()
			conn.logger.Warn().
				Int("attempt", attempt).
				Int("max_attempts", m.cfg.ReconnectMaxAttempts).
				Dur("delay", delay).
				Msg("Reconnecting to ASR service")
		},
		OnFailure: func(attempt int, err error) {
			conn.mu.Lock()
			if !conn.closed {
				conn.status = StatusError
			}
			conn.mu.Unlock()

			conn.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
		},
		IsRetryable: IsRetryableConnectError,
	}
}

// runReconnect re-establishes the socket with backoff and then replays pending
// audio. The caller must have set conn.reconnecting; it is cleared here.
func (m *Manager) runReconnect(conn *connection) {
	defer func() {
		if r := recover(); r != nil {
			conn.mu.Lock()
			conn.reconnecting = false
			conn.mu.Unlock()

			conn.logger.Error().Interface("panic", r).Msg("Recovered from panic in reconnect")
			conn.notifyError(fmt.Errorf("reconnect panic: %v", r))
		}
	}()

	replayFailures := 0
	for {
		err := resilience.Reconnect(conn.ctx, func(int) error {
			return m.open(conn)
		}, m.reconnectConfig(conn))

		if err != nil {
			if conn.ctx.Err() != nil || errors.Is(err, ErrConnectionClosed) {
				conn.mu.Lock()
				conn.reconnecting = false
				conn.mu.Unlock()
				return
			}
			m.giveUp(conn, err)
			return
		}

		if m.drainPending(conn) {
			return
		}

		// The fresh socket died during replay
		replayFailures++
		if replayFailures >= m.cfg.ReconnectMaxAttempts {
			m.giveUp(conn, fmt.Errorf("%w: socket lost during replay %d times", ErrReconnectExhausted, replayFailures))
			return
		}
	}
}

// giveUp makes an exhausted connection terminal
func (m *Manager) giveUp(conn *connection, cause error) {
	conn.mu.Lock()
	if conn.closed {
		conn.reconnecting = false
		conn.mu.Unlock()
		return
	}
	conn.closed = true
	conn.reconnecting = false
	conn.status = StatusDisconnected
	sock := conn.detachLocked()
	dropped := conn.pending.Len()
	conn.pending.Clear()
	conn.mu.Unlock()

	conn.cancel()
	if sock != nil {
		_ = sock.Close()
	}
	m.remove(conn)

	conn.metrics.RecordReconnectExhausted()
	conn.logger.Error().
		Err(cause).
		Int("dropped_chunks", dropped).
		Msg("Giving up on ASR connection")

	conn.notifyError(fmt.Errorf("connection %s: %w", conn.id, cause))
	conn.notifyDisconnected()
}
