package asr

import (
	"time"

	"github.com/lexiqai/asr-transport/internal/protocol"
)

// startHeartbeatLocked (re)schedules the keepalive for the current socket
func (m *Manager) startHeartbeatLocked(conn *connection) {
	conn.stopHeartbeatLocked()
	gen := conn.generation
	conn.heartbeat = time.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.sendHeartbeat(conn, gen)
	})
}

func (c *connection) stopHeartbeatLocked() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	c.stopHeartbeatTimeoutLocked()
}

func (c *connection) stopHeartbeatTimeoutLocked() {
	if c.heartbeatTimeout != nil {
		c.heartbeatTimeout.Stop()
		c.heartbeatTimeout = nil
	}
}

// sendHeartbeat writes an empty audio frame and arms the response timeout
func (m *Manager) sendHeartbeat(conn *connection, gen uint64) {
	conn.mu.Lock()
	if conn.closed || conn.generation != gen || conn.sock == nil {
		conn.mu.Unlock()
		return
	}
	if conn.status != StatusConnected && conn.status != StatusStreaming {
		conn.heartbeat = nil
		conn.mu.Unlock()
		return
	}

	sock := conn.sock
	if conn.heartbeatTimeout == nil {
		conn.heartbeatTimeout = time.AfterFunc(m.cfg.HeartbeatTimeout, func() {
			m.heartbeatExpired(conn, gen)
		})
	}
	conn.heartbeat = time.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.sendHeartbeat(conn, gen)
	})
	conn.mu.Unlock()

	frame, err := protocol.EncodeAudioOnlyRequest(nil, false)
	if err != nil {
		conn.logger.Error().Err(err).Msg("Failed to encode heartbeat")
		return
	}
	if err := conn.write(sock, frame); err != nil {
		// The reader sees the broken socket and drives reconnection
		conn.logger.Debug().Err(err).Msg("Heartbeat write failed")
		return
	}
	conn.metrics.RecordFrameSent("heartbeat", 0)
}

// heartbeatExpired treats the socket as dead and force-closes it
func (m *Manager) heartbeatExpired(conn *connection, gen uint64) {
	conn.mu.Lock()
	if conn.closed || conn.generation != gen || conn.sock == nil {
		conn.mu.Unlock()
		return
	}
	conn.heartbeatTimeout = nil
	conn.status = StatusError
	sock := conn.sock
	idle := time.Since(conn.lastActivity)
	conn.mu.Unlock()

	conn.metrics.RecordHeartbeatTimeout()
	conn.logger.Warn().Dur("idle", idle).Msg("Heartbeat timed out, closing socket")

	// Closing unblocks the reader, whose close handling starts the reconnect
	_ = sock.Close()
}
