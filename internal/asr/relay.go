package asr

import (
	"fmt"
	"time"

	"github.com/lexiqai/asr-transport/internal/audio"
	"github.com/lexiqai/asr-transport/internal/protocol"
)

// SendAudio forwards one chunk to the service, or holds it while the socket is
// being re-established. isLast marks the final chunk of the session.
func (m *Manager) SendAudio(connectionID string, data []byte, isLast bool) error {
	conn, ok := m.get(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	chunk := audio.Chunk{Data: data, IsLast: isLast}

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return ErrConnectionClosed
	}
	m.checkChunkSizeLocked(conn, len(data))

	if conn.reconnecting {
		conn.bufferLocked(chunk)
		conn.mu.Unlock()
		return nil
	}

	if conn.sock == nil {
		// Completed or dropped session that the caller keeps feeding
		conn.reconnecting = true
		conn.mu.Unlock()
		return m.resumeAndSend(conn, chunk)
	}

	if conn.status == StatusCompleted || conn.status == StatusDisconnected {
		conn.status = StatusStreaming
		// A final result stopped the keepalive
		if conn.heartbeat == nil {
			m.startHeartbeatLocked(conn)
		}
	}
	sock, gen := conn.sock, conn.generation
	conn.mu.Unlock()

	return m.sendChunk(conn, sock, gen, chunk)
}

// resumeAndSend makes one immediate reconnect attempt for a socketless connection.
// The caller must have set conn.reconnecting.
func (m *Manager) resumeAndSend(conn *connection, chunk audio.Chunk) error {
	conn.logger.Info().Msg("Audio submitted without a socket, reconnecting")

	err := m.open(conn)
	if err == nil {
		conn.mu.Lock()
		conn.bufferLocked(chunk)
		conn.mu.Unlock()

		if !m.drainPending(conn) {
			go m.runReconnect(conn)
		}
		return nil
	}

	conn.mu.Lock()
	if conn.closed {
		conn.reconnecting = false
		conn.mu.Unlock()
		return ErrConnectionClosed
	}

	if chunk.IsLast {
		// Nothing follows a final chunk, so report the failure instead of queueing it
		conn.reconnecting = false
		conn.status = StatusDisconnected
		conn.mu.Unlock()
		return fmt.Errorf("failed to reconnect before final audio: %w", err)
	}

	conn.status = StatusError
	conn.bufferLocked(chunk)
	conn.mu.Unlock()

	conn.logger.Warn().Err(err).Msg("Immediate reconnect failed, retrying with backoff")
	go m.runReconnect(conn)
	return nil
}

// sendChunk writes a chunk on the live socket. A failed write keeps the chunk
// for replay and starts reconnection.
func (m *Manager) sendChunk(conn *connection, sock Socket, gen uint64, chunk audio.Chunk) error {
	frame, err := protocol.EncodeAudioOnlyRequest(chunk.Data, chunk.IsLast)
	if err != nil {
		return fmt.Errorf("failed to encode audio: %w", err)
	}

	for attempt := 0; ; attempt++ {
		writeErr := conn.write(sock, frame)
		if writeErr == nil {
			conn.mu.Lock()
			conn.lastActivity = time.Now()
			conn.mu.Unlock()
			conn.metrics.RecordFrameSent(protocol.AudioOnlyClientRequest.String(), len(chunk.Data))
			return nil
		}

		conn.mu.Lock()
		if conn.closed {
			conn.mu.Unlock()
			return ErrConnectionClosed
		}
		// A reconnect already swapped the socket; retry once on the new one
		if attempt == 0 && conn.generation != gen && conn.sock != nil && !conn.reconnecting {
			sock, gen = conn.sock, conn.generation
			conn.mu.Unlock()
			continue
		}

		conn.bufferLocked(chunk)
		var old Socket
		if conn.generation == gen {
			old = conn.detachLocked()
			conn.status = StatusError
		}
		start := !conn.reconnecting && conn.sock == nil
		if start {
			conn.reconnecting = true
		}
		conn.mu.Unlock()

		if old != nil {
			_ = old.Close()
		}
		conn.logger.Warn().Err(writeErr).Msg("Audio write failed, holding chunk for replay")
		if start {
			go m.runReconnect(conn)
		}
		return nil
	}
}

// drainPending replays held audio in submission order on the current socket and
// clears conn.reconnecting once nothing is left. It returns false if the socket
// was lost mid-replay, in which case the caller still owns the reconnect.
func (m *Manager) drainPending(conn *connection) bool {
	replayed := 0
	defer func() {
		if replayed > 0 {
			conn.metrics.RecordPendingReplayed(replayed)
			conn.logger.Info().Int("chunks", replayed).Msg("Replayed pending audio")
		}
	}()

	for {
		conn.mu.Lock()
		if conn.closed {
			conn.reconnecting = false
			conn.mu.Unlock()
			return true
		}
		if conn.sock == nil {
			conn.mu.Unlock()
			return false
		}
		chunk, ok := conn.pending.Pop()
		if !ok {
			conn.reconnecting = false
			conn.mu.Unlock()
			return true
		}
		sock, gen := conn.sock, conn.generation
		conn.mu.Unlock()

		frame, err := protocol.EncodeAudioOnlyRequest(chunk.Data, chunk.IsLast)
		if err != nil {
			conn.logger.Error().Err(err).Msg("Dropping pending chunk that failed to encode")
			continue
		}

		if err := conn.write(sock, frame); err != nil {
			conn.mu.Lock()
			if !conn.pending.PushFront(chunk) {
				conn.metrics.RecordPendingDropped()
			}
			var old Socket
			if conn.generation == gen {
				old = conn.detachLocked()
				conn.status = StatusError
			}
			conn.mu.Unlock()

			if old != nil {
				_ = old.Close()
			}
			conn.logger.Warn().Err(err).Msg("Socket lost while replaying pending audio")
			return false
		}

		conn.mu.Lock()
		conn.lastActivity = time.Now()
		conn.mu.Unlock()
		conn.metrics.RecordFrameSent(protocol.AudioOnlyClientRequest.String(), len(chunk.Data))
		replayed++
	}
}

// checkChunkSizeLocked logs once per connection when linear PCM chunks fall
// outside the 100-200ms packet window the service recommends
func (m *Manager) checkChunkSizeLocked(conn *connection, size int) {
	if conn.warnedChunk || size == 0 {
		return
	}
	p := conn.params
	d := audio.ChunkDuration(p.AudioFormat, size, p.SampleRate, p.Channels, p.Bits)
	if d == 0 || audio.WithinRecommendedWindow(d) {
		return
	}
	conn.warnedChunk = true
	conn.logger.Debug().
		Dur("chunk_duration", d).
		Int("chunk_bytes", size).
		Msg("Audio chunk outside the recommended 100-200ms window")
}
