package asr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/asr-transport/internal/audio"
	"github.com/lexiqai/asr-transport/internal/errcatalog"
	"github.com/lexiqai/asr-transport/internal/observability"
	"github.com/lexiqai/asr-transport/internal/protocol"
	"github.com/lexiqai/asr-transport/internal/resilience"
)

// connection holds the state of one recognition session
type connection struct {
	id        string
	params    Params
	request   []byte // FullClientRequest payload, resent on every (re)connect
	callbacks Callbacks

	// ctx is cancelled by Disconnect and on terminal give-up
	ctx    context.Context
	cancel context.CancelFunc

	// Observability
	logger  zerolog.Logger
	metrics *observability.ConnectionMetrics

	// writeMu serializes data frames on the socket
	writeMu sync.Mutex

	// State management
	mu           sync.Mutex
	status       Status
	sock         Socket
	generation   uint64 // bumped whenever sock is replaced or dropped
	reconnecting bool
	closed       bool
	retryCount   int
	fatal        *errcatalog.VendorError // last non-retryable vendor error on this socket
	warnedChunk  bool

	// Running result, overwritten by every response
	transcript   string
	utterances   []protocol.Utterance
	sequence     int32
	hasSequence  bool
	lastActivity time.Time

	heartbeat        *time.Timer
	heartbeatTimeout *time.Timer

	// pending holds audio submitted while no socket was usable
	pending *audio.ChunkQueue
}

func newConnection(id string, params Params, request []byte, callbacks Callbacks, pendingLimit int, base zerolog.Logger) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		id:           id,
		params:       params,
		request:      request,
		callbacks:    callbacks,
		ctx:          ctx,
		cancel:       cancel,
		logger:       observability.WithConnection(base, id, params.SessionID),
		metrics:      observability.NewConnectionMetrics(id),
		status:       StatusConnecting,
		lastActivity: time.Now(),
		pending:      audio.NewChunkQueue(pendingLimit),
	}
}

// write sends one binary frame on sock
func (c *connection) write(sock Socket, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return sock.WriteMessage(websocket.BinaryMessage, frame)
}

// detachLocked drops the current socket and its timers and returns the socket so
// the caller can close it after releasing the lock
func (c *connection) detachLocked() Socket {
	sock := c.sock
	c.sock = nil
	c.generation++
	c.stopHeartbeatLocked()
	return sock
}

// bufferLocked queues a chunk for replay, dropping it when the queue is full
func (c *connection) bufferLocked(chunk audio.Chunk) {
	if c.pending.Push(chunk) {
		return
	}
	c.metrics.RecordPendingDropped()
	c.logger.Warn().
		Int("pending", c.pending.Len()).
		Int("capacity", c.pending.Cap()).
		Int("chunk_bytes", len(chunk.Data)).
		Bool("is_last", chunk.IsLast).
		Msg("Pending audio buffer full, dropping chunk")
}

func (c *connection) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	utterances := make([]protocol.Utterance, len(c.utterances))
	copy(utterances, c.utterances)

	return Snapshot{
		ID:           c.id,
		SessionID:    c.params.SessionID,
		Status:       c.status,
		Transcript:   c.transcript,
		Utterances:   utterances,
		Sequence:     c.sequence,
		HasSequence:  c.hasSequence,
		RetryCount:   c.retryCount,
		Reconnecting: c.reconnecting,
		Pending:      c.pending.Len(),
		LastActivity: c.lastActivity,
	}
}

// invoke runs a caller callback, turning a panic into a log line
func (c *connection) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("callback", name).
				Interface("panic", r).
				Msg("Recovered from panic in callback")
		}
	}()
	fn()
}

func (c *connection) notifyConnected() {
	if cb := c.callbacks.OnConnected; cb != nil {
		c.invoke("OnConnected", func() { cb(c.id) })
	}
}

func (c *connection) notifyResult(result RecognitionResult) {
	if cb := c.callbacks.OnResult; cb != nil {
		c.invoke("OnResult", func() { cb(c.id, result) })
	}
}

func (c *connection) notifyError(err error) {
	if cb := c.callbacks.OnError; cb != nil {
		c.invoke("OnError", func() { cb(c.id, err) })
	}
}

func (c *connection) notifyDisconnected() {
	if cb := c.callbacks.OnDisconnected; cb != nil {
		c.invoke("OnDisconnected", func() { cb(c.id) })
	}
}

// open dials a fresh socket, sends the configuration frame and makes the socket
// current. It fires OnConnected and starts the reader before returning.
func (m *Manager) open(conn *connection) error {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return ErrConnectionClosed
	}
	conn.status = StatusConnecting
	conn.mu.Unlock()

	conn.metrics.RecordDialStart()

	dialCtx, cancel := context.WithTimeout(conn.ctx, m.cfg.ConnectTimeout)
	defer cancel()

	var sock Socket
	err := m.breaker.Call(func() error {
		s, err := m.dialer.Dial(dialCtx, m.handshakeHeader(conn.id))
		if err != nil {
			return err
		}
		sock = s
		return nil
	})
	if err != nil {
		result := "error"
		switch {
		case conn.ctx.Err() != nil:
			conn.metrics.RecordDialEnd("cancelled")
			return ErrConnectionClosed
		case errors.Is(err, resilience.ErrCircuitOpen):
			result = "circuit_open"
		case errors.Is(dialCtx.Err(), context.DeadlineExceeded):
			conn.metrics.RecordDialEnd("timeout")
			return fmt.Errorf("%w after %s: %w", ErrConnectTimeout, m.cfg.ConnectTimeout, err)
		}
		conn.metrics.RecordDialEnd(result)
		return fmt.Errorf("failed to open socket: %w", err)
	}

	frame, err := protocol.EncodeFullClientRequest(conn.request)
	if err != nil {
		_ = sock.Close()
		conn.metrics.RecordDialEnd("error")
		return fmt.Errorf("failed to encode client request: %w", err)
	}
	if err := conn.write(sock, frame); err != nil {
		_ = sock.Close()
		conn.metrics.RecordDialEnd("error")
		return fmt.Errorf("failed to send client request: %w", err)
	}
	conn.metrics.RecordFrameSent(protocol.FullClientRequest.String(), 0)

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		_ = sock.Close()
		conn.metrics.RecordDialEnd("cancelled")
		return ErrConnectionClosed
	}
	conn.generation++
	gen := conn.generation
	conn.sock = sock
	conn.status = StatusConnected
	conn.retryCount = 0
	conn.fatal = nil
	conn.lastActivity = time.Now()
	m.startHeartbeatLocked(conn)
	conn.mu.Unlock()

	conn.metrics.RecordDialEnd("success")
	conn.logger.Info().Msg("ASR connection established")

	conn.notifyConnected()
	go m.readLoop(conn, sock, gen)
	return nil
}

// readLoop processes inbound messages for one socket in arrival order
func (m *Manager) readLoop(conn *connection, sock Socket, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			conn.logger.Error().Interface("panic", r).Msg("Recovered from panic in read loop")
			conn.notifyError(fmt.Errorf("read loop panic: %v", r))
		}
	}()

	var dec protocol.Decoder
	for {
		messageType, data, err := sock.ReadMessage()
		if err != nil {
			if n := dec.Buffered(); n > 0 {
				conn.logger.Debug().Int("bytes", n).Msg("Discarding partial frame on socket close")
			}
			m.handleClose(conn, gen, err)
			return
		}

		if messageType != websocket.BinaryMessage {
			conn.logger.Debug().Int("message_type", messageType).Msg("Ignoring non-binary message")
			continue
		}

		frames, err := dec.Feed(data)
		for _, f := range frames {
			m.handleFrame(conn, gen, f)
		}
		if err != nil {
			m.reportProtocolError(conn, gen, err)
		}
	}
}

// handleFrame merges one decoded frame into the running state
func (m *Manager) handleFrame(conn *connection, gen uint64, f protocol.Frame) {
	msg, decodeErr := protocol.DecodeServerMessage(f)

	conn.mu.Lock()
	if conn.closed || conn.generation != gen {
		conn.mu.Unlock()
		return
	}
	// Any inbound frame proves the socket is alive
	conn.lastActivity = time.Now()
	conn.stopHeartbeatTimeoutLocked()

	if decodeErr != nil {
		conn.mu.Unlock()
		m.reportProtocolError(conn, gen, decodeErr)
		return
	}
	conn.metrics.RecordFrameReceived(f.Type.String())

	if msg.Err != nil {
		conn.status = StatusError
		if !errcatalog.IsRetryable(msg.Err) {
			conn.fatal = msg.Err
		}
		result := RecognitionResult{
			Text:        conn.transcript,
			IsFinal:     true,
			Utterances:  conn.utterances,
			Sequence:    conn.sequence,
			HasSequence: conn.hasSequence,
			Err:         msg.Err,
			ErrorCode:   msg.Err.Code,
		}
		conn.mu.Unlock()

		conn.metrics.RecordVendorError(string(errcatalog.CategoryOf(msg.Err)))
		conn.logger.Warn().
			Uint32("code", msg.Err.Code).
			Str("category", string(msg.Err.Category)).
			Str("server_message", msg.Err.ServerMessage).
			Msg("ASR service reported an error")
		conn.notifyResult(result)
		return
	}

	resp := msg.Response
	conn.transcript = resp.Text()
	conn.utterances = resp.Utterances()
	if msg.HasSequence {
		conn.sequence = msg.Sequence
		conn.hasSequence = true
	}
	if msg.IsFinal {
		conn.status = StatusCompleted
		conn.stopHeartbeatLocked()
	} else {
		conn.status = StatusStreaming
	}

	result := RecognitionResult{
		Text:        conn.transcript,
		IsFinal:     msg.IsFinal,
		Utterances:  conn.utterances,
		Sequence:    msg.Sequence,
		HasSequence: msg.HasSequence,
	}
	if d, ok := resp.AudioDurationMs(); ok {
		result.AudioDurationMs = d
		result.HasAudioDuration = true
	}
	conn.mu.Unlock()

	conn.logger.Debug().
		Bool("is_final", result.IsFinal).
		Int("text_len", len(result.Text)).
		Msg("Recognition result received")
	conn.notifyResult(result)
}

func (m *Manager) reportProtocolError(conn *connection, gen uint64, err error) {
	conn.mu.Lock()
	stale := conn.closed || conn.generation != gen
	conn.mu.Unlock()
	if stale {
		return
	}

	conn.metrics.RecordProtocolError()
	conn.logger.Error().Err(err).Msg("Dropped undecodable frame")
	conn.notifyError(&ProtocolError{ConnectionID: conn.id, Err: err})
}

// handleClose reacts to the reader losing its socket
func (m *Manager) handleClose(conn *connection, gen uint64, cause error) {
	conn.mu.Lock()
	if conn.closed || conn.generation != gen {
		conn.mu.Unlock()
		return
	}
	sock := conn.detachLocked()

	normal := websocket.IsCloseError(cause, websocket.CloseNormalClosure)
	if normal || conn.status == StatusCompleted || conn.status == StatusDisconnected || conn.fatal != nil {
		if conn.status != StatusCompleted {
			conn.status = StatusDisconnected
		}
		status := conn.status
		conn.mu.Unlock()

		if sock != nil {
			_ = sock.Close()
		}
		conn.logger.Info().
			Str("status", status.String()).
			Bool("normal_closure", normal).
			Msg("ASR socket closed")
		conn.notifyDisconnected()
		return
	}

	conn.status = StatusError
	start := !conn.reconnecting
	conn.reconnecting = true
	conn.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	conn.logger.Warn().Err(cause).Bool("reconnect_in_flight", !start).Msg("ASR socket lost")

	if start {
		m.runReconnect(conn)
	}
}
