package asr

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/asr-transport/internal/config"
	"github.com/lexiqai/asr-transport/internal/protocol"
)

var errClosedSocket = errors.New("use of closed network connection")

type inbound struct {
	messageType int
	data        []byte
	err         error
}

// fakeSocket is an in-memory Socket driven by the test
type fakeSocket struct {
	mu       sync.Mutex
	written  [][]byte
	controls []int
	writeErr error
	// writeLimit > 0 fails every write past the first writeLimit
	writeLimit int

	inbound   chan inbound
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan inbound, 64),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed() {
		return errClosedSocket
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	if s.writeLimit > 0 && len(s.written) >= s.writeLimit {
		return errors.New("write: broken pipe")
	}
	s.written = append(s.written, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-s.inbound:
		if msg.err != nil {
			return 0, nil, msg.err
		}
		return msg.messageType, msg.data, nil
	case <-s.closed:
		return 0, nil, errClosedSocket
	}
}

func (s *fakeSocket) WriteControl(messageType int, data []byte, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = append(s.controls, messageType)
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) failWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// serverSend delivers a frame as if the service had sent it
func (s *fakeSocket) serverSend(t *testing.T, f protocol.Frame) {
	t.Helper()
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	s.inbound <- inbound{messageType: websocket.BinaryMessage, data: data}
}

func (s *fakeSocket) serverSendRaw(data []byte) {
	s.inbound <- inbound{messageType: websocket.BinaryMessage, data: data}
}

func (s *fakeSocket) serverResult(t *testing.T, text string, final bool) {
	t.Helper()
	flags := protocol.NoSequence
	if final {
		flags = protocol.LastPacketNoSequence
	}
	s.serverSend(t, protocol.Frame{
		Type:          protocol.FullServerResponse,
		Flags:         flags,
		Serialization: protocol.SerializationJSON,
		Compression:   protocol.CompressionGzip,
		Payload:       []byte(`{"result":{"text":"` + text + `"}}`),
	})
}

// serverClose ends the read side with a websocket close code
func (s *fakeSocket) serverClose(code int) {
	s.inbound <- inbound{err: &websocket.CloseError{Code: code}}
}

// frames decodes everything the client wrote
func (s *fakeSocket) frames(t *testing.T) []protocol.Frame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.Frame, 0, len(s.written))
	for _, raw := range s.written {
		f, _, err := protocol.DecodeFrame(raw)
		if err != nil {
			t.Fatalf("client wrote an undecodable frame: %v", err)
		}
		out = append(out, f)
	}
	return out
}

// audioPayloads returns the non-empty audio chunks the client wrote, in order
func (s *fakeSocket) audioPayloads(t *testing.T) [][]byte {
	t.Helper()
	var out [][]byte
	for _, f := range s.frames(t) {
		if f.Type == protocol.AudioOnlyClientRequest && len(f.Payload) > 0 {
			out = append(out, f.Payload)
		}
	}
	return out
}

// heartbeatCount returns how many empty audio frames the client wrote
func (s *fakeSocket) heartbeatCount(t *testing.T) int {
	t.Helper()
	n := 0
	for _, f := range s.frames(t) {
		if f.Type == protocol.AudioOnlyClientRequest && len(f.Payload) == 0 {
			n++
		}
	}
	return n
}

func (s *fakeSocket) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

// fakeDialer hands out fakeSockets and can be told to fail or to block
type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	headers []http.Header
	dials   int
	failN   int // upcoming dials to fail; negative fails forever
	failErr error
	gate    chan struct{}

	// writeLimit is copied into every new socket
	writeLimit int
	// afterDial runs once a socket has been handed out
	afterDial func()
}

func (d *fakeDialer) Dial(ctx context.Context, header http.Header) (Socket, error) {
	d.mu.Lock()
	d.dials++
	d.headers = append(d.headers, header.Clone())
	gate := d.gate
	if d.failN != 0 {
		if d.failN > 0 {
			d.failN--
		}
		err := d.failErr
		d.mu.Unlock()
		if err == nil {
			err = errors.New("dial tcp: connection refused")
		}
		return nil, err
	}
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s := newFakeSocket()
	d.mu.Lock()
	s.writeLimit = d.writeLimit
	d.sockets = append(d.sockets, s)
	hook := d.afterDial
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
	return s, nil
}

func (d *fakeDialer) setFail(n int) {
	d.mu.Lock()
	d.failN = n
	d.mu.Unlock()
}

func (d *fakeDialer) setFailErr(n int, err error) {
	d.mu.Lock()
	d.failN = n
	d.failErr = err
	d.mu.Unlock()
}

func (d *fakeDialer) setWriteLimit(n int) {
	d.mu.Lock()
	d.writeLimit = n
	d.mu.Unlock()
}

func (d *fakeDialer) setAfterDial(fn func()) {
	d.mu.Lock()
	d.afterDial = fn
	d.mu.Unlock()
}

func (d *fakeDialer) setGate(gate chan struct{}) {
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) socketCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[i]
}

func (d *fakeDialer) header(i int) http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers[i]
}

// recorder captures callback invocations
type recorder struct {
	mu           sync.Mutex
	events       []string
	connected    int
	disconnected int
	results      []RecognitionResult
	errs         []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnConnected: func(string) {
			r.mu.Lock()
			r.connected++
			r.events = append(r.events, "connected")
			r.mu.Unlock()
		},
		OnResult: func(_ string, res RecognitionResult) {
			r.mu.Lock()
			r.results = append(r.results, res)
			r.events = append(r.events, "result")
			r.mu.Unlock()
		},
		OnError: func(_ string, err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.events = append(r.events, "error")
			r.mu.Unlock()
		},
		OnDisconnected: func(string) {
			r.mu.Lock()
			r.disconnected++
			r.events = append(r.events, "disconnected")
			r.mu.Unlock()
		},
	}
}

func (r *recorder) connectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *recorder) disconnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected
}

func (r *recorder) resultList() []RecognitionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecognitionResult(nil), r.results...)
}

func (r *recorder) errorList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) eventList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// syncBuffer is a goroutine-safe log sink
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ASRURL = "wss://asr.test/stream"
	cfg.ASRAppKey = "app-key"
	cfg.ASRAccessKey = "access-key"
	cfg.ASRResourceID = "volc.bigasr.sauc.duration"
	cfg.ConnectTimeout = time.Second
	cfg.HeartbeatInterval = time.Hour
	cfg.HeartbeatTimeout = time.Minute
	cfg.ReconnectInitialDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 40 * time.Millisecond
	cfg.CircuitBreakerMaxFailures = 100
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *fakeDialer, *syncBuffer) {
	t.Helper()
	dialer := &fakeDialer{}
	m := NewManager(cfg, dialer)

	logs := &syncBuffer{}
	m.logger = zerolog.New(logs)
	t.Cleanup(func() { _ = m.Close() })
	return m, dialer, logs
}

func pcmParams(session string) Params {
	return Params{
		SessionID:   session,
		AudioFormat: "pcm",
		SampleRate:  16000,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statusOf(m *Manager, id string) Status {
	s, err := m.ConnectionStatus(id)
	if err != nil {
		return Status(-1)
	}
	return s
}
