package asr

import (
	"context"
	"fmt"
	"time"

	"github.com/lexiqai/asr-transport/internal/audio"
	"github.com/lexiqai/asr-transport/internal/errcatalog"
	"github.com/lexiqai/asr-transport/internal/protocol"
)

// Status is the lifecycle state of a connection
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusStreaming
	StatusCompleted
	StatusError
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusStreaming:
		return "streaming"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Params configures one recognition session. They are captured at Connect and
// replayed unchanged on every reconnect.
type Params struct {
	SessionID   string
	AudioFormat audio.Format
	SampleRate  int
	Channels    int // defaults to 1
	Bits        int // defaults to 16

	// Punctuation and TextNormalization default to enabled when nil
	Punctuation       *bool
	TextNormalization *bool
	SpeakerSeparation bool

	Language  string
	HotWords  []string
	ModelName string // defaults to the configured model
}

// Bool returns a pointer to v, for the optional toggles in Params
func Bool(v bool) *bool {
	return &v
}

func boolValue(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func (p Params) withDefaults(model string) Params {
	if p.Channels == 0 {
		p.Channels = 1
	}
	if p.Bits == 0 {
		p.Bits = 16
	}
	if p.ModelName == "" {
		p.ModelName = model
	}
	if f, err := audio.ParseFormat(string(p.AudioFormat)); err == nil {
		p.AudioFormat = f
	}
	return p
}

// Validate checks the params before any I/O happens
func (p Params) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidParams)
	}
	if _, err := audio.ParseFormat(string(p.AudioFormat)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if p.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidParams, p.SampleRate)
	}
	if p.Channels < 0 || p.Channels > 2 {
		return fmt.Errorf("%w: channels must be 1 or 2, got %d", ErrInvalidParams, p.Channels)
	}
	if p.Bits < 0 || p.Bits%8 != 0 {
		return fmt.Errorf("%w: bits must be a multiple of 8, got %d", ErrInvalidParams, p.Bits)
	}
	return nil
}

// clientRequest builds the configuration payload sent after every socket open
func (p Params) clientRequest() ([]byte, error) {
	corpus, err := protocol.NewHotwordCorpus(p.HotWords)
	if err != nil {
		return nil, err
	}

	req := protocol.ClientRequest{
		User: protocol.UserMeta{UID: p.SessionID},
		Audio: protocol.AudioMeta{
			Format:  string(p.AudioFormat),
			Codec:   p.AudioFormat.Codec(),
			Rate:    p.SampleRate,
			Bits:    p.Bits,
			Channel: p.Channels,
		},
		Request: protocol.RequestMeta{
			ModelName:         p.ModelName,
			EnablePunc:        boolValue(p.Punctuation, true),
			EnableITN:         boolValue(p.TextNormalization, true),
			EnableSpeakerInfo: p.SpeakerSeparation,
			ShowUtterances:    true,
			ResultType:        "full",
			Language:          p.Language,
			Corpus:            corpus,
		},
	}
	return req.Marshal()
}

// RecognitionResult is delivered through Callbacks.OnResult
type RecognitionResult struct {
	// Text is the running transcript, replaced (not appended) on every update
	Text       string
	IsFinal    bool
	Utterances []protocol.Utterance

	Sequence    int32
	HasSequence bool

	AudioDurationMs  int64
	HasAudioDuration bool

	// Err and ErrorCode are set when the service reported a failure
	Err       *errcatalog.VendorError
	ErrorCode uint32
}

// Callbacks receive connection events. Any of them may be nil.
// They are never invoked while the connection's lock is held, so they may call
// back into the Manager.
type Callbacks struct {
	OnConnected    func(connectionID string)
	OnResult       func(connectionID string, result RecognitionResult)
	OnError        func(connectionID string, err error)
	OnDisconnected func(connectionID string)
}

// Snapshot is a read-only copy of a connection's running state
type Snapshot struct {
	ID           string
	SessionID    string
	Status       Status
	Transcript   string
	Utterances   []protocol.Utterance
	Sequence     int32
	HasSequence  bool
	RetryCount   int
	Reconnecting bool
	Pending      int
	LastActivity time.Time
}

// Transport is the caller-facing contract of the connection manager
type Transport interface {
	Connect(ctx context.Context, params Params, callbacks Callbacks) (string, error)
	SendAudio(connectionID string, data []byte, isLast bool) error
	Disconnect(connectionID string) error
	ConnectionStatus(connectionID string) (Status, error)
}

var _ Transport = (*Manager)(nil)
