package protocol

import (
	"errors"
	"fmt"

	"github.com/lexiqai/asr-transport/internal/errcatalog"
)

// ErrUnexpectedMessageType is returned when a client-only frame arrives from the server
var ErrUnexpectedMessageType = errors.New("unexpected message type")

// ServerMessage is a decoded frame from the recognition service
type ServerMessage struct {
	Type        MessageType
	IsFinal     bool
	Sequence    int32
	HasSequence bool

	// Response is set for FullServerResponse frames
	Response *Response

	// Err is set for ErrorResponse frames
	Err *errcatalog.VendorError
}

// DecodeServerMessage interprets a frame received from the server
func DecodeServerMessage(f Frame) (*ServerMessage, error) {
	switch f.Type {
	case ErrorResponse:
		return &ServerMessage{
			Type:    ErrorResponse,
			IsFinal: true,
			Err:     errcatalog.Resolve(f.ErrorCode, string(f.Payload)),
		}, nil

	case FullServerResponse:
		msg := &ServerMessage{
			Type:        FullServerResponse,
			IsFinal:     f.IsFinal(),
			HasSequence: f.Flags.HasSequence(),
			Sequence:    f.Sequence,
		}
		if f.Serialization != SerializationJSON {
			return nil, fmt.Errorf("%w: server response serialization %#x", ErrMalformedResponse, byte(f.Serialization))
		}
		resp, err := ParseResponse(f.Payload)
		if err != nil {
			return nil, err
		}
		msg.Response = resp
		return msg, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedMessageType, f.Type)
	}
}
