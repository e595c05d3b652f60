package protocol

// MessageType is the high nibble of header byte 1
type MessageType byte

const (
	FullClientRequest      MessageType = 0b0001 // initial JSON configuration
	AudioOnlyClientRequest MessageType = 0b0010 // raw audio chunk
	FullServerResponse     MessageType = 0b1001 // recognition result
	ErrorResponse          MessageType = 0b1111 // vendor-reported failure
)

func (t MessageType) String() string {
	switch t {
	case FullClientRequest:
		return "full_client_request"
	case AudioOnlyClientRequest:
		return "audio_only_request"
	case FullServerResponse:
		return "full_server_response"
	case ErrorResponse:
		return "error_response"
	default:
		return "unknown"
	}
}

func (t MessageType) valid() bool {
	switch t {
	case FullClientRequest, AudioOnlyClientRequest, FullServerResponse, ErrorResponse:
		return true
	}
	return false
}

// Flags is the low nibble of header byte 1
type Flags byte

const (
	NoSequence             Flags = 0b0000
	PositiveSequence       Flags = 0b0001
	LastPacketNoSequence   Flags = 0b0010
	LastPacketWithSequence Flags = 0b0011
)

// HasSequence reports whether a signed sequence number follows the header
func (f Flags) HasSequence() bool {
	return f == PositiveSequence || f == LastPacketWithSequence
}

// IsLast reports whether the frame closes out the session
func (f Flags) IsLast() bool {
	return f == LastPacketNoSequence || f == LastPacketWithSequence
}

// Serialization is the high nibble of header byte 2
type Serialization byte

const (
	SerializationNone Serialization = 0b0000
	SerializationJSON Serialization = 0b0001
)

// Compression is the low nibble of header byte 2
type Compression byte

const (
	CompressionNone Compression = 0b0000
	CompressionGzip Compression = 0b0001
)

const (
	// ProtocolVersion and HeaderSizeWords are fixed for every frame this client writes
	ProtocolVersion byte = 0b0001
	HeaderSizeWords byte = 0b0001

	headerLen = 4

	// MaxPayloadSize guards against mis-parsed offsets; it is not a protocol limit
	MaxPayloadSize = 10 << 20
	// MaxErrorMessageSize bounds the message carried by ErrorResponse frames
	MaxErrorMessageSize = 1 << 20
)

// Frame is one binary message exchanged over the socket.
// Payload always holds the decompressed bytes.
type Frame struct {
	Type          MessageType
	Flags         Flags
	Serialization Serialization
	Compression   Compression

	// Sequence is only meaningful when Flags.HasSequence()
	Sequence int32

	// ErrorCode is only meaningful for ErrorResponse frames
	ErrorCode uint32

	Payload []byte
}

// IsFinal reports whether the frame carries one of the last-packet flags
func (f Frame) IsFinal() bool {
	return f.Flags.IsLast()
}

func encodeHeader(f Frame) [headerLen]byte {
	return [headerLen]byte{
		ProtocolVersion<<4 | HeaderSizeWords,
		byte(f.Type)<<4 | byte(f.Flags)&0x0F,
		byte(f.Serialization)<<4 | byte(f.Compression)&0x0F,
		0x00,
	}
}
