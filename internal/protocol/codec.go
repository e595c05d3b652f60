package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

var (
	// ErrIncompleteFrame means the buffer ends before the declared frame does.
	// It is recoverable: feed more bytes and decode again.
	ErrIncompleteFrame = errors.New("incomplete frame")

	// ErrCorruptFrame covers malformed headers, out-of-bounds sizes and payloads
	// that fail to decompress
	ErrCorruptFrame = errors.New("corrupt frame")

	// ErrUnknownMessageType is returned for message type nibbles outside the protocol
	ErrUnknownMessageType = errors.New("unknown message type")
)

func corruptf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorruptFrame, fmt.Sprintf(format, args...))
}

// EncodeFrame serializes f into its wire form
func EncodeFrame(f Frame) ([]byte, error) {
	if !f.Type.valid() {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownMessageType, byte(f.Type))
	}

	payload := f.Payload
	if f.Compression == CompressionGzip {
		compressed, err := gzipBytes(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
		payload = compressed
	}

	header := encodeHeader(f)
	out := bytes.NewBuffer(make([]byte, 0, headerLen+12+len(payload)))
	out.Write(header[:])

	if f.Type == ErrorResponse {
		if len(payload) > MaxErrorMessageSize {
			return nil, fmt.Errorf("error message of %d bytes exceeds %d", len(payload), MaxErrorMessageSize)
		}
		_ = binary.Write(out, binary.BigEndian, f.ErrorCode)
		_ = binary.Write(out, binary.BigEndian, uint32(len(payload)))
		out.Write(payload)
		return out.Bytes(), nil
	}

	if f.Flags.HasSequence() {
		_ = binary.Write(out, binary.BigEndian, f.Sequence)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", len(payload), MaxPayloadSize)
	}
	_ = binary.Write(out, binary.BigEndian, uint32(len(payload)))
	out.Write(payload)

	return out.Bytes(), nil
}

// EncodeFullClientRequest frames the initial JSON configuration
func EncodeFullClientRequest(jsonPayload []byte) ([]byte, error) {
	return EncodeFrame(Frame{
		Type:          FullClientRequest,
		Flags:         NoSequence,
		Serialization: SerializationJSON,
		Compression:   CompressionGzip,
		Payload:       jsonPayload,
	})
}

// EncodeAudioOnlyRequest frames one raw audio chunk. An empty chunk is valid and
// doubles as a heartbeat probe.
func EncodeAudioOnlyRequest(audio []byte, isLast bool) ([]byte, error) {
	flags := NoSequence
	if isLast {
		flags = LastPacketNoSequence
	}
	return EncodeFrame(Frame{
		Type:          AudioOnlyClientRequest,
		Flags:         flags,
		Serialization: SerializationNone,
		Compression:   CompressionGzip,
		Payload:       audio,
	})
}

// DecodeFrame decodes the first frame in buf and returns it together with the
// number of bytes it occupied.
//
// A short buffer yields ErrIncompleteFrame with n == 0. Declared sizes are checked
// against their bounds before the buffer length, so an absurd size is reported as
// corrupt rather than incomplete. A payload that fails to decompress is reported as
// corrupt with n set, letting stream readers skip just that frame.
func DecodeFrame(buf []byte) (Frame, int, error) {
	if len(buf) < headerLen {
		return Frame{}, 0, ErrIncompleteFrame
	}

	version := buf[0] >> 4
	sizeWords := buf[0] & 0x0F
	if version != ProtocolVersion {
		return Frame{}, 0, corruptf("unsupported protocol version %d", version)
	}
	if sizeWords == 0 {
		return Frame{}, 0, corruptf("header size is zero")
	}

	offset := int(sizeWords) * 4
	if len(buf) < offset {
		return Frame{}, 0, ErrIncompleteFrame
	}

	f := Frame{
		Type:          MessageType(buf[1] >> 4),
		Flags:         Flags(buf[1] & 0x0F),
		Serialization: Serialization(buf[2] >> 4),
		Compression:   Compression(buf[2] & 0x0F),
	}
	if !f.Type.valid() {
		return Frame{}, 0, fmt.Errorf("%w: %#x", ErrUnknownMessageType, byte(f.Type))
	}
	if f.Compression != CompressionNone && f.Compression != CompressionGzip {
		return Frame{}, 0, corruptf("unsupported compression %#x", byte(f.Compression))
	}

	var size uint32
	if f.Type == ErrorResponse {
		if len(buf) < offset+8 {
			return Frame{}, 0, ErrIncompleteFrame
		}
		f.ErrorCode = binary.BigEndian.Uint32(buf[offset:])
		size = binary.BigEndian.Uint32(buf[offset+4:])
		offset += 8
		if size > MaxErrorMessageSize {
			return Frame{}, 0, corruptf("error message size %d exceeds %d", size, MaxErrorMessageSize)
		}
	} else {
		if f.Flags.HasSequence() {
			if len(buf) < offset+4 {
				return Frame{}, 0, ErrIncompleteFrame
			}
			f.Sequence = int32(binary.BigEndian.Uint32(buf[offset:]))
			offset += 4
		}
		if len(buf) < offset+4 {
			return Frame{}, 0, ErrIncompleteFrame
		}
		size = binary.BigEndian.Uint32(buf[offset:])
		offset += 4
		if size > MaxPayloadSize {
			return Frame{}, 0, corruptf("payload size %d exceeds %d", size, MaxPayloadSize)
		}
	}

	end := offset + int(size)
	if len(buf) < end {
		return Frame{}, 0, ErrIncompleteFrame
	}

	raw := buf[offset:end]
	if f.Compression == CompressionGzip && len(raw) > 0 {
		payload, err := gunzipBytes(raw)
		if err != nil {
			return Frame{}, end, corruptf("gunzip %s payload: %v", f.Type, err)
		}
		f.Payload = payload
	} else {
		f.Payload = append([]byte(nil), raw...)
	}

	return f, end, nil
}

// Decoder accumulates bytes from successive reads and yields whole frames
type Decoder struct {
	buf []byte
}

// Feed appends p and returns every complete frame now available. A truncated
// trailing frame stays buffered for the next call. Errors for frames that could be
// skipped are joined; a frame whose boundaries cannot be trusted drops the buffer.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	d.buf = append(d.buf, p...)

	var frames []Frame
	var errs []error
	for len(d.buf) > 0 {
		f, n, err := DecodeFrame(d.buf)
		if errors.Is(err, ErrIncompleteFrame) {
			break
		}
		if err != nil {
			errs = append(errs, err)
			if n == 0 {
				d.buf = nil
				break
			}
			d.buf = d.buf[n:]
			continue
		}
		d.buf = d.buf[n:]
		frames = append(frames, f)
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, errors.Join(errs...)
}

// Buffered returns the number of bytes held back waiting for the rest of a frame
func (d *Decoder) Buffered() int {
	return len(d.buf)
}


func gzipBytes(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(p); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(p []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	// Bound the inflated size with the same limit as the wire size
	out, err := io.ReadAll(io.LimitReader(zr, MaxPayloadSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxPayloadSize {
		return nil, fmt.Errorf("inflated payload exceeds %d bytes", MaxPayloadSize)
	}
	return out, nil
}
