package errcatalog

import (
	"errors"
	"fmt"
)

// Category groups vendor status codes into a small failure taxonomy
type Category string

const (
	CategorySuccess        Category = "success"
	CategoryInvalidRequest Category = "invalid_request"
	CategoryEmptyAudio     Category = "empty_audio"
	CategoryTimeout        Category = "timeout"
	CategoryAudioFormat    Category = "audio_format"
	CategoryServerBusy     Category = "server_busy"
	CategoryServerError    Category = "server_error"
	CategoryUnknown        Category = "unknown"
)

// Vendor status codes reported in ErrorResponse frames
const (
	CodeSuccess           uint32 = 20000000
	CodeInvalidParams     uint32 = 45000001
	CodeEmptyAudio        uint32 = 45000002
	CodePacketTimeout     uint32 = 45000081
	CodeInvalidAudio      uint32 = 45000151
	CodeServerBusy        uint32 = 55000031
	serverErrorRangeStart uint32 = 55000000
	serverErrorRangeEnd   uint32 = 55999999
)

// Entry describes one known vendor code
type Entry struct {
	Code      uint32
	Category  Category
	Message   string
	Retryable bool
}

var catalog = map[uint32]Entry{
	CodeSuccess: {
		Code:     CodeSuccess,
		Category: CategorySuccess,
		Message:  "success",
	},
	CodeInvalidParams: {
		Code:     CodeInvalidParams,
		Category: CategoryInvalidRequest,
		Message:  "invalid request parameters",
	},
	CodeEmptyAudio: {
		Code:     CodeEmptyAudio,
		Category: CategoryEmptyAudio,
		Message:  "empty audio",
	},
	CodePacketTimeout: {
		Code:      CodePacketTimeout,
		Category:  CategoryTimeout,
		Message:   "timed out waiting for the next audio packet",
		Retryable: true,
	},
	CodeInvalidAudio: {
		Code:     CodeInvalidAudio,
		Category: CategoryAudioFormat,
		Message:  "invalid audio format",
	},
	CodeServerBusy: {
		Code:      CodeServerBusy,
		Category:  CategoryServerBusy,
		Message:   "server overloaded",
		Retryable: true,
	},
}

// Lookup returns the catalog entry for code. Codes in the 550xxxxx range that are
// not listed explicitly resolve to a generic internal server error, everything else
// falls back to an unknown entry.
func Lookup(code uint32) Entry {
	if entry, ok := catalog[code]; ok {
		return entry
	}

	if code >= serverErrorRangeStart && code <= serverErrorRangeEnd {
		return Entry{
			Code:      code,
			Category:  CategoryServerError,
			Message:   fmt.Sprintf("internal server error (code %d)", code),
			Retryable: true,
		}
	}

	return Entry{
		Code:     code,
		Category: CategoryUnknown,
		Message:  fmt.Sprintf("unknown error (code %d)", code),
	}
}

// VendorError is a failure reported by the recognition service in an ErrorResponse frame
type VendorError struct {
	Entry
	// ServerMessage is the raw message text carried in the frame, if any
	ServerMessage string
}

// Resolve maps a vendor code and the server's own message into a VendorError
func Resolve(code uint32, serverMessage string) *VendorError {
	return &VendorError{
		Entry:         Lookup(code),
		ServerMessage: serverMessage,
	}
}

func (e *VendorError) Error() string {
	if e.ServerMessage == "" {
		return fmt.Sprintf("asr vendor error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("asr vendor error %d: %s: %s", e.Code, e.Message, e.ServerMessage)
}

// IsRetryable reports whether err carries a vendor error the service expects to clear on retry
func IsRetryable(err error) bool {
	var vendorErr *VendorError
	if errors.As(err, &vendorErr) {
		return vendorErr.Retryable
	}
	return false
}

// CategoryOf returns the category of a vendor error, or CategoryUnknown
func CategoryOf(err error) Category {
	var vendorErr *VendorError
	if errors.As(err, &vendorErr) {
		return vendorErr.Category
	}
	return CategoryUnknown
}
