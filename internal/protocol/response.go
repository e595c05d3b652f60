package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformedResponse is returned when a response payload does not match the schema
var ErrMalformedResponse = errors.New("malformed response")

// Response is the JSON body of a FullServerResponse frame
type Response struct {
	AudioInfo *AudioInfo
	Result    *Result
}

// AudioInfo describes how much audio the server has processed
type AudioInfo struct {
	DurationMs int64 `json:"duration"`
}

// Result is the recognized text so far
type Result struct {
	Text       string
	Utterances []Utterance
}

// Utterance is a speaker-segmented span of recognized text.
// Every field beyond the text and span boundaries is optional.
type Utterance struct {
	Text        string
	StartTimeMs int64
	EndTimeMs   int64
	Definite    bool

	Speaker    string
	SpeechRate *float64
	Volume     *float64
	Emotion    string
	Gender     string
	Language   string

	Words []Word
}

// Word carries word-level timing
type Word struct {
	Text        string `json:"text"`
	StartTimeMs int64  `json:"start_time"`
	EndTimeMs   int64  `json:"end_time"`
}

type responseWire struct {
	AudioInfo *AudioInfo      `json:"audio_info,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type resultWire struct {
	Text       string          `json:"text"`
	Utterances []utteranceWire `json:"utterances,omitempty"`
}

type utteranceWire struct {
	Text      string         `json:"text"`
	StartTime int64          `json:"start_time"`
	EndTime   int64          `json:"end_time"`
	Definite  bool           `json:"definite"`
	Words     []Word         `json:"words,omitempty"`
	Additions *additionsWire `json:"additions,omitempty"`
}

type additionsWire struct {
	Speaker    flexString `json:"speaker"`
	SpeechRate *flexFloat `json:"speech_rate"`
	Volume     *flexFloat `json:"volume"`
	Emotion    flexString `json:"emotion"`
	Gender     flexString `json:"gender"`
	Language   flexString `json:"lid_lang"`
}

// flexString accepts a JSON string or number
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*s = flexString(n.String())
	return nil
}

// flexFloat accepts a JSON number or a numeric string
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("expected numeric string, got %q", v)
		}
		*f = flexFloat(parsed)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// ParseResponse decodes a FullServerResponse payload.
//
// The top level must be a JSON object. "result" may be an object, an array whose
// first element is used, or absent/null. Any other shape is rejected.
func ParseResponse(payload []byte) (*Response, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: top level is not a JSON object", ErrMalformedResponse)
	}

	var wire responseWire
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	resp := &Response{AudioInfo: wire.AudioInfo}

	raw := bytes.TrimSpace(wire.Result)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return resp, nil
	}

	var result resultWire
	switch raw[0] {
	case '{':
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("%w: result: %v", ErrMalformedResponse, err)
		}
	case '[':
		var results []resultWire
		if err := json.Unmarshal(raw, &results); err != nil {
			return nil, fmt.Errorf("%w: result array: %v", ErrMalformedResponse, err)
		}
		if len(results) == 0 {
			return resp, nil
		}
		result = results[0]
	default:
		return nil, fmt.Errorf("%w: result must be an object or an array", ErrMalformedResponse)
	}

	resp.Result = &Result{
		Text:       result.Text,
		Utterances: convertUtterances(result.Utterances),
	}
	return resp, nil
}

func convertUtterances(in []utteranceWire) []Utterance {
	if len(in) == 0 {
		return nil
	}

	out := make([]Utterance, 0, len(in))
	for _, u := range in {
		utt := Utterance{
			Text:        u.Text,
			StartTimeMs: u.StartTime,
			EndTimeMs:   u.EndTime,
			Definite:    u.Definite,
			Words:       u.Words,
		}
		if a := u.Additions; a != nil {
			utt.Speaker = string(a.Speaker)
			utt.Emotion = string(a.Emotion)
			utt.Gender = string(a.Gender)
			utt.Language = string(a.Language)
			if a.SpeechRate != nil {
				v := float64(*a.SpeechRate)
				utt.SpeechRate = &v
			}
			if a.Volume != nil {
				v := float64(*a.Volume)
				utt.Volume = &v
			}
		}
		out = append(out, utt)
	}
	return out
}

// Text returns the recognized text, or "" when the response carries no result
func (r *Response) Text() string {
	if r == nil || r.Result == nil {
		return ""
	}
	return r.Result.Text
}

// Utterances returns the utterance list, or nil when the response carries no result
func (r *Response) Utterances() []Utterance {
	if r == nil || r.Result == nil {
		return nil
	}
	return r.Result.Utterances
}

// AudioDurationMs returns the processed audio duration when the server reported it
func (r *Response) AudioDurationMs() (int64, bool) {
	if r == nil || r.AudioInfo == nil {
		return 0, false
	}
	return r.AudioInfo.DurationMs, true
}
