package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientRequest is the JSON configuration sent in every FullClientRequest frame
type ClientRequest struct {
	User    UserMeta    `json:"user"`
	Audio   AudioMeta   `json:"audio"`
	Request RequestMeta `json:"request"`
}

// UserMeta identifies the caller's session
type UserMeta struct {
	UID string `json:"uid"`
}

// AudioMeta describes the audio the client is about to stream
type AudioMeta struct {
	Format  string `json:"format"`
	Codec   string `json:"codec,omitempty"`
	Rate    int    `json:"rate"`
	Bits    int    `json:"bits"`
	Channel int    `json:"channel"`
}

// RequestMeta carries the recognition feature toggles
type RequestMeta struct {
	ModelName         string  `json:"model_name"`
	EnablePunc        bool    `json:"enable_punc"`
	EnableITN         bool    `json:"enable_itn"`
	EnableSpeakerInfo bool    `json:"enable_speaker_info,omitempty"`
	ShowUtterances    bool    `json:"show_utterances"`
	ResultType        string  `json:"result_type"`
	Language          string  `json:"language,omitempty"`
	Corpus            *Corpus `json:"corpus,omitempty"`
}

// Corpus carries recognition hints. Context is itself a JSON document.
type Corpus struct {
	Context string `json:"context,omitempty"`
}

type hotwordContext struct {
	Hotwords []hotword `json:"hotwords"`
}

type hotword struct {
	Word string `json:"word"`
}

// NewHotwordCorpus builds the corpus block for a hot-word list, or nil when empty
func NewHotwordCorpus(words []string) (*Corpus, error) {
	if len(words) == 0 {
		return nil, nil
	}

	ctx := hotwordContext{Hotwords: make([]hotword, 0, len(words))}
	for _, w := range words {
		if w == "" {
			continue
		}
		ctx.Hotwords = append(ctx.Hotwords, hotword{Word: w})
	}
	if len(ctx.Hotwords) == 0 {
		return nil, nil
	}

	b, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hot words: %w", err)
	}
	return &Corpus{Context: string(b)}, nil
}

// Marshal serializes the request to the JSON payload of a FullClientRequest
func (r ClientRequest) Marshal() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal client request: %w", err)
	}
	return b, nil
}
