package telephony

import (
	"encoding/json"
	"fmt"
)

// Media Streams event names as they appear on the wire.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// Envelope is one JSON message on a Media Streams WebSocket, in either
// direction. Only the fields for the message's event are populated.
type Envelope struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
}

type StartPayload struct {
	StreamSID   string      `json:"streamSid"`
	AccountSID  string      `json:"accountSid,omitempty"`
	CallSID     string      `json:"callSid,omitempty"`
	Tracks      []string    `json:"tracks,omitempty"`
	MediaFormat MediaFormat `json:"mediaFormat"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type StopPayload struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

// ParseEnvelope decodes one inbound Media Streams message.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse media stream envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("media stream envelope missing event")
	}
	return env, nil
}

// MediaEnvelope builds an outbound media message carrying base64 payload for
// the given stream.
func MediaEnvelope(streamSID, payload string) Envelope {
	return Envelope{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaPayload{Payload: payload},
	}
}

func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode media stream envelope: %w", err)
	}
	return data, nil
}
