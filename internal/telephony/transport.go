package telephony

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/GitNimay/ai-calling-agent/internal/audio"
	"github.com/GitNimay/ai-calling-agent/internal/relay"
)

// wsConn is the slice of *websocket.Conn the transport needs; tests provide
// an in-memory implementation.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

// Transport adapts a Twilio Media Streams WebSocket to relay frames. Inbound
// media is base64 mu-law at the telephony rate and is decoded to linear PCM;
// outbound frames are resampled down, mu-law encoded, and wrapped in media
// envelopes carrying the stream SID announced by the start message.
type Transport struct {
	conn          wsConn
	telephonyRate int

	mu        sync.Mutex
	streamSID string
	callSID   string
}

func NewTransport(conn wsConn, telephonyRate int) *Transport {
	if telephonyRate <= 0 {
		telephonyRate = 8000
	}
	return &Transport{conn: conn, telephonyRate: telephonyRate}
}

// StreamSID returns the stream identifier announced by the start message, or
// empty if none has arrived yet.
func (t *Transport) StreamSID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamSID
}

// CallSID returns the Twilio call identifier, if the start message carried one.
func (t *Transport) CallSID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callSID
}

func (t *Transport) ReadFrame(ctx context.Context) (relay.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return relay.Frame{}, io.EOF
		}
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return relay.Frame{}, io.EOF
			}
			return relay.Frame{}, err
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			return relay.Frame{}, fmt.Errorf("%w: %v", relay.ErrFrameDecode, err)
		}

		switch env.Event {
		case EventStart:
			t.recordStart(env)
		case EventStop:
			return relay.Frame{}, io.EOF
		case EventMedia:
			if env.Media == nil || env.Media.Payload == "" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil {
				return relay.Frame{}, fmt.Errorf("%w: media payload base64: %v", relay.ErrFrameDecode, err)
			}
			pcm, err := audio.Decode(audio.FormatMuLaw, raw)
			if err != nil {
				return relay.Frame{}, fmt.Errorf("%w: %v", relay.ErrFrameDecode, err)
			}
			return relay.Frame{PCM: pcm, SampleRate: t.telephonyRate}, nil
		default:
			// connected, mark, and anything newer are not audio.
		}
	}
}

func (t *Transport) WriteFrame(_ context.Context, f relay.Frame) error {
	sid := t.StreamSID()
	if sid == "" {
		// No start message yet; there is nowhere to address the audio.
		return nil
	}

	pcm := f.PCM
	rate := f.SampleRate
	if rate <= 0 {
		rate = t.telephonyRate
	}
	if rate != t.telephonyRate {
		resampled, err := audio.Resample(pcm, rate, t.telephonyRate)
		if err != nil {
			return fmt.Errorf("resample outbound audio: %w", err)
		}
		pcm = resampled
	}

	encoded, err := audio.Encode(audio.FormatMuLaw, pcm)
	if err != nil {
		return fmt.Errorf("encode outbound audio: %w", err)
	}

	env := MediaEnvelope(sid, base64.StdEncoding.EncodeToString(encoded))
	data, err := env.Encode()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) recordStart(env Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if env.Start != nil {
		if env.Start.StreamSID != "" {
			t.streamSID = env.Start.StreamSID
		}
		t.callSID = env.Start.CallSID
	}
	if t.streamSID == "" && env.StreamSID != "" {
		t.streamSID = env.StreamSID
	}
}
