package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/GitNimay/ai-calling-agent/internal/relay"
)

// fakeConn scripts inbound messages and records outbound writes.
type fakeConn struct {
	inbound  []string
	readErr  error
	written  [][]byte
	writeErr error
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	if len(c.inbound) == 0 {
		if c.readErr != nil {
			return 0, nil, c.readErr
		}
		return 0, nil, websocket.ErrCloseSent
	}
	msg := c.inbound[0]
	c.inbound = c.inbound[1:]
	return websocket.TextMessage, []byte(msg), nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func startMessage(streamSID, callSID string) string {
	return `{"event":"start","start":{"streamSid":"` + streamSID + `","callSid":"` + callSID +
		`","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}},"streamSid":"` + streamSID + `"}`
}

func mediaMessage(payload string) string {
	return `{"event":"media","media":{"payload":"` + payload + `"}}`
}

func TestTransportReadsMediaAfterStart(t *testing.T) {
	muLawSilence := base64.StdEncoding.EncodeToString([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	conn := &fakeConn{inbound: []string{
		`{"event":"connected","protocol":"Call","version":"1.0.0"}`,
		startMessage("MZ123", "CA456"),
		mediaMessage(muLawSilence),
		`{"event":"stop","streamSid":"MZ123"}`,
	}}
	tr := NewTransport(conn, 8000)

	frame, err := tr.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if frame.SampleRate != 8000 {
		t.Fatalf("frame sample rate = %d, want 8000", frame.SampleRate)
	}
	if len(frame.PCM) != 8 {
		t.Fatalf("decoded PCM length = %d, want 8", len(frame.PCM))
	}
	for _, b := range frame.PCM {
		if b != 0 {
			t.Fatalf("mu-law silence decoded to nonzero PCM: %v", frame.PCM)
		}
	}
	if got := tr.StreamSID(); got != "MZ123" {
		t.Fatalf("StreamSID() = %q, want MZ123", got)
	}
	if got := tr.CallSID(); got != "CA456" {
		t.Fatalf("CallSID() = %q, want CA456", got)
	}

	if _, err := tr.ReadFrame(context.Background()); err != io.EOF {
		t.Fatalf("ReadFrame() after stop error = %v, want io.EOF", err)
	}
}

func TestTransportMalformedPayloadIsFrameDecodeError(t *testing.T) {
	conn := &fakeConn{inbound: []string{
		startMessage("MZ1", ""),
		mediaMessage("@@not-base64@@"),
		mediaMessage(base64.StdEncoding.EncodeToString([]byte{0xFF, 0xFF})),
	}}
	tr := NewTransport(conn, 8000)

	_, err := tr.ReadFrame(context.Background())
	if !errors.Is(err, relay.ErrFrameDecode) {
		t.Fatalf("ReadFrame() error = %v, want ErrFrameDecode", err)
	}

	// The connection stays usable after a bad frame.
	frame, err := tr.ReadFrame(context.Background())
	if err != nil {
		t.Fatalf("ReadFrame() after bad frame error = %v", err)
	}
	if len(frame.PCM) != 4 {
		t.Fatalf("decoded PCM length = %d, want 4", len(frame.PCM))
	}
}

func TestTransportMalformedJSONIsFrameDecodeError(t *testing.T) {
	conn := &fakeConn{inbound: []string{`{"event":`}}
	tr := NewTransport(conn, 8000)
	if _, err := tr.ReadFrame(context.Background()); !errors.Is(err, relay.ErrFrameDecode) {
		t.Fatalf("ReadFrame() error = %v, want ErrFrameDecode", err)
	}
}

func TestTransportWriteDropsUntilStreamKnown(t *testing.T) {
	conn := &fakeConn{}
	tr := NewTransport(conn, 8000)

	if err := tr.WriteFrame(context.Background(), relay.Frame{PCM: make([]byte, 480), SampleRate: 24000}); err != nil {
		t.Fatalf("WriteFrame() before start error = %v", err)
	}
	if len(conn.written) != 0 {
		t.Fatalf("wrote %d messages before stream SID was known, want 0", len(conn.written))
	}
}

func TestTransportWriteResamplesAndEchoesStreamSID(t *testing.T) {
	conn := &fakeConn{inbound: []string{startMessage("MZ789", "")}}
	tr := NewTransport(conn, 8000)

	// Drain the start message; the scripted close after it ends the read.
	if _, err := tr.ReadFrame(context.Background()); err == nil {
		t.Fatal("ReadFrame() should have ended after the start message")
	}

	// 480 bytes = 240 samples at 24 kHz, so 10 ms, which is 80 samples at 8 kHz.
	if err := tr.WriteFrame(context.Background(), relay.Frame{PCM: make([]byte, 480), SampleRate: 24000}); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	if len(conn.written) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(conn.written))
	}

	var env Envelope
	if err := json.Unmarshal(conn.written[0], &env); err != nil {
		t.Fatalf("outbound message is not valid JSON: %v", err)
	}
	if env.Event != EventMedia {
		t.Fatalf("outbound event = %q, want media", env.Event)
	}
	if env.StreamSID != "MZ789" {
		t.Fatalf("outbound streamSid = %q, want MZ789", env.StreamSID)
	}
	raw, err := base64.StdEncoding.DecodeString(env.Media.Payload)
	if err != nil {
		t.Fatalf("outbound payload is not valid base64: %v", err)
	}
	if len(raw) != 80 {
		t.Fatalf("outbound mu-law length = %d, want 80", len(raw))
	}
}

func TestConnectStreamTwiML(t *testing.T) {
	body, err := ConnectStreamTwiML("wss://example.com/twilio/media")
	if err != nil {
		t.Fatalf("ConnectStreamTwiML() error = %v", err)
	}
	s := string(body)
	if !strings.Contains(s, "<Connect>") || !strings.Contains(s, `url="wss://example.com/twilio/media"`) {
		t.Fatalf("unexpected TwiML: %s", s)
	}
}
