package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GitNimay/ai-calling-agent/internal/call"
	"github.com/GitNimay/ai-calling-agent/internal/relay"
)

// wsConn is the slice of *websocket.Conn the raw PCM transport needs; tests
// provide an in-memory implementation.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
}

// pcmTransport adapts a raw WebSocket to relay frames: each binary message is
// one frame of 16-bit little-endian PCM at the negotiated input rate, in both
// directions. Text messages are ignored.
type pcmTransport struct {
	conn       wsConn
	sampleRate int
	onMessage  func(direction string)
	onActivity func()

	writeMu sync.Mutex
}

func newPCMTransport(conn wsConn, sampleRate int) *pcmTransport {
	return &pcmTransport{conn: conn, sampleRate: sampleRate}
}

func (t *pcmTransport) ReadFrame(ctx context.Context) (relay.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return relay.Frame{}, io.EOF
		}
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return relay.Frame{}, io.EOF
			}
			return relay.Frame{}, err
		}
		if t.onMessage != nil {
			t.onMessage("inbound")
		}
		if t.onActivity != nil {
			t.onActivity()
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}
		if len(data)%2 != 0 {
			return relay.Frame{}, fmt.Errorf("%w: odd pcm16 frame length %d", relay.ErrFrameDecode, len(data))
		}
		return relay.Frame{PCM: data, SampleRate: t.sampleRate}, nil
	}
}

func (t *pcmTransport) WriteFrame(_ context.Context, f relay.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.onMessage != nil {
		t.onMessage("outbound")
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, f.PCM)
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	c := s.calls.Begin(call.KindWebSocket, r.RemoteAddr, s.cfg.InputSampleRate)

	transport := newPCMTransport(conn, s.cfg.InputSampleRate)
	transport.onMessage = func(direction string) {
		s.metrics.WSMessages.WithLabelValues(direction, call.KindWebSocket).Inc()
	}
	transport.onActivity = func() {
		_ = s.calls.Touch(c.ID)
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	}

	s.runRelay(r.Context(), transport, c)
}
