package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/GitNimay/ai-calling-agent/internal/observability"
)

func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("relay_test_%d", time.Now().UnixNano()))
}

type inboundMsg struct {
	frame Frame
	err   error
}

type scriptedTransport struct {
	mu       sync.Mutex
	in       chan inboundMsg
	written  []Frame
	writeErr error
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{in: make(chan inboundMsg, 64)}
}

func (tr *scriptedTransport) push(f Frame)      { tr.in <- inboundMsg{frame: f} }
func (tr *scriptedTransport) pushErr(err error) { tr.in <- inboundMsg{err: err} }
func (tr *scriptedTransport) end()              { close(tr.in) }

func (tr *scriptedTransport) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, io.EOF
	case m, ok := <-tr.in:
		if !ok {
			return Frame{}, io.EOF
		}
		if m.err != nil {
			return Frame{}, m.err
		}
		return m.frame, nil
	}
}

func (tr *scriptedTransport) WriteFrame(_ context.Context, f Frame) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.writeErr != nil {
		return tr.writeErr
	}
	tr.written = append(tr.written, f)
	return nil
}

func (tr *scriptedTransport) writtenFrames() []Frame {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]Frame, len(tr.written))
	copy(out, tr.written)
	return out
}

type fakeSession struct {
	mu        sync.Mutex
	sent      []Frame
	sendErr   error
	recvErr   error
	frames    chan Frame
	closeOnce sync.Once
	// endOnCloseSend makes CloseSend terminate the output stream, which
	// is how the scripted sessions model "remote finishes after input".
	endOnCloseSend bool
}

func newFakeSession(responses ...Frame) *fakeSession {
	s := &fakeSession{frames: make(chan Frame, 32), endOnCloseSend: true}
	for _, f := range responses {
		s.frames <- f
	}
	return s
}

func (s *fakeSession) Send(_ context.Context, f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, f)
	return nil
}

func (s *fakeSession) CloseSend(context.Context) error {
	if s.endOnCloseSend {
		s.endOutput()
	}
	return nil
}

func (s *fakeSession) Frames() <-chan Frame { return s.frames }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvErr
}

func (s *fakeSession) Close() error {
	s.endOutput()
	return nil
}

func (s *fakeSession) endOutput() {
	s.closeOnce.Do(func() { close(s.frames) })
}

func (s *fakeSession) sentFrames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.sent))
	copy(out, s.sent)
	return out
}

type fakeFactory struct {
	session *fakeSession
	openErr error
}

func (f *fakeFactory) Open(context.Context, SessionConfig) (Session, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.session, nil
}

func runEngine(t *testing.T, e *Engine) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background()) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("engine did not finish in time, state=%s", e.State())
		return nil
	}
}

func TestEngineForwardsFramesInOrderThenCloses(t *testing.T) {
	tr := newScriptedTransport()
	sess := newFakeSession()
	e := NewEngine(Config{CallID: "c1"}, tr, &fakeFactory{session: sess}, newTestMetrics())

	for i := 0; i < 4; i++ {
		tr.push(Frame{PCM: []byte{byte(i), 0}, SampleRate: 16000})
	}
	tr.end()

	if err := runEngine(t, e); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if e.State() != StateClosed {
		t.Fatalf("State() = %s, want %s", e.State(), StateClosed)
	}

	sent := sess.sentFrames()
	if len(sent) != 4 {
		t.Fatalf("session received %d frames, want 4", len(sent))
	}
	for i, f := range sent {
		if f.PCM[0] != byte(i) {
			t.Fatalf("frame %d carries payload %d, want %d", i, f.PCM[0], i)
		}
	}
}

func TestEngineEchoScenario(t *testing.T) {
	// Three 320-byte inbound frames then end of input; the session answers
	// with two frames which must reach the transport in order before the
	// engine closes on session end-of-stream.
	resp1 := Frame{PCM: bytes.Repeat([]byte{1}, 640), SampleRate: 24000}
	resp2 := Frame{PCM: bytes.Repeat([]byte{2}, 640), SampleRate: 24000}
	sess := newFakeSession(resp1, resp2)
	tr := newScriptedTransport()
	e := NewEngine(Config{CallID: "c2"}, tr, &fakeFactory{session: sess}, newTestMetrics())

	for i := 0; i < 3; i++ {
		tr.push(Frame{PCM: bytes.Repeat([]byte{byte(i)}, 320), SampleRate: 16000})
	}
	tr.end()

	if err := runEngine(t, e); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sess.sentFrames()) != 3 {
		t.Fatalf("session received %d frames, want 3", len(sess.sentFrames()))
	}

	got := tr.writtenFrames()
	if len(got) != 2 {
		t.Fatalf("transport received %d outbound frames, want 2", len(got))
	}
	if got[0].PCM[0] != 1 || got[1].PCM[0] != 2 {
		t.Fatalf("outbound frames out of order: %d, %d", got[0].PCM[0], got[1].PCM[0])
	}
	if e.State() != StateClosed {
		t.Fatalf("State() = %s, want %s", e.State(), StateClosed)
	}
}

func TestEngineSessionOpenFailure(t *testing.T) {
	tr := newScriptedTransport()
	e := NewEngine(Config{CallID: "c3"}, tr, &fakeFactory{openErr: errors.New("bad credentials")}, newTestMetrics())

	err := runEngine(t, e)
	if !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("Run() error = %v, want ErrSessionUnavailable", err)
	}
	if e.State() != StateClosed {
		t.Fatalf("State() = %s, want %s", e.State(), StateClosed)
	}
}

func TestEngineStopIsIdempotentFromAnyState(t *testing.T) {
	// Stop before Run.
	e := NewEngine(Config{CallID: "c4"}, newScriptedTransport(), &fakeFactory{session: newFakeSession()}, newTestMetrics())
	e.Stop()
	e.Stop()
	if e.State() != StateClosed {
		t.Fatalf("State() after pre-run Stop = %s, want %s", e.State(), StateClosed)
	}
	if err := runEngine(t, e); err != nil {
		t.Fatalf("Run() after Stop error = %v", err)
	}

	// Stop while active, with a transport that never produces input.
	tr := newScriptedTransport()
	sess := newFakeSession()
	sess.endOnCloseSend = false
	e2 := NewEngine(Config{CallID: "c5", StopGrace: 500 * time.Millisecond}, tr, &fakeFactory{session: sess}, newTestMetrics())

	done := make(chan error, 1)
	go func() { done <- e2.Run(context.Background()) }()

	waitForState(t, e2, StateActive)
	e2.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("engine did not close after Stop, state=%s", e2.State())
	}
	if e2.State() != StateClosed {
		t.Fatalf("State() = %s, want %s", e2.State(), StateClosed)
	}
	// Stop after completion stays a no-op.
	e2.Stop()
}

func TestEngineSessionReceiveErrorClosesWithoutWedgingInbound(t *testing.T) {
	tr := newScriptedTransport()
	sess := newFakeSession()
	sess.recvErr = errors.New("upstream reset")
	e := NewEngine(Config{CallID: "c6", StopGrace: 500 * time.Millisecond}, tr, &fakeFactory{session: sess}, newTestMetrics())

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	waitForState(t, e, StateActive)
	// Output stream dies while input is still open.
	sess.endOutput()

	select {
	case err := <-done:
		if err == nil || err.Error() == "" {
			t.Fatalf("Run() error = %v, want session receive error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("engine wedged after receive error, state=%s", e.State())
	}
	if e.State() != StateClosed {
		t.Fatalf("State() = %s, want %s", e.State(), StateClosed)
	}
}

func TestEngineSendFailureTerminatesCall(t *testing.T) {
	tr := newScriptedTransport()
	sess := newFakeSession()
	sess.sendErr = ErrSessionClosed
	sess.endOnCloseSend = false
	e := NewEngine(Config{
		CallID:       "c7",
		DrainTimeout: 100 * time.Millisecond,
		StopGrace:    500 * time.Millisecond,
	}, tr, &fakeFactory{session: sess}, newTestMetrics())

	tr.push(Frame{PCM: []byte{0, 0}, SampleRate: 16000})

	err := runEngine(t, e)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Run() error = %v, want ErrSessionClosed", err)
	}
	if e.State() != StateClosed {
		t.Fatalf("State() = %s, want %s", e.State(), StateClosed)
	}
}

func TestEngineDropsUndecodableFramesAndContinues(t *testing.T) {
	tr := newScriptedTransport()
	sess := newFakeSession()
	e := NewEngine(Config{CallID: "c8"}, tr, &fakeFactory{session: sess}, newTestMetrics())

	tr.push(Frame{PCM: []byte{1, 0}, SampleRate: 16000})
	tr.pushErr(fmt.Errorf("%w: bad base64", ErrFrameDecode))
	tr.push(Frame{PCM: []byte{2, 0}, SampleRate: 16000})
	tr.end()

	if err := runEngine(t, e); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	sent := sess.sentFrames()
	if len(sent) != 2 {
		t.Fatalf("session received %d frames, want 2", len(sent))
	}
	if sent[0].PCM[0] != 1 || sent[1].PCM[0] != 2 {
		t.Fatalf("surviving frames out of order: %d, %d", sent[0].PCM[0], sent[1].PCM[0])
	}

	stats := e.Stats()
	if stats.FramesIn != 2 {
		t.Fatalf("Stats().FramesIn = %d, want 2", stats.FramesIn)
	}
	if stats.FramesDropped != 1 {
		t.Fatalf("Stats().FramesDropped = %d, want 1 decode drop", stats.FramesDropped)
	}
}

func waitForState(t *testing.T, e *Engine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("engine never reached state %s, currently %s", want, e.State())
}
