package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/GitNimay/ai-calling-agent/internal/relay"
)

// MockFactory is a local stand-in for the Gemini backend so the service can
// run without an API key. Audio sessions echo caller frames back as the
// response and text generation returns a canned reply.
type MockFactory struct{}

func NewMockFactory() *MockFactory { return &MockFactory{} }

func (f *MockFactory) TextModel() string { return "mock" }

func (f *MockFactory) GenerateText(_ context.Context, message string, _ []ChatTurn, _ string) (string, error) {
	return fmt.Sprintf("(mock) You said: %s", message), nil
}

func (f *MockFactory) Open(_ context.Context, _ relay.SessionConfig) (relay.Session, error) {
	return &mockSession{frames: make(chan relay.Frame, 128)}, nil
}

type mockSession struct {
	frames chan relay.Frame

	mu     sync.Mutex
	closed bool
}

func (s *mockSession) Send(_ context.Context, f relay.Frame) error {
	echo := relay.Frame{PCM: append([]byte(nil), f.PCM...), SampleRate: f.SampleRate}
	// Send can race Close from the other pump, so the closed check and the
	// channel send share the lock.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return relay.ErrSessionClosed
	}
	select {
	case s.frames <- echo:
	default:
		// Slow reader; the echo is best-effort.
	}
	return nil
}

func (s *mockSession) CloseSend(context.Context) error {
	s.closeFrames()
	return nil
}

func (s *mockSession) Frames() <-chan relay.Frame { return s.frames }

func (s *mockSession) Err() error { return nil }

func (s *mockSession) Close() error {
	s.closeFrames()
	return nil
}

func (s *mockSession) closeFrames() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.frames)
}
