package relay

import (
	"context"
	"errors"
)

var (
	// ErrSessionUnavailable reports that the remote model endpoint could not
	// be reached or rejected the session configuration. It fails call setup
	// before the engine ever becomes active; any retry belongs to the caller.
	ErrSessionUnavailable = errors.New("model session unavailable")
	// ErrSessionClosed reports a send on a session handle that is no longer
	// open. It terminates the call.
	ErrSessionClosed = errors.New("model session closed")
)

// SessionConfig carries everything needed to open one duplex audio session.
type SessionConfig struct {
	// SystemInstruction is the persona/system text for the model.
	SystemInstruction string
	// InputSampleRate is the rate of the PCM frames the caller will send.
	InputSampleRate int
}

// Session is one open duplex connection to a remote audio-generating
// endpoint. The send and receive halves are independently drivable: the
// engine keeps consuming Frames after it stops sending, and vice versa,
// until both halves finish.
type Session interface {
	// Send enqueues one PCM frame for the remote endpoint. It fails with
	// ErrSessionClosed once the handle is no longer open.
	Send(ctx context.Context, f Frame) error
	// CloseSend signals that no further input audio will arrive. The
	// receive side keeps producing until the session ends.
	CloseSend(ctx context.Context) error
	// Frames produces response audio. The channel closes on normal end of
	// stream; Err reports any transport-level failure afterwards.
	Frames() <-chan Frame
	// Err returns the terminal receive error, if any, once Frames closed.
	Err() error
	// Close releases the session. Idempotent; safe from either half.
	Close() error
}

// SessionFactory opens duplex sessions. One factory is shared per process
// and injected into each call's engine.
type SessionFactory interface {
	Open(ctx context.Context, cfg SessionConfig) (Session, error)
}
