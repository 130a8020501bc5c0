package relay

import (
	"context"
	"errors"
)

// ErrFrameDecode wraps per-message decode failures from a transport. The
// engine drops the frame, counts it, and keeps the call alive.
var ErrFrameDecode = errors.New("undecodable transport frame")

// Transport adapts one wire protocol (raw-PCM websocket, telephony envelope)
// to the relay's frame representation. The engine is transport-agnostic.
type Transport interface {
	// ReadFrame blocks for the next inbound audio frame. It returns io.EOF
	// when the call leg's input has ended -- an explicit stop event or a
	// disconnect -- and errors wrapping ErrFrameDecode for single
	// undecodable messages.
	ReadFrame(ctx context.Context) (Frame, error)
	// WriteFrame delivers one outbound audio frame to the call leg.
	WriteFrame(ctx context.Context, f Frame) error
}
