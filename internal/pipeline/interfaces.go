package pipeline

import "context"

// Transcriber turns one committed utterance of PCM audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// Responder produces the assistant's text reply for a transcript.
type Responder interface {
	Respond(ctx context.Context, transcript, systemInstruction string) (string, error)
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, transcript, systemInstruction string) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, transcript, systemInstruction string) (string, error) {
	return f(ctx, transcript, systemInstruction)
}

// Synthesizer renders reply text as 16-bit little-endian PCM at the given rate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, sampleRate int) ([]byte, error)
}
