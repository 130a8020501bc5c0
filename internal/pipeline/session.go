package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/GitNimay/ai-calling-agent/internal/relay"
)

const (
	// maxBufferedInput caps how much caller audio a single utterance may
	// accumulate before further frames are discarded (about five minutes
	// at 16 kHz mono).
	maxBufferedInput = 10 << 20

	// outputFrameBytes is the chunk size synthesized audio is split into
	// before being handed to the outbound pump.
	outputFrameBytes = 4096
)

// Factory builds staged speech-to-text -> respond -> text-to-speech sessions.
// It is the fallback voice backend for deployments where a duplex audio model
// is not available; latency is per-utterance rather than streaming.
type Factory struct {
	stt        Transcriber
	responder  Responder
	tts        Synthesizer
	outputRate int
}

func NewFactory(stt Transcriber, responder Responder, tts Synthesizer, outputRate int) *Factory {
	if outputRate <= 0 {
		outputRate = 24000
	}
	return &Factory{stt: stt, responder: responder, tts: tts, outputRate: outputRate}
}

func (f *Factory) Open(ctx context.Context, cfg relay.SessionConfig) (relay.Session, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &session{
		factory:   f,
		cfg:       cfg,
		frames:    make(chan relay.Frame, 64),
		runCtx:    runCtx,
		cancelRun: cancel,
	}, nil
}

// session buffers caller audio until the input half closes, then runs the
// staged pipeline once and streams the synthesized reply.
type session struct {
	factory *Factory
	cfg     relay.SessionConfig

	frames    chan relay.Frame
	runCtx    context.Context
	cancelRun context.CancelFunc

	mu        sync.Mutex
	buf       []byte
	inputRate int
	err       error
	closed    bool

	commitOnce sync.Once
	closeOnce  sync.Once
}

func (s *session) Send(_ context.Context, f relay.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return relay.ErrSessionClosed
	}
	if len(s.buf)+len(f.PCM) > maxBufferedInput {
		return nil
	}
	if s.inputRate == 0 {
		rate := f.SampleRate
		if rate <= 0 {
			rate = s.cfg.InputSampleRate
		}
		s.inputRate = rate
	}
	s.buf = append(s.buf, f.PCM...)
	return nil
}

// CloseSend marks the utterance complete and starts the pipeline run. The
// reply is delivered on Frames and the channel closes when it has been fully
// emitted.
func (s *session) CloseSend(context.Context) error {
	s.commitOnce.Do(func() { go s.run() })
	return nil
}

func (s *session) Frames() <-chan relay.Frame { return s.frames }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancelRun()
	// If the pipeline never started, the frame channel is still ours to
	// close; commitOnce guarantees run() and this branch are exclusive.
	s.commitOnce.Do(func() { s.closeOnce.Do(func() { close(s.frames) }) })
	return nil
}

func (s *session) run() {
	defer s.closeOnce.Do(func() { close(s.frames) })

	s.mu.Lock()
	pcm := s.buf
	s.buf = nil
	rate := s.inputRate
	if rate <= 0 {
		rate = s.cfg.InputSampleRate
	}
	s.mu.Unlock()

	if len(pcm) == 0 {
		return
	}

	transcript, err := s.factory.stt.Transcribe(s.runCtx, pcm, rate)
	if err != nil {
		s.fail(fmt.Errorf("transcribe: %w", err))
		return
	}
	if transcript == "" {
		return
	}

	reply, err := s.factory.responder.Respond(s.runCtx, transcript, s.cfg.SystemInstruction)
	if err != nil {
		s.fail(fmt.Errorf("respond: %w", err))
		return
	}

	audio, err := s.factory.tts.Synthesize(s.runCtx, reply, s.factory.outputRate)
	if err != nil {
		s.fail(fmt.Errorf("synthesize: %w", err))
		return
	}

	for off := 0; off < len(audio); off += outputFrameBytes {
		end := off + outputFrameBytes
		if end > len(audio) {
			end = len(audio)
		}
		frame := relay.Frame{PCM: audio[off:end], SampleRate: s.factory.outputRate}
		select {
		case s.frames <- frame:
		case <-s.runCtx.Done():
			return
		}
	}
}

func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && !s.closed {
		s.err = err
	}
}
