package pipeline

import (
	"context"
	"strings"
)

// MockTranscriber is a local fallback used when no speech-to-text provider is
// configured.
type MockTranscriber struct{}

func NewMockTranscriber() *MockTranscriber { return &MockTranscriber{} }

func (t *MockTranscriber) Transcribe(_ context.Context, pcm []byte, _ int) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	return "simulated voice input", nil
}

// MockSynthesizer renders text as a short deterministic PCM pattern, enough
// to exercise the audio path without a real text-to-speech provider.
type MockSynthesizer struct{}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (s *MockSynthesizer) Synthesize(_ context.Context, text string, sampleRate int) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	// 40 ms of audio per character, filled with a low-amplitude ramp.
	samples := len(text) * sampleRate / 25
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(i % 512)
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out, nil
}
