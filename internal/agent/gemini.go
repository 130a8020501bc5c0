package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/GitNimay/ai-calling-agent/internal/relay"
)

// ChatTurn is one prior message in a text conversation.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GeminiConfig struct {
	APIKey    string
	TextModel string
	LiveModel string
	// OutputSampleRate is the fixed rate of Live response audio (24 kHz in
	// the current API).
	OutputSampleRate int
}

// Gemini wraps the genai client for both text generation and Live duplex
// audio sessions. One instance is shared per process and injected into each
// call's relay engine as its session factory.
type Gemini struct {
	cfg    GeminiConfig
	client *genai.Client
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if strings.TrimSpace(cfg.TextModel) == "" {
		cfg.TextModel = "gemini-2.5-flash"
	}
	if strings.TrimSpace(cfg.LiveModel) == "" {
		cfg.LiveModel = "gemini-2.5-flash"
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = 24000
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("init genai client: %w", err)
	}
	return &Gemini{cfg: cfg, client: client}, nil
}

func (g *Gemini) TextModel() string { return g.cfg.TextModel }

// GenerateText produces one text reply for the chat endpoint.
func (g *Gemini) GenerateText(ctx context.Context, message string, history []ChatTurn, systemInstruction string) (string, error) {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		role := genai.Role(genai.RoleUser)
		if strings.EqualFold(turn.Role, "assistant") || strings.EqualFold(turn.Role, "model") {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(turn.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(message, genai.RoleUser))

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.7),
	}
	if strings.TrimSpace(systemInstruction) != "" {
		config.SystemInstruction = genai.NewContentFromText(systemInstruction, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.TextModel, contents, config)
	if err != nil {
		return "", fmt.Errorf("generate text: %w", err)
	}
	return resp.Text(), nil
}

// Open starts a Live duplex audio session for one call.
func (g *Gemini) Open(ctx context.Context, cfg relay.SessionConfig) (relay.Session, error) {
	liveCfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if strings.TrimSpace(cfg.SystemInstruction) != "" {
		liveCfg.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}

	live, err := g.client.Live.Connect(ctx, g.cfg.LiveModel, liveCfg)
	if err != nil {
		return nil, fmt.Errorf("connect live session: %w", err)
	}

	s := &geminiSession{
		live:       live,
		inputRate:  cfg.InputSampleRate,
		outputRate: g.cfg.OutputSampleRate,
		frames:     make(chan relay.Frame, 64),
		closedCh:   make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

// geminiSession adapts one genai Live connection to the relay session
// contract. The send and receive halves run independently: Send is driven by
// the inbound pump while receiveLoop feeds the outbound pump.
type geminiSession struct {
	live       *genai.Session
	inputRate  int
	outputRate int

	frames   chan relay.Frame
	closedCh chan struct{}

	mu      sync.Mutex
	recvErr error

	closeOnce sync.Once
}

func (s *geminiSession) Send(_ context.Context, f relay.Frame) error {
	select {
	case <-s.closedCh:
		return relay.ErrSessionClosed
	default:
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = s.inputRate
	}
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			Data:     f.PCM,
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", rate),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", relay.ErrSessionClosed, err)
	}
	return nil
}

// CloseSend is a no-op: the Live protocol has no input half-close in this
// usage; the relay's drain timeout bounds the wait for trailing output.
func (s *geminiSession) CloseSend(context.Context) error { return nil }

func (s *geminiSession) Frames() <-chan relay.Frame { return s.frames }

func (s *geminiSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvErr
}

func (s *geminiSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closedCh)
		_ = s.live.Close()
	})
	return nil
}

func (s *geminiSession) receiveLoop() {
	defer close(s.frames)
	for {
		msg, err := s.live.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-s.closedCh:
				// Local close; not a call error.
			default:
				s.mu.Lock()
				s.recvErr = err
				s.mu.Unlock()
			}
			return
		}
		if msg == nil || msg.ServerContent == nil || msg.ServerContent.ModelTurn == nil {
			continue
		}
		for _, part := range msg.ServerContent.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			frame := relay.Frame{PCM: part.InlineData.Data, SampleRate: s.outputRate}
			select {
			case s.frames <- frame:
			case <-s.closedCh:
				return
			}
		}
	}
}
