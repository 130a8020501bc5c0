package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/GitNimay/ai-calling-agent/internal/agent"
	"github.com/GitNimay/ai-calling-agent/internal/call"
	"github.com/GitNimay/ai-calling-agent/internal/calllog"
	"github.com/GitNimay/ai-calling-agent/internal/config"
	"github.com/GitNimay/ai-calling-agent/internal/httpapi"
	"github.com/GitNimay/ai-calling-agent/internal/observability"
	"github.com/GitNimay/ai-calling-agent/internal/pipeline"
	"github.com/GitNimay/ai-calling-agent/internal/relay"
)

type AgentInfo struct {
	Mode      string
	TextModel string
}

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Calls   *call.Registry
	Records calllog.Store
	Metrics *observability.Metrics
	Agent   AgentInfo

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	records, err := calllog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("call record store init failed: %w", err)
	}

	factory, chat, resolvedMode, err := resolveAgent(ctx, cfg)
	if err != nil {
		_ = records.Close()
		return nil, err
	}
	cfg.AgentMode = resolvedMode

	calls := call.NewRegistry(cfg.CallInactivityTimeout)
	api := httpapi.New(cfg, calls, records, chat, factory, metrics)
	calls.SetExpireHook(func(c *call.Call) {
		metrics.CallEvents.WithLabelValues("expired").Inc()
		metrics.ActiveCalls.Set(float64(calls.ActiveCount()))
		// Expired calls still hold a session; stop the engine so it is
		// released now rather than at the transport read deadline.
		api.StopCall(c.ID)
	})

	cleanup := func() error {
		return records.Close()
	}

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Calls:   calls,
		Records: records,
		Metrics: metrics,
		Agent: AgentInfo{
			Mode:      resolvedMode,
			TextModel: chat.TextModel(),
		},
		Cleanup: cleanup,
	}, nil
}

// resolveAgent picks the voice backend for the configured mode. auto prefers
// the live duplex backend when an API key is present and falls back to mock.
func resolveAgent(ctx context.Context, cfg config.Config) (relay.SessionFactory, httpapi.ChatService, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.AgentMode))
	if mode == "" {
		mode = "auto"
	}
	hasKey := strings.TrimSpace(cfg.GeminiAPIKey) != ""

	newGemini := func() (*agent.Gemini, error) {
		return agent.NewGemini(ctx, agent.GeminiConfig{
			APIKey:           cfg.GeminiAPIKey,
			TextModel:        cfg.GeminiTextModel,
			LiveModel:        cfg.GeminiLiveModel,
			OutputSampleRate: cfg.OutputSampleRate,
		})
	}

	switch mode {
	case "live":
		if !hasKey {
			return nil, nil, "", fmt.Errorf("AGENT_MODE=live but GEMINI_API_KEY is not set")
		}
		g, err := newGemini()
		if err != nil {
			return nil, nil, "", fmt.Errorf("gemini init failed: %w", err)
		}
		log.Printf("agent backend: gemini live (%s)", cfg.GeminiLiveModel)
		return g, g, "live", nil

	case "pipeline":
		var responder pipeline.Responder
		var chat httpapi.ChatService
		if hasKey {
			g, err := newGemini()
			if err != nil {
				return nil, nil, "", fmt.Errorf("gemini init failed: %w", err)
			}
			responder = pipeline.ResponderFunc(func(ctx context.Context, transcript, system string) (string, error) {
				return g.GenerateText(ctx, transcript, nil, system)
			})
			chat = g
			log.Printf("agent backend: staged pipeline with gemini text (%s)", cfg.GeminiTextModel)
		} else {
			mock := agent.NewMockFactory()
			responder = pipeline.ResponderFunc(func(ctx context.Context, transcript, system string) (string, error) {
				return mock.GenerateText(ctx, transcript, nil, system)
			})
			chat = mock
			log.Printf("agent backend: staged pipeline with mock text")
		}
		f := pipeline.NewFactory(pipeline.NewMockTranscriber(), responder, pipeline.NewMockSynthesizer(), cfg.OutputSampleRate)
		return f, chat, "pipeline", nil

	case "mock":
		mock := agent.NewMockFactory()
		log.Printf("agent backend: mock")
		return mock, mock, "mock", nil

	case "auto":
		if hasKey {
			g, err := newGemini()
			if err == nil {
				log.Printf("agent backend: gemini live (%s)", cfg.GeminiLiveModel)
				return g, g, "live", nil
			}
			log.Printf("gemini unavailable, falling back to mock: %v", err)
		}
		mock := agent.NewMockFactory()
		log.Printf("agent backend: mock (no gemini key)")
		return mock, mock, "mock", nil

	default:
		return nil, nil, "", fmt.Errorf("invalid AGENT_MODE: %q (expected auto|live|pipeline|mock)", cfg.AgentMode)
	}
}
