package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the calling agent service.
type Config struct {
	BindAddr              string
	ShutdownTimeout       time.Duration
	CallInactivityTimeout time.Duration
	MetricsNamespace      string

	AllowAnyOrigin bool

	// AgentMode selects the voice backend: live, pipeline, mock, or auto.
	AgentMode string

	GeminiAPIKey    string
	GeminiTextModel string
	GeminiLiveModel string

	SystemInstruction string

	InputSampleRate     int
	OutputSampleRate    int
	TelephonySampleRate int

	RelayQueueCapacity int
	RelayDrainTimeout  time.Duration
	RelayStopGrace     time.Duration

	SessionOpenAttempts int

	// PublicHost is the externally reachable host used when rendering the
	// telephony webhook's stream URL; empty means derive it from the request.
	PublicHost string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "callagent"),
		AllowAnyOrigin:    false,
		AgentMode:         strings.ToLower(envOrDefault("AGENT_MODE", "auto")),
		GeminiAPIKey:      stringsTrimSpace("GEMINI_API_KEY"),
		GeminiTextModel:   envOrDefault("GEMINI_MODEL_TEXT", "gemini-2.5-flash"),
		GeminiLiveModel:   envOrDefault("GEMINI_MODEL_LIVE", "gemini-2.5-flash"),
		SystemInstruction: envOrDefault("AGENT_SYSTEM_INSTRUCTION", "You are a helpful voice assistant on a phone call. Keep replies short and conversational."),
		PublicHost:        stringsTrimSpace("APP_PUBLIC_HOST"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),

		InputSampleRate:     16000,
		OutputSampleRate:    24000,
		TelephonySampleRate: 8000,

		RelayQueueCapacity:  64,
		RelayDrainTimeout:   10 * time.Second,
		RelayStopGrace:      2 * time.Second,
		SessionOpenAttempts: 3,

		ShutdownTimeout:       15 * time.Second,
		CallInactivityTimeout: 2 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallInactivityTimeout, err = durationFromEnv("CALL_INACTIVITY_TIMEOUT", cfg.CallInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayDrainTimeout, err = durationFromEnv("RELAY_DRAIN_TIMEOUT", cfg.RelayDrainTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayStopGrace, err = durationFromEnv("RELAY_STOP_GRACE", cfg.RelayStopGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.InputSampleRate, err = intFromEnv("AUDIO_INPUT_SAMPLE_RATE", cfg.InputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.OutputSampleRate, err = intFromEnv("AUDIO_OUTPUT_SAMPLE_RATE", cfg.OutputSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.TelephonySampleRate, err = intFromEnv("TELEPHONY_SAMPLE_RATE", cfg.TelephonySampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayQueueCapacity, err = intFromEnv("RELAY_QUEUE_CAPACITY", cfg.RelayQueueCapacity)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionOpenAttempts, err = intFromEnv("SESSION_OPEN_ATTEMPTS", cfg.SessionOpenAttempts)
	if err != nil {
		return Config{}, err
	}

	switch cfg.AgentMode {
	case "auto", "live", "pipeline", "mock":
	default:
		return Config{}, fmt.Errorf("AGENT_MODE must be one of auto, live, pipeline, mock")
	}
	if cfg.InputSampleRate <= 0 || cfg.OutputSampleRate <= 0 || cfg.TelephonySampleRate <= 0 {
		return Config{}, fmt.Errorf("sample rates must be positive")
	}
	if cfg.RelayQueueCapacity <= 0 {
		return Config{}, fmt.Errorf("RELAY_QUEUE_CAPACITY must be positive")
	}
	if cfg.CallInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("CALL_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SessionOpenAttempts <= 0 {
		return Config{}, fmt.Errorf("SESSION_OPEN_ATTEMPTS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
