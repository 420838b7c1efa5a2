package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the realtime voice service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	// OpenAIAPIKey is the default credential for outbound realtime
	// sessions. Clients may still supply their own per connection.
	OpenAIAPIKey string

	RealtimeBaseURL    string
	RealtimeModel      string
	TranscriptionModel string

	DefaultInstructions string

	AudioSampleRate int
	LevelInterval   time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "qhch_voice"),
		AllowAnyOrigin:   false,
		OpenAIAPIKey:     stringsTrimSpace("OPENAI_API_KEY"),
		RealtimeBaseURL:  envOrDefault("REALTIME_BASE_URL", "https://api.openai.com/v1/realtime"),
		// Pinned to the preview snapshot the web client shipped against.
		RealtimeModel:            envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		TranscriptionModel:       envOrDefault("TRANSCRIPTION_MODEL", "whisper-1"),
		DefaultInstructions:      stringsTrimSpace("DEFAULT_INSTRUCTIONS"),
		AudioSampleRate:          16000,
		LevelInterval:            100 * time.Millisecond,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LevelInterval, err = durationFromEnv("LEVEL_INTERVAL", cfg.LevelInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioSampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.AudioSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.AudioSampleRate <= 0 {
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if cfg.LevelInterval < 10*time.Millisecond {
		return Config{}, fmt.Errorf("LEVEL_INTERVAL must be at least 10ms")
	}
	if strings.TrimSpace(cfg.RealtimeModel) == "" {
		return Config{}, fmt.Errorf("REALTIME_MODEL must not be empty")
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
