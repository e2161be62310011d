package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice tutor service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	VoiceProvider          string
	VoiceDebounceWindow    time.Duration
	VoiceCaptureLocale     string
	VoiceRenderLocale      string
	VoiceCapabilityTimeout time.Duration
	// Phrases the mock capture "hears", in order.
	VoiceMockPhrases []string

	LessonDefaultKey     string
	LessonPassConfidence float64
	LessonPassScore      float64

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "parlo"),
		AllowAnyOrigin:           false,
		LogLevel:                 strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(envOrDefault("APP_LOG_FORMAT", "text")),
		VoiceProvider:            strings.ToLower(envOrDefault("VOICE_PROVIDER", "remote")),
		VoiceCaptureLocale:       envOrDefault("VOICE_CAPTURE_LOCALE", "es-ES"),
		VoiceRenderLocale:        envOrDefault("VOICE_RENDER_LOCALE", "es-ES"),
		VoiceMockPhrases:         listFromEnv("VOICE_MOCK_PHRASES", []string{"hola", "buenos días", "adiós"}),
		LessonDefaultKey:         envOrDefault("LESSON_DEFAULT_KEY", "greetings"),
		LessonPassConfidence:     0.7,
		LessonPassScore:          0,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		VoiceDebounceWindow:      2 * time.Second,
		VoiceCapabilityTimeout:   30 * time.Second,
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
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceDebounceWindow, err = durationFromEnv("VOICE_DEBOUNCE_WINDOW", cfg.VoiceDebounceWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceCapabilityTimeout, err = durationFromEnv("VOICE_CAPABILITY_TIMEOUT", cfg.VoiceCapabilityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LessonPassConfidence, err = floatFromEnv("LESSON_PASS_CONFIDENCE", cfg.LessonPassConfidence)
	if err != nil {
		return Config{}, err
	}
	cfg.LessonPassScore, err = floatFromEnv("LESSON_PASS_SCORE", cfg.LessonPassScore)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.VoiceDebounceWindow <= 0 {
		return Config{}, fmt.Errorf("VOICE_DEBOUNCE_WINDOW must be positive")
	}
	if cfg.VoiceCapabilityTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICE_CAPABILITY_TIMEOUT must be positive")
	}
	if cfg.LessonPassConfidence < 0 || cfg.LessonPassConfidence > 1 {
		return Config{}, fmt.Errorf("LESSON_PASS_CONFIDENCE must be within [0,1]")
	}
	if cfg.LessonPassScore < 0 || cfg.LessonPassScore > 1 {
		return Config{}, fmt.Errorf("LESSON_PASS_SCORE must be within [0,1]")
	}
	switch cfg.VoiceProvider {
	case "remote", "mock":
	default:
		return Config{}, fmt.Errorf("VOICE_PROVIDER must be remote or mock, got %q", cfg.VoiceProvider)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("APP_LOG_LEVEL must be debug, info, warn or error, got %q", cfg.LogLevel)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
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

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
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

// listFromEnv splits a comma separated value, dropping empty items.
func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
