package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call session engine.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Capacity admission.
	RedisURL       string
	RedisKeyPrefix string
	MaxActiveCalls int
	SlotTTL        time.Duration
	SweepInterval  time.Duration

	// Barge-in guards. Defaults were tuned against the reference speech
	// backend's latency profile; re-tune when swapping backends.
	MinResponseAge      time.Duration
	AudioRecencyWindow  time.Duration
	TranscriptStaleness time.Duration
	CancelCooldown      time.Duration
	CancelRetryDelay    time.Duration

	// Media relay.
	FrameInterval       time.Duration
	MediaConnectTimeout time.Duration

	// Outbound gate.
	GateFallbackWindow time.Duration
	PresenceCacheTTL   time.Duration

	// Speech backend.
	SpeechBackendURL    string
	SpeechBackendAPIKey string
	SpeechBackendVoice  string

	// Call event log.
	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "callgate"),
		AllowAnyOrigin:      false,
		RedisURL:            stringsTrimSpace("REDIS_URL"),
		RedisKeyPrefix:      envOrDefault("REDIS_KEY_PREFIX", "callgate"),
		MaxActiveCalls:      10,
		SlotTTL:             2 * time.Hour,
		SweepInterval:       time.Minute,
		MinResponseAge:      150 * time.Millisecond,
		AudioRecencyWindow:  700 * time.Millisecond,
		TranscriptStaleness: 600 * time.Millisecond,
		CancelCooldown:      200 * time.Millisecond,
		CancelRetryDelay:    200 * time.Millisecond,
		FrameInterval:       20 * time.Millisecond,
		MediaConnectTimeout: 2 * time.Minute,
		GateFallbackWindow:  8 * time.Second,
		PresenceCacheTTL:    30 * time.Second,
		SpeechBackendURL:    envOrDefault("SPEECH_BACKEND_URL", ""),
		SpeechBackendAPIKey: stringsTrimSpace("SPEECH_BACKEND_API_KEY"),
		SpeechBackendVoice:  envOrDefault("SPEECH_BACKEND_VOICE", "alloy"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:     15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxActiveCalls, err = intFromEnv("MAX_ACTIVE_CALLS", cfg.MaxActiveCalls)
	if err != nil {
		return Config{}, err
	}
	cfg.SlotTTL, err = durationFromEnv("CALL_SLOT_TTL", cfg.SlotTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("CALL_SLOT_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MinResponseAge, err = durationFromEnv("BARGEIN_MIN_RESPONSE_AGE", cfg.MinResponseAge)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioRecencyWindow, err = durationFromEnv("BARGEIN_AUDIO_RECENCY_WINDOW", cfg.AudioRecencyWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.TranscriptStaleness, err = durationFromEnv("BARGEIN_TRANSCRIPT_STALENESS", cfg.TranscriptStaleness)
	if err != nil {
		return Config{}, err
	}
	cfg.CancelCooldown, err = durationFromEnv("BARGEIN_CANCEL_COOLDOWN", cfg.CancelCooldown)
	if err != nil {
		return Config{}, err
	}
	cfg.CancelRetryDelay, err = durationFromEnv("BARGEIN_CANCEL_RETRY_DELAY", cfg.CancelRetryDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.FrameInterval, err = durationFromEnv("MEDIA_FRAME_INTERVAL", cfg.FrameInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MediaConnectTimeout, err = durationFromEnv("MEDIA_CONNECT_TIMEOUT", cfg.MediaConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GateFallbackWindow, err = durationFromEnv("OUTBOUND_GATE_FALLBACK_WINDOW", cfg.GateFallbackWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.PresenceCacheTTL, err = durationFromEnv("PRESENCE_CACHE_TTL", cfg.PresenceCacheTTL)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxActiveCalls <= 0 {
		return Config{}, fmt.Errorf("MAX_ACTIVE_CALLS must be positive")
	}
	if cfg.SlotTTL < time.Minute {
		return Config{}, fmt.Errorf("CALL_SLOT_TTL must be at least 1m")
	}
	if cfg.FrameInterval <= 0 {
		return Config{}, fmt.Errorf("MEDIA_FRAME_INTERVAL must be positive")
	}
	if cfg.MinResponseAge < 0 || cfg.AudioRecencyWindow <= 0 || cfg.TranscriptStaleness <= 0 {
		return Config{}, fmt.Errorf("barge-in windows must be positive")
	}
	if cfg.CancelCooldown < 0 || cfg.CancelRetryDelay < 0 {
		return Config{}, fmt.Errorf("cancel timings must not be negative")
	}
	if cfg.GateFallbackWindow <= 0 {
		return Config{}, fmt.Errorf("OUTBOUND_GATE_FALLBACK_WINDOW must be positive")
	}
	if cfg.PresenceCacheTTL <= 0 {
		return Config{}, fmt.Errorf("PRESENCE_CACHE_TTL must be positive")
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
