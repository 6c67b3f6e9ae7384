package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/chriscow/fieldvoice/pkg/realtime"
)

var ErrEmptyEnvironmentVariable = errors.New("empty environment variable")

// DefaultEnvFiles are loaded, when present, outside production.
var DefaultEnvFiles = []string{"env.local", ".env"}

const (
	TransportWebRTC    = "webrtc"
	TransportWebSocket = "websocket"
)

// Config holds all application configuration
type Config struct {
	Env        string
	Technician TechnicianConfig
	Backend    BackendConfig
	Realtime   RealtimeConfig
	Tools      ToolsConfig
}

// TechnicianConfig identifies who the session belongs to
type TechnicianConfig struct {
	ID   string
	Name string
}

// BackendConfig holds workflow backend settings
type BackendConfig struct {
	URL     string
	Timeout time.Duration
}

// RealtimeConfig holds realtime session settings
type RealtimeConfig struct {
	Transport        string
	SignalingURL     string
	WebSocketURL     string
	APIKey           string
	Model            string
	Voice            string
	ICEServers       []string
	SignalingTimeout time.Duration
	ResponseGrace    time.Duration
}

// ToolsConfig holds function execution settings
type ToolsConfig struct {
	Timeout time.Duration
}

// Load reads configuration from the environment, after loading the default
// env files in non-production environments.
func Load() (*Config, error) {
	return LoadFiles(DefaultEnvFiles...)
}

// LoadFiles is Load with explicit env files. Missing files are skipped.
// Variables already set in the environment win over file values.
func LoadFiles(files ...string) (*Config, error) {
	if os.Getenv("FIELDVOICE_ENV") != "production" {
		for _, file := range files {
			if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to load %s: %w", file, err)
			}
		}
	}

	cfg := &Config{Env: getEnvWithDefault("FIELDVOICE_ENV", "development")}

	var err error
	if cfg.Technician.ID, err = requireEnv("FIELDVOICE_TECHNICIAN_ID"); err != nil {
		return nil, err
	}
	cfg.Technician.Name = getEnvWithDefault("FIELDVOICE_TECHNICIAN_NAME", "Technician")

	// Backend
	cfg.Backend.URL = getEnvWithDefault("FIELDVOICE_BACKEND_URL", "http://localhost:8000")
	if cfg.Backend.Timeout, err = durationEnv("FIELDVOICE_BACKEND_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	// Realtime
	cfg.Realtime.Transport = strings.ToLower(getEnvWithDefault("FIELDVOICE_TRANSPORT", TransportWebRTC))
	cfg.Realtime.SignalingURL = getEnvWithDefault("FIELDVOICE_SIGNALING_URL", "http://localhost:8000/api/realtime")
	cfg.Realtime.APIKey = os.Getenv("OPENAI_API_KEY")
	switch cfg.Realtime.Transport {
	case TransportWebRTC:
	case TransportWebSocket:
		if cfg.Realtime.APIKey, err = requireEnv("OPENAI_API_KEY"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("invalid FIELDVOICE_TRANSPORT %q: want %s or %s",
			cfg.Realtime.Transport, TransportWebRTC, TransportWebSocket)
	}
	cfg.Realtime.WebSocketURL = os.Getenv("FIELDVOICE_REALTIME_URL")
	cfg.Realtime.Model = getEnvWithDefault("FIELDVOICE_MODEL", realtime.DefaultModel)
	cfg.Realtime.Voice = getEnvWithDefault("FIELDVOICE_VOICE", "alloy")
	cfg.Realtime.ICEServers = splitList(getEnvWithDefault("FIELDVOICE_ICE_SERVERS", "stun:stun.l.google.com:19302"))

	if cfg.Realtime.SignalingTimeout, err = durationEnv("FIELDVOICE_SIGNALING_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.Realtime.ResponseGrace, err = durationEnv("FIELDVOICE_RESPONSE_GRACE", 500*time.Millisecond); err != nil {
		return nil, err
	}

	// Tools
	if cfg.Tools.Timeout, err = durationEnv("FIELDVOICE_TOOL_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

// requireEnv retrieves an environment variable or returns an error if empty
func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is not set: %w", key, ErrEmptyEnvironmentVariable)
	}
	return value, nil
}

// getEnvWithDefault retrieves an environment variable or returns a default value
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func durationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("failed to parse %s: must be positive", key)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
