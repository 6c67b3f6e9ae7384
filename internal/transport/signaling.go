package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SignalingError is a non-2xx response from the signaling service.
type SignalingError struct {
	StatusCode int
	Body       string
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling returned %d: %s", e.StatusCode, e.Body)
}

// Token is an ephemeral credential for the realtime service.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SignalingConfig configures a Signaling client.
type SignalingConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Signaling exchanges SDP with the service that brokers WebRTC sessions.
type Signaling struct {
	base   *url.URL
	client *http.Client
	logger *slog.Logger
}

// NewSignaling creates a signaling client.
func NewSignaling(cfg SignalingConfig) (*Signaling, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("signaling URL is required")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid signaling URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid signaling URL scheme %q", u.Scheme)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Signaling{base: u, client: cfg.HTTPClient, logger: cfg.Logger}, nil
}

// Token fetches an ephemeral credential.
func (s *Signaling) Token(ctx context.Context) (Token, error) {
	var tok Token
	if err := s.post(ctx, "/token", struct{}{}, &tok); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// Connect sends the local offer and returns the remote answer.
func (s *Signaling) Connect(ctx context.Context, sdp, model string) (string, error) {
	req := struct {
		SDP   string `json:"sdp"`
		Model string `json:"model"`
	}{SDP: sdp, Model: model}

	var resp struct {
		SDP string `json:"sdp"`
	}
	if err := s.post(ctx, "/connect", req, &resp); err != nil {
		return "", err
	}
	if resp.SDP == "" {
		return "", fmt.Errorf("signaling returned an empty answer")
	}
	return resp.SDP, nil
}

func (s *Signaling) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	endpoint := s.base.JoinPath(path).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	s.logger.Debug("Signaling request", slog.String("url", endpoint))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach signaling service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read signaling response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &SignalingError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode signaling response: %w", err)
	}
	return nil
}
