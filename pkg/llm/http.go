package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds one completion call when the config does not
// pick its own.
const DefaultTimeout = 60 * time.Second

// HTTPConfig configures an HTTPProvider. Zero values take the defaults.
type HTTPConfig struct {
	BaseURL     string  // e.g. http://localhost:1234/v1
	APIKey      string  // optional bearer token
	Model       string  // default "default" (local servers serve the loaded model)
	Temperature float64 // default 0.7
	Timeout     time.Duration
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.Model == "" {
		c.Model = "default"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// HTTPProvider talks to an OpenAI-compatible chat-completions endpoint,
// which covers the local model servers agents typically run against.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPProvider creates a provider for the given endpoint.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	resolved := cfg.withDefaults()
	return &HTTPProvider{
		cfg:    resolved,
		client: &http.Client{Timeout: resolved.Timeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one chat completion and returns the first choice.
func (p *HTTPProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	body, err := json.Marshal(chatRequest{
		Model:       p.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   req.MaxTokens,
		Stop:        req.StopSequences,
		Temperature: p.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			return nil, &TimeoutError{Provider: p.cfg.BaseURL, Elapsed: time.Since(start)}
		}
		return nil, &UnavailableError{Provider: p.cfg.BaseURL, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &UnavailableError{Provider: p.cfg.BaseURL, Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &UnavailableError{
			Provider: p.cfg.BaseURL,
			Cause:    fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200)),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &UnavailableError{Provider: p.cfg.BaseURL, Cause: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, &UnavailableError{Provider: p.cfg.BaseURL, Cause: errors.New(parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &UnavailableError{Provider: p.cfg.BaseURL, Cause: errors.New("empty choices")}
	}

	return &Response{Text: parsed.Choices[0].Message.Content, Elapsed: time.Since(start)}, nil
}

// isClientTimeout recognizes net/http's client-side deadline errors,
// which arrive wrapped in *url.Error rather than as context errors.
func isClientTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
