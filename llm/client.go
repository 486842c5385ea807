// Package llm talks to hosted chat-completion models. Providers return the raw
// text of the model reply; decoding and validation happen in the caller.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrEmptyContent is returned when the provider answered without text.
	ErrEmptyContent = errors.New("llm returned empty content")
	// ErrNotConfigured is returned when a provider is missing credentials.
	ErrNotConfigured = errors.New("llm provider not configured")
)

// Request is a single system+user completion.
type Request struct {
	System string
	User   string
	// JSON asks the provider to constrain output to a JSON object when it
	// supports that.
	JSON bool
}

// Client is implemented by every provider.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
	Name() string
}

// StatusError is a non-2xx reply from a provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Code, e.Body)
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider    string // openrouter | gemini | none
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	SiteURL     string
	SiteName    string
}

// Default models per provider.
const (
	DefaultOpenRouterModel = "meta-llama/llama-3.1-8b-instruct:free"
	DefaultGeminiModel     = "gemini-2.0-flash"
)

// New builds the provider named in cfg. It returns (nil, nil) for provider
// "none" or an empty provider with no key, which callers treat as
// heuristics-only mode.
func New(ctx context.Context, cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openrouter":
		if cfg.APIKey == "" {
			if cfg.Provider == "" {
				return nil, nil
			}
			return nil, fmt.Errorf("openrouter: %w", ErrNotConfigured)
		}
		return NewOpenRouter(cfg), nil
	case "gemini":
		g, err := NewGemini(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
