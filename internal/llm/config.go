package llm

import (
	"context"
	"fmt"
	"time"
)

// Config selects and configures the grading provider.
type Config struct {
	// Provider is one of "openai", "gemini" or "mock".
	Provider string

	OpenAI OpenAIConfig
	Gemini GeminiConfig

	// Timeout bounds a single grading request.
	Timeout time.Duration
}

// OpenAIConfig configures an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// GeminiConfig configures the Gemini API.
type GeminiConfig struct {
	APIKey  string
	Model   string // Default: "gemini-flash"
	BaseURL string
}

// DefaultConfig returns the configuration used when no flags are set.
func DefaultConfig() Config {
	return Config{
		Provider: "gemini",
		OpenAI: OpenAIConfig{
			Model: "gpt-4o-mini",
		},
		Gemini: GeminiConfig{
			Model: "gemini-flash",
		},
		Timeout: 60 * time.Second,
	}
}

// Validate checks that the selected provider has what it needs.
func (c Config) Validate() error {
	switch c.Provider {
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("--llm-key is required for the openai grader")
		}
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("--gemini-key is required for the gemini grader")
		}
	case "mock":
	default:
		return fmt.Errorf("unknown grader: %q", c.Provider)
	}
	return nil
}

// NewProvider creates the configured provider.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "openai":
		p, err = NewOpenAIProvider(cfg.OpenAI)
	case "gemini":
		p, err = NewGeminiProvider(ctx, cfg.Gemini)
	case "mock":
		return NewMockProvider(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s grader: %w", cfg.Provider, err)
	}
	return p, nil
}

func resolveModel(name string, aliases map[string]string) string {
	if id, ok := aliases[name]; ok {
		return id
	}
	return name
}
