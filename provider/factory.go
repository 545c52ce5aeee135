package provider

import (
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

// Kind names a concrete Provider backend.
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindGoogle    Kind = "google"
	KindOpenAI    Kind = "openai"
)

// Config configures a single Provider backend for New.
type Config struct {
	Kind           Kind
	APIKey         string
	Model          string // generation model (anthropic/google) or embedding model (openai)
}

// New builds the Provider named by cfg.Kind.
func New(cfg Config) (Provider, error) {
	switch cfg.Kind {
	case KindAnthropic:
		return NewAnthropicProvider(cfg.APIKey, anthropic.Model(modelOrDefault(cfg.Model, "claude-sonnet-4-20250514"))), nil
	case KindGoogle:
		return NewGoogleProvider(cfg.APIKey, modelOrDefault(cfg.Model, "gemini-1.5-pro")), nil
	case KindOpenAI:
		return NewOpenAIProvider(cfg.APIKey, modelOrDefault(cfg.Model, "text-embedding-3-small")), nil
	default:
		return nil, fmt.Errorf("provider: unknown kind %q", cfg.Kind)
	}
}

func modelOrDefault(model, def string) string {
	if model == "" {
		return def
	}
	return model
}
