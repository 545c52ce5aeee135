// Package provider abstracts over concrete LLM backends for generation and
// embedding, grounded on the teacher's agents/provider package. It is a
// supplemented domain-stack component (§4.9 of SPEC_FULL.md): it backs both
// the APIDriver's default generation backend and the animation variant's
// vision evaluator.
package provider

import "context"

// Request is a provider-agnostic generation request.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Images       [][]byte // optional, for vision-capable requests
	MaxTokens    int
}

// Response is a provider-agnostic generation response.
type Response struct {
	Text string
}

// Provider is implemented by each concrete LLM backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
