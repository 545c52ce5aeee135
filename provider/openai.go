package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OpenAIProvider implements Provider over the OpenAI-compatible embeddings
// API. It is the reference Embed() backend used by the optional RAG
// enrichment step (§4.9): the embedding concern is split from generation so
// an operator can mix, e.g., Anthropic generation with OpenAI embeddings.
type OpenAIProvider struct {
	apiKey         string
	embeddingModel string
	http           *http.Client
}

// NewOpenAIProvider builds an OpenAIProvider for the given embedding model
// (e.g. "text-embedding-3-small").
func NewOpenAIProvider(apiKey, embeddingModel string) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:         apiKey,
		embeddingModel: embeddingModel,
		http:           &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (Response, error) {
	return Response{}, fmt.Errorf("provider: openai generation not wired; only embeddings are used by this spec")
}

func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body := map[string]interface{}{"model": p.embeddingModel, "input": texts}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("provider: openai encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("provider: openai build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("provider: openai returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("provider: openai decode response: %w", err)
	}

	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

var _ Provider = (*OpenAIProvider)(nil)
