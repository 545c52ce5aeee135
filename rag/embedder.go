// Package rag implements the optional retrieval-augmented-context
// enrichment step described in SPEC_FULL.md §4.9: before invoking the
// generation engine, a worker may retrieve the K most relevant existing
// files via embedding similarity and splice excerpts into the prompt.
// Grounded on the teacher's agents/rag package, adapted from ticket-scoped
// retrieval to issue/working-tree-scoped retrieval.
package rag

import (
	"context"
	"fmt"

	"github.com/foundry-ci/foundry/provider"
)

// Embedder turns text chunks into vectors using a configured Provider.
type Embedder struct {
	prov provider.Provider
}

// NewEmbedder wraps prov (typically an OpenAIProvider) as an Embedder.
func NewEmbedder(prov provider.Provider) *Embedder {
	return &Embedder{prov: prov}
}

// EmbedChunks embeds a batch of text chunks, preserving order.
func (e *Embedder) EmbedChunks(ctx context.Context, chunks []string) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	if e.prov == nil {
		return nil, fmt.Errorf("rag: no embedding provider configured")
	}
	vecs, err := e.prov.Embed(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("rag: embed chunks: %w", err)
	}
	return vecs, nil
}
