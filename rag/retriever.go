package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Retriever answers top-K similarity queries over a Store.
type Retriever struct {
	store    *Store
	embedder *Embedder
}

// NewRetriever pairs a Store with the Embedder used to embed queries.
func NewRetriever(store *Store, embedder *Embedder) *Retriever {
	return &Retriever{store: store, embedder: embedder}
}

// TopK returns the k chunks most similar to query by cosine similarity.
func (r *Retriever) TopK(ctx context.Context, query string, k int) ([]Chunk, error) {
	vecs, err := r.embedder.EmbedChunks(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("rag: embedder returned no vector for query")
	}
	queryVec := vecs[0]

	r.store.mu.RLock()
	type scored struct {
		chunk Chunk
		score float64
	}
	scoredEntries := make([]scored, 0, len(r.store.entries))
	for _, e := range r.store.entries {
		scoredEntries = append(scoredEntries, scored{chunk: e.chunk, score: cosineSimilarity(queryVec, e.vector)})
	}
	r.store.mu.RUnlock()

	sort.Slice(scoredEntries, func(i, j int) bool { return scoredEntries[i].score > scoredEntries[j].score })

	if k > len(scoredEntries) {
		k = len(scoredEntries)
	}
	out := make([]Chunk, k)
	for i := 0; i < k; i++ {
		out[i] = scoredEntries[i].chunk
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// RenderExcerpts formats chunks as a prompt-ready context block, capped at
// maxChars to bound prompt growth.
func RenderExcerpts(chunks []Chunk, maxChars int) string {
	out := ""
	for _, c := range chunks {
		block := fmt.Sprintf("--- %s ---\n%s\n\n", c.Path, c.Text)
		if len(out)+len(block) > maxChars {
			break
		}
		out += block
	}
	return out
}
