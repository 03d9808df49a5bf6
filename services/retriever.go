package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"wa-agent-support/models"
)

// Retriever embeds the merged user query, searches the vector index over
// the agent's knowledge bases and hydrates the matching chunk text.
type Retriever struct {
	store     Store
	embedder  Embedder
	index     VectorIndex
	topK      int
	threshold float32
}

// NewRetriever creates the retriever.
func NewRetriever(store Store, embedder Embedder, index VectorIndex, topK int, threshold float32) *Retriever {
	return &Retriever{
		store:     store,
		embedder:  embedder,
		index:     index,
		topK:      topK,
		threshold: threshold,
	}
}

// Retrieve returns the context chunks for one turn, best match first.
// An empty query or a session without agent/knowledge bases yields an
// empty context; the turn still proceeds to inference.
func (r *Retriever) Retrieve(ctx context.Context, sessionID, mergedText string) ([]models.ContextChunk, error) {
	if strings.TrimSpace(mergedText) == "" {
		return nil, nil
	}

	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}

	_, kbs, err := r.store.AgentForSession(ctx, session)
	if err == ErrNotFound || len(kbs) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve agent: %w", err)
	}

	kbIDs := make([]string, 0, len(kbs))
	weights := make(map[string]float32, len(kbs))
	for _, kb := range kbs {
		kbIDs = append(kbIDs, kb.KbID)
		weight := kb.Weight
		if weight <= 0 {
			weight = 1
		}
		weights[kb.KbID] = weight
	}

	vectors, err := r.embedder.Embed(ctx, []string{mergedText})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	matches, err := r.index.Query(ctx, vectors[0], r.topK, r.threshold, kbIDs)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("vector query failed: %w", err))
	}
	if len(matches) == 0 {
		return nil, nil
	}

	// Apply per-KB weights before the final cut
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity*weights[matches[i].KbID] > matches[j].Similarity*weights[matches[j].KbID]
	})

	vectorIDs := make([]string, 0, len(matches))
	scoreByVectorID := make(map[string]float32, len(matches))
	for _, m := range matches {
		vectorIDs = append(vectorIDs, m.VectorID)
		scoreByVectorID[m.VectorID] = m.Similarity
	}

	chunks, err := r.store.ChunksByVectorIDs(ctx, vectorIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate chunks: %w", err)
	}

	result := make([]models.ContextChunk, 0, len(chunks))
	for _, c := range chunks {
		result = append(result, models.ContextChunk{
			ChunkID: c.ChunkID,
			KbID:    c.KbID,
			Text:    c.Text,
			Score:   scoreByVectorID[c.VectorID],
		})
	}

	log.Printf("🔍 [Retriever] %d/%d chunks hydrated for session %s", len(result), len(matches), sessionID)
	return result, nil
}
