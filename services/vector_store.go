package services

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"

	chromem "github.com/philippgille/chromem-go"
)

// VectorMatch is one scored hit from the vector index.
type VectorMatch struct {
	VectorID   string
	KbID       string
	Similarity float32
}

// VectorDoc is a chunk embedding to be stored in the index.
type VectorDoc struct {
	VectorID  string
	KbID      string
	ChunkID   string
	Text      string
	Embedding []float32
}

// VectorIndex is the vector search port.
type VectorIndex interface {
	// Upsert stores chunk embeddings.
	Upsert(ctx context.Context, docs []VectorDoc) error

	// Query returns up to topK matches with similarity >= threshold,
	// restricted to the given knowledge bases, best first.
	Query(ctx context.Context, embedding []float32, topK int, threshold float32, kbIDs []string) ([]VectorMatch, error)

	// DeleteKB removes every vector belonging to a knowledge base.
	DeleteKB(ctx context.Context, kbID string) error
}

// chromemIndex implements VectorIndex on chromem-go with gob persistence.
type chromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewChromemIndex opens (or creates) the persistent vector index.
// An empty dataDir keeps the index purely in memory.
func NewChromemIndex(dataDir string) (VectorIndex, error) {
	var db *chromem.DB
	var err error

	if dataDir != "" {
		persistFile := filepath.Join(dataDir, "chunks.gob")
		db, err = chromem.NewPersistentDB(persistFile, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open persistent vector DB: %w", err)
		}
		log.Printf("[VectorIndex] Persistent store at %s", persistFile)
	} else {
		db = chromem.NewDB()
		log.Println("[VectorIndex] In-memory store")
	}

	// Embeddings always arrive precomputed through the Embeddings port.
	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vector index requires precomputed embeddings")
	}

	collection, err := db.GetOrCreateCollection("kb_chunks", nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector collection: %w", err)
	}

	return &chromemIndex{db: db, collection: collection}, nil
}

func (c *chromemIndex) Upsert(ctx context.Context, docs []VectorDoc) error {
	for _, doc := range docs {
		err := c.collection.AddDocument(ctx, chromem.Document{
			ID:        doc.VectorID,
			Content:   doc.Text,
			Embedding: doc.Embedding,
			Metadata: map[string]string{
				"kbId":    doc.KbID,
				"chunkId": doc.ChunkID,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to add vector %s: %w", doc.VectorID, err)
		}
	}
	return nil
}

// Query runs one filtered query per knowledge base (chromem metadata
// filters are exact-match) and merges the results by similarity.
func (c *chromemIndex) Query(ctx context.Context, embedding []float32, topK int, threshold float32, kbIDs []string) ([]VectorMatch, error) {
	if topK <= 0 || len(kbIDs) == 0 || c.collection.Count() == 0 {
		return nil, nil
	}

	var merged []VectorMatch

	for _, kbID := range kbIDs {
		n := topK
		if total := c.collection.Count(); n > total {
			n = total
		}

		results, err := c.collection.QueryEmbedding(ctx, embedding, n, map[string]string{"kbId": kbID}, nil)
		if err != nil {
			return nil, fmt.Errorf("vector query failed for kb %s: %w", kbID, err)
		}

		for _, r := range results {
			if r.Similarity < threshold {
				continue
			}
			merged = append(merged, VectorMatch{
				VectorID:   r.ID,
				KbID:       kbID,
				Similarity: r.Similarity,
			})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Similarity > merged[j].Similarity
	})

	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}

func (c *chromemIndex) DeleteKB(ctx context.Context, kbID string) error {
	return c.collection.Delete(ctx, map[string]string{"kbId": kbID}, nil)
}
