package semantic

import (
	"context"
	"fmt"
	"strings"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex implements Index on top of chromem-go, a pure Go
// embedded vector database. Embeddings come from the injected Embedder;
// chromem only stores and ranks them.
type ChromemIndex struct {
	col      *chromem.Collection
	embedder Embedder
}

// NewChromemIndex creates an index with one collection. With a non-empty
// path the index persists under it and survives process restarts;
// otherwise it lives in memory.
func NewChromemIndex(embedder Embedder, path string) (*ChromemIndex, error) {
	var db *chromem.DB
	var err error
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("open index db: %w", err)
		}
	}
	col, err := db.GetOrCreateCollection("records", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("open collection: %w", err)
	}
	return &ChromemIndex{col: col, embedder: embedder}, nil
}

func (x *ChromemIndex) Ingest(ctx context.Context, text, reference string, metadata map[string]string) error {
	emb, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	doc := chromem.Document{
		ID:        reference,
		Content:   text,
		Embedding: emb,
		Metadata:  metadata,
	}
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (x *ChromemIndex) Remove(ctx context.Context, reference string) (bool, error) {
	err := x.col.Delete(ctx, nil, nil, reference)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return false, nil
		}
		return false, fmt.Errorf("delete document: %w", err)
	}
	return true, nil
}

func (x *ChromemIndex) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 10
	}
	// chromem rejects nResults larger than the collection.
	if count := x.col.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	emb, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := x.col.QueryEmbedding(ctx, emb, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, SearchResult{
			Reference: h.ID,
			Score:     float64(h.Similarity),
			Metadata:  h.Metadata,
		})
	}
	return results, nil
}
