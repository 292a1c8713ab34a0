package rag

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Embedder generates embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Indexer rebuilds an owner's vector index from cast texts.
type Indexer struct {
	embedder Embedder
	store    *Store
}

// NewIndexer creates an Indexer.
func NewIndexer(embedder Embedder, store *Store) *Indexer {
	return &Indexer{embedder: embedder, store: store}
}

// Reindex chunks texts, embeds each chunk, and replaces the owner's
// vectors. Returns the number of chunks indexed.
func (ix *Indexer) Reindex(ctx context.Context, ownerFid int64, texts []string) (int, error) {
	chunks := ChunkCasts(ownerFid, texts)

	// A shrunken history must not leave a stale chunk tail behind.
	if _, err := ix.store.DeleteOwner(ctx, ownerFid); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors := make([][]float32, len(chunks))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the model endpoint.
	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			vec, err := ix.embedder.Embed(gCtx, c.Text)
			if err != nil {
				return fmt.Errorf("embedding chunk %d for owner %d: %w", c.Number, ownerFid, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := ix.store.Upsert(ctx, chunks, vectors); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// Retriever combines embedding and vector search to pull the chunks of
// an owner's history most relevant to a query.
type Retriever struct {
	embedder Embedder
	store    *Store
}

// NewRetriever creates a Retriever.
func NewRetriever(embedder Embedder, store *Store) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve embeds the query and returns the text of the owner's topK
// most similar chunks. topK <= 0 defaults to 3.
func (r *Retriever) Retrieve(ctx context.Context, ownerFid int64, query string, topK int) ([]string, error) {
	if topK <= 0 {
		topK = 3
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	scored, err := r.store.Search(ctx, ownerFid, vec, topK)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(scored))
	for i, s := range scored {
		texts[i] = s.Text
	}
	return texts, nil
}
