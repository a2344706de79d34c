package retrieval

import (
	"context"
	"fmt"

	"github.com/kalambet/medctx/internal/embedding"
)

// Generator produces query embeddings. *embedding.Registry implements it.
type Generator interface {
	Generate(ctx context.Context, text string, opts embedding.GenerateOptions) (embedding.Generation, error)
}

// Retrieval is the outcome of a text query.
type Retrieval struct {
	Results  []Result `json:"results"`
	Provider string   `json:"provider"`
	Model    string   `json:"model,omitempty"`
}

// Retriever combines query embedding and hybrid search.
type Retriever struct {
	generator Generator
	searcher  *Searcher
}

// NewRetriever creates a Retriever backed by the given Generator and Searcher.
func NewRetriever(generator Generator, searcher *Searcher) *Retriever {
	return &Retriever{generator: generator, searcher: searcher}
}

// Retrieve embeds query and runs a hybrid search with it.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts SearchOptions, gen embedding.GenerateOptions) (Retrieval, error) {
	g, err := r.generator.Generate(ctx, query, gen)
	if err != nil {
		return Retrieval{}, fmt.Errorf("embedding query: %w", err)
	}
	return Retrieval{
		Results:  r.searcher.HybridSearch(query, g.Vector, opts),
		Provider: g.Provider,
		Model:    g.Model,
	}, nil
}
