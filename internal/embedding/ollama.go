package embedding

import (
	"context"
	"fmt"

	"github.com/kalambet/medctx/internal/ollama"
)

// OllamaProvider embeds through a local Ollama server.
type OllamaProvider struct {
	client *ollama.Client
	model  string
	dims   int
}

// NewOllamaProvider creates a provider for model on the Ollama server at
// baseURL. dims is the model's output size.
func NewOllamaProvider(baseURL, model string, dims int) *OllamaProvider {
	return &OllamaProvider{client: ollama.New(baseURL), model: model, dims: dims}
}

func (p *OllamaProvider) Embed(ctx context.Context, text string, opts Options) ([]float32, error) {
	vec, err := p.client.Embed(ctx, p.modelFor(opts), text)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	return Finalize(p.Info(), vec)
}

func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string, opts Options) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.client.EmbedBatch(ctx, p.modelFor(opts), texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embed batch: %w", err)
	}
	return finalizeBatch(p.Info(), vecs)
}

// Available reports whether the Ollama server answers.
func (p *OllamaProvider) Available(ctx context.Context) bool {
	return p.client.IsRunning(ctx)
}

func (p *OllamaProvider) Info() Descriptor {
	return Descriptor{Name: "ollama", Model: p.model, Dimensions: p.dims}
}

// Client exposes the underlying Ollama client for model management.
func (p *OllamaProvider) Client() *ollama.Client {
	return p.client
}

func (p *OllamaProvider) modelFor(opts Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	return p.model
}
