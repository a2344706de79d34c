package embedding

import (
	"context"
	"hash/fnv"

	"github.com/kalambet/medctx/internal/lexicon"
)

// DefaultHashingDimensions is the output size of the local hashing embedder.
const DefaultHashingDimensions = 384

// HashingProvider is a deterministic offline embedder. Each non-stop-word
// token and each adjacent token pair is hashed to a signed bucket. It needs
// no model or network, so it is always available.
type HashingProvider struct {
	dims int
}

// NewHashingProvider creates a hashing embedder with dims buckets. A
// non-positive value selects DefaultHashingDimensions.
func NewHashingProvider(dims int) *HashingProvider {
	if dims <= 0 {
		dims = DefaultHashingDimensions
	}
	return &HashingProvider{dims: dims}
}

func (p *HashingProvider) Embed(_ context.Context, text string, _ Options) ([]float32, error) {
	vec := make([]float32, p.dims)
	var prev string
	for _, tok := range lexicon.Tokenize(text) {
		if lexicon.IsStopWord(tok) {
			prev = ""
			continue
		}
		p.add(vec, tok, 1)
		if prev != "" {
			p.add(vec, prev+" "+tok, 0.5)
		}
		prev = tok
	}
	return Finalize(p.Info(), vec)
}

func (p *HashingProvider) EmbedBatch(ctx context.Context, texts []string, opts Options) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := p.Embed(ctx, text, opts)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (p *HashingProvider) Available(context.Context) bool { return true }

func (p *HashingProvider) Info() Descriptor {
	return Descriptor{Name: "local", Model: "feature-hash-v1", Dimensions: p.dims}
}

func (p *HashingProvider) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	idx := sum % uint64(p.dims)
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}
