// Package embedding turns text into vectors through interchangeable
// providers, with a registry that falls back from the primary provider to
// configured alternates.
package embedding

import (
	"context"
	"math"
)

// Provider generates embeddings. Implementations return unit-length vectors
// of exactly Info().Dimensions components.
type Provider interface {
	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string, opts Options) ([]float32, error)

	// EmbedBatch returns one embedding per text, in input order.
	EmbedBatch(ctx context.Context, texts []string, opts Options) ([][]float32, error)

	// Available reports whether the provider can serve a request right now.
	// The registry asks before every attempt.
	Available(ctx context.Context) bool

	// Info describes the provider.
	Info() Descriptor
}

// Descriptor identifies a provider and the shape of its output.
type Descriptor struct {
	Name            string  `json:"name"`
	Model           string  `json:"model"`
	Dimensions      int     `json:"dimensions"`
	CostPer1KTokens float64 `json:"cost_per_1k_tokens,omitempty"`
}

// Options tunes a single embedding call.
type Options struct {
	// Model overrides the provider's default model when set.
	Model string
}

// Finalize validates vec against the descriptor's dimensionality and
// normalizes it to unit length.
func Finalize(desc Descriptor, vec []float32) ([]float32, error) {
	if desc.Dimensions > 0 && len(vec) != desc.Dimensions {
		return nil, &DimensionMismatchError{Provider: desc.Name, Want: desc.Dimensions, Got: len(vec)}
	}
	return Normalize(vec), nil
}

// Normalize scales vec to unit L2 length in place and returns it. A zero
// vector is returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return vec
	}
	n := math.Sqrt(sum)
	for i, f := range vec {
		vec[i] = float32(float64(f) / n)
	}
	return vec
}

func finalizeBatch(desc Descriptor, vecs [][]float32) ([][]float32, error) {
	for i, vec := range vecs {
		out, err := Finalize(desc, vec)
		if err != nil {
			return nil, err
		}
		vecs[i] = out
	}
	return vecs, nil
}
