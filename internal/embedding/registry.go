package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultCallTimeout bounds a single provider attempt.
const DefaultCallTimeout = 15 * time.Second

// RegistryConfig tunes the fallback chain.
type RegistryConfig struct {
	CallTimeout      time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// GenerateOptions selects the provider to try first and tunes the call.
type GenerateOptions struct {
	// Provider, when registered, is tried before the primary.
	Provider string
	Options
}

// Generation is a single embedding and the provider that produced it.
type Generation struct {
	Vector   []float32
	Provider string
	Model    string
}

// BatchGeneration is a batch of embeddings from one provider.
type BatchGeneration struct {
	Vectors  [][]float32
	Provider string
	Model    string
}

// ProviderStatus describes a registered provider for status output.
type ProviderStatus struct {
	Descriptor
	Primary  bool   `json:"primary"`
	Fallback bool   `json:"fallback"`
	Health   Health `json:"health"`
}

type entry struct {
	provider Provider
	health   *HealthTracker
}

// Registry holds named providers and runs the primary-then-fallback chain.
// Attempts are strictly sequential.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	primary   string
	fallbacks []string
	cfg       RegistryConfig
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. Zero config fields select the
// defaults.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Registry{
		entries: make(map[string]*entry),
		cfg:     cfg,
		logger:  slog.Default(),
	}
}

// Register adds or replaces a provider under name. The first provider
// registered becomes the primary.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &entry{
		provider: p,
		health:   NewHealthTracker(r.cfg.FailureThreshold, r.cfg.Cooldown),
	}
	if r.primary == "" {
		r.primary = name
	}
}

// SetPrimary selects the provider tried first.
func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	r.primary = name
	return nil
}

// SetFallbacks sets the ordered providers tried after the primary. Names
// that are not registered are dropped.
func (r *Registry) SetFallbacks(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = r.fallbacks[:0]
	for _, name := range names {
		if _, ok := r.entries[name]; ok {
			r.fallbacks = append(r.fallbacks, name)
		}
	}
}

// Primary returns the name of the primary provider.
func (r *Registry) Primary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return e.provider, nil
}

// Providers lists every registered provider with its breaker state, sorted
// by name.
func (r *Registry) Providers() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fallback := make(map[string]bool, len(r.fallbacks))
	for _, name := range r.fallbacks {
		fallback[name] = true
	}
	out := make([]ProviderStatus, 0, len(r.entries))
	for name, e := range r.entries {
		desc := e.provider.Info()
		desc.Name = name
		out = append(out, ProviderStatus{
			Descriptor: desc,
			Primary:    name == r.primary,
			Fallback:   fallback[name],
			Health:     e.health.Snapshot(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Generate embeds text with the first candidate provider that is available
// and succeeds. Candidates are the requested provider (or the primary)
// followed by the fallbacks.
func (r *Registry) Generate(ctx context.Context, text string, opts GenerateOptions) (Generation, error) {
	var gen Generation
	err := r.run(ctx, opts.Provider, func(ctx context.Context, name string, p Provider) error {
		vec, err := p.Embed(ctx, text, opts.Options)
		if err != nil {
			return err
		}
		gen = Generation{Vector: vec, Provider: name, Model: modelName(p, opts.Options)}
		return nil
	})
	return gen, err
}

// GenerateBatch is Generate over EmbedBatch. All vectors come from the same
// provider.
func (r *Registry) GenerateBatch(ctx context.Context, texts []string, opts GenerateOptions) (BatchGeneration, error) {
	var gen BatchGeneration
	err := r.run(ctx, opts.Provider, func(ctx context.Context, name string, p Provider) error {
		vecs, err := p.EmbedBatch(ctx, texts, opts.Options)
		if err != nil {
			return err
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("got %d embeddings for %d texts", len(vecs), len(texts))
		}
		gen = BatchGeneration{Vectors: vecs, Provider: name, Model: modelName(p, opts.Options)}
		return nil
	})
	return gen, err
}

func (r *Registry) run(ctx context.Context, requested string, call func(context.Context, string, Provider) error) error {
	names, entries := r.candidates(requested)
	var attempts []Attempt
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := entries[i]
		if !e.health.Allow() {
			r.logger.Debug("skipping embedding provider with open circuit", "provider", name)
			attempts = append(attempts, Attempt{Provider: name, Err: ErrCircuitOpen})
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		if !e.provider.Available(callCtx) {
			cancel()
			e.health.Release()
			r.logger.Debug("embedding provider unavailable", "provider", name)
			attempts = append(attempts, Attempt{Provider: name, Err: ErrProviderUnavailable})
			continue
		}
		err := call(callCtx, name, e.provider)
		cancel()
		if err == nil {
			e.health.RecordSuccess()
			return nil
		}
		if ctx.Err() != nil {
			e.health.Release()
			return ctx.Err()
		}
		e.health.RecordFailure()
		r.logger.Warn("embedding provider failed", "provider", name, "error", err)
		attempts = append(attempts, Attempt{Provider: name, Err: err})
	}
	return &AllProvidersFailedError{Attempts: attempts}
}

func (r *Registry) candidates(requested string) ([]string, []*entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	first := r.primary
	if requested != "" {
		if _, ok := r.entries[requested]; ok {
			first = requested
		} else {
			r.logger.Debug("requested embedding provider not registered", "provider", requested)
		}
	}

	seen := make(map[string]bool)
	var names []string
	var entries []*entry
	for _, name := range append([]string{first}, r.fallbacks...) {
		e, ok := r.entries[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
		entries = append(entries, e)
	}
	return names, entries
}

func modelName(p Provider, opts Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	return p.Info().Model
}
