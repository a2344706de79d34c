package retrieval

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/medctx/internal/lexicon"
)

const (
	DefaultMaxResults   = 10
	DefaultHalfLifeDays = 365
	DefaultMinWeight    = 0.1

	// Hybrid fusion weights for vector relevance and keyword overlap.
	DefaultVectorWeight  = 0.7
	DefaultKeywordWeight = 0.3
)

// TimeDecay down-weights older documents: relevance is multiplied by
// exp(-days/HalfLifeDays), never below MinWeight.
type TimeDecay struct {
	HalfLifeDays float64
	MinWeight    float64
}

// SearchOptions controls a similarity search. A nil Threshold keeps every
// candidate; a nil TimeDecay leaves relevance equal to similarity.
type SearchOptions struct {
	Filter     Filter
	Threshold  *float64
	MaxResults int
	TimeDecay  *TimeDecay
}

// HybridWeights sets the fusion of vector relevance and keyword overlap.
type HybridWeights struct {
	Vector  float64
	Keyword float64
}

// Searcher ranks store records against a query vector.
type Searcher struct {
	store   *Store
	weights HybridWeights
	logger  *slog.Logger
}

// NewSearcher creates a Searcher over store with the default hybrid weights.
func NewSearcher(store *Store) *Searcher {
	return &Searcher{
		store:   store,
		weights: HybridWeights{Vector: DefaultVectorWeight, Keyword: DefaultKeywordWeight},
		logger:  slog.Default(),
	}
}

// SetHybridWeights overrides the fusion weights used by HybridSearch.
func (s *Searcher) SetHybridWeights(w HybridWeights) {
	s.weights = w
}

// Store returns the underlying embedding store.
func (s *Searcher) Store() *Store {
	return s.store
}

// Search returns the records most similar to query, filtered, thresholded on
// raw similarity, optionally time-decayed, ordered by relevance descending.
func (s *Searcher) Search(query []float32, opts SearchOptions) []Result {
	return s.search(query, opts, "")
}

// HybridSearch runs Search with twice the result budget, then fuses each
// hit's relevance with the fraction of queryText keywords found in its
// summary, reorders and truncates.
func (s *Searcher) HybridSearch(queryText string, query []float32, opts SearchOptions) []Result {
	limit := maxResults(opts)
	wide := opts
	wide.MaxResults = limit * 2
	results := s.Search(query, wide)

	keywords := lexicon.Keywords(queryText)
	for i := range results {
		kw := keywordScore(keywords, results[i].Metadata.Summary)
		results[i].KeywordScore = kw
		results[i].RelevanceScore = s.weights.Vector*results[i].RelevanceScore + s.weights.Keyword*kw
	}
	sortResults(results)
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// FindSimilar searches with the stored vector of documentID as the query and
// excludes that document from the results. The source is dropped before the
// MaxResults cut, so up to MaxResults other documents come back.
func (s *Searcher) FindSimilar(documentID string, opts SearchOptions) ([]Result, error) {
	vec, ok := s.store.GetVector(documentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	return s.search(vec, opts, documentID), nil
}

func (s *Searcher) search(query []float32, opts SearchOptions, exclude string) []Result {
	ids := s.store.Candidates(opts.Filter)
	if len(ids) == 0 {
		return nil
	}
	records := s.store.snapshot(ids)
	queryNorm := norm(query)
	now := timeNow()

	results := make([]Result, 0, len(records))
	for _, rec := range records {
		if rec.DocumentID == exclude || rec.Vector == nil {
			continue
		}
		sim := cosineWithNorm(query, queryNorm, rec.Vector)
		if opts.Threshold != nil && sim < *opts.Threshold {
			continue
		}
		relevance := sim
		if opts.TimeDecay != nil {
			relevance = sim * decayWeight(*opts.TimeDecay, rec, now)
		}
		results = append(results, Result{
			DocumentID:     rec.DocumentID,
			Similarity:     sim,
			RelevanceScore: relevance,
			Metadata:       copyRecord(rec).Metadata,
			Excerpt:        excerpt(rec.Metadata.Summary),
		})
	}

	sortResults(results)
	if limit := maxResults(opts); len(results) > limit {
		results = results[:limit]
	}
	return results
}

func decayWeight(d TimeDecay, rec Record, now time.Time) float64 {
	halfLife := d.HalfLifeDays
	if halfLife <= 0 {
		halfLife = DefaultHalfLifeDays
	}
	t, ok := recordTime(rec)
	if !ok {
		return 1
	}
	days := math.Max(0, now.Sub(t).Hours()/24)
	return math.Max(math.Exp(-days/halfLife), d.MinWeight)
}

// keywordScore is the fraction of keywords that occur in the lowercased
// summary. No keywords scores 0.
func keywordScore(keywords []string, summary string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	text := strings.ToLower(summary)
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

func maxResults(opts SearchOptions) int {
	if opts.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return opts.MaxResults
}

func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].RelevanceScore != results[j].RelevanceScore {
			return results[i].RelevanceScore > results[j].RelevanceScore
		}
		return results[i].DocumentID < results[j].DocumentID
	})
}

// DefaultTimeDecay returns the decay settings used when callers ask for decay
// without tuning it.
func DefaultTimeDecay() *TimeDecay {
	return &TimeDecay{HalfLifeDays: DefaultHalfLifeDays, MinWeight: DefaultMinWeight}
}
