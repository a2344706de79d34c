package termsearch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/medctx/internal/retrieval"
)

// Policy is the date-based selection a temporal term triggers.
type Policy string

const (
	PolicyLatest     Policy = "latest"
	PolicyRecent     Policy = "recent"
	PolicyHistorical Policy = "historical"
)

const (
	DefaultRecentWindow = 30 * 24 * time.Hour

	exactTermScore   = 2.0
	partialTermScore = 1.0
	tagScore         = 1.5

	categoryFallbackRelevance = 0.5

	latestBoost         = 0.5
	recentBoost         = 0.3
	recentFallbackBoost = 0.2

	corpusLatestShare = 0.1
	latestShare       = 0.2
	halfShare         = 0.5
)

// DefaultVocabulary maps each built-in temporal term to its policy.
func DefaultVocabulary() map[string]Policy {
	return map[string]Policy{
		"latest":     PolicyLatest,
		"recent":     PolicyRecent,
		"historical": PolicyHistorical,
	}
}

// Config tunes a Pipeline. Zero fields select the defaults.
type Config struct {
	// Vocabulary maps lowercase temporal terms to policies.
	Vocabulary       map[string]Policy
	RecentWindow     time.Duration
	DefaultLimit     int
	DefaultThreshold float64
}

// DocumentSource lists the documents a Pipeline searches.
type DocumentSource interface {
	ListDocuments(ctx context.Context) ([]Document, error)
}

// Pipeline runs the category, term and temporal stages over a document set.
type Pipeline struct {
	source DocumentSource
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Pipeline reading documents from source.
func New(source DocumentSource, cfg Config) *Pipeline {
	if len(cfg.Vocabulary) == 0 {
		cfg.Vocabulary = DefaultVocabulary()
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultRecentWindow
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = DefaultThreshold
	}
	vocab := make(map[string]Policy, len(cfg.Vocabulary))
	for term, policy := range cfg.Vocabulary {
		vocab[strings.ToLower(term)] = policy
	}
	cfg.Vocabulary = vocab
	return &Pipeline{
		source: source,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
}

// Search validates req, loads the documents and runs the pipeline. Invalid
// requests come back as a Response carrying a SearchError; the returned
// error is reserved for failures of the document source.
func (p *Pipeline) Search(ctx context.Context, req Request) (Response, error) {
	if serr := req.validate(); serr != nil {
		return Response{Matches: []Match{}, Threshold: p.threshold(req), Error: serr}, nil
	}
	docs, err := p.source.ListDocuments(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("listing documents: %w", err)
	}
	return p.Run(docs, req), nil
}

// SearchJSON decodes a JSON request body and searches. A body that fails
// validation comes back as a Response carrying the SearchError and the
// effective threshold.
func (p *Pipeline) SearchJSON(ctx context.Context, body []byte) (Response, error) {
	req, serr := DecodeRequest(body)
	if serr != nil {
		return Response{Matches: []Match{}, Threshold: p.threshold(req), Error: serr}, nil
	}
	return p.Search(ctx, req)
}

// Run executes the pipeline over docs.
func (p *Pipeline) Run(docs []Document, req Request) Response {
	resp := Response{Matches: []Match{}, Threshold: p.threshold(req)}
	if serr := req.validate(); serr != nil {
		resp.Error = serr
		return resp
	}

	temporal, substantive := p.splitTerms(req.Terms)

	filtered := filterCategories(docs, req.DocumentTypes)
	if len(filtered) == 0 {
		return resp
	}

	working := scoreTerms(filtered, substantive)

	if len(temporal) > 0 {
		classes := p.classify(docs)
		sorted := sortByDate(working)
		for _, policy := range temporal {
			working = p.applyPolicy(policy, sorted)
		}
		for i := range working {
			working[i].temporal = classes[working[i].doc.ID]
		}
	}

	sort.SliceStable(working, func(i, j int) bool {
		return working[i].relevance > working[j].relevance
	})
	limit := req.Limit
	if limit <= 0 {
		limit = p.cfg.DefaultLimit
	}
	if len(working) > limit {
		working = working[:limit]
	}

	for _, c := range working {
		m := Match{
			DocumentID:   c.doc.ID,
			Relevance:    c.relevance,
			MatchedTerms: c.labels,
			Category:     c.doc.Metadata.Category,
			Temporal:     c.temporal,
		}
		if c.dated {
			m.Date = c.date.Format(time.RFC3339)
		}
		if req.IncludeContent {
			m.Title = c.doc.Title
			m.Content = c.doc.Content
		}
		resp.Matches = append(resp.Matches, m)
	}
	p.logger.Debug("term search", "terms", len(req.Terms), "temporal", len(temporal), "matches", len(resp.Matches))
	return resp
}

func (p *Pipeline) threshold(req Request) float64 {
	if req.Threshold != nil {
		return *req.Threshold
	}
	return p.cfg.DefaultThreshold
}

// splitTerms separates temporal policies (in input order) from lowercase
// substantive terms. Blank terms are dropped.
func (p *Pipeline) splitTerms(terms []string) ([]Policy, []string) {
	var temporal []Policy
	var substantive []string
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if policy, ok := p.cfg.Vocabulary[t]; ok {
			temporal = append(temporal, policy)
			continue
		}
		substantive = append(substantive, t)
	}
	return temporal, substantive
}

type candidate struct {
	doc       Document
	date      time.Time
	dated     bool
	relevance float64
	labels    []string
	temporal  string
}

func filterCategories(docs []Document, types []string) []Document {
	if len(types) == 0 {
		return docs
	}
	want := make(map[string]bool, len(types))
	for _, t := range types {
		want[strings.ToLower(t)] = true
	}
	var out []Document
	for _, d := range docs {
		if want[strings.ToLower(d.Metadata.Category)] {
			out = append(out, d)
		}
	}
	return out
}

// scoreTerms scores docs against the substantive terms. Without terms, or
// when nothing matches, every document passes with the category fallback.
func scoreTerms(docs []Document, terms []string) []candidate {
	var matched []candidate
	if len(terms) > 0 {
		maxScore := float64(len(terms)) * exactTermScore
		for _, d := range docs {
			raw, labels := termScore(d, terms)
			if raw <= 0 {
				continue
			}
			matched = append(matched, newCandidate(d, math.Min(raw/maxScore, 1), labels))
		}
	}
	if len(matched) > 0 {
		return matched
	}

	out := make([]candidate, len(docs))
	for i, d := range docs {
		out[i] = newCandidate(d, categoryFallbackRelevance, []string{"category:" + d.Metadata.Category})
	}
	return out
}

func termScore(d Document, terms []string) (float64, []string) {
	medical := lowerAll(d.MedicalTerms)
	tags := lowerAll(d.Metadata.Tags)

	var raw float64
	var labels []string
	for _, term := range terms {
		best := 0.0
		for _, mt := range medical {
			if mt == term {
				best = exactTermScore
				break
			}
			if mt != "" && (strings.Contains(mt, term) || strings.Contains(term, mt)) {
				best = partialTermScore
			}
		}
		if best > 0 {
			raw += best
			labels = append(labels, term)
		}
		for _, tag := range tags {
			if tag != "" && (tag == term || strings.Contains(tag, term) || strings.Contains(term, tag)) {
				raw += tagScore
				labels = append(labels, term)
				break
			}
		}
	}
	return raw, labels
}

func newCandidate(d Document, relevance float64, labels []string) candidate {
	t, ok := documentDate(d)
	return candidate{doc: d, date: t, dated: ok, relevance: relevance, labels: labels}
}

// documentDate returns the first parseable date among created_at, date,
// timestamp, createdAt and metadata.date.
func documentDate(d Document) (time.Time, bool) {
	for _, s := range []string{d.CreatedAt, d.Date, d.Timestamp, d.CreatedAtAlt, d.Metadata.Date} {
		if t, ok := retrieval.ParseDate(s); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// classify labels every dated document of the corpus: the newest 10% (at
// least one) are latest, others inside the recent window are recent, the
// rest historical. Undated documents get no class.
func (p *Pipeline) classify(docs []Document) map[string]string {
	var dated []candidate
	for _, d := range docs {
		if t, ok := documentDate(d); ok {
			dated = append(dated, candidate{doc: d, date: t, dated: true})
		}
	}
	sort.SliceStable(dated, func(i, j int) bool { return dated[i].date.After(dated[j].date) })

	latestCount := share(len(dated), corpusLatestShare)
	now := p.now()
	classes := make(map[string]string, len(dated))
	for i, c := range dated {
		switch {
		case i < latestCount:
			classes[c.doc.ID] = string(PolicyLatest)
		case now.Sub(c.date) <= p.cfg.RecentWindow:
			classes[c.doc.ID] = string(PolicyRecent)
		default:
			classes[c.doc.ID] = string(PolicyHistorical)
		}
	}
	return classes
}

// sortByDate orders candidates newest first; undated ones follow, by
// relevance. Ties break on relevance, then ID.
func sortByDate(cands []candidate) []candidate {
	out := append([]candidate(nil), cands...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.dated != b.dated {
			return a.dated
		}
		if a.dated && !a.date.Equal(b.date) {
			return a.date.After(b.date)
		}
		if a.relevance != b.relevance {
			return a.relevance > b.relevance
		}
		return a.doc.ID < b.doc.ID
	})
	return out
}

// applyPolicy selects and boosts from the date-sorted survivors. The result
// replaces the working set, so with several temporal terms the last one
// decides.
func (p *Pipeline) applyPolicy(policy Policy, sorted []candidate) []candidate {
	n := len(sorted)
	if n == 0 {
		return nil
	}
	switch policy {
	case PolicyLatest:
		return boosted(sorted[:latestCut(sorted)], latestBoost, "temporal:latest")

	case PolicyRecent:
		now := p.now()
		var recent []candidate
		for _, c := range sorted {
			if c.dated && now.Sub(c.date) <= p.cfg.RecentWindow {
				recent = append(recent, c)
			}
		}
		if len(recent) > 0 {
			return boosted(recent, recentBoost, "temporal:recent")
		}
		return boosted(sorted[:share(n, halfShare)], recentFallbackBoost, "temporal:recent_fallback")

	case PolicyHistorical:
		return boosted(sorted[n-share(n, halfShare):], 0, "temporal:historical")
	}
	return sorted
}

func boosted(cands []candidate, boost float64, label string) []candidate {
	out := make([]candidate, len(cands))
	for i, c := range cands {
		c.relevance = math.Min(c.relevance+boost, 1)
		c.labels = append(append([]string(nil), c.labels...), label)
		out[i] = c
	}
	return out
}

// share returns ceil(frac*n), at least 1.
func share(n int, frac float64) int {
	return max(1, int(math.Ceil(frac*float64(n))))
}

// latestCut returns how many of the date-sorted candidates "latest" keeps:
// ceil(20%), at least 1, plus candidates dated at exactly the same instant
// as the last one kept. The ties add at most another ceil(20%).
func latestCut(sorted []candidate) int {
	n := len(sorted)
	k := share(n, latestShare)
	cutoff := sorted[k-1]
	if !cutoff.dated {
		return k
	}
	limit := min(n, 2*k)
	for k < limit && sorted[k].dated && sorted[k].date.Equal(cutoff.date) {
		k++
	}
	return k
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
