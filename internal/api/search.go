package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/medctx/internal/embedding"
	"github.com/kalambet/medctx/internal/retrieval"
	"github.com/kalambet/medctx/internal/session"
	"github.com/kalambet/medctx/internal/termsearch"
)

var (
	errEmptyQuery  = errors.New("query or vector is required")
	errNoGenerator = errors.New("text queries need an embedding provider")
)

// SearchRequest is a vector search. With Query only, the query is embedded
// and fused with keyword overlap; with Vector only, a plain similarity search
// runs; with both, Vector is used for the hybrid search.
type SearchRequest struct {
	Query         string    `json:"query"`
	Vector        []float32 `json:"vector,omitempty"`
	DocumentTypes []string  `json:"document_types,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to,omitempty"`
	Threshold     *float64  `json:"threshold,omitempty"`
	MaxResults    int       `json:"max_results,omitempty"`
	TimeDecay     bool      `json:"time_decay,omitempty"`
	Provider      string    `json:"provider,omitempty"`
}

// SearchResponse carries ranked results and, for text queries, the provider
// that embedded the query.
type SearchResponse struct {
	Results  []retrieval.Result `json:"results"`
	Provider string             `json:"provider,omitempty"`
	Model    string             `json:"model,omitempty"`
}

func (req SearchRequest) options(defaults SearchDefaults) (retrieval.SearchOptions, error) {
	opts := retrieval.SearchOptions{
		Filter: retrieval.Filter{
			DocumentTypes: req.DocumentTypes,
			Tags:          req.Tags,
		},
		Threshold:  req.Threshold,
		MaxResults: req.MaxResults,
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaults.MaxResults
	}
	if req.From != "" || req.To != "" {
		dr, err := dateRange(req.From, req.To)
		if err != nil {
			return opts, err
		}
		opts.Filter.DateRange = dr
	}
	if req.TimeDecay {
		decay := defaults.TimeDecay
		if decay.HalfLifeDays <= 0 {
			decay = *retrieval.DefaultTimeDecay()
		}
		opts.TimeDecay = &decay
	}
	return opts, nil
}

func dateRange(from, to string) (*retrieval.DateRange, error) {
	dr := &retrieval.DateRange{}
	if from != "" {
		t, ok := retrieval.ParseDate(from)
		if !ok {
			return nil, fmt.Errorf("unrecognized from date %q", from)
		}
		dr.Start = t
	}
	if to != "" {
		t, ok := retrieval.ParseDateEnd(to)
		if !ok {
			return nil, fmt.Errorf("unrecognized to date %q", to)
		}
		dr.End = t
	} else {
		dr.End = dr.Start.AddDate(1000, 0, 0)
	}
	return dr, nil
}

// runSearch executes req against the session. Errors wrapping errEmptyQuery
// or a bad option are caller errors.
func runSearch(ctx context.Context, sess *session.Session, defaults SearchDefaults, req SearchRequest) (SearchResponse, error) {
	opts, err := req.options(defaults)
	if err != nil {
		return SearchResponse{}, err
	}
	searcher := sess.Searcher()
	switch {
	case len(req.Vector) > 0 && req.Query != "":
		return SearchResponse{Results: searcher.HybridSearch(req.Query, req.Vector, opts)}, nil
	case len(req.Vector) > 0:
		return SearchResponse{Results: searcher.Search(req.Vector, opts)}, nil
	case req.Query != "":
		retriever := sess.Retriever()
		if retriever == nil {
			return SearchResponse{}, errNoGenerator
		}
		got, err := retriever.Retrieve(ctx, req.Query, opts, embedding.GenerateOptions{Provider: req.Provider})
		if err != nil {
			return SearchResponse{}, err
		}
		return SearchResponse{Results: got.Results, Provider: got.Provider, Model: got.Model}, nil
	}
	return SearchResponse{}, errEmptyQuery
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		resp, err := runSearch(r.Context(), deps.Session, deps.Search, req)
		var failed *embedding.AllProvidersFailedError
		switch {
		case errors.As(err, &failed):
			httpError(w, http.StatusBadGateway, "provider_error", "%v", err)
			return
		case errors.Is(err, errNoGenerator):
			httpError(w, http.StatusServiceUnavailable, "provider_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if resp.Results == nil {
			resp.Results = []retrieval.Result{}
		}
		writeJSON(w, resp)
	}
}

func handleFindSimilar(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		threshold, err := parseFloatParam(r, "threshold")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		opts := retrieval.SearchOptions{
			MaxResults: parseIntParam(r, "limit", deps.Search.MaxResults, 100),
			Threshold:  threshold,
		}

		results, err := deps.Session.Searcher().FindSimilar(id, opts)
		if errors.Is(err, retrieval.ErrDocumentNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document has no embedding loaded")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "similarity search failed: %v", err)
			return
		}
		if results == nil {
			results = []retrieval.Result{}
		}
		writeJSON(w, SearchResponse{Results: results})
	}
}

// handleTermSearch runs the term pipeline. An invalid request is answered
// with 400 and a response body whose error field explains it.
func handleTermSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading request body: %v", err)
			return
		}

		resp, err := termSearch(r.Context(), deps.Session, body)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "term search failed: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if resp.Error != nil {
			w.WriteHeader(http.StatusBadRequest)
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func termSearch(ctx context.Context, sess *session.Session, body []byte) (termsearch.Response, error) {
	return sess.Terms().SearchJSON(ctx, body)
}
