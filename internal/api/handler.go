package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/medctx/internal/embedding"
	"github.com/kalambet/medctx/internal/retrieval"
	"github.com/kalambet/medctx/internal/session"
	"github.com/kalambet/medctx/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ProviderLister reports the embedding providers and their breaker state.
type ProviderLister interface {
	Providers() []embedding.ProviderStatus
}

// SearchDefaults are applied to vector searches that leave a setting unset.
type SearchDefaults struct {
	MaxResults int
	TimeDecay  retrieval.TimeDecay
}

type AppDeps struct {
	Store      *storage.Store
	Session    *session.Session
	Providers  ProviderLister
	Search     SearchDefaults
	Token      string
	HTTPClient *http.Client
}

// NewAppHandler returns the REST API. Everything except /health requires the
// bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/documents", handleIngest(deps))
		r.Get("/v1/documents", handleListDocuments(deps))
		r.Post("/v1/documents/search", handleTermSearch(deps))
		r.Get("/v1/documents/{id}", handleGetDocument(deps))
		r.Patch("/v1/documents/{id}", handleUpdateDocument(deps))
		r.Delete("/v1/documents/{id}", handleDeleteDocument(deps))
		r.Get("/v1/documents/{id}/similar", handleFindSimilar(deps))
		r.Post("/v1/search", handleSearch(deps))
		r.Get("/v1/store/stats", handleStoreStats(deps))
		r.Post("/v1/store/evict", handleEvict(deps))
		r.Get("/v1/providers", handleProviders(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "database unavailable: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"status":  "ok",
			"records": deps.Session.Store().Len(),
		})
	}
}

func handleStoreStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Store.CountDocuments()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count documents: %v", err)
			return
		}
		jobs, err := deps.Store.JobCounts()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count jobs: %v", err)
			return
		}
		writeJSON(w, StatsResponse{
			Store:     deps.Session.Store().Stats(),
			Documents: docs,
			Jobs:      jobs,
			Load:      deps.Session.LoadReport(),
		})
	}
}

// StatsResponse is returned by GET /v1/store/stats.
type StatsResponse struct {
	Store     retrieval.Stats      `json:"store"`
	Documents int                  `json:"documents"`
	Jobs      map[string]int       `json:"jobs"`
	Load      retrieval.LoadReport `json:"load"`
}

type evictRequest struct {
	TargetMB float64 `json:"target_mb"`
}

func handleEvict(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req evictRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}
		if req.TargetMB < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "target_mb must not be negative")
			return
		}
		store := deps.Session.Store()
		removed := store.EvictToTarget(req.TargetMB)
		writeJSON(w, map[string]any{
			"removed": removed,
			"stats":   store.Stats(),
		})
	}
}

func handleProviders(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providers := []embedding.ProviderStatus{}
		if deps.Providers != nil {
			providers = deps.Providers.Providers()
		}
		writeJSON(w, providers)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseFloatParam(r *http.Request, key string) (*float64, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", key)
	}
	return &v, nil
}
