package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/medctx/internal/extract"
	"github.com/kalambet/medctx/internal/ingest"
	"github.com/kalambet/medctx/internal/retrieval"
	"github.com/kalambet/medctx/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB
const maxURLFetchSize = 5 << 20    // 5MB

// IngestRequest adds a document. Type is "text" (Content is the text),
// "file" (Content is base64 data of ContentType) or "url" (the document is
// fetched from URL).
type IngestRequest struct {
	Type         string   `json:"type"`
	Title        string   `json:"title"`
	Category     string   `json:"category"`
	Content      string   `json:"content"`
	ContentType  string   `json:"content_type"`
	URL          string   `json:"url"`
	Date         string   `json:"date"`
	Language     string   `json:"language"`
	Summary      string   `json:"summary"`
	MedicalTerms []string `json:"medical_terms"`
	Tags         []string `json:"tags"`
	Provider     string   `json:"provider"`
}

// DocumentPatch updates selected fields of a document. Nil fields are left
// unchanged.
type DocumentPatch struct {
	Title        *string   `json:"title"`
	Category     *string   `json:"category"`
	Summary      *string   `json:"summary"`
	Date         *string   `json:"date"`
	MedicalTerms *[]string `json:"medical_terms"`
	Tags         *[]string `json:"tags"`
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}
		if req.Date != "" {
			if _, ok := retrieval.ParseDate(req.Date); !ok {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unrecognized date %q", req.Date)
				return
			}
		}
		if req.Type == "" {
			req.Type = "text"
		}

		var data []byte
		contentType := req.ContentType
		switch {
		case req.Type == "url" && req.URL != "":
			body, fetchedType, status, err := fetchURL(r.Context(), deps.HTTPClient, req.URL)
			if err != nil {
				httpError(w, status, "api_error", "%v", err)
				return
			}
			data = body
			if contentType == "" {
				contentType = fetchedType
			}
			if req.Title == "" {
				req.Title = req.URL
			}

		case req.Type == "file" && req.Content != "":
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			data = decoded

		default:
			data = []byte(req.Content)
		}

		text, err := extract.Text(contentType, data)
		if errors.Is(err, extract.ErrUnsupportedType) {
			httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to extract text: %v", err)
			return
		}
		if text == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document has no text content")
			return
		}
		if contentType == "" {
			contentType = extract.TypePlain
		}

		doc := storage.Document{
			ID:           uuid.New().String(),
			Title:        req.Title,
			Category:     req.Category,
			Content:      text,
			ContentType:  contentType,
			MedicalTerms: req.MedicalTerms,
			Tags:         req.Tags,
			Summary:      req.Summary,
			Language:     req.Language,
			DocDate:      req.Date,
			CreatedAt:    time.Now().UTC(),
		}
		if err := saveAndQueue(deps.Store, doc, req.Provider); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		writeJSON(w, map[string]string{
			"id":     doc.ID,
			"status": "queued",
		})
	}
}

// saveAndQueue stores doc and enqueues its embedding job.
func saveAndQueue(store *storage.Store, doc storage.Document, provider string) error {
	if err := store.SaveDocument(doc); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	job, err := ingest.NewEmbedJob(doc.ID, provider)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if err := store.EnqueueJob(job); err != nil {
		return fmt.Errorf("saved document but failed to queue embedding: %w", err)
	}
	return nil
}

// fetchURL downloads a document. The returned status is the HTTP status to
// report when err is non-nil.
func fetchURL(ctx context.Context, client *http.Client, url string) ([]byte, string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", http.StatusBadRequest, fmt.Errorf("invalid url: %w", err)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, "", http.StatusBadGateway, fmt.Errorf("failed to fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", http.StatusBadGateway, fmt.Errorf("url returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
	if err != nil {
		return nil, "", http.StatusBadGateway, fmt.Errorf("failed to read url response: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), http.StatusOK, nil
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		docs, err := deps.Store.ListDocuments(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		if docs == nil {
			docs = []storage.Document{}
		}
		// Listings carry metadata only.
		for i := range docs {
			docs[i].Content = ""
		}
		writeJSON(w, docs)
	}
}

func handleGetDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}
		writeJSON(w, doc)
	}
}

func handleUpdateDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		id := chi.URLParam(r, "id")

		var patch DocumentPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if patch.Date != nil && *patch.Date != "" {
			if _, ok := retrieval.ParseDate(*patch.Date); !ok {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unrecognized date %q", *patch.Date)
				return
			}
		}

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get document: %v", err)
			return
		}
		patch.apply(&doc)
		if err := deps.Store.UpdateDocument(doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update document: %v", err)
			return
		}

		if rec, err := deps.Session.Store().Get(id); err == nil {
			rec.Metadata = ingest.RecordMetadata(doc, rec.Metadata.Provider, rec.Metadata.Model)
			if err := deps.Session.Add(rec); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to refresh record: %v", err)
				return
			}
		}
		writeJSON(w, doc)
	}
}

func (p DocumentPatch) apply(doc *storage.Document) {
	if p.Title != nil {
		doc.Title = *p.Title
	}
	if p.Category != nil {
		doc.Category = *p.Category
	}
	if p.Summary != nil {
		doc.Summary = *p.Summary
	}
	if p.Date != nil {
		doc.DocDate = *p.Date
	}
	if p.MedicalTerms != nil {
		doc.MedicalTerms = *p.MedicalTerms
	}
	if p.Tags != nil {
		doc.Tags = *p.Tags
	}
}

func handleDeleteDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete document: %v", err)
			return
		}
		deps.Session.Forget(id)

		writeJSON(w, map[string]string{"status": "deleted"})
	}
}
