package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/medctx/internal/embedding"
	"github.com/kalambet/medctx/internal/retrieval"
	"github.com/kalambet/medctx/internal/storage"
)

// JobStore abstracts the job queue and document operations the worker needs.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetDocument(id string) (storage.Document, error)
	UpsertEmbedding(e storage.Embedding) error
}

// jobPurger is implemented by stores that can drop finished jobs.
type jobPurger interface {
	PurgeCompletedJobs(cutoff time.Time) (int, error)
}

const (
	completedJobRetention = 24 * time.Hour
	purgeInterval         = time.Hour
)

// Generator produces document embeddings.
type Generator interface {
	Generate(ctx context.Context, text string, opts embedding.GenerateOptions) (embedding.Generation, error)
}

// Encrypter seals encoded vectors before they are persisted.
type Encrypter interface {
	Encrypt(plaintext []byte) ([]byte, error)
}

// RecordAdder receives records for the live in-memory store.
type RecordAdder interface {
	Add(rec retrieval.Record) error
}

// Worker processes embed_document jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	generator Generator
	cipher    Encrypter
	records   RecordAdder
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies. records may be nil
// when no session is open.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, generator Generator, cipher Encrypter, records RecordAdder, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		generator: generator,
		cipher:    cipher,
		records:   records,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled. Completed jobs older than a
// day are purged hourly.
func (w *Worker) Run(ctx context.Context) {
	var lastPurge time.Time
	for {
		if ctx.Err() != nil {
			return
		}
		if time.Since(lastPurge) >= purgeInterval {
			w.purgeCompleted()
			lastPurge = time.Now()
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed_document job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobEmbedDocument})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) purgeCompleted() {
	p, ok := w.store.(jobPurger)
	if !ok {
		return
	}
	n, err := p.PurgeCompletedJobs(time.Now().Add(-completedJobRetention))
	if err != nil {
		w.logger.Warn("purging completed jobs", "error", err)
		return
	}
	if n > 0 {
		w.logger.Debug("purged completed jobs", "count", n)
	}
}

type embedPayload struct {
	DocumentID string `json:"document_id"`
	Provider   string `json:"provider,omitempty"`
}

// NewEmbedJob builds the job that embeds documentID. provider optionally
// selects the embedding provider tried first.
func NewEmbedJob(documentID, provider string) (storage.Job, error) {
	payload, err := json.Marshal(embedPayload{DocumentID: documentID, Provider: provider})
	if err != nil {
		return storage.Job{}, fmt.Errorf("encoding job payload: %w", err)
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobEmbedDocument,
		PayloadJSON: string(payload),
	}, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload embedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetDocument(payload.DocumentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", payload.DocumentID, err)
	}

	text := EmbeddingText(doc)
	if text == "" {
		return fmt.Errorf("document %s has no text to embed", doc.ID)
	}
	gen, err := w.generator.Generate(ctx, text, embedding.GenerateOptions{Provider: payload.Provider})
	if err != nil {
		return fmt.Errorf("embedding document: %w", err)
	}

	sealed, err := w.cipher.Encrypt(retrieval.EncodeVector(gen.Vector))
	if err != nil {
		return fmt.Errorf("encrypting embedding: %w", err)
	}
	err = w.store.UpsertEmbedding(storage.Embedding{
		DocumentID: doc.ID,
		Ciphertext: sealed,
		Provider:   gen.Provider,
		Model:      gen.Model,
		Dimensions: len(gen.Vector),
	})
	if err != nil {
		return fmt.Errorf("saving embedding: %w", err)
	}

	if w.records != nil {
		rec := retrieval.Record{
			ID:         retrieval.RecordID(doc.ID),
			DocumentID: doc.ID,
			Vector:     gen.Vector,
			Metadata:   RecordMetadata(doc, gen.Provider, gen.Model),
			Timestamp:  doc.CreatedAt,
		}
		if err := w.records.Add(rec); err != nil {
			return fmt.Errorf("adding record: %w", err)
		}
	}

	w.logger.Debug("document embedded", "document_id", doc.ID, "provider", gen.Provider, "dimensions", len(gen.Vector))
	return nil
}

// EmbeddingText is the text a document is embedded from: title, summary and
// content, skipping empty parts.
func EmbeddingText(doc storage.Document) string {
	var parts []string
	for _, s := range []string{doc.Title, doc.Summary, doc.Content} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// RecordMetadata maps a stored document onto the metadata of its in-memory
// record. The clinical date wins over the creation time.
func RecordMetadata(doc storage.Document, provider, model string) retrieval.Metadata {
	date := doc.DocDate
	if date == "" && !doc.CreatedAt.IsZero() {
		date = doc.CreatedAt.UTC().Format(time.RFC3339)
	}
	return retrieval.Metadata{
		DocumentType: doc.Category,
		Date:         date,
		Provider:     provider,
		Model:        model,
		Language:     doc.Language,
		Tags:         doc.Tags,
		Summary:      doc.Summary,
	}
}
