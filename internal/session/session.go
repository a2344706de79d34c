// Package session holds the application context of an open medctx process:
// the in-memory embedding store loaded from the document database, the
// searchers over it, and the term search pipeline.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/medctx/internal/ingest"
	"github.com/kalambet/medctx/internal/retrieval"
	"github.com/kalambet/medctx/internal/storage"
	"github.com/kalambet/medctx/internal/termsearch"
)

// DocumentStore is the part of the document database a session reads.
type DocumentStore interface {
	ListDocuments(limit, offset int) ([]storage.Document, error)
	ListEmbeddings() ([]storage.EmbeddedDocument, error)
}

// Deps are the collaborators and settings of a session. Zero settings select
// the package defaults.
type Deps struct {
	Documents DocumentStore
	Decrypter retrieval.Decrypter
	Generator retrieval.Generator

	MaxMemoryMB   float64
	LoadGroupSize int
	Hybrid        *retrieval.HybridWeights
	TermSearch    termsearch.Config
}

// Session is an explicit, closeable application context. Nothing in it is
// global; two sessions never share records.
type Session struct {
	store     *retrieval.Store
	searcher  *retrieval.Searcher
	retriever *retrieval.Retriever
	terms     *termsearch.Pipeline
	report    retrieval.LoadReport
	evicted   int
	openedAt  time.Time
	logger    *slog.Logger
}

// Open builds a session and loads every stored embedding into memory. When
// the loaded set exceeds the memory budget the oldest records are evicted.
func Open(ctx context.Context, deps Deps) (*Session, error) {
	if deps.Documents == nil {
		return nil, fmt.Errorf("opening session: document store is required")
	}
	if deps.Decrypter == nil {
		return nil, fmt.Errorf("opening session: decrypter is required")
	}

	store := retrieval.NewStore(deps.MaxMemoryMB)
	searcher := retrieval.NewSearcher(store)
	if deps.Hybrid != nil {
		searcher.SetHybridWeights(*deps.Hybrid)
	}
	s := &Session{
		store:    store,
		searcher: searcher,
		terms:    termsearch.New(documentSource{docs: deps.Documents}, deps.TermSearch),
		openedAt: time.Now().UTC(),
		logger:   slog.Default(),
	}
	if deps.Generator != nil {
		s.retriever = retrieval.NewRetriever(deps.Generator, searcher)
	}

	embedded, err := deps.Documents.ListEmbeddings()
	if err != nil {
		return nil, fmt.Errorf("listing embeddings: %w", err)
	}
	items := make([]retrieval.Sealed, len(embedded))
	for i, ed := range embedded {
		items[i] = retrieval.Sealed{
			DocumentID: ed.Document.ID,
			Ciphertext: ed.Embedding.Ciphertext,
			Metadata:   ingest.RecordMetadata(ed.Document, ed.Embedding.Provider, ed.Embedding.Model),
			Timestamp:  ed.Document.CreatedAt,
		}
	}

	report, err := retrieval.NewLoader(store, deps.Decrypter, deps.LoadGroupSize).Load(ctx, items)
	s.report = report
	if err != nil {
		store.Clear()
		return nil, fmt.Errorf("loading embeddings: %w", err)
	}

	if store.OverBudget() {
		s.evicted = store.EvictToTarget(0)
	}
	s.logger.Info("session opened", "loaded", report.Loaded, "failed", report.Failed, "evicted", s.evicted)
	return s, nil
}

// Close drops every in-memory record.
func (s *Session) Close() {
	s.store.Clear()
	s.logger.Debug("session closed")
}

func (s *Session) Store() *retrieval.Store { return s.store }

func (s *Session) Searcher() *retrieval.Searcher { return s.searcher }

// Retriever returns nil when the session was opened without a Generator.
func (s *Session) Retriever() *retrieval.Retriever { return s.retriever }

func (s *Session) Terms() *termsearch.Pipeline { return s.terms }

// LoadReport returns the outcome of the initial load.
func (s *Session) LoadReport() retrieval.LoadReport { return s.report }

// Evicted returns how many records were evicted right after loading.
func (s *Session) Evicted() int { return s.evicted }

func (s *Session) OpenedAt() time.Time { return s.openedAt }

// Add stores rec in the live store and evicts the oldest records when the
// memory budget is exceeded. The ingest worker feeds new embeddings through
// it.
func (s *Session) Add(rec retrieval.Record) error {
	if err := s.store.Add(rec); err != nil {
		return err
	}
	if s.store.OverBudget() {
		n := s.store.EvictToTarget(0)
		s.logger.Info("memory budget exceeded", "document_id", rec.DocumentID, "evicted", n)
	}
	return nil
}

// Forget removes a document's record, e.g. after the document was deleted.
func (s *Session) Forget(documentID string) bool {
	return s.store.Remove(documentID)
}

type documentSource struct {
	docs DocumentStore
}

func (d documentSource) ListDocuments(ctx context.Context) ([]termsearch.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs, err := d.docs.ListDocuments(0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]termsearch.Document, len(docs))
	for i, doc := range docs {
		out[i] = TermDocument(doc)
	}
	return out, nil
}

// TermDocument converts a stored document into the view the term search
// pipeline scores. The clinical date, when set, is the document's date;
// otherwise the creation time is.
func TermDocument(doc storage.Document) termsearch.Document {
	td := termsearch.Document{
		ID:           doc.ID,
		Title:        doc.Title,
		Content:      doc.Content,
		MedicalTerms: doc.MedicalTerms,
		Date:         doc.DocDate,
		Metadata: termsearch.DocumentMetadata{
			Category: doc.Category,
			Tags:     doc.Tags,
			Date:     doc.DocDate,
		},
	}
	if doc.DocDate == "" && !doc.CreatedAt.IsZero() {
		td.CreatedAt = doc.CreatedAt.UTC().Format(time.RFC3339)
	}
	return td
}
