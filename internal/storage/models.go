package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job types processed by the ingest worker.
const JobEmbedDocument = "embed_document"

// Document is a stored medical document and its descriptive metadata.
// DocDate is the clinical date of the document, as supplied at ingest.
type Document struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Category     string    `json:"category"`
	Content      string    `json:"content,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	MedicalTerms []string  `json:"medical_terms,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	Language     string    `json:"language,omitempty"`
	DocDate      string    `json:"date,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Embedding is an encrypted document vector. Ciphertext is opaque to this
// package.
type Embedding struct {
	DocumentID string
	Ciphertext []byte
	Provider   string
	Model      string
	Dimensions int
	CreatedAt  time.Time
}

// EmbeddedDocument pairs a document with its stored embedding.
type EmbeddedDocument struct {
	Document  Document
	Embedding Embedding
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // JobPending, JobRunning, JobCompleted or JobFailed
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
