package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertEmbedding stores the encrypted embedding of a document, replacing any
// previous one.
func (s *Store) UpsertEmbedding(e Embedding) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO document_embeddings (document_id, ciphertext, provider, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			ciphertext = excluded.ciphertext, provider = excluded.provider, model = excluded.model,
			dimensions = excluded.dimensions, created_at = excluded.created_at`,
		e.DocumentID, e.Ciphertext, e.Provider, e.Model, e.Dimensions, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving embedding for %s: %w", e.DocumentID, err)
	}
	return nil
}

func (s *Store) GetEmbedding(documentID string) (Embedding, error) {
	var e Embedding
	var createdAt string
	err := s.db.QueryRow(`
		SELECT document_id, ciphertext, provider, model, dimensions, created_at
		FROM document_embeddings WHERE document_id = ?`, documentID,
	).Scan(&e.DocumentID, &e.Ciphertext, &e.Provider, &e.Model, &e.Dimensions, &createdAt)
	if err == sql.ErrNoRows {
		return Embedding{}, ErrNotFound
	}
	if err != nil {
		return Embedding{}, err
	}
	if e.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Embedding{}, fmt.Errorf("embedding %s: %w", documentID, err)
	}
	return e, nil
}

// ListEmbeddings returns every stored embedding joined with its document.
func (s *Store) ListEmbeddings() ([]EmbeddedDocument, error) {
	rows, err := s.db.Query(`
		SELECT d.id, d.title, d.category, d.content, d.content_type, d.medical_terms, d.tags,
			d.summary, d.language, d.doc_date, d.created_at, d.updated_at,
			e.ciphertext, e.provider, e.model, e.dimensions, e.created_at
		FROM document_embeddings e JOIN documents d ON d.id = e.document_id
		ORDER BY d.created_at DESC, d.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing embeddings: %w", err)
	}
	defer rows.Close()

	var out []EmbeddedDocument
	for rows.Next() {
		var ed EmbeddedDocument
		var createdAt string
		doc, err := scanDocument(scanFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &ed.Embedding.Ciphertext, &ed.Embedding.Provider,
				&ed.Embedding.Model, &ed.Embedding.Dimensions, &createdAt)...)
		}))
		if err != nil {
			return nil, err
		}
		ed.Document = doc
		ed.Embedding.DocumentID = doc.ID
		if ed.Embedding.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, fmt.Errorf("embedding %s: %w", doc.ID, err)
		}
		out = append(out, ed)
	}
	return out, rows.Err()
}

// CountEmbeddings returns the number of stored embeddings.
func (s *Store) CountEmbeddings() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM document_embeddings`).Scan(&n)
	return n, err
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }
