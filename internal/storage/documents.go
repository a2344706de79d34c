package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const documentColumns = `id, title, category, content, content_type, medical_terms, tags, summary, language, doc_date, created_at, updated_at`

// SaveDocument inserts doc, or replaces every field of an existing document
// with the same ID except its creation time.
func (s *Store) SaveDocument(doc Document) error {
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.ContentType == "" {
		doc.ContentType = "text/plain"
	}
	terms, tags, err := encodeLists(doc)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, category = excluded.category, content = excluded.content,
			content_type = excluded.content_type, medical_terms = excluded.medical_terms,
			tags = excluded.tags, summary = excluded.summary, language = excluded.language,
			doc_date = excluded.doc_date, updated_at = excluded.updated_at`,
		doc.ID, doc.Title, doc.Category, doc.Content, doc.ContentType, terms, tags,
		doc.Summary, doc.Language, doc.DocDate,
		formatTime(doc.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("saving document %s: %w", doc.ID, err)
	}
	return nil
}

// UpdateDocument overwrites an existing document. It returns ErrNotFound when
// no document has doc.ID.
func (s *Store) UpdateDocument(doc Document) error {
	if doc.ContentType == "" {
		doc.ContentType = "text/plain"
	}
	terms, tags, err := encodeLists(doc)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE documents SET title = ?, category = ?, content = ?, content_type = ?,
			medical_terms = ?, tags = ?, summary = ?, language = ?, doc_date = ?, updated_at = ?
		WHERE id = ?`,
		doc.Title, doc.Category, doc.Content, doc.ContentType, terms, tags,
		doc.Summary, doc.Language, doc.DocDate, formatTime(time.Now()), doc.ID,
	)
	if err != nil {
		return fmt.Errorf("updating document %s: %w", doc.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetDocument(id string) (Document, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

// ListDocuments returns documents newest first. A non-positive limit returns
// all of them.
func (s *Store) ListDocuments(limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+documentColumns+` FROM documents
		ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document and its embedding.
func (s *Store) DeleteDocument(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM document_embeddings WHERE document_id = ?`, id); err != nil {
			return fmt.Errorf("deleting embedding for %s: %w", id, err)
		}
		res, err := tx.Exec(`DELETE FROM documents WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting document %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CountDocuments returns the number of stored documents.
func (s *Store) CountDocuments() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var terms, tags, createdAt, updatedAt string
	if err := row.Scan(&d.ID, &d.Title, &d.Category, &d.Content, &d.ContentType, &terms, &tags,
		&d.Summary, &d.Language, &d.DocDate, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}
	if err := json.Unmarshal([]byte(terms), &d.MedicalTerms); err != nil {
		return Document{}, fmt.Errorf("decoding medical_terms for %s: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &d.Tags); err != nil {
		return Document{}, fmt.Errorf("decoding tags for %s: %w", d.ID, err)
	}
	var err error
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Document{}, fmt.Errorf("document %s: %w", d.ID, err)
	}
	if d.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Document{}, fmt.Errorf("document %s: %w", d.ID, err)
	}
	return d, nil
}

func encodeLists(doc Document) (string, string, error) {
	terms, err := json.Marshal(nonNil(doc.MedicalTerms))
	if err != nil {
		return "", "", fmt.Errorf("encoding medical terms: %w", err)
	}
	tags, err := json.Marshal(nonNil(doc.Tags))
	if err != nil {
		return "", "", fmt.Errorf("encoding tags: %w", err)
	}
	return string(terms), string(tags), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
