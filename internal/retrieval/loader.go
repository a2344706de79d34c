package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultLoadGroupSize is how many sealed embeddings are decrypted
// concurrently per group.
const DefaultLoadGroupSize = 10

// Decrypter opens ciphertext produced by the document vault.
type Decrypter interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Sealed is an encrypted embedding as persisted by the document store.
type Sealed struct {
	DocumentID string
	Ciphertext []byte
	Metadata   Metadata
	Timestamp  time.Time
}

// LoadReport counts the outcome of a load.
type LoadReport struct {
	Loaded int `json:"loaded"`
	Failed int `json:"failed"`
}

// Loader decrypts sealed embeddings and adds them to a Store.
type Loader struct {
	store     *Store
	decrypter Decrypter
	groupSize int
	logger    *slog.Logger
}

// NewLoader creates a Loader. A non-positive groupSize selects
// DefaultLoadGroupSize.
func NewLoader(store *Store, decrypter Decrypter, groupSize int) *Loader {
	if groupSize <= 0 {
		groupSize = DefaultLoadGroupSize
	}
	return &Loader{
		store:     store,
		decrypter: decrypter,
		groupSize: groupSize,
		logger:    slog.Default(),
	}
}

// Load processes items in groups. Within a group items are decrypted
// concurrently; an item that fails to decrypt or decode is logged and left
// out while the rest of the group is stored. Cancelling ctx stops before the
// next group and returns the partial report with the context error.
func (l *Loader) Load(ctx context.Context, items []Sealed) (LoadReport, error) {
	var report LoadReport
	for start := 0; start < len(items); start += l.groupSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := min(start+l.groupSize, len(items))
		group := items[start:end]

		records := make([]*Record, len(group))
		var g errgroup.Group
		for i, item := range group {
			g.Go(func() error {
				rec, err := l.open(item)
				if err != nil {
					l.logger.Warn("skipping embedding", "document_id", item.DocumentID, "error", err)
					return nil
				}
				records[i] = &rec
				return nil
			})
		}
		_ = g.Wait()

		for _, rec := range records {
			if rec == nil {
				report.Failed++
				continue
			}
			if err := l.store.Add(*rec); err != nil {
				l.logger.Warn("skipping embedding", "document_id", rec.DocumentID, "error", err)
				report.Failed++
				continue
			}
			report.Loaded++
		}
	}
	return report, nil
}

func (l *Loader) open(item Sealed) (Record, error) {
	plain, err := l.decrypter.Decrypt(item.Ciphertext)
	if err != nil {
		return Record{}, fmt.Errorf("decrypting embedding: %w", err)
	}
	vec, err := DecodeVector(plain)
	if err != nil {
		return Record{}, fmt.Errorf("decoding embedding: %w", err)
	}
	return Record{
		DocumentID: item.DocumentID,
		Vector:     vec,
		Metadata:   item.Metadata,
		Timestamp:  item.Timestamp,
	}, nil
}
