package retrieval

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	maxSummaryRunes = 500
	maxExcerptRunes = 200

	// unknownType is the type bucket for records stored without a document type.
	unknownType = "unknown"
)

// recordNamespace seeds the name-based UUIDs used as record IDs.
var recordNamespace = uuid.MustParse("9b1e4c0a-2f4d-5c1e-8a57-6d0b3e9f1a22")

// Metadata describes the document an embedding was generated from.
type Metadata struct {
	DocumentType string   `json:"document_type"`
	Date         string   `json:"date,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	Language     string   `json:"language,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Summary      string   `json:"summary,omitempty"`
}

// Record is a single embedding held in memory. At most one record exists per
// DocumentID.
type Record struct {
	ID         string
	DocumentID string
	Vector     []float32
	Metadata   Metadata
	Timestamp  time.Time
}

// RecordID returns the stable record ID derived from a document ID.
func RecordID(documentID string) string {
	return uuid.NewSHA1(recordNamespace, []byte(documentID)).String()
}

// DateRange is an inclusive time window.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range, bounds included.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Filter narrows the candidate set of a search. Values within one dimension
// are ORed; dimensions are ANDed.
type Filter struct {
	DocumentTypes []string
	DateRange     *DateRange
	Tags          []string
}

// IsEmpty reports whether the filter constrains nothing.
func (f Filter) IsEmpty() bool {
	return len(f.DocumentTypes) == 0 && f.DateRange == nil && len(f.Tags) == 0
}

// Result is one ranked search hit.
type Result struct {
	DocumentID     string   `json:"document_id"`
	Similarity     float64  `json:"similarity"`
	RelevanceScore float64  `json:"relevance_score"`
	KeywordScore   float64  `json:"keyword_score,omitempty"`
	Metadata       Metadata `json:"metadata"`
	Excerpt        string   `json:"excerpt,omitempty"`
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
}

// ParseDate parses the date formats found in document metadata: RFC 3339,
// ISO dates with or without a clock, year-month, and unix seconds or
// milliseconds.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n >= 1e9 {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	return time.Time{}, false
}

// ParseDateEnd parses s like ParseDate but returns the last instant of the
// period s names: a bare date covers the whole day and a year-month the
// whole month. Values with a clock are returned unchanged.
func ParseDateEnd(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.AddDate(0, 0, 1).Add(-time.Nanosecond), true
	}
	if t, err := time.Parse("2006-01", s); err == nil {
		return t.AddDate(0, 1, 0).Add(-time.Nanosecond), true
	}
	return ParseDate(s)
}

// recordTime returns the record's document date, falling back to its
// insertion timestamp.
func recordTime(rec Record) (time.Time, bool) {
	if t, ok := ParseDate(rec.Metadata.Date); ok {
		return t, true
	}
	if !rec.Timestamp.IsZero() {
		return rec.Timestamp, true
	}
	return time.Time{}, false
}

func typeKey(m Metadata) string {
	if m.DocumentType == "" {
		return unknownType
	}
	return m.DocumentType
}

func monthKey(m Metadata) (string, bool) {
	t, ok := ParseDate(m.Date)
	if !ok {
		return "", false
	}
	return t.Format("2006-01"), true
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func excerpt(summary string) string {
	r := []rune(summary)
	if len(r) <= maxExcerptRunes {
		return summary
	}
	return string(r[:maxExcerptRunes]) + "..."
}

// dedupeTags trims tags and drops empties and duplicates, keeping first-seen
// order.
func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func copyRecord(rec Record) Record {
	if rec.Vector != nil {
		v := make([]float32, len(rec.Vector))
		copy(v, rec.Vector)
		rec.Vector = v
	}
	rec.Metadata.Tags = append([]string(nil), rec.Metadata.Tags...)
	return rec
}
