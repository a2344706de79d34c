// Package termsearch finds documents by category, medical terms and temporal
// intent ("latest", "recent", "historical").
package termsearch

import (
	"encoding/json"
	"strings"
)

const (
	DefaultLimit     = 10
	DefaultThreshold = 0.6

	// CodeInvalidInput marks a request whose terms are missing, empty or not
	// a list of strings.
	CodeInvalidInput = "invalid_search_input"
)

// Document is the metadata view of a stored document that the pipeline
// searches. The date may arrive under several keys; see documentDate.
type Document struct {
	ID           string           `json:"id"`
	Title        string           `json:"title,omitempty"`
	Content      string           `json:"content,omitempty"`
	MedicalTerms []string         `json:"medicalTerms,omitempty"`
	CreatedAt    string           `json:"created_at,omitempty"`
	Date         string           `json:"date,omitempty"`
	Timestamp    string           `json:"timestamp,omitempty"`
	CreatedAtAlt string           `json:"createdAt,omitempty"`
	Metadata     DocumentMetadata `json:"metadata"`
}

// DocumentMetadata carries the category and tags of a Document.
type DocumentMetadata struct {
	Category string   `json:"category"`
	Tags     []string `json:"tags,omitempty"`
	Date     string   `json:"date,omitempty"`
}

// Request is a term search. Threshold is accepted and echoed back but does
// not filter matches.
type Request struct {
	Terms          []string `json:"terms"`
	DocumentTypes  []string `json:"documentTypes,omitempty"`
	IncludeContent bool     `json:"includeContent,omitempty"`
	Limit          int      `json:"limit,omitempty"`
	Threshold      *float64 `json:"threshold,omitempty"`
}

// Match is one document returned by the pipeline.
type Match struct {
	DocumentID   string   `json:"documentId"`
	Relevance    float64  `json:"relevance"`
	MatchedTerms []string `json:"matchedTerms"`
	Category     string   `json:"category,omitempty"`
	Date         string   `json:"date,omitempty"`
	Temporal     string   `json:"temporal,omitempty"`
	Title        string   `json:"title,omitempty"`
	Content      string   `json:"content,omitempty"`
}

// Response is the result of a term search. Error is set, and Matches empty,
// when the request was invalid.
type Response struct {
	Matches   []Match      `json:"matches"`
	Threshold float64      `json:"threshold"`
	Error     *SearchError `json:"error,omitempty"`
}

// SearchError is a structured request error returned inside a Response.
type SearchError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *SearchError) Error() string { return e.Code + ": " + e.Message }

func invalidInput(msg string) *SearchError {
	return &SearchError{Code: CodeInvalidInput, Message: msg}
}

// DecodeRequest parses a JSON request body, reporting a SearchError when
// terms is missing, not an array of strings, or empty. A rejected body that
// was valid JSON still yields the fields that decoded, so the threshold can
// be echoed.
func DecodeRequest(data []byte) (Request, *SearchError) {
	var raw struct {
		Terms          json.RawMessage `json:"terms"`
		DocumentTypes  []string        `json:"documentTypes"`
		IncludeContent bool            `json:"includeContent"`
		Limit          int             `json:"limit"`
		Threshold      *float64        `json:"threshold"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Request{}, invalidInput("malformed request: " + err.Error())
	}
	if len(raw.Terms) == 0 || string(raw.Terms) == "null" {
		return Request{Threshold: raw.Threshold}, invalidInput("terms is required")
	}
	var terms []string
	if err := json.Unmarshal(raw.Terms, &terms); err != nil {
		return Request{Threshold: raw.Threshold}, invalidInput("terms must be an array of strings")
	}
	req := Request{
		Terms:          terms,
		DocumentTypes:  raw.DocumentTypes,
		IncludeContent: raw.IncludeContent,
		Limit:          raw.Limit,
		Threshold:      raw.Threshold,
	}
	if err := req.validate(); err != nil {
		return req, err
	}
	return req, nil
}

func (r Request) validate() *SearchError {
	if r.Terms == nil {
		return invalidInput("terms is required")
	}
	for _, t := range r.Terms {
		if strings.TrimSpace(t) != "" {
			return nil
		}
	}
	return invalidInput("terms must contain at least one non-empty term")
}
