package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	pingTimeout = 2 * time.Second
	listTimeout = 10 * time.Second
)

// ErrModelNotFound is returned when Ollama does not know the requested model.
var ErrModelNotFound = errors.New("ollama model not found")

// StatusError is a non-200 response from the Ollama API.
type StatusError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Endpoint, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return ErrModelNotFound
	}
	return nil
}

// Client talks to a local Ollama instance over HTTP. It covers embedding and
// the model management needed to make an embedding model available.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given Ollama base URL. Requests carry
// no client-side timeout; callers bound them with their context.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// Model is a locally installed model as listed by /api/tags.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Matches reports whether the model is name, with or without a tag suffix.
// Ollama lists "nomic-embed-text" as "nomic-embed-text:latest".
func (m Model) Matches(name string) bool {
	return m.Name == name || strings.HasPrefix(m.Name, name+":")
}

// IsRunning reports whether the Ollama server answers /api/version.
func (c *Client) IsRunning(ctx context.Context) bool {
	_, err := c.Version(ctx)
	return err == nil
}

// Version returns the server version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	var out struct {
		Version string `json:"version"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/version", nil, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// ListModels returns the models installed in the local Ollama instance.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	var out struct {
		Models []Model `json:"models"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/tags", nil, &out); err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	return out.Models, nil
}

// HasModel reports whether the given model name is present locally.
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m.Matches(name) {
			return true
		}
	}
	return false
}

// EmbeddingLength reads the output dimensionality of model from /api/show.
// It returns 0 when the model metadata does not declare one.
func (c *Client) EmbeddingLength(ctx context.Context, model string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()
	var out struct {
		ModelInfo map[string]any `json:"model_info"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/show", map[string]string{"model": model}, &out); err != nil {
		return 0, fmt.Errorf("showing model %s: %w", model, err)
	}
	for key, v := range out.ModelInfo {
		if !strings.HasSuffix(key, ".embedding_length") {
			continue
		}
		if n, ok := v.(float64); ok {
			return int(n), nil
		}
	}
	return 0, nil
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Percent returns the completed share of the current layer, or -1 when the
// line carries no size.
func (p PullProgress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// PullModel downloads a model, reading the streamed progress to completion.
// onProgress receives each progress line and may be nil. An error line in
// the stream aborts the pull.
func (c *Client) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	resp, err := c.send(ctx, http.MethodPost, "/api/pull", pullRequest{Name: name, Stream: true})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if p.Error != "" {
			return fmt.Errorf("pulling model %s: %s", name, p.Error)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
}

// embedRequest is the body of POST /api/embed. Input is a string or a list
// of strings.
type embedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the embedding of text under model.
func (c *Client) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vecs, err := c.embed(ctx, model, text)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds several texts in one request. The result has one vector
// per input, in input order.
func (c *Client) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := c.embed(ctx, model, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed: got %d embeddings for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}

func (c *Client) embed(ctx context.Context, model string, input any) ([][]float32, error) {
	var out embedResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/embed", embedRequest{Model: model, Input: input}, &out); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(out.Embeddings) == 0 {
		return nil, errors.New("embed: empty embeddings array")
	}
	return out.Embeddings, nil
}

// doJSON sends body as JSON and decodes a 200 response into out.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// send performs the request and returns the response only for status 200.
// Other statuses are turned into a *StatusError carrying the server message.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, &StatusError{Endpoint: path, Code: resp.StatusCode, Message: serverMessage(resp.Body)}
	}
	return resp, nil
}

// serverMessage extracts {"error": "..."} from an error body, falling back
// to the raw text.
func serverMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 512))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
