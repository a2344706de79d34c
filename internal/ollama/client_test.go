package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeOllama serves the Ollama endpoints used by Client. Models lists the
// installed model names; dims is reported by /api/show.
type fakeOllama struct {
	models   []string
	dims     int
	vectors  [][]float32
	pulled   []string
	embedded int
}

func (f *fakeOllama) handler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/version":
			json.NewEncoder(w).Encode(map[string]string{"version": "0.6.2"})
		case "/api/tags":
			var resp struct {
				Models []Model `json:"models"`
			}
			for _, name := range f.models {
				resp.Models = append(resp.Models, Model{Name: name, Size: 274302450})
			}
			json.NewEncoder(w).Encode(resp)
		case "/api/show":
			json.NewEncoder(w).Encode(map[string]any{
				"model_info": map[string]any{
					"general.architecture":       "nomic-bert",
					"nomic-bert.embedding_length": f.dims,
				},
			})
		case "/api/pull":
			var req pullRequest
			json.NewDecoder(r.Body).Decode(&req)
			f.pulled = append(f.pulled, req.Name)
			f.models = append(f.models, req.Name+":latest")
			json.NewEncoder(w).Encode(PullProgress{Status: "success"})
		case "/api/embed":
			f.embedded++
			vecs := f.vectors
			if vecs == nil {
				vecs = [][]float32{{1, 0}}
			}
			json.NewEncoder(w).Encode(embedResponse{Embeddings: vecs})
		default:
			http.NotFound(w, r)
		}
	})
}

func newFake(t *testing.T, f *fakeOllama) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestIsRunning_Up(t *testing.T) {
	c := newFake(t, &fakeOllama{})
	if !c.IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}
	v, err := c.Version(context.Background())
	if err != nil || v != "0.6.2" {
		t.Errorf("Version() = %q, %v", v, err)
	}
}

func TestIsRunning_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(srv.URL)
	if c.IsRunning(context.Background()) {
		t.Error("IsRunning() = true, want false")
	}
}

func TestListModels(t *testing.T) {
	c := newFake(t, &fakeOllama{models: []string{"nomic-embed-text:latest", "mxbai-embed-large:latest"}})
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2", len(models))
	}
	if models[1].Name != "mxbai-embed-large:latest" || models[1].Size == 0 {
		t.Errorf("models[1] = %+v", models[1])
	}
}

func TestHasModel(t *testing.T) {
	c := newFake(t, &fakeOllama{models: []string{"nomic-embed-text:latest", "all-minilm:latest"}})
	tests := []struct {
		name string
		want bool
	}{
		{"nomic-embed-text", true},
		{"nomic-embed-text:latest", true},
		{"nomic-embed", false},
		{"mxbai-embed-large", false},
	}
	for _, tt := range tests {
		if got := c.HasModel(context.Background(), tt.name); got != tt.want {
			t.Errorf("HasModel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEmbeddingLength(t *testing.T) {
	c := newFake(t, &fakeOllama{dims: 768})
	n, err := c.EmbeddingLength(context.Background(), "nomic-embed-text")
	if err != nil {
		t.Fatalf("EmbeddingLength: %v", err)
	}
	if n != 768 {
		t.Errorf("EmbeddingLength = %d, want 768", n)
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "nomic-embed-text" || req.Input != "hello world" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	vec, err := New(srv.URL).Embed(context.Background(), "nomic-embed-text", "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[2] != 0.3 {
		t.Errorf("vec = %v", vec)
	}
}

func TestEmbedBatch(t *testing.T) {
	c := newFake(t, &fakeOllama{vectors: [][]float32{{1, 0}, {0, 1}}})
	vecs, err := c.EmbedBatch(context.Background(), "nomic-embed-text", []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 || vecs[1][1] != 1 {
		t.Errorf("vecs = %v", vecs)
	}
}

func TestEmbedBatch_CountMismatch(t *testing.T) {
	c := newFake(t, &fakeOllama{vectors: [][]float32{{1, 0}}})
	if _, err := c.EmbedBatch(context.Background(), "m", []string{"a", "b"}); err == nil {
		t.Fatal("expected error when server returns fewer embeddings than inputs")
	}
}

func TestEmbed_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"missing\" not found, try pulling it first"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Embed(context.Background(), "missing", "hello")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("error = %v, want ErrModelNotFound", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("error = %v, want *StatusError with 404", err)
	}
	if !strings.Contains(se.Message, "try pulling it first") {
		t.Errorf("message = %q, want server message", se.Message)
	}
}

func TestPullModel_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req pullRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Name != "nomic-embed-text" || !req.Stream {
			t.Errorf("pull request = %+v", req)
		}
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 1000})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	var pcts []float64
	err := New(srv.URL).PullModel(context.Background(), "nomic-embed-text", func(p PullProgress) {
		pcts = append(pcts, p.Percent())
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	want := []float64{50, 100, -1}
	if len(pcts) != len(want) {
		t.Fatalf("got %d progress updates, want %d", len(pcts), len(want))
	}
	for i := range want {
		if pcts[i] != want[i] {
			t.Errorf("pcts[%d] = %v, want %v", i, pcts[i], want[i])
		}
	}
}

func TestPullModel_StreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(PullProgress{Error: "pull model manifest: file does not exist"})
	}))
	defer srv.Close()

	err := New(srv.URL).PullModel(context.Background(), "nope", nil)
	if err == nil || !strings.Contains(err.Error(), "file does not exist") {
		t.Fatalf("err = %v, want stream error", err)
	}
}

func TestEnsureReady_OllamaDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := EnsureReady(context.Background(), New(srv.URL), "nomic-embed-text", 768, io.Discard)
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestEnsureReady_PullsMissingModel(t *testing.T) {
	f := &fakeOllama{models: []string{"all-minilm:latest"}, dims: 768}
	c := newFake(t, f)

	var out strings.Builder
	if err := EnsureReady(context.Background(), c, "nomic-embed-text", 768, &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(f.pulled) != 1 || f.pulled[0] != "nomic-embed-text" {
		t.Errorf("pulled = %v", f.pulled)
	}
	if f.embedded != 1 {
		t.Errorf("warm-up embeds = %d, want 1", f.embedded)
	}
	if !strings.Contains(out.String(), "model nomic-embed-text: warm") {
		t.Errorf("output = %q, want warm-up confirmation", out.String())
	}
}

func TestEnsureReady_PresentModelSkipsPull(t *testing.T) {
	f := &fakeOllama{models: []string{"nomic-embed-text:latest"}, dims: 768}
	if err := EnsureReady(context.Background(), newFake(t, f), "nomic-embed-text", 768, io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(f.pulled) != 0 {
		t.Errorf("pulled = %v, want none", f.pulled)
	}
}

func TestEnsureReady_DimensionMismatch(t *testing.T) {
	f := &fakeOllama{models: []string{"mxbai-embed-large:latest"}, dims: 1024}
	err := EnsureReady(context.Background(), newFake(t, f), "mxbai-embed-large", 768, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "1024 dimensions") {
		t.Fatalf("err = %v, want dimension mismatch", err)
	}
	if f.embedded != 0 {
		t.Error("warm-up should not run after a dimension mismatch")
	}
}
