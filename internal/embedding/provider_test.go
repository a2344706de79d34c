package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func l2(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

func TestFinalize_Normalizes(t *testing.T) {
	vec, err := Finalize(Descriptor{Name: "x", Dimensions: 2}, []float32{3, 4})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if math.Abs(l2(vec)-1) > 1e-6 {
		t.Errorf("norm = %f, want 1", l2(vec))
	}
	if math.Abs(float64(vec[0])-0.6) > 1e-6 {
		t.Errorf("vec[0] = %f, want 0.6", vec[0])
	}
}

func TestFinalize_ZeroVectorUnchanged(t *testing.T) {
	vec, err := Finalize(Descriptor{Dimensions: 3}, []float32{0, 0, 0})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	for i, f := range vec {
		if f != 0 {
			t.Errorf("vec[%d] = %f, want 0", i, f)
		}
	}
}

func TestFinalize_DimensionMismatch(t *testing.T) {
	_, err := Finalize(Descriptor{Name: "ollama", Dimensions: 768}, []float32{1, 2})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
	var dm *DimensionMismatchError
	if !errors.As(err, &dm) {
		t.Fatalf("err is %T, want *DimensionMismatchError", err)
	}
	if dm.Want != 768 || dm.Got != 2 {
		t.Errorf("mismatch = %+v, want Want=768 Got=2", dm)
	}
}

func TestHashingProvider_Deterministic(t *testing.T) {
	p := NewHashingProvider(64)
	a, err := p.Embed(context.Background(), "Fasting glucose elevated", Options{})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, _ := p.Embed(context.Background(), "fasting GLUCOSE elevated", Options{})
	if len(a) != 64 {
		t.Fatalf("got %d dims, want 64", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d: %f vs %f", i, a[i], b[i])
		}
	}
	if math.Abs(l2(a)-1) > 1e-6 {
		t.Errorf("norm = %f, want 1", l2(a))
	}
}

func TestHashingProvider_StopWordsOnly(t *testing.T) {
	p := NewHashingProvider(16)
	vec, err := p.Embed(context.Background(), "the and of", Options{})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if l2(vec) != 0 {
		t.Errorf("norm = %f, want 0 for stop words only", l2(vec))
	}
}

func TestOpenAIProvider_EmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q, want bearer key", got)
		}
		var req openAIEmbedRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) != 2 {
			t.Errorf("got %d inputs, want 2", len(req.Input))
		}
		// Out of order on purpose; the provider sorts by index.
		w.Write([]byte(`{"data":[{"index":1,"embedding":[0,2]},{"index":0,"embedding":[2,0]}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-test", "custom-model", 2)
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"}, Options{})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vecs = %v, want [[1 0] [0 1]]", vecs)
	}
}

func TestOpenAIProvider_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-test", "", 0)
	if _, err := p.Embed(context.Background(), "x", Options{}); err == nil {
		t.Fatal("expected error for 429")
	}
	if p.Info().Dimensions != 1536 {
		t.Errorf("dims = %d, want default model size 1536", p.Info().Dimensions)
	}
}

func TestOpenAIProvider_Available(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			w.Write([]byte(`{"data":[]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	if NewOpenAIProvider(srv.URL, "", "", 0).Available(context.Background()) {
		t.Error("Available() = true without key")
	}
	if !NewOpenAIProvider(srv.URL, "sk-test", "", 0).Available(context.Background()) {
		t.Error("Available() = false with key and reachable endpoint")
	}
}

func TestOllamaProvider_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[[0.1,0.2,0.3]]}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "nomic-embed-text", 768)
	_, err := p.Embed(context.Background(), "x", Options{})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestOllamaProvider_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[[3,4]]}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "tiny", 2)
	vec, err := p.Embed(context.Background(), "x", Options{})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if math.Abs(l2(vec)-1) > 1e-6 {
		t.Errorf("norm = %f, want 1", l2(vec))
	}
}
