package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "text-embedding-3-small"
)

type openAIModel struct {
	dims            int
	costPer1KTokens float64
}

var openAIModels = map[string]openAIModel{
	"text-embedding-3-small": {dims: 1536, costPer1KTokens: 0.00002},
	"text-embedding-3-large": {dims: 3072, costPer1KTokens: 0.00013},
	"text-embedding-ada-002": {dims: 1536, costPer1KTokens: 0.0001},
}

// OpenAIProvider embeds through an OpenAI-compatible /embeddings endpoint.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	cost    float64
	client  *http.Client
}

// NewOpenAIProvider creates a provider against baseURL. dims may be zero for
// known models, in which case the model's native size is used.
func NewOpenAIProvider(baseURL, apiKey, model string, dims int) *OpenAIProvider {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	known := openAIModels[model]
	if dims <= 0 {
		dims = known.dims
	}
	return &OpenAIProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
		cost:    known.costPer1KTokens,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type openAIEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string, opts Options) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text}, opts)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string, opts Options) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	model := p.model
	if opts.Model != "" {
		model = opts.Model
	}
	reqBody := openAIEmbedRequest{Model: model, Input: texts}
	if strings.HasPrefix(model, "text-embedding-3") && p.dims != openAIModels[model].dims {
		reqBody.Dimensions = p.dims
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating embeddings request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp openAIErrorResponse
		json.NewDecoder(resp.Body).Decode(&errResp)
		return nil, fmt.Errorf("openai embeddings: status %d: %s", resp.StatusCode, errResp.Error.Message)
	}

	var result openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding embeddings response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d embeddings for %d inputs", len(result.Data), len(texts))
	}

	sort.Slice(result.Data, func(i, j int) bool { return result.Data[i].Index < result.Data[j].Index })
	vecs := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		vecs[i] = d.Embedding
	}
	return finalizeBatch(p.Info(), vecs)
}

// Available reports whether a key is configured and the endpoint answers
// GET /models.
func (p *OpenAIProvider) Available(ctx context.Context) bool {
	if p.apiKey == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *OpenAIProvider) Info() Descriptor {
	return Descriptor{Name: "openai", Model: p.model, Dimensions: p.dims, CostPer1KTokens: p.cost}
}
