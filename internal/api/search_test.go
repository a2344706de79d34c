package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/medctx/internal/embedding"
	"github.com/kalambet/medctx/internal/termsearch"
)

func seedCorpus(t *testing.T, env *testEnv) map[string]string {
	t.Helper()
	return map[string]string{
		"meds": env.ingestDoc(t, `{"title":"Medication list","category":"medications","content":"metformin 500mg twice daily","medical_terms":["metformin"],"date":"2023-06-01"}`),
		"lab":  env.ingestDoc(t, `{"title":"Lipid panel","category":"lab","content":"LDL cholesterol elevated","medical_terms":["cholesterol"],"date":"2023-09-15"}`),
		"echo": env.ingestDoc(t, `{"title":"Echocardiogram","category":"cardiology","content":"heart murmur on auscultation","medical_terms":["heart murmur"],"date":"2024-01-25"}`),
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	env := setupAppHandler(t, testToken)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestSearch_TextQuery(t *testing.T) {
	env := setupAppHandler(t, testToken)
	ids := seedCorpus(t, env)

	rr := env.do(t, http.MethodPost, "/v1/search", `{"query":"metformin twice daily"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp SearchResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) == 0 || resp.Results[0].DocumentID != ids["meds"] {
		t.Fatalf("results = %+v, want medication list first", resp.Results)
	}
	if resp.Provider != "local" {
		t.Errorf("provider = %q, want local", resp.Provider)
	}
}

func TestSearch_FilterByType(t *testing.T) {
	env := setupAppHandler(t, testToken)
	ids := seedCorpus(t, env)

	rr := env.do(t, http.MethodPost, "/v1/search", `{"query":"metformin","document_types":["lab"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp SearchResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	for _, r := range resp.Results {
		if r.DocumentID != ids["lab"] {
			t.Errorf("result %s is outside the lab filter", r.DocumentID)
		}
	}
}

func TestSearch_VectorQuery(t *testing.T) {
	env := setupAppHandler(t, testToken)
	seedCorpus(t, env)

	rr := env.do(t, http.MethodPost, "/v1/search", `{"vector":[0.5,0.5],"max_results":2}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp SearchResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Results) > 2 {
		t.Errorf("got %d results, want at most 2", len(resp.Results))
	}
	for _, r := range resp.Results {
		if r.Similarity != 0 {
			t.Errorf("mismatched-length query scored %v", r.Similarity)
		}
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	env := setupAppHandler(t, testToken)

	rr := env.do(t, http.MethodPost, "/v1/search", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestSearch_BadDate(t *testing.T) {
	env := setupAppHandler(t, testToken)

	rr := env.do(t, http.MethodPost, "/v1/search", `{"query":"x","from":"yesterday"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestSearch_DateRange(t *testing.T) {
	env := setupAppHandler(t, testToken)
	ids := seedCorpus(t, env)

	rr := env.do(t, http.MethodPost, "/v1/search", `{"query":"heart","from":"2024-01-01"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp SearchResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Results) != 1 || resp.Results[0].DocumentID != ids["echo"] {
		t.Errorf("results = %+v, want only the echocardiogram", resp.Results)
	}
}

func TestDateRange_InclusiveEnd(t *testing.T) {
	at := func(s string) time.Time {
		t.Helper()
		v, err := time.Parse(time.RFC3339, s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		return v
	}
	tests := []struct {
		name     string
		from, to string
		in, out  []string
	}{
		{
			name: "bare dates cover the last day",
			from: "2024-01-01", to: "2024-01-31",
			in:  []string{"2024-01-01T00:00:00Z", "2024-01-31T10:00:00Z", "2024-01-31T23:59:59Z"},
			out: []string{"2023-12-31T23:59:59Z", "2024-02-01T00:00:00Z"},
		},
		{
			name: "year-month covers the month",
			from: "2024-01", to: "2024-02",
			in:  []string{"2024-02-29T18:00:00Z"},
			out: []string{"2024-03-01T00:00:00Z"},
		},
		{
			name: "clock is exact",
			to:   "2024-01-31T12:00:00Z",
			in:  []string{"2024-01-31T12:00:00Z"},
			out: []string{"2024-01-31T12:00:01Z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dr, err := dateRange(tt.from, tt.to)
			if err != nil {
				t.Fatalf("dateRange: %v", err)
			}
			for _, s := range tt.in {
				if !dr.Contains(at(s)) {
					t.Errorf("range %s..%s excludes %s", dr.Start, dr.End, s)
				}
			}
			for _, s := range tt.out {
				if dr.Contains(at(s)) {
					t.Errorf("range %s..%s includes %s", dr.Start, dr.End, s)
				}
			}
		})
	}
}

func TestSearch_DateRangeIncludesLastDay(t *testing.T) {
	env := setupAppHandler(t, testToken)
	ids := seedCorpus(t, env)

	rr := env.do(t, http.MethodPost, "/v1/search", `{"query":"heart","from":"2024-01-01","to":"2024-01-25"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp SearchResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Results) != 1 || resp.Results[0].DocumentID != ids["echo"] {
		t.Errorf("results = %+v, want the echocardiogram dated on the last day", resp.Results)
	}
}

func TestFindSimilar(t *testing.T) {
	env := setupAppHandler(t, testToken)
	ids := seedCorpus(t, env)

	rr := env.do(t, http.MethodGet, "/v1/documents/"+ids["lab"]+"/similar?limit=5", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp SearchResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}
	for _, r := range resp.Results {
		if r.DocumentID == ids["lab"] {
			t.Error("source document returned as similar to itself")
		}
	}
}

func TestFindSimilar_NotLoaded(t *testing.T) {
	env := setupAppHandler(t, testToken)

	rr := env.do(t, http.MethodGet, "/v1/documents/missing/similar", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestFindSimilar_BadThreshold(t *testing.T) {
	env := setupAppHandler(t, testToken)

	rr := env.do(t, http.MethodGet, "/v1/documents/x/similar?threshold=high", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestTermSearch_LatestHeart(t *testing.T) {
	env := setupAppHandler(t, testToken)
	ids := seedCorpus(t, env)

	rr := env.do(t, http.MethodPost, "/v1/documents/search", `{"terms":["latest","heart"],"documentTypes":["medications","cardiology"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp termsearch.Response
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Matches) == 0 {
		t.Fatal("no matches")
	}
	if resp.Matches[0].DocumentID != ids["echo"] {
		t.Errorf("first match = %s, want echocardiogram", resp.Matches[0].DocumentID)
	}
	found := false
	for _, term := range resp.Matches[0].MatchedTerms {
		if term == "temporal:latest" {
			found = true
		}
	}
	if !found {
		t.Errorf("matched terms = %v, want temporal:latest", resp.Matches[0].MatchedTerms)
	}
}

func TestTermSearch_InvalidTerms(t *testing.T) {
	env := setupAppHandler(t, testToken)

	tests := []struct {
		body      string
		threshold float64
	}{
		{`{}`, termsearch.DefaultThreshold},
		{`{"terms":[]}`, termsearch.DefaultThreshold},
		{`{"terms":"heart"}`, termsearch.DefaultThreshold},
		{`{"terms":[" "],"threshold":0.9}`, 0.9},
		{`{"terms":"heart","threshold":0.75}`, 0.75},
	}
	for _, tt := range tests {
		body := tt.body
		rr := env.do(t, http.MethodPost, "/v1/documents/search", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", body, rr.Code, http.StatusBadRequest)
			continue
		}
		var resp termsearch.Response
		if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != termsearch.CodeInvalidInput {
			t.Errorf("%s: error = %+v, want %s", body, resp.Error, termsearch.CodeInvalidInput)
		}
		if len(resp.Matches) != 0 {
			t.Errorf("%s: got %d matches, want none", body, len(resp.Matches))
		}
		if resp.Threshold != tt.threshold {
			t.Errorf("%s: threshold = %v, want %v", body, resp.Threshold, tt.threshold)
		}
	}
}

func TestStoreStats(t *testing.T) {
	env := setupAppHandler(t, testToken)
	seedCorpus(t, env)

	rr := env.do(t, http.MethodGet, "/v1/store/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp StatsResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Store.Count != 3 || resp.Documents != 3 {
		t.Errorf("stats = %+v, want 3 records and 3 documents", resp)
	}
	if resp.Jobs["completed"] != 3 {
		t.Errorf("jobs = %v, want 3 completed", resp.Jobs)
	}
	if resp.Store.Types["cardiology"] != 1 {
		t.Errorf("types = %v", resp.Store.Types)
	}
}

func TestEvict(t *testing.T) {
	env := setupAppHandler(t, testToken)
	ids := seedCorpus(t, env)

	// Each 384-dimension record is estimated at 2560 bytes.
	rr := env.do(t, http.MethodPost, "/v1/store/evict", `{"target_mb":0.003}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Removed int `json:"removed"`
	}
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Removed != 2 {
		t.Errorf("removed = %d, want 2", resp.Removed)
	}
	if _, err := env.session.Store().Get(ids["echo"]); err != nil {
		t.Errorf("newest document was evicted: %v", err)
	}
}

func TestEvict_NegativeTarget(t *testing.T) {
	env := setupAppHandler(t, testToken)

	rr := env.do(t, http.MethodPost, "/v1/store/evict", `{"target_mb":-1}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestProviders(t *testing.T) {
	env := setupAppHandler(t, testToken)

	rr := env.do(t, http.MethodGet, "/v1/providers", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var providers []embedding.ProviderStatus
	if err := json.NewDecoder(rr.Body).Decode(&providers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(providers) != 1 || providers[0].Name != "local" || !providers[0].Primary {
		t.Errorf("providers = %+v", providers)
	}
}
