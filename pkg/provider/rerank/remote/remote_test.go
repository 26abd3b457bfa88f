package remote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/toolrouter/pkg/provider/rerank/remote"
)

func TestRerank_RequestShape(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/rerank" {
			t.Errorf("path: got %q, want /v1/rerank", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("authorization header: got %q", r.Header.Get("Authorization"))
		}
		if r.URL.Query().Get("api-version") != "2" {
			t.Errorf("query param: got %q", r.URL.RawQuery)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"index":1,"relevance_score":0.91},{"index":0,"relevance_score":0.12}]}`))
	}))
	defer srv.Close()

	p, err := remote.New(srv.URL+"/v1",
		remote.WithModel("bge-reranker-v2-m3"),
		remote.WithHeaders(map[string]string{"Authorization": "Bearer k"}),
		remote.WithQueryParams(map[string]string{"api-version": "2"}),
		remote.WithJSONFields(map[string]any{"top_n": 2, "query": "ignored"}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	results, err := p.Rerank(context.Background(), "remind me to buy milk", []string{"GET /weather", "POST /todos"})
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results: got %d, want 2", len(results))
	}
	if results[0].Index != 1 || results[0].Score != 0.91 {
		t.Errorf("results[0]: got %+v", results[0])
	}

	if got["query"] != "remind me to buy milk" {
		t.Errorf("query field: got %v", got["query"])
	}
	if got["model"] != "bge-reranker-v2-m3" {
		t.Errorf("model field: got %v", got["model"])
	}
	if got["top_n"] != float64(2) {
		t.Errorf("extra field: got %v", got["top_n"])
	}
	docs, _ := got["documents"].([]any)
	if len(docs) != 2 {
		t.Errorf("documents: got %v", got["documents"])
	}
	if p.ModelID() != "bge-reranker-v2-m3" {
		t.Errorf("ModelID: got %q", p.ModelID())
	}
}

func TestRerank_EmptyDocuments(t *testing.T) {
	p, err := remote.New("http://127.0.0.1:19999")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.Rerank(context.Background(), "q", nil)
	if err != nil || got != nil {
		t.Fatalf("Rerank(nil): got (%v, %v), want (nil, nil)", got, err)
	}
}

func TestRerank_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`},
		{"index out of range", http.StatusOK, `{"results":[{"index":5,"relevance_score":0.5}]}`},
		{"negative index", http.StatusOK, `{"results":[{"index":-1,"relevance_score":0.5}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer srv.Close()

			p, err := remote.New(srv.URL)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if _, err := p.Rerank(context.Background(), "q", []string{"a", "b"}); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestRerank_Unreachable(t *testing.T) {
	p, err := remote.New("http://127.0.0.1:19999", remote.WithTimeout(300*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Rerank(context.Background(), "q", []string{"a"}); err == nil {
		t.Fatal("expected error for unreachable server")
	}
}

func TestNew_EmptyBaseURL(t *testing.T) {
	if _, err := remote.New(""); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}
