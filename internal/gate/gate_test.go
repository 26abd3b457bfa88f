package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/toolrouter/pkg/catalog"
	"github.com/MrWong99/toolrouter/pkg/provider/rerank"
	rerankmock "github.com/MrWong99/toolrouter/pkg/provider/rerank/mock"
)

func candidates() []catalog.Candidate {
	return []catalog.Candidate{
		{Descriptor: catalog.Descriptor{Path: "/todos", Method: "GET", Description: "List todo items"}, Distance: 0.1},
		{Descriptor: catalog.Descriptor{Path: "/todos", Method: "POST", Description: "Add a todo item"}, Distance: 0.2},
		{Descriptor: catalog.Descriptor{Path: "/notes", Method: "POST", Description: "Write a note"}, Distance: 0.3},
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		scores     map[string]float64
		threshold  float64
		wantAccept string
		wantReason Reason
	}{
		{
			name: "accepts max score",
			scores: map[string]float64{
				"GET /todos: List todo items":  0.40,
				"POST /todos: Add a todo item": 0.92,
				"POST /notes: Write a note":    0.55,
			},
			threshold:  0.5,
			wantAccept: "POST /todos",
		},
		{
			name: "score equal to threshold is accepted",
			scores: map[string]float64{
				"POST /todos: Add a todo item": 0.5,
			},
			threshold:  0.5,
			wantAccept: "POST /todos",
		},
		{
			name: "below threshold does not fall back",
			scores: map[string]float64{
				"GET /todos: List todo items":  0.30,
				"POST /todos: Add a todo item": 0.49,
				"POST /notes: Write a note":    0.10,
			},
			threshold:  0.5,
			wantReason: ReasonBelowThreshold,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := &rerankmock.Provider{Scores: tt.scores}
			g, err := New(rr, 0)
			if err != nil {
				t.Fatal(err)
			}
			d, err := g.Decide(context.Background(), "remind me to buy milk", candidates(), tt.threshold)
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if rr.CallCount() != 1 {
				t.Errorf("rerank calls: got %d, want 1", rr.CallCount())
			}
			if len(d.Ranked) != 3 {
				t.Fatalf("ranked: got %d, want 3", len(d.Ranked))
			}
			for i := 1; i < len(d.Ranked); i++ {
				if d.Ranked[i-1].Score < d.Ranked[i].Score {
					t.Errorf("ranked not descending at %d", i)
				}
			}
			if tt.wantAccept == "" {
				if d.Accepted != nil {
					t.Fatalf("expected rejection, accepted %s", d.Accepted.Key())
				}
				if d.Reason != tt.wantReason {
					t.Errorf("reason: got %q, want %q", d.Reason, tt.wantReason)
				}
				return
			}
			if d.Accepted == nil {
				t.Fatalf("expected %s accepted, got reason %q", tt.wantAccept, d.Reason)
			}
			if d.Accepted.Key() != tt.wantAccept {
				t.Errorf("accepted: got %s, want %s", d.Accepted.Key(), tt.wantAccept)
			}
			if d.Accepted.Score != d.TopScore() || d.Accepted.Score < tt.threshold {
				t.Errorf("accepted score %v is not the max %v or is below %v", d.Accepted.Score, d.TopScore(), tt.threshold)
			}
		})
	}
}

func TestDecide_NoCandidates(t *testing.T) {
	rr := &rerankmock.Provider{}
	g, _ := New(rr, 0)
	d, err := g.Decide(context.Background(), "q", nil, 0.5)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Accepted != nil || d.Reason != ReasonNoCandidate {
		t.Errorf("got %+v, want NoCandidate", d)
	}
	if rr.CallCount() != 0 {
		t.Errorf("rerank called %d times for empty candidates", rr.CallCount())
	}
}

func TestDecide_TiesKeepRetrievalOrder(t *testing.T) {
	rr := &rerankmock.Provider{DefaultScore: 0.7}
	g, _ := New(rr, 0)
	d, err := g.Decide(context.Background(), "q", candidates(), 0.5)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	want := []string{"GET /todos", "POST /todos", "POST /notes"}
	for i, w := range want {
		if d.Ranked[i].Key() != w {
			t.Errorf("ranked[%d]: got %s, want %s", i, d.Ranked[i].Key(), w)
		}
	}
	if d.Accepted.Key() != "GET /todos" {
		t.Errorf("accepted: got %s", d.Accepted.Key())
	}
}

func TestDecide_RerankUnavailable(t *testing.T) {
	rr := &rerankmock.Provider{Err: errors.New("503 service unavailable")}
	g, _ := New(rr, 0)
	_, err := g.Decide(context.Background(), "q", candidates(), 0.5)
	if !errors.Is(err, ErrRerankUnavailable) {
		t.Fatalf("got %v, want ErrRerankUnavailable", err)
	}
}

// fixedReranker returns canned results regardless of input.
type fixedReranker struct{ results []rerank.Result }

func (f fixedReranker) Rerank(context.Context, string, []string) ([]rerank.Result, error) {
	return f.results, nil
}
func (fixedReranker) ModelID() string { return "" }

func TestDecide_MalformedResults(t *testing.T) {
	tests := []struct {
		name    string
		results []rerank.Result
	}{
		{"missing score", []rerank.Result{{Index: 0, Score: 1}, {Index: 1, Score: 1}}},
		{"out of range", []rerank.Result{{Index: 0}, {Index: 1}, {Index: 7}}},
		{"duplicate", []rerank.Result{{Index: 0}, {Index: 0}, {Index: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := New(fixedReranker{tt.results}, 0)
			if _, err := g.Decide(context.Background(), "q", candidates(), 0.5); !errors.Is(err, ErrRerankUnavailable) {
				t.Fatalf("got %v, want ErrRerankUnavailable", err)
			}
		})
	}
}
