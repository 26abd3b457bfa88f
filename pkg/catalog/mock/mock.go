// Package mock provides an in-memory implementation of catalog.Store and
// catalog.Writer for tests. Distances are exact cosine distances computed over
// every stored descriptor.
package mock

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/toolrouter/pkg/catalog"
)

// NearestCall records a single invocation of Nearest.
type NearestCall struct {
	Vec    []float32
	K      int
	Cutoff float64
}

// Store is an in-memory catalog.
type Store struct {
	mu sync.Mutex

	descriptors map[string]catalog.Descriptor

	// NearestErr, if non-nil, is returned by every Nearest call.
	NearestErr error

	// UpsertErr, if non-nil, is returned by every Upsert call.
	UpsertErr error

	// NearestCalls records every call to Nearest in order.
	NearestCalls []NearestCall
}

// New returns a Store pre-populated with ds.
func New(ds ...catalog.Descriptor) *Store {
	s := &Store{descriptors: make(map[string]catalog.Descriptor, len(ds))}
	for _, d := range ds {
		s.descriptors[d.Key()] = d
	}
	return s
}

// Nearest implements catalog.Store.
func (s *Store) Nearest(_ context.Context, vec []float32, k int, cutoff float64) ([]catalog.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]float32, len(vec))
	copy(cp, vec)
	s.NearestCalls = append(s.NearestCalls, NearestCall{Vec: cp, K: k, Cutoff: cutoff})
	if s.NearestErr != nil {
		return nil, s.NearestErr
	}

	out := make([]catalog.Candidate, 0, len(s.descriptors))
	for _, d := range s.descriptors {
		if len(d.Embedding) != len(vec) {
			return nil, fmt.Errorf("mock catalog: %s has %d dimensions, query has %d", d.Key(), len(d.Embedding), len(vec))
		}
		dist := CosineDistance(vec, d.Embedding)
		if cutoff > 0 && dist > cutoff {
			continue
		}
		c := catalog.Candidate{Descriptor: d, Distance: dist}
		c.Embedding = nil
		out = append(out, c)
	}
	catalog.SortCandidates(out)
	if k >= 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Upsert implements catalog.Writer.
func (s *Store) Upsert(_ context.Context, d catalog.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	if s.descriptors == nil {
		s.descriptors = make(map[string]catalog.Descriptor)
	}
	s.descriptors[d.Key()] = d
	return nil
}

// Len returns the number of stored descriptors.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.descriptors)
}

// CallCount returns the number of Nearest calls.
func (s *Store) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.NearestCalls)
}

// Reset clears all recorded calls.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NearestCalls = nil
}

// CosineDistance returns 1 - cos(a, b). Zero vectors are at distance 1.
func CosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

var (
	_ catalog.Store  = (*Store)(nil)
	_ catalog.Writer = (*Store)(nil)
)
