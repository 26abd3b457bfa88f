package postgres_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pashagolub/pgxmock/v4"

	"github.com/MrWong99/toolrouter/pkg/catalog"
	"github.com/MrWong99/toolrouter/pkg/catalog/postgres"
)

const testEmbeddingDim = 4

var candidateColumns = []string{"path", "method", "description", "params", "body", "distance"}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		mock.Close()
	})
	return mock
}

// ─────────────────────────────────────────────────────────────────────────────
// Nearest
// ─────────────────────────────────────────────────────────────────────────────

func TestNearest_ReturnsRowsInOrder(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`SELECT path, method, description, params, body,\s+embedding <=> \$1 AS distance\s+FROM\s+endpoints\s+ORDER\s+BY distance, path, method`).
		WithArgs(pgxmock.AnyArg(), 3).
		WillReturnRows(mock.NewRows(candidateColumns).
			AddRow("/todos", "POST", "Add a todo item", []byte(nil), []byte(`{"type":"object"}`), 0.08).
			AddRow("/todos", "GET", "List todo items", []byte(`{"type":"object"}`), []byte(nil), 0.21))

	store := postgres.NewStoreWithDB(mock, testEmbeddingDim)
	got, err := store.Nearest(context.Background(), []float32{1, 0, 0, 0}, 3, 0)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len: got %d, want 2", len(got))
	}
	if got[0].Key() != "POST /todos" || got[0].Distance != 0.08 {
		t.Errorf("got[0]: got %s %.2f", got[0].Key(), got[0].Distance)
	}
	if string(got[0].Body) != `{"type":"object"}` {
		t.Errorf("got[0].Body: got %s", got[0].Body)
	}
	if len(got[0].Params) != 0 {
		t.Errorf("got[0].Params: expected empty, got %s", got[0].Params)
	}
}

func TestNearest_WithCutoff(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`FROM\s+endpoints\s+WHERE embedding <=> \$1 <= \$2`).
		WithArgs(pgxmock.AnyArg(), 0.4, 5).
		WillReturnRows(mock.NewRows(candidateColumns))

	store := postgres.NewStoreWithDB(mock, testEmbeddingDim)
	got, err := store.Nearest(context.Background(), []float32{0, 1, 0, 0}, 5, 0.4)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", got)
	}
}

func TestNearest_WrongDimension(t *testing.T) {
	mock := newMock(t)
	store := postgres.NewStoreWithDB(mock, testEmbeddingDim)
	if _, err := store.Nearest(context.Background(), []float32{1, 2}, 3, 0); err == nil {
		t.Fatal("expected error for short query vector")
	}
}

func TestNearest_QueryError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(`FROM\s+endpoints`).
		WithArgs(pgxmock.AnyArg(), 3).
		WillReturnError(errors.New("connection reset"))

	store := postgres.NewStoreWithDB(mock, testEmbeddingDim)
	_, err := store.Nearest(context.Background(), []float32{1, 0, 0, 0}, 3, 0)
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected wrapped query error, got %v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Upsert
// ─────────────────────────────────────────────────────────────────────────────

func TestUpsert(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`INSERT INTO endpoints`).
		WithArgs("/todos", "POST", "Add a todo item", pgxmock.AnyArg(), `{"type":"object"}`, pgxmock.AnyArg(), "test-embed").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := postgres.NewStoreWithDB(mock, testEmbeddingDim, postgres.WithModel("test-embed"))
	err := store.Upsert(context.Background(), catalog.Descriptor{
		Path:        "/todos",
		Method:      "POST",
		Description: "Add a todo item",
		Body:        []byte(`{"type":"object"}`),
		Embedding:   []float32{0.1, 0.2, 0.3, 0.4},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestUpsert_Rejects(t *testing.T) {
	tests := []struct {
		name string
		d    catalog.Descriptor
	}{
		{"bad method", catalog.Descriptor{Path: "/todos", Method: "PATCH", Description: "x", Embedding: make([]float32, testEmbeddingDim)}},
		{"relative path", catalog.Descriptor{Path: "todos", Method: "GET", Description: "x", Embedding: make([]float32, testEmbeddingDim)}},
		{"wrong dimension", catalog.Descriptor{Path: "/todos", Method: "GET", Description: "x", Embedding: make([]float32, 2)}},
		{"missing embedding", catalog.Descriptor{Path: "/todos", Method: "GET", Description: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			store := postgres.NewStoreWithDB(mock, testEmbeddingDim)
			if err := store.Upsert(context.Background(), tt.d); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Migrate
// ─────────────────────────────────────────────────────────────────────────────

func TestMigrate(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS endpoints[\s\S]*vector\(4\)`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	if err := postgres.Migrate(context.Background(), mock, testEmbeddingDim); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}

func TestMigrate_InvalidDimensions(t *testing.T) {
	mock := newMock(t)
	if err := postgres.Migrate(context.Background(), mock, 0); err == nil {
		t.Fatal("expected error for zero dimensions")
	}
}
