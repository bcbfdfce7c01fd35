package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/gatherhub/authgate/userstore"
)

func strptr(s string) *string { return &s }

func TestGetUser_AbsentIsNilNil(t *testing.T) {
	s := New()
	u, err := s.GetUser(context.Background(), "nobody")
	if err != nil || u != nil {
		t.Fatalf("want nil, nil for an absent id, got %+v / %v", u, err)
	}
}

func TestUpsertUser_InsertThenUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.UpsertUser(ctx, userstore.Upsert{
		ID:        "U1",
		Email:     strptr("a@example.test"),
		FirstName: strptr("Ann"),
		Role:      strptr("resident"),
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first.CreatedAt.IsZero() || first.Role != "resident" {
		t.Fatalf("insert mismatch: %+v", first)
	}

	second, err := s.UpsertUser(ctx, userstore.Upsert{
		ID:        "U1",
		FirstName: strptr("Anna"),
		Role:      strptr("admin"),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if second.FirstName != "Anna" {
		t.Fatalf("want updated name, got %q", second.FirstName)
	}
	if second.Email != "a@example.test" {
		t.Fatalf("omitted field must not be cleared, got %q", second.Email)
	}
	if second.Role != "resident" {
		t.Fatalf("role applies on insert only, got %q", second.Role)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at must be stable: %v vs %v", second.CreatedAt, first.CreatedAt)
	}
}

func TestUpsertUser_RequiresID(t *testing.T) {
	if _, err := New().UpsertUser(context.Background(), userstore.Upsert{}); err == nil {
		t.Fatal("want error for empty id")
	}
}

func TestUpsertUser_ConcurrentSameSubject(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertUser(context.Background(), userstore.Upsert{
				ID:    "U1",
				Email: strptr(fmt.Sprintf("u%d@example.test", i)),
			})
			if err != nil {
				t.Errorf("upsert: %v", err)
			}
		}(i)
	}
	wg.Wait()

	u, err := s.GetUser(context.Background(), "U1")
	if err != nil || u == nil {
		t.Fatalf("get: %+v / %v", u, err)
	}
	if u.ID != "U1" || u.CreatedAt.IsZero() {
		t.Fatalf("exactly one coherent record expected, got %+v", u)
	}
}

func TestGetUser_ReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.UpsertUser(ctx, userstore.Upsert{ID: "U1", Email: strptr("a@example.test")}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	u, _ := s.GetUser(ctx, "U1")
	u.Email = "mutated"
	again, _ := s.GetUser(ctx, "U1")
	if again.Email != "a@example.test" {
		t.Fatalf("callers must not be able to mutate stored state, got %q", again.Email)
	}
}
