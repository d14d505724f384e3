package inmem

import (
	"context"
	"testing"

	"goa.design/analyst/runtime/analyst/session"
	"goa.design/analyst/runtime/analyst/session/sessiontest"
)

func TestStoreContract(t *testing.T) {
	sessiontest.Run(t, func(*testing.T) session.Store { return New() })
}

func TestStoreValidation(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, err := s.Create(ctx, "", "s1", "q"); err == nil {
		t.Fatal("expected error for empty thread id")
	}
	if _, err := s.Get(ctx, "t1", ""); err == nil {
		t.Fatal("expected error for empty session id")
	}
}
