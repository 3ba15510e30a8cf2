package breakglass

import (
	"errors"
	"testing"

	"github.com/ppiankov/impetus/internal/lock"
	"github.com/ppiankov/impetus/internal/model"
)

func TestAuthorizeNilStore(t *testing.T) {
	if _, err := Authorize(nil, "bg-1", "lock_1"); err == nil {
		t.Fatal("expected error without a store")
	}
}

func TestAuthorizeRevertsRegion(t *testing.T) {
	s, _ := newTestStore(t)
	reg := lock.NewRegistry()
	reg.Register("lock_1", lock.Meta{Source: model.ModeChaotic})

	tok, _ := s.Create("the agent was right, but still", "", DefaultDuration)
	grant, err := Authorize(s, tok.ID, "lock_1")
	if err != nil {
		t.Fatal(err)
	}
	if grant.TokenID != tok.ID || grant.Reason != tok.Reason {
		t.Fatalf("unexpected grant %+v", grant)
	}
	if err := reg.Revert("lock_1", grant); err != nil {
		t.Fatal(err)
	}
	if reg.Contains("lock_1") {
		t.Fatal("region still registered")
	}

	if _, err := Authorize(s, tok.ID, "lock_1"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected consumed token to fail, got %v", err)
	}
}
