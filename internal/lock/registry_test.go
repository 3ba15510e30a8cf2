package lock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/impetus/internal/model"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if !reg.Register("lock_a", Meta{Source: model.ModePrimary, CreatedAt: first}) {
		t.Fatal("expected first registration to add")
	}
	if reg.Register("lock_a", Meta{Source: model.ModeChaotic, CreatedAt: first.Add(time.Hour)}) {
		t.Fatal("expected re-registration to be a no-op")
	}

	got, ok := reg.Get("lock_a")
	if !ok {
		t.Fatal("expected lock_a to be registered")
	}
	if got.Source != model.ModePrimary || !got.CreatedAt.Equal(first) {
		t.Errorf("metadata changed on re-register: %+v", got)
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 region, got %d", reg.Len())
	}
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	reg := NewRegistry()
	if reg.Register("", Meta{Source: model.ModePrimary}) {
		t.Fatal("expected empty id to be refused")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}

func TestAllIsSorted(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		reg.Register(id, Meta{Source: model.ModeChaotic})
	}
	got := reg.All()
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("All() = %v, want %v", got, want)
		}
	}
}

func TestRevertRequiresGrant(t *testing.T) {
	reg := NewRegistry()
	reg.Register("lock_a", Meta{Source: model.ModePrimary})

	if err := reg.Revert("lock_a", nil); !errors.Is(err, ErrNoGrant) {
		t.Fatalf("expected ErrNoGrant, got %v", err)
	}
	if err := reg.Revert("lock_a", &Grant{}); !errors.Is(err, ErrNoGrant) {
		t.Fatalf("expected ErrNoGrant for empty grant, got %v", err)
	}
	if !reg.Contains("lock_a") {
		t.Fatal("region dropped without a grant")
	}

	if err := reg.Revert("lock_a", &Grant{TokenID: "bg-1"}); err != nil {
		t.Fatalf("revert with grant: %v", err)
	}
	if reg.Contains("lock_a") {
		t.Fatal("expected region to be reverted")
	}
	if err := reg.Revert("lock_a", &Grant{TokenID: "bg-2"}); !errors.Is(err, ErrUnknownRegion) {
		t.Fatalf("expected ErrUnknownRegion, got %v", err)
	}
}

func TestConcurrentRegister(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	added := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			added <- reg.Register("lock_same", Meta{Source: model.ModePrimary})
		}()
	}
	wg.Wait()
	close(added)

	count := 0
	for ok := range added {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one successful registration, got %d", count)
	}
}
