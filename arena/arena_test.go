package arena

import (
	"errors"
	"testing"

	"github.com/probeum/corevm/errs"
)

func TestAllocateAndGet(t *testing.T) {
	a := New(1024)
	h, err := a.Allocate([]byte("module bytes"), 16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	got, err := a.Get(h)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.([]byte)) != "module bytes" {
		t.Fatalf("Get returned %v", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := New(1024)
	h, _ := a.Allocate("x", 8)
	if !a.Release(h) {
		t.Fatalf("first Release should succeed")
	}
	if a.Release(h) {
		t.Fatalf("second Release of the same handle should report false")
	}
}

func TestReleasedHandleIsInvalid(t *testing.T) {
	a := New(1024)
	h, _ := a.Allocate("x", 8)
	a.Release(h)
	if _, err := a.Get(h); !errors.Is(err, errs.ErrInvalidHandle) {
		t.Fatalf("Get(released) = %v, want ErrInvalidHandle", err)
	}
}

func TestRecycledSlotGetsNewGeneration(t *testing.T) {
	a := New(1024)
	h1, _ := a.Allocate("first", 8)
	a.Release(h1)
	h2, _ := a.Allocate("second", 8)

	if h1.Index() != h2.Index() {
		t.Fatalf("expected slot reuse: h1.Index()=%d h2.Index()=%d", h1.Index(), h2.Index())
	}
	if h1.Generation() == h2.Generation() {
		t.Fatalf("recycled slot must bump generation: both are %d", h1.Generation())
	}
	if _, err := a.Get(h1); !errors.Is(err, errs.ErrInvalidHandle) {
		t.Fatalf("stale handle h1 must not resolve after recycling: got %v", err)
	}
	got, err := a.Get(h2)
	if err != nil || got.(string) != "second" {
		t.Fatalf("Get(h2) = %v, %v, want \"second\", nil", got, err)
	}
}

func TestCapacityExceeded(t *testing.T) {
	a := New(16)
	if _, err := a.Allocate("ok", 16); err != nil {
		t.Fatalf("Allocate at exactly capacity should succeed: %v", err)
	}
	if _, err := a.Allocate("x", 1); !errors.Is(err, errs.ErrCapacityExceeded) {
		t.Fatalf("Allocate one more byte = %v, want ErrCapacityExceeded", err)
	}
}

func TestStats(t *testing.T) {
	a := New(1024)
	h1, _ := a.Allocate("a", 8)
	_, _ = a.Allocate("b", 8)
	st := a.Stats()
	if st.Capacity != 1024 || st.Used != 16 || st.LiveCount != 2 {
		t.Fatalf("Stats() = %+v, want {1024 16 2}", st)
	}
	a.Release(h1)
	st = a.Stats()
	if st.Used != 8 || st.LiveCount != 1 {
		t.Fatalf("Stats() after release = %+v", st)
	}
}
