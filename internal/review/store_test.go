package review

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "reviews.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStartThenCompleteTransitionsRunningToCompleted(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	if err := s.Start("turn-1", "thread-1", "default", "item-1", "Review diff", "gpt-5", "/repo", now); err != nil {
		t.Fatal(err)
	}

	got, err := s.getByID("turn-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Status != StatusRunning {
		t.Fatalf("got %+v, want running", got)
	}

	if err := s.Complete("turn-1", "thread-1", "item-1", "", nil, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	got, err = s.getByID("turn-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("expected non-zero completedAt")
	}
}

func TestCompleteNeverDowngradesACompletedSession(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	s.Start("turn-1", "thread-1", "default", "item-1", "", "", "", now)
	if err := s.Complete("turn-1", "thread-1", "item-1", "", nil, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	firstCompletedAt := mustGet(t, s, "turn-1").CompletedAt

	// A stray re-start (e.g. a duplicate item/started) must not flip it back.
	if err := s.Start("turn-1", "thread-1", "default", "item-1", "", "", "", now.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	got := mustGet(t, s, "turn-1")
	if got.Status != StatusCompleted {
		t.Fatalf("status regressed to %q after restart", got.Status)
	}

	// A second completion call must also be a no-op, not touching completedAt.
	if err := s.Complete("turn-1", "thread-1", "item-1", "", nil, now.Add(3*time.Minute)); err != nil {
		t.Fatal(err)
	}
	got = mustGet(t, s, "turn-1")
	if !got.CompletedAt.Equal(firstCompletedAt) {
		t.Fatalf("completedAt changed on redundant completion: %v -> %v", firstCompletedAt, got.CompletedAt)
	}
}

func TestCompleteFallsBackToThreadAndItemWhenIDDiffers(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	// item/started derived its id from turnId, but the matching
	// item/completed frame for the same item only carries itemId.
	if err := s.Start("turn-99", "thread-7", "default", "item-7", "", "", "", now); err != nil {
		t.Fatal(err)
	}

	if err := s.Complete("item-7", "thread-7", "item-7", "", nil, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	got := mustGet(t, s, "turn-99")
	if got.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed via fallback match", got.Status)
	}
}

func TestCompleteUnknownSessionErrors(t *testing.T) {
	s := newTestStore(t)
	if err := s.Complete("nope", "thread-x", "item-x", "", nil, time.Now()); err == nil {
		t.Fatal("expected error for unknown review session")
	}
}

func TestDeriveIDPrefersTurnThenItemThenSynthetic(t *testing.T) {
	now := time.Now()
	if got := DeriveID("turn-1", "item-1", "thread-1", now); got != "turn-1" {
		t.Fatalf("got %q, want turn-1", got)
	}
	if got := DeriveID("", "item-1", "thread-1", now); got != "item-1" {
		t.Fatalf("got %q, want item-1", got)
	}
	got := DeriveID("", "", "thread-1", now)
	want := fmt.Sprintf("thread-1-%d", now.UnixMilli())
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestListClampsLimitAndOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	s.Start("a", "thread-1", "p1", "item-a", "", "", "", base)
	s.Start("b", "thread-1", "p1", "item-b", "", "", "", base.Add(time.Minute))

	rows, err := s.List("p1", 1000, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].ID != "b" {
		t.Fatalf("got %+v", rows)
	}
}

func mustGet(t *testing.T, s *Store, id string) *Session {
	t.Helper()
	got, err := s.getByID(id)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatalf("session %q not found", id)
	}
	return got
}
