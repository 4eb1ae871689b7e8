package analytics

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "analytics.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIncrementDailyIsExactlyK(t *testing.T) {
	s := newTestStore(t)
	dateKey := DateKey(time.Now())

	const k = 25
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.IncrementDaily(dateKey, "threads_started", "default", ""); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	series, err := s.DailySeries("threads_started", "default", "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 1 || series[0].Count != k {
		t.Fatalf("got %+v, want count=%d", series, k)
	}
}

func TestDailySeriesFillsGapsWithZero(t *testing.T) {
	s := newTestStore(t)
	dateKey := DateKey(time.Now())
	s.IncrementDaily(dateKey, "threads_started", "default", "")

	series, err := s.DailySeries("threads_started", "default", "", 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 7 {
		t.Fatalf("got %d points, want 7", len(series))
	}
	if series[6].DateKey != dateKey || series[6].Count != 1 {
		t.Fatalf("last point = %+v", series[6])
	}
	if series[0].Count != 0 {
		t.Fatalf("expected zero-filled gap, got %+v", series[0])
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	if err := s.RecordApprovalRequest("42", "default", "t1", "i1", "command", now); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementDaily(DateKey(now), "approvals_requested_command", "default", ""); err != nil {
		t.Fatal(err)
	}

	if err := s.RecordApprovalDecision("42", "approved", now); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementDaily(DateKey(now), "approvals_approved", "default", ""); err != nil {
		t.Fatal(err)
	}

	approvalType, err := s.ApprovalType("42")
	if err != nil {
		t.Fatal(err)
	}
	if approvalType != "command" {
		t.Fatalf("approvalType = %q", approvalType)
	}

	requested, _ := s.DailySeries("approvals_requested_command", "default", "", 1)
	approved, _ := s.DailySeries("approvals_approved", "default", "", 1)
	if requested[0].Count != 1 || approved[0].Count != 1 {
		t.Fatalf("requested=%+v approved=%+v", requested, approved)
	}
}
