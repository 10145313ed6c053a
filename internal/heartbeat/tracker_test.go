package heartbeat

import (
	"testing"
	"time"
)

func TestTrackerFreshWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := New()
	tr.Now = func() time.Time { return now }

	if tr.FreshWithin("i1", time.Minute) {
		t.Fatalf("unseen instance should not be fresh")
	}
	tr.Mark("i1")
	if !tr.FreshWithin("i1", time.Minute) {
		t.Fatalf("expected fresh right after mark")
	}
	now = now.Add(2 * time.Minute)
	if tr.FreshWithin("i1", time.Minute) {
		t.Fatalf("expected stale after window passed")
	}
}

func TestTrackerForget(t *testing.T) {
	tr := New()
	tr.Mark("i1")
	tr.Forget("i1")
	if _, ok := tr.LastSeen("i1"); ok {
		t.Fatalf("expected forgotten instance")
	}
}
