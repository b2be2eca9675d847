package client

import (
	"testing"

	"github.com/gohaptic/gohaptic/proto"
)

func TestTrackerResolveRunsOnce(t *testing.T) {
	tracker := NewCommandTracker()

	calls := 0
	tracker.Register("id-1", "ping", func(proto.Result) { calls++ })

	pc, ok := tracker.Resolve("id-1")
	if !ok {
		t.Fatal("Expected pending command to resolve")
	}
	pc.fn(proto.Result{Success: true})

	// A duplicate reply must not find the entry again.
	if _, ok := tracker.Resolve("id-1"); ok {
		t.Error("Expected second resolve to miss")
	}
	if calls != 1 {
		t.Errorf("Expected continuation to run once, ran %d times", calls)
	}
}

func TestTrackerResolveUnknownID(t *testing.T) {
	tracker := NewCommandTracker()
	if _, ok := tracker.Resolve("never-registered"); ok {
		t.Error("Expected resolve of unknown id to miss")
	}
}

func TestTrackerDiscard(t *testing.T) {
	tracker := NewCommandTracker()
	tracker.Register("id-1", "ping", func(proto.Result) {
		t.Error("Discarded continuation must never run")
	})
	tracker.Discard("id-1")

	if _, ok := tracker.Resolve("id-1"); ok {
		t.Error("Expected discarded command to be gone")
	}
	if tracker.Len() != 0 {
		t.Errorf("Expected empty tracker, got %d pending", tracker.Len())
	}
}

func TestTrackerDiscardAll(t *testing.T) {
	tracker := NewCommandTracker()
	tracker.Register("id-1", "ping", nil)
	tracker.Register("id-2", "get_status", nil)

	if n := tracker.DiscardAll(); n != 2 {
		t.Errorf("Expected 2 discarded, got %d", n)
	}
	if tracker.Len() != 0 {
		t.Errorf("Expected empty tracker, got %d pending", tracker.Len())
	}
}
