package collab

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/collabd/internal/testutil/testlog"
)

func TestHousekeeperRunsRescheduledTaskOnce(t *testing.T) {
	testlog.Start(t)

	h := newHousekeeper()
	defer h.close()

	var first, second atomic.Int32
	done := make(chan struct{})
	key := taskKey{kind: "timeout", id: "tok"}
	h.schedule(key, 30*time.Millisecond, func() { first.Add(1) })
	h.schedule(key, 10*time.Millisecond, func() {
		second.Add(1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("rescheduled task never ran")
	}
	time.Sleep(50 * time.Millisecond)
	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("unexpected runs first=%d second=%d", first.Load(), second.Load())
	}
	if h.pending(key) {
		t.Fatalf("key still pending after run")
	}
}

func TestHousekeeperCancel(t *testing.T) {
	testlog.Start(t)

	h := newHousekeeper()
	defer h.close()

	var ran atomic.Bool
	key := taskKey{kind: "link", id: "bundle/1"}
	h.schedule(key, 20*time.Millisecond, func() { ran.Store(true) })
	if !h.pending(key) {
		t.Fatalf("expected pending task")
	}
	if !h.cancel(key) {
		t.Fatalf("cancel reported no pending task")
	}
	if h.cancel(key) {
		t.Fatalf("second cancel should be a no-op")
	}
	time.Sleep(60 * time.Millisecond)
	if ran.Load() {
		t.Fatalf("cancelled task ran")
	}
}

func TestHousekeeperCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)

	h := newHousekeeper()
	h.schedule(taskKey{kind: "timeout", id: "x"}, time.Hour, func() {})
	h.close()
	h.close()
	h.schedule(taskKey{kind: "timeout", id: "y"}, time.Millisecond, func() {})
	if h.pending(taskKey{kind: "timeout", id: "y"}) {
		t.Fatalf("closed housekeeper accepted a task")
	}
}
