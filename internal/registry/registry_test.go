package registry

import (
	"context"
	"testing"
	"time"
)

func newTestTask(t *testing.T, r *Registry) (string, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	_ = ctx
	id := NewTaskID()
	r.Create(id, "owner-1", KindSmartNote, "raw input", time.Now().Add(time.Minute), cancel)
	return id, cancel
}

func TestCreateAndGet(t *testing.T) {
	r := New(8)
	id, _ := newTestTask(t, r)

	snap, ok := r.Get(id)
	if !ok {
		t.Fatal("expected task to exist")
	}
	if snap.Status != StatusPending {
		t.Fatalf("want pending, got %s", snap.Status)
	}
	if snap.Progress != 0 {
		t.Fatalf("want progress 0, got %d", snap.Progress)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	r := New(8)
	id, _ := newTestTask(t, r)

	if !r.SetRunning(id) {
		t.Fatal("expected pending -> running to succeed")
	}
	r.SetProgress(id, 30, "error_correction")
	r.SetIntermediate(id, KeyOCRText, "recognized text")

	if !r.SetCompleted(id, map[string]string{"content_id": "abc"}) {
		t.Fatal("expected running -> completed to succeed")
	}

	snap, _ := r.Get(id)
	if snap.Status != StatusCompleted {
		t.Fatalf("want completed, got %s", snap.Status)
	}
	if snap.Progress != 100 {
		t.Fatalf("progress == 100 iff completed invariant violated: got %d", snap.Progress)
	}
	if snap.Result == nil {
		t.Fatal("result must be defined once completed")
	}
	if snap.Error != "" {
		t.Fatalf("error must be empty on success, got %q", snap.Error)
	}
}

func TestTerminalStateIsAbsorbing(t *testing.T) {
	r := New(8)
	id, _ := newTestTask(t, r)
	r.SetRunning(id)
	if !r.SetFailed(id, "model_unavailable") {
		t.Fatal("expected running -> failed to succeed")
	}

	if r.SetCompleted(id, "late result") {
		t.Fatal("completed transition must not succeed from a terminal state")
	}
	snap, _ := r.Get(id)
	if snap.Status != StatusFailed {
		t.Fatalf("status must remain failed, got %s", snap.Status)
	}
	if snap.Result != nil {
		t.Fatal("result must stay undefined after a rejected transition")
	}
}

func TestCancelAfterTerminalIsNoop(t *testing.T) {
	r := New(8)
	id, _ := newTestTask(t, r)
	r.SetRunning(id)
	r.SetCompleted(id, "done")

	if r.Cancel(id) {
		t.Fatal("cancel after terminal must report no-op (false)")
	}
}

func TestCancelDoesNotSetTaskError(t *testing.T) {
	r := New(8)
	id, _ := newTestTask(t, r)
	r.SetRunning(id)

	if !r.Cancel(id) {
		t.Fatal("expected running -> cancelled to succeed")
	}
	snap, _ := r.Get(id)
	if snap.Status != StatusCancelled {
		t.Fatalf("want cancelled, got %s", snap.Status)
	}
	if snap.Error != "" {
		t.Fatalf("error must remain undefined for cancelled status per invariant, got %q", snap.Error)
	}
}

func TestSweepRemovesOnlyAgedTerminalTasks(t *testing.T) {
	r := New(8)
	oldID, _ := newTestTask(t, r)
	r.SetRunning(oldID)
	r.SetCompleted(oldID, "done")
	r.tasks[oldID].CompletedAt = time.Now().Add(-2 * time.Hour)

	freshID, _ := newTestTask(t, r)
	r.SetRunning(freshID)
	r.SetCompleted(freshID, "done")

	pendingID, _ := newTestTask(t, r)

	removed := r.Sweep(time.Hour)
	if removed != 1 {
		t.Fatalf("want exactly 1 task swept, got %d", removed)
	}
	if _, ok := r.Get(oldID); ok {
		t.Fatal("aged terminal task should have been swept")
	}
	if _, ok := r.Get(freshID); !ok {
		t.Fatal("fresh terminal task should survive sweep")
	}
	if _, ok := r.Get(pendingID); !ok {
		t.Fatal("pending task should survive sweep regardless of age")
	}
}

func TestDroppedEventsCounterAccumulates(t *testing.T) {
	r := New(1)
	id, _ := newTestTask(t, r)
	r.SetRunning(id)
	ch, ok := r.Bus(id)
	if !ok {
		t.Fatal("expected bus to exist")
	}
	sub := ch.Subscribe(nil)
	_ = sub

	r.SetProgress(id, 10, "ocr_recognition")
	r.SetProgress(id, 20, "ocr_recognition")
	r.SetProgress(id, 30, "ocr_recognition")

	if r.DroppedEvents() == 0 {
		t.Fatal("expected at least one dropped event once the subscriber channel filled")
	}
}
