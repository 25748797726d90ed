package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"notepipe/internal/bus"
)

// Registry is the process-wide, thread-safe task map. It mediates every
// observable mutation to a Task so that a status transition and its
// corresponding bus event are always published together.
type Registry struct {
	mu            sync.Mutex
	tasks         map[string]*Task
	order         []string
	busCapacity   int
	droppedEvents atomic.Int64
}

// New constructs an empty Registry. busCapacity is the per-subscriber
// channel capacity handed to each task's bus.Bus (spec §4.C default 32).
func New(busCapacity int) *Registry {
	return &Registry{
		tasks:       make(map[string]*Task),
		busCapacity: busCapacity,
	}
}

// NewTaskID mints a fresh opaque task identifier.
func NewTaskID() string {
	return uuid.NewString()
}

// Create constructs a task in the pending state with its own bus attached.
// cancel is the CancelFunc for the context the pipeline goroutine will run
// under; Cancel() invokes it when the caller requests cooperative
// cancellation.
func (r *Registry) Create(id, owner string, kind Kind, input any, deadline time.Time, cancel context.CancelFunc) *Task {
	t := &Task{
		ID:            id,
		Owner:         owner,
		Kind:          kind,
		Status:        StatusPending,
		Input:         input,
		Intermediates: make(map[string]any),
		CreatedAt:     time.Now(),
		Deadline:      deadline,
		Bus:           bus.New(r.busCapacity),
		cancel:        cancel,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[id] = t
	r.order = append(r.order, id)
	return t
}

// Get returns a snapshot of the task, or false if it does not exist.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// Bus returns the live *bus.Bus for id, used by the SSE adapter to
// subscribe. The bus itself is safe for concurrent Subscribe/Publish
// without the registry lock.
func (r *Registry) Bus(id string) (*bus.Bus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Bus, true
}

// List returns snapshots for tasks owned by owner (all tasks if owner is
// empty), in creation order.
func (r *Registry) List(owner string) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Snapshot, 0, len(r.order))
	for _, id := range r.order {
		t := r.tasks[id]
		if owner != "" && t.Owner != owner {
			continue
		}
		result = append(result, t.snapshot())
	}
	return result
}

// DroppedEvents reports the cumulative number of progress events evicted
// from a subscriber's channel across every task's bus, for observability.
func (r *Registry) DroppedEvents() int64 {
	return r.droppedEvents.Load()
}

func (r *Registry) publish(t *Task, e bus.Event) {
	dropped := t.Bus.Publish(e)
	if dropped > 0 {
		r.droppedEvents.Add(int64(dropped))
	}
}

// SetRunning transitions a pending task to running and records
// StartedAt. It does not change Deadline, which is fixed when the task
// is created, so time spent waiting for a gate slot counts against it.
// Returns false if the task is missing or not pending — e.g. it was
// cancelled while still queued.
func (r *Registry) SetRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status != StatusPending {
		return false
	}
	t.Status = StatusRunning
	t.StartedAt = time.Now()
	r.publish(t, bus.StatusEvent(id, t.Progress, t.CurrentStep, string(t.Status)))
	return true
}

// SetProgress updates progress/current_step for a running task and
// publishes the corresponding status event. No-op if the task isn't
// running (e.g. it was cancelled or timed out concurrently).
func (r *Registry) SetProgress(id string, progress int, currentStep string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status != StatusRunning {
		return
	}
	t.Progress = progress
	t.CurrentStep = currentStep
	r.publish(t, bus.StatusEvent(id, progress, currentStep, string(t.Status)))
}

// SetIntermediate records a produced artifact under key and publishes an
// intermediate event carrying it. No-op if the task isn't running.
func (r *Registry) SetIntermediate(id, key string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status != StatusRunning {
		return
	}
	t.Intermediates[key] = payload
	r.publish(t, bus.IntermediateEvent(id, key, payload))
}

// SetIndexedIntermediate publishes an intermediate event carrying
// (index, total) alongside the payload, for fan-out stages per spec §4.G
// ordering. Unlike SetIntermediate it does not record the payload in
// t.Intermediates, so late-subscriber bursts do not replay it.
func (r *Registry) SetIndexedIntermediate(id, key string, payload any, index, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status != StatusRunning {
		return
	}
	r.publish(t, bus.IndexedIntermediate(id, key, payload, index, total))
}

// SetSkippedIntermediate records payload under key like SetIntermediate
// but publishes the intermediate event with skipped=true (used when a
// stage is bypassed, e.g. ocr_recognition for text-only input per spec
// §4.F).
func (r *Registry) SetSkippedIntermediate(id, key string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status != StatusRunning {
		return
	}
	t.Intermediates[key] = payload
	r.publish(t, bus.IntermediateSkipped(id, key, payload))
}

// SetCompleted transitions a running task to completed, records result,
// and publishes the terminal complete event. Only transitions from
// running — a task cancelled or timed out concurrently is left alone.
func (r *Registry) SetCompleted(id string, result any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status != StatusRunning {
		return false
	}
	t.Status = StatusCompleted
	t.Progress = 100
	t.Result = result
	t.CompletedAt = time.Now()
	r.publish(t, bus.CompleteEvent(id, result))
	return true
}

// SetFailed transitions a running (or still-pending, for capacity-exceeded
// failures) task to failed with the given classification string.
func (r *Registry) SetFailed(id, errMsg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}
	t.Status = StatusFailed
	t.Error = errMsg
	t.CompletedAt = time.Now()
	r.publish(t, bus.ErrorEvent(id, errMsg))
	return true
}

// SetTimedOut transitions a non-terminal task to timed_out when its
// deadline elapses before reaching a terminal state.
func (r *Registry) SetTimedOut(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}
	t.Status = StatusTimedOut
	t.Error = "timeout"
	t.CompletedAt = time.Now()
	r.publish(t, bus.ErrorEvent(id, t.Error))
	return true
}

// Cancel requests cooperative cancellation of a non-terminal task. It
// invokes the task's context.CancelFunc so that stage code observing
// ctx.Err() between stages and at model-call boundaries can unwind, and
// marks the task cancelled if it has not already reached a terminal
// state by the time the caller asks. Returns orchestrator.ErrAlreadyTerminal
// semantics via the bool return: false means the task was already
// terminal and the cancellation request was a no-op.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.Status = StatusCancelled
	t.CompletedAt = time.Now()
	r.publish(t, bus.ErrorEvent(id, "cancelled"))
	return true
}

// Sweep removes tasks whose terminal age exceeds ttl. Returns the number
// of tasks removed.
func (r *Registry) Sweep(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	kept := r.order[:0]
	removed := 0
	for _, id := range r.order {
		t := r.tasks[id]
		if t.Status.Terminal() && now.Sub(t.CompletedAt) >= ttl {
			delete(r.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return removed
}

// RunSweeper blocks, sweeping every interval until ctx is cancelled.
// Intended to run as a single background goroutine started alongside the
// orchestrator, mirroring the teacher's cleanup-loop style in
// tts-worker/cmd/main.go's reconnect loop (select on ctx.Done vs ticker).
func (r *Registry) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ttl)
		}
	}
}
