// Package registry holds the process-wide, in-memory task map: the
// Task record, its status-guarded transitions, and the TTL sweeper that
// garbage-collects terminal tasks.
//
// Grounded on AaronKronberg-OpusGoLlama's TaskStore (status-guarded
// Set* transitions under a single mutex, copy-out snapshots for callers
// outside the lock) generalized from a flat status/result/error task to
// one carrying a progress percentage, a stage label, a map of named
// intermediates, and an attached bus.Bus for live progress fan-out.
package registry

import (
	"context"
	"time"

	"notepipe/internal/bus"
)

// Kind distinguishes the two task shapes the orchestrator accepts.
type Kind string

const (
	KindSmartNote    Kind = "smart_note"
	KindMultiSummary Kind = "multi_summary"
)

// Status is one of the task lifecycle states from spec §3. Terminal
// states are absorbing: once reached, no further transition succeeds.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Intermediate stage keys populated on Task.Intermediates as stages
// complete. Used both by pipeline/workflow code and by callers
// synthesizing a late-subscriber burst in stage order.
const (
	KeyOCRText              = "ocr_text"
	KeyCorrectedText        = "corrected_text"
	KeySummary              = "summary"
	KeyPerNoteSummary       = "per_note_summary"
	KeyComprehensiveSummary = "comprehensive_summary"
	KeyConfidenceScores     = "confidence_scores"
	KeyContentID            = "content_id"
	KeyTags                 = "tags"
)

// StageOrder lists every intermediate key in the order its stage can
// populate it, used to synthesize a deterministic late-subscriber burst.
var StageOrder = []string{
	KeyOCRText,
	KeyCorrectedText,
	KeySummary,
	KeyPerNoteSummary,
	KeyComprehensiveSummary,
	KeyConfidenceScores,
	KeyContentID,
	KeyTags,
}

// Task is one pipeline invocation. Every mutable field is guarded by the
// owning Registry's mutex; callers must go through Registry methods
// rather than mutating a Task directly.
type Task struct {
	ID     string
	Owner  string
	Kind   Kind
	Status Status

	Progress    int
	CurrentStep string

	Input         any
	Intermediates map[string]any
	Result        any
	Error         string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Deadline    time.Time

	Bus    *bus.Bus
	cancel context.CancelFunc
}

// Snapshot is an immutable copy of a Task's observable fields, safe to
// return to callers outside the registry lock.
type Snapshot struct {
	ID            string
	Owner         string
	Kind          Kind
	Status        Status
	Progress      int
	CurrentStep   string
	Intermediates map[string]any
	Result        any
	Error         string
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
	Deadline      time.Time
}

func (t *Task) snapshot() Snapshot {
	intermediates := make(map[string]any, len(t.Intermediates))
	for k, v := range t.Intermediates {
		intermediates[k] = v
	}
	return Snapshot{
		ID:            t.ID,
		Owner:         t.Owner,
		Kind:          t.Kind,
		Status:        t.Status,
		Progress:      t.Progress,
		CurrentStep:   t.CurrentStep,
		Intermediates: intermediates,
		Result:        t.Result,
		Error:         t.Error,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
		Deadline:      t.Deadline,
	}
}

// Burst synthesizes the late-subscriber replay burst described in spec
// §4.C: a status snapshot followed by one intermediate event per
// already-populated stage key, in stage order.
func (s Snapshot) Burst(taskID string) []bus.Event {
	events := make([]bus.Event, 0, len(StageOrder)+1)
	events = append(events, bus.StatusEvent(taskID, s.Progress, s.CurrentStep, string(s.Status)))
	for _, key := range StageOrder {
		if v, ok := s.Intermediates[key]; ok {
			events = append(events, bus.IntermediateEvent(taskID, key, v))
		}
	}
	return events
}
