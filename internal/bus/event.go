package bus

import "time"

// Kind discriminates a ProgressEvent. The zero value is never valid on
// the wire; every constructor below sets it explicitly.
type Kind string

const (
	KindStatus       Kind = "status"
	KindIntermediate Kind = "intermediate"
	KindComplete     Kind = "complete"
	KindError        Kind = "error"
)

// Event is the discriminated record described in spec.md §3 ProgressEvent.
// Only the fields relevant to Kind are populated; json tags omit zero
// values so SSE frames stay small.
type Event struct {
	Kind      Kind        `json:"kind"`
	TaskID    string      `json:"task_id"`
	Timestamp time.Time   `json:"timestamp"`

	// status
	Progress     int    `json:"progress,omitempty"`
	CurrentStep  string `json:"current_step,omitempty"`
	Status       string `json:"status,omitempty"`

	// intermediate
	Stage   string `json:"stage,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Index   *int   `json:"index,omitempty"`
	Total   *int   `json:"total,omitempty"`

	// complete
	Result any `json:"result,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

func StatusEvent(taskID string, progress int, currentStep, status string) Event {
	return Event{Kind: KindStatus, TaskID: taskID, Timestamp: time.Now(), Progress: progress, CurrentStep: currentStep, Status: status}
}

func IntermediateEvent(taskID, stage string, payload any) Event {
	return Event{Kind: KindIntermediate, TaskID: taskID, Timestamp: time.Now(), Stage: stage, Payload: payload}
}

func IntermediateSkipped(taskID, stage string, payload any) Event {
	e := IntermediateEvent(taskID, stage, payload)
	e.Skipped = true
	return e
}

func IndexedIntermediate(taskID, stage string, payload any, index, total int) Event {
	e := IntermediateEvent(taskID, stage, payload)
	e.Index = &index
	e.Total = &total
	return e
}

func CompleteEvent(taskID string, result any) Event {
	return Event{Kind: KindComplete, TaskID: taskID, Timestamp: time.Now(), Result: result}
}

func ErrorEvent(taskID, errMsg string) Event {
	return Event{Kind: KindError, TaskID: taskID, Timestamp: time.Now(), Error: errMsg}
}

// Terminal reports whether this event type ends a bus's lifetime.
func (e Event) Terminal() bool {
	return e.Kind == KindComplete || e.Kind == KindError
}
