// Package orchestrator wires every collaborator package behind the
// single injected dependency described in spec §4.L: model client,
// cache, bus-backed registry, concurrency gate, persistence, tag
// generator, outbox publisher, and the Smart-Note pipeline / Multi-Note
// workflow state machines.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"notepipe/internal/cache"
	"notepipe/internal/events"
	"notepipe/internal/gate"
	"notepipe/internal/model"
	"notepipe/internal/persistence"
	"notepipe/internal/pipeline"
	"notepipe/internal/registry"
	"notepipe/internal/sse"
	"notepipe/internal/taggen"
	"notepipe/internal/taskerr"
	"notepipe/internal/workflow"
)

// ErrNotTerminal is returned by GetResult for a task that has not yet
// reached a terminal status (the in-process equivalent of the spec §6
// 409 response).
var ErrNotTerminal = errors.New("orchestrator: task is not terminal")

// ErrAlreadyTerminal is returned by Cancel for a task that has already
// reached a terminal status.
var ErrAlreadyTerminal = errors.New("orchestrator: task is already terminal")

// ErrTaskNotFound is returned by GetTask/GetResult/Cancel/Stream for an
// unknown task id.
var ErrTaskNotFound = errors.New("orchestrator: task not found")

// Limits bounds validated at submission time, per spec §5's resource
// limits and §7's invalid_input cases.
type Limits struct {
	MaxImageBytes       int
	MaxContentLength    int
	MaxNotesPerWorkflow int
}

func defaultLimits() Limits {
	return Limits{
		MaxImageBytes:       10 * 1024 * 1024,
		MaxContentLength:    2000,
		MaxNotesPerWorkflow: 64,
	}
}

// Orchestrator is the single dependency cmd/server/main.go drives.
type Orchestrator struct {
	Registry    *registry.Registry
	Gate        *gate.Gate
	Cache       cache.Store
	Model       *model.Client
	Persistence persistence.Store
	TagGen      *taggen.Generator
	Events      events.Publisher

	Limits              Limits
	TaskTimeout         time.Duration
	QueueWaitTimeout    time.Duration
	MinNotesThreshold   int
	ConfidenceThreshold float64
	PerTaskFanoutLimit  int
}

// New constructs an Orchestrator with the given collaborators and
// spec-default limits; callers override fields afterward as needed
// (e.g. from internal/config.Config).
func New(reg *registry.Registry, g *gate.Gate, c cache.Store, m *model.Client, store persistence.Store, tagGen *taggen.Generator, pub events.Publisher) *Orchestrator {
	return &Orchestrator{
		Registry:            reg,
		Gate:                g,
		Cache:               c,
		Model:               m,
		Persistence:         store,
		TagGen:              tagGen,
		Events:              pub,
		Limits:              defaultLimits(),
		TaskTimeout:         300 * time.Second,
		QueueWaitTimeout:    30 * time.Second,
		MinNotesThreshold:   3,
		ConfidenceThreshold: 0.60,
		PerTaskFanoutLimit:  4,
	}
}

// SubmitSmartNoteImage validates and enqueues an image-based Smart-Note
// task, returning its id immediately (submission never blocks on the
// pipeline itself). contentType is the uploaded file's declared MIME
// type (e.g. the multipart part's Content-Type header); per spec §7's
// "unsupported image type" invalid_input case, anything outside
// image/* is rejected before a task is created.
func (o *Orchestrator) SubmitSmartNoteImage(ctx context.Context, owner, title string, imageBytes []byte, contentType string) (string, error) {
	if len(imageBytes) == 0 {
		return "", fmt.Errorf("%w: image is empty", taskerr.ErrInvalidInput)
	}
	if len(imageBytes) > o.Limits.MaxImageBytes {
		return "", fmt.Errorf("%w: image exceeds %d bytes", taskerr.ErrInvalidInput, o.Limits.MaxImageBytes)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("%w: unsupported image type %q", taskerr.ErrInvalidInput, contentType)
	}
	in := pipeline.Input{Owner: owner, Title: title, ImageBytes: imageBytes}
	return o.submitSmartNote(ctx, owner, in)
}

// SubmitSmartNoteText validates and enqueues a text-based Smart-Note
// task.
func (o *Orchestrator) SubmitSmartNoteText(ctx context.Context, owner, title, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("%w: text is empty", taskerr.ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > o.Limits.MaxContentLength {
		return "", fmt.Errorf("%w: text exceeds %d characters", taskerr.ErrInvalidInput, o.Limits.MaxContentLength)
	}
	in := pipeline.Input{Owner: owner, Title: title, Text: text}
	return o.submitSmartNote(ctx, owner, in)
}

func (o *Orchestrator) submitSmartNote(ctx context.Context, owner string, in pipeline.Input) (string, error) {
	id := registry.NewTaskID()
	deadline := time.Now().Add(o.TaskTimeout)
	taskCtx, cancel := context.WithCancel(context.Background())
	o.Registry.Create(id, owner, registry.KindSmartNote, in, deadline, cancel)

	p := &pipeline.Pipeline{
		Model:       o.Model,
		Cache:       o.Cache,
		Registry:    o.Registry,
		Persistence: o.Persistence,
		TagGen:      o.TagGen,
		Events:      o.Events,
	}

	go o.run(taskCtx, cancel, id, func(runCtx context.Context) error {
		return p.Run(runCtx, id, in, deadline)
	})

	return id, nil
}

// NoteInput is the orchestrator-facing note shape for a multi-note
// submission, mirrored from workflow.NoteInput so callers don't need to
// import the workflow package directly.
type NoteInput = workflow.NoteInput

// SubmitMultiNoteSummary validates and enqueues a Multi-Note Workflow
// task. minThreshold overrides o.MinNotesThreshold for this submission
// only, when non-nil.
func (o *Orchestrator) SubmitMultiNoteSummary(ctx context.Context, owner string, notes []NoteInput, minThreshold *int) (string, error) {
	if len(notes) == 0 {
		return "", fmt.Errorf("%w: at least one note is required", taskerr.ErrInvalidInput)
	}
	if len(notes) > o.Limits.MaxNotesPerWorkflow {
		return "", fmt.Errorf("%w: %d notes exceeds the limit of %d", taskerr.ErrInvalidInput, len(notes), o.Limits.MaxNotesPerWorkflow)
	}
	for _, n := range notes {
		if utf8.RuneCountInString(n.Content) > o.Limits.MaxContentLength {
			return "", fmt.Errorf("%w: a note exceeds %d characters", taskerr.ErrInvalidInput, o.Limits.MaxContentLength)
		}
	}

	id := registry.NewTaskID()
	deadline := time.Now().Add(o.TaskTimeout)
	taskCtx, cancel := context.WithCancel(context.Background())
	o.Registry.Create(id, owner, registry.KindMultiSummary, notes, deadline, cancel)

	w := &workflow.Workflow{
		Model:               o.Model,
		Registry:            o.Registry,
		FanoutLimit:         o.PerTaskFanoutLimit,
		MinNotesThreshold:   o.MinNotesThreshold,
		ConfidenceThreshold: o.ConfidenceThreshold,
	}

	go o.run(taskCtx, cancel, id, func(runCtx context.Context) error {
		return w.Run(runCtx, id, notes, minThreshold, deadline)
	})

	return id, nil
}

// run acquires a concurrency gate slot, transitions the task to
// running, starts the per-task deadline watchdog, invokes body, and
// releases the slot on return. Grounded on tts-worker/internal/worker's
// acquire-semaphore-then-process shape, generalized from a fixed-size
// `sem := make(chan struct{}, N)` to gate.Gate's bounded-wait Acquire.
func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, id string, body func(context.Context) error) {
	defer cancel()

	timeout := make(chan struct{})
	timer := time.AfterFunc(o.QueueWaitTimeout, func() { close(timeout) })
	defer timer.Stop()
	if err := o.Gate.Acquire(ctx, timeout); err != nil {
		o.Registry.SetFailed(id, taskerr.Classify(fmt.Errorf("%w: %v", taskerr.ErrCapacityExceeded, err)))
		return
	}
	defer o.Gate.Release()

	if !o.Registry.SetRunning(id) {
		return
	}

	watchdogCtx, stopWatchdog := context.WithCancel(context.Background())
	go o.watchDeadline(watchdogCtx, id, cancel)
	defer stopWatchdog()

	if err := body(ctx); err != nil {
		log.Printf("orchestrator: task %s finished with error: %v", id, err)
	}
}

func (o *Orchestrator) watchDeadline(ctx context.Context, id string, cancelTask context.CancelFunc) {
	snap, ok := o.Registry.Get(id)
	if !ok || snap.Deadline.IsZero() {
		return
	}
	select {
	case <-time.After(time.Until(snap.Deadline)):
		if o.Registry.SetTimedOut(id) {
			cancelTask()
		}
	case <-ctx.Done():
	}
}

// GetTask returns a snapshot of task id.
func (o *Orchestrator) GetTask(id string) (registry.Snapshot, error) {
	snap, ok := o.Registry.Get(id)
	if !ok {
		return registry.Snapshot{}, ErrTaskNotFound
	}
	return snap, nil
}

// GetResult returns the terminal result for task id, or ErrNotTerminal
// if it hasn't reached one yet.
func (o *Orchestrator) GetResult(id string) (any, error) {
	snap, ok := o.Registry.Get(id)
	if !ok {
		return nil, ErrTaskNotFound
	}
	if !snap.Status.Terminal() {
		return nil, ErrNotTerminal
	}
	return snap.Result, nil
}

// Cancel requests cooperative cancellation of task id.
func (o *Orchestrator) Cancel(id string) error {
	snap, ok := o.Registry.Get(id)
	if !ok {
		return ErrTaskNotFound
	}
	if snap.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	if !o.Registry.Cancel(id) {
		return ErrAlreadyTerminal
	}
	return nil
}

// Stream writes task id's event stream to w until end-of-stream or
// client disconnect, delegating to internal/sse.
func (o *Orchestrator) Stream(r *http.Request, w http.ResponseWriter, id string) error {
	snap, ok := o.Registry.Get(id)
	if !ok {
		return ErrTaskNotFound
	}
	b, ok := o.Registry.Bus(id)
	if !ok {
		return ErrTaskNotFound
	}
	return sse.Stream(w, r, b, snap.Burst(id))
}
