package workflow

import (
	"context"
	"testing"
	"time"

	"notepipe/internal/model"
	"notepipe/internal/registry"
)

func newWorkflow(reg *registry.Registry) *Workflow {
	return &Workflow{
		Model:               model.NewClient(&model.MockProvider{}),
		Registry:            reg,
		FanoutLimit:         4,
		MinNotesThreshold:   3,
		ConfidenceThreshold: 0.60,
	}
}

func runWorkflowTask(t *testing.T, w *Workflow, notes []NoteInput, minThreshold *int) registry.Snapshot {
	t.Helper()
	reg := w.Registry
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := registry.NewTaskID()
	reg.Create(id, "owner", registry.KindMultiSummary, notes, time.Time{}, cancel)
	if !reg.SetRunning(id) {
		t.Fatalf("expected task to transition to running")
	}
	if err := w.Run(ctx, id, notes, minThreshold, time.Time{}); err != nil {
		t.Fatalf("unexpected workflow error: %v", err)
	}
	snap, ok := reg.Get(id)
	if !ok {
		t.Fatalf("task disappeared")
	}
	return snap
}

func TestBelowThresholdTakesSingleSummaryPath(t *testing.T) {
	reg := registry.New(32)
	w := newWorkflow(reg)
	notes := []NoteInput{{Title: "a", Content: "first note body"}, {Title: "b", Content: "second note body"}}

	snap := runWorkflowTask(t, w, notes, nil)
	if snap.Status != registry.StatusCompleted {
		t.Fatalf("want completed, got %s (error=%s)", snap.Status, snap.Error)
	}
	result, ok := snap.Result.(model.SummaryResult)
	if !ok {
		t.Fatalf("want SummaryResult, got %T", snap.Result)
	}
	if result.ProcessingMethod != model.ProcessingMethodSingle {
		t.Fatalf("want single processing method, got %s", result.ProcessingMethod)
	}
	if len(result.ConfidenceScores) != 1 {
		t.Fatalf("single path should carry exactly one confidence score, got %+v", result.ConfidenceScores)
	}
}

func TestAtOrAboveThresholdRunsMultiWorkflow(t *testing.T) {
	reg := registry.New(32)
	w := newWorkflow(reg)
	notes := []NoteInput{
		{Title: "a", Content: "alpha note about chemistry"},
		{Title: "b", Content: "beta note about chemistry too"},
		{Title: "c", Content: "gamma note about chemistry as well"},
	}

	snap := runWorkflowTask(t, w, notes, nil)
	if snap.Status != registry.StatusCompleted {
		t.Fatalf("want completed, got %s (error=%s)", snap.Status, snap.Error)
	}
	result, ok := snap.Result.(model.SummaryResult)
	if !ok {
		t.Fatalf("want SummaryResult, got %T", snap.Result)
	}
	if result.ProcessingMethod != model.ProcessingMethodMultiWorkflow && result.ProcessingMethod != model.ProcessingMethodMultiWorkflowFixed {
		t.Fatalf("want a multi-workflow processing method, got %s", result.ProcessingMethod)
	}
	if len(result.ConfidenceScores) != len(notes) {
		t.Fatalf("want one confidence score per note, got %d", len(result.ConfidenceScores))
	}
	for _, score := range result.ConfidenceScores {
		if score < 0 || score > 1 {
			t.Fatalf("want confidence scores in [0,1], got %f", score)
		}
	}
}

func TestMinThresholdOverrideAppliesPerSubmission(t *testing.T) {
	reg := registry.New(32)
	w := newWorkflow(reg)
	notes := []NoteInput{
		{Title: "a", Content: "alpha"},
		{Title: "b", Content: "beta"},
	}
	override := 2 // two notes now meets the (lowered) threshold

	snap := runWorkflowTask(t, w, notes, &override)
	result := snap.Result.(model.SummaryResult)
	if result.ProcessingMethod == model.ProcessingMethodSingle {
		t.Fatalf("want the override threshold to trigger the multi-workflow path, got %s", result.ProcessingMethod)
	}
}

func TestEmptyNotesIsInvalidInput(t *testing.T) {
	reg := registry.New(32)
	w := newWorkflow(reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := registry.NewTaskID()
	reg.Create(id, "owner", registry.KindMultiSummary, nil, time.Time{}, cancel)
	reg.SetRunning(id)

	if err := w.Run(ctx, id, nil, nil, time.Time{}); err == nil {
		t.Fatal("want an error for zero notes")
	}
	snap, _ := reg.Get(id)
	if snap.Status != registry.StatusFailed || snap.Error != "invalid_input" {
		t.Fatalf("want failed/invalid_input, got %s/%s", snap.Status, snap.Error)
	}
}

func TestCosineSimilarityIdenticalTextIsOne(t *testing.T) {
	score := cosineSimilarity("the quick brown fox", "the quick brown fox")
	if score < 0.999 {
		t.Fatalf("want ~1.0 for identical text, got %f", score)
	}
}

func TestCosineSimilarityDisjointTextIsZero(t *testing.T) {
	score := cosineSimilarity("alpha beta gamma", "delta epsilon zeta")
	if score != 0 {
		t.Fatalf("want 0 for disjoint vocabularies, got %f", score)
	}
}

func TestCosineSimilarityHandlesChineseText(t *testing.T) {
	score := cosineSimilarity("今天天气很好", "今天天气很好")
	if score < 0.999 {
		t.Fatalf("want ~1.0 for identical Chinese text, got %f", score)
	}
}

func TestPerNoteIntermediatesCarryIndexAndTotal(t *testing.T) {
	reg := registry.New(32)
	w := newWorkflow(reg)
	notes := []NoteInput{
		{Title: "a", Content: "alpha note"},
		{Title: "b", Content: "beta note"},
		{Title: "c", Content: "gamma note"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id := registry.NewTaskID()
	reg.Create(id, "owner", registry.KindMultiSummary, notes, time.Time{}, cancel)
	reg.SetRunning(id)

	b, ok := reg.Bus(id)
	if !ok {
		t.Fatalf("expected a bus")
	}
	ch := b.Subscribe(nil)

	if err := w.Run(ctx, id, notes, nil, time.Time{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	perNoteCount := 0
	for e := range ch {
		if e.Kind == "intermediate" && e.Stage == registry.KeyPerNoteSummary {
			if e.Index == nil || e.Total == nil {
				t.Fatalf("want (index, total) on per-note intermediate, got %+v", e)
			}
			perNoteCount++
		}
	}
	if perNoteCount != len(notes) {
		t.Fatalf("want %d per-note intermediates, got %d", len(notes), perNoteCount)
	}
}
