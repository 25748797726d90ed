package pipeline

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"notepipe/internal/cache"
	"notepipe/internal/events"
	"notepipe/internal/model"
	"notepipe/internal/persistence"
	"notepipe/internal/registry"
	"notepipe/internal/taggen"
)

func newHarness() (*Pipeline, *registry.Registry) {
	reg := registry.New(32)
	p := &Pipeline{
		Model:       model.NewClient(&model.MockProvider{}),
		Cache:       cache.NewMemoryStore(100, time.Hour),
		Registry:    reg,
		Persistence: persistence.NewMemoryStore(),
		Events:      events.NoopPublisher{},
	}
	p.TagGen = taggen.New(p.Model, p.Persistence, 200, 5)
	return p, reg
}

func runTask(t *testing.T, p *Pipeline, reg *registry.Registry, in Input) registry.Snapshot {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := registry.NewTaskID()
	reg.Create(id, in.Owner, registry.KindSmartNote, in, time.Time{}, cancel)
	if !reg.SetRunning(id) {
		t.Fatalf("expected task to transition to running")
	}
	if err := p.Run(ctx, id, in, time.Time{}); err != nil {
		t.Fatalf("unexpected pipeline error: %v", err)
	}
	snap, ok := reg.Get(id)
	if !ok {
		t.Fatalf("task disappeared")
	}
	return snap
}

func TestImageInputRunsAllFourStages(t *testing.T) {
	p, reg := newHarness()
	snap := runTask(t, p, reg, Input{Owner: "alice", Title: "note", ImageBytes: []byte("some image bytes")})

	if snap.Status != registry.StatusCompleted {
		t.Fatalf("want completed, got %s (error=%s)", snap.Status, snap.Error)
	}
	if snap.Progress != 100 {
		t.Fatalf("want progress 100, got %d", snap.Progress)
	}
	for _, key := range []string{registry.KeyOCRText, registry.KeyCorrectedText, registry.KeySummary, registry.KeyContentID, registry.KeyTags} {
		if _, ok := snap.Intermediates[key]; !ok {
			t.Fatalf("want intermediate %q recorded, got %+v", key, snap.Intermediates)
		}
	}
	result, ok := snap.Result.(model.SmartNoteResult)
	if !ok {
		t.Fatalf("want SmartNoteResult, got %T", snap.Result)
	}
	if result.ContentID <= 0 {
		t.Fatalf("want a positive content id, got %d", result.ContentID)
	}
}

func TestTextInputSkipsOCRStage(t *testing.T) {
	p, reg := newHarness()
	snap := runTask(t, p, reg, Input{Owner: "bob", Title: "note", Text: "hand-typed note body"})

	if snap.Status != registry.StatusCompleted {
		t.Fatalf("want completed, got %s (error=%s)", snap.Status, snap.Error)
	}
	ocrText, ok := snap.Intermediates[registry.KeyOCRText]
	if !ok || ocrText != "hand-typed note body" {
		t.Fatalf("want ocr_text to equal the input text verbatim, got %+v", ocrText)
	}
}

func TestCacheHitShortCircuitsToCompleteWithoutCallingTheModel(t *testing.T) {
	p, reg := newHarness()
	in := Input{Owner: "carol", Title: "cached note", Text: "same body every time"}

	first := runTask(t, p, reg, in)
	if first.Status != registry.StatusCompleted {
		t.Fatalf("first run: want completed, got %s", first.Status)
	}

	second := runTask(t, p, reg, in)
	if second.Status != registry.StatusCompleted {
		t.Fatalf("second run: want completed, got %s", second.Status)
	}
	if _, ok := second.Intermediates["cache_hit"]; !ok {
		t.Fatalf("want cache_hit intermediate on the second run, got %+v", second.Intermediates)
	}
	if _, ok := second.Intermediates[registry.KeyCorrectedText]; ok {
		t.Fatalf("cache hit must not run the model-backed stages, got %+v", second.Intermediates)
	}
	if !reflect.DeepEqual(second.Result, first.Result) {
		firstResult := first.Result.(model.SmartNoteResult)
		secondResult := second.Result.(model.SmartNoteResult)
		if firstResult.Summary.Title != secondResult.Summary.Title {
			t.Fatalf("cache hit should reproduce the original result, got %+v vs %+v", firstResult, secondResult)
		}
	}
}

type correctingProvider struct{ model.MockProvider }

func (c *correctingProvider) Correct(ctx context.Context, text string) (string, error) {
	return text + " (corrected)", nil
}

func TestOCRResultAndCorrectedResultAreKeptDistinct(t *testing.T) {
	p, reg := newHarness()
	p.Model = model.NewClient(&correctingProvider{})
	p.TagGen = taggen.New(p.Model, p.Persistence, 200, 5)

	snap := runTask(t, p, reg, Input{Owner: "frank", Title: "note", ImageBytes: []byte("some image bytes")})
	if snap.Status != registry.StatusCompleted {
		t.Fatalf("want completed, got %s (error=%s)", snap.Status, snap.Error)
	}

	result, ok := snap.Result.(model.SmartNoteResult)
	if !ok {
		t.Fatalf("want SmartNoteResult, got %T", snap.Result)
	}
	if result.OCRResult == result.CorrectedResult {
		t.Fatalf("want OCRResult and CorrectedResult to differ when correction changes the text, both are %q", result.OCRResult)
	}
	if result.CorrectedResult != result.OCRResult+" (corrected)" {
		t.Fatalf("want CorrectedResult to be the corrected OCR text, got ocr=%q corrected=%q", result.OCRResult, result.CorrectedResult)
	}
}

func TestImageInputNeverShortCircuitsViaCache(t *testing.T) {
	p, reg := newHarness()
	in := Input{Owner: "grace", Title: "same title", ImageBytes: []byte("identical bytes")}

	first := runTask(t, p, reg, in)
	if first.Status != registry.StatusCompleted {
		t.Fatalf("first run: want completed, got %s", first.Status)
	}
	if _, ok := first.Intermediates["cache_hit"]; ok {
		t.Fatalf("first run: did not expect a cache_hit intermediate")
	}

	second := runTask(t, p, reg, in)
	if second.Status != registry.StatusCompleted {
		t.Fatalf("second run: want completed, got %s", second.Status)
	}
	if _, ok := second.Intermediates["cache_hit"]; ok {
		t.Fatalf("second run: image input must not be served from cache, got %+v", second.Intermediates)
	}
}

type failingProvider struct{ model.MockProvider }

func (f *failingProvider) GenerateTags(ctx context.Context, summary model.SummaryContent, knowledgeText string, existingTags []string) (model.TagGenResult, error) {
	return model.TagGenResult{}, errors.New("tag service unavailable")
}

func TestTagGenerationFailureDoesNotFailTheParentTask(t *testing.T) {
	p, reg := newHarness()
	p.Model = model.NewClient(&failingProvider{})
	p.TagGen = taggen.New(p.Model, p.Persistence, 200, 5)

	snap := runTask(t, p, reg, Input{Owner: "dave", Title: "note", Text: "body text"})
	if snap.Status != registry.StatusCompleted {
		t.Fatalf("want completed despite tag generation failure, got %s (error=%s)", snap.Status, snap.Error)
	}
	tags, ok := snap.Intermediates[registry.KeyTags].([]model.Tag)
	if !ok {
		t.Fatalf("want a tags intermediate of type []model.Tag, got %T", snap.Intermediates[registry.KeyTags])
	}
	if len(tags) != 0 {
		t.Fatalf("want zero tags when generation fails, got %+v", tags)
	}
}

func TestProgressIsMonotonicAcrossStagesAndEndsWithExactlyOneTerminalEvent(t *testing.T) {
	p, reg := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := registry.NewTaskID()
	in := Input{Owner: "erin", Title: "note", ImageBytes: []byte("bytes")}
	reg.Create(id, in.Owner, registry.KindSmartNote, in, time.Time{}, cancel)
	reg.SetRunning(id)

	b, ok := reg.Bus(id)
	if !ok {
		t.Fatalf("expected a bus for task %s", id)
	}
	ch := b.Subscribe(nil)

	if err := p.Run(ctx, id, in, time.Time{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lastProgress := -1
	terminalCount := 0
	for e := range ch {
		if e.Kind == "status" && e.Progress > 0 {
			if e.Progress < lastProgress {
				t.Fatalf("progress went backwards: %d after %d", e.Progress, lastProgress)
			}
			lastProgress = e.Progress
		}
		if e.Terminal() {
			terminalCount++
		}
	}
	if terminalCount != 1 {
		t.Fatalf("want exactly one terminal event, got %d", terminalCount)
	}
}
