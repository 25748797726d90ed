// Package workflow implements the Multi-Note Workflow (spec §4.G): a
// single-summary path for submissions below the minimum note threshold,
// and otherwise the fan-out/fan-in summarizer with cosine-similarity
// confidence scoring and an at-most-once correction pass.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"notepipe/internal/model"
	"notepipe/internal/registry"
	"notepipe/internal/taskerr"
)

// maxNotes is spec §4.G / §5's resource limit: at most 64 notes per
// multi-workflow submission.
const maxNotes = 64

// NoteInput is one note in a multi-note submission.
type NoteInput struct {
	Title   string
	Content string
}

// Workflow wires the collaborators the Multi-Note state machine calls.
// Grounded on worker/internal/worker/worker.go's bounded-parallel
// fan-out over a job slice (a semaphore-sized goroutine pool joined by
// a WaitGroup) combined with AaronKronberg-OpusGoLlama's
// multierror-based error aggregation across parallel subtasks.
type Workflow struct {
	Model    *model.Client
	Registry *registry.Registry

	FanoutLimit         int
	MinNotesThreshold   int
	ConfidenceThreshold float64
}

// Run drives task id through the Multi-Note dispatch. Like
// pipeline.Pipeline.Run, it assumes the task is already in the running
// state and performs every remaining registry-mediated transition,
// including the terminal one.
func (w *Workflow) Run(ctx context.Context, id string, notes []NoteInput, minThreshold *int, deadline time.Time) error {
	if len(notes) == 0 {
		err := fmt.Errorf("%w: at least one note is required", taskerr.ErrInvalidInput)
		w.Registry.SetFailed(id, taskerr.Classify(err))
		return err
	}
	if len(notes) > maxNotes {
		err := fmt.Errorf("%w: %d notes exceeds the limit of %d", taskerr.ErrInvalidInput, len(notes), maxNotes)
		w.Registry.SetFailed(id, taskerr.Classify(err))
		return err
	}

	threshold := w.MinNotesThreshold
	if minThreshold != nil {
		threshold = *minThreshold
	}

	var result model.SummaryResult
	var err error
	if len(notes) < threshold {
		result, err = w.runSingle(ctx, id, notes, deadline)
	} else {
		result, err = w.runMultiWorkflow(ctx, id, notes, deadline)
	}
	if err != nil {
		w.fail(id, err)
		return err
	}

	w.Registry.SetCompleted(id, result)
	return nil
}

func (w *Workflow) runSingle(ctx context.Context, id string, notes []NoteInput, deadline time.Time) (model.SummaryResult, error) {
	if err := checkCancelled(ctx); err != nil {
		return model.SummaryResult{}, err
	}
	w.Registry.SetProgress(id, 10, "summarizing")

	concatenated := joinNotes(notes)
	prompt := w.Model.Prompts.Render(model.TemplateSingleNoteSummary, map[string]string{"text": concatenated})
	summary, err := w.Model.Summarize(ctx, deadline, prompt, model.TemplateSingleNoteSummary)
	if err != nil {
		return model.SummaryResult{}, err
	}
	w.Registry.SetIntermediate(id, registry.KeySummary, summary)

	// Single-note path performs no fan-in scoring; spec.md's scenario 3
	// still requires confidence_scores to carry exactly one entry here.
	scores := []float64{1.0}
	w.Registry.SetIntermediate(id, registry.KeyConfidenceScores, scores)

	return model.SummaryResult{
		Title:            summary.Title,
		Topic:            summary.Topic,
		ContentMarkdown:  summary.ContentMarkdown,
		ConfidenceScores: scores,
		ProcessingMethod: model.ProcessingMethodSingle,
	}, nil
}

func (w *Workflow) runMultiWorkflow(ctx context.Context, id string, notes []NoteInput, deadline time.Time) (model.SummaryResult, error) {
	perNote, err := w.fanOut(ctx, id, notes, deadline)
	if err != nil {
		return model.SummaryResult{}, err
	}

	if err := checkCancelled(ctx); err != nil {
		return model.SummaryResult{}, err
	}
	comprehensive, err := w.summarizeComprehensive(ctx, id, perNote, deadline)
	if err != nil {
		return model.SummaryResult{}, err
	}

	scores := scoreAgainst(comprehensive.ContentMarkdown, perNote)
	w.Registry.SetIntermediate(id, registry.KeyConfidenceScores, scores)

	processingMethod := model.ProcessingMethodMultiWorkflow
	if mean(scores) < w.ConfidenceThreshold {
		if err := checkCancelled(ctx); err != nil {
			return model.SummaryResult{}, err
		}
		corrected, err := w.Model.Correct(ctx, deadline, comprehensive.ContentMarkdown)
		if err != nil {
			return model.SummaryResult{}, err
		}
		comprehensive.ContentMarkdown = corrected
		scores = scoreAgainst(corrected, perNote)
		processingMethod = model.ProcessingMethodMultiWorkflowFixed

		w.Registry.SetIntermediate(id, registry.KeyComprehensiveSummary, comprehensive)
		w.Registry.SetIntermediate(id, registry.KeyConfidenceScores, scores)
	}

	return model.SummaryResult{
		Title:            comprehensive.Title,
		Topic:            comprehensive.Topic,
		ContentMarkdown:  comprehensive.ContentMarkdown,
		ConfidenceScores: scores,
		ProcessingMethod: processingMethod,
	}, nil
}

// fanOut runs one per-note summarize call per note, bounded by
// FanoutLimit concurrent calls, preserving input order in the returned
// slice while emitting each result as an indexed intermediate as soon
// as it arrives (spec §4.G: "must be emitted as they arrive, not after
// the whole fan-out completes"). Progress advances proportionally to
// completed calls within the 10-60 band.
func (w *Workflow) fanOut(ctx context.Context, id string, notes []NoteInput, deadline time.Time) ([]model.SummaryContent, error) {
	results := make([]model.SummaryContent, len(notes))
	sem := make(chan struct{}, w.FanoutLimit)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var merr *multierror.Error
	completed := 0

	for i, note := range notes {
		wg.Add(1)
		go func(i int, note NoteInput) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := checkCancelled(ctx); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
				return
			}

			prompt := w.Model.Prompts.Render(model.TemplatePerNoteSummary, map[string]string{
				"index": fmt.Sprintf("%d", i+1),
				"total": fmt.Sprintf("%d", len(notes)),
				"text":  note.Content,
			})
			summary, err := w.Model.Summarize(ctx, deadline, prompt, model.TemplatePerNoteSummary)
			if err != nil {
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("note %d: %w", i, err))
				mu.Unlock()
				return
			}

			mu.Lock()
			results[i] = summary
			completed++
			progress := 10 + int(float64(completed)/float64(len(notes))*50)
			mu.Unlock()

			w.Registry.SetIndexedIntermediate(id, registry.KeyPerNoteSummary, summary, i, len(notes))
			w.Registry.SetProgress(id, progress, "fan_out")
		}(i, note)
	}
	wg.Wait()

	if err := merr.ErrorOrNil(); err != nil {
		if allCancelled(merr) {
			return nil, fmt.Errorf("%w: fan-out cancelled", taskerr.ErrCancelled)
		}
		return nil, err
	}
	return results, nil
}

// allCancelled reports whether every aggregated fan-out failure was a
// cancellation, so Run can classify the task as cancelled rather than
// failed when the whole batch was cut short by ctx cancellation.
func allCancelled(merr *multierror.Error) bool {
	if merr == nil || len(merr.Errors) == 0 {
		return false
	}
	for _, e := range merr.Errors {
		if !errors.Is(e, taskerr.ErrCancelled) {
			return false
		}
	}
	return true
}

func (w *Workflow) summarizeComprehensive(ctx context.Context, id string, perNote []model.SummaryContent, deadline time.Time) (model.SummaryContent, error) {
	joined := joinSummaries(perNote)
	prompt := w.Model.Prompts.Render(model.TemplateComprehensiveSummary, map[string]string{"text": joined})
	comprehensive, err := w.Model.Summarize(ctx, deadline, prompt, model.TemplateComprehensiveSummary)
	if err != nil {
		return model.SummaryContent{}, err
	}
	w.Registry.SetIntermediate(id, registry.KeyComprehensiveSummary, comprehensive)
	w.Registry.SetProgress(id, 75, "comprehensive_summary")
	return comprehensive, nil
}

func scoreAgainst(comprehensive string, perNote []model.SummaryContent) []float64 {
	scores := make([]float64, len(perNote))
	for i, note := range perNote {
		scores[i] = cosineSimilarity(comprehensive, note.ContentMarkdown)
	}
	return scores
}

func (w *Workflow) fail(id string, err error) {
	switch {
	case errors.Is(err, taskerr.ErrCancelled):
		return
	case errors.Is(err, taskerr.ErrTimeout):
		w.Registry.SetTimedOut(id)
	default:
		w.Registry.SetFailed(id, taskerr.Classify(err))
	}
}

func joinNotes(notes []NoteInput) string {
	s := ""
	for i, n := range notes {
		if i > 0 {
			s += "\n\n"
		}
		s += n.Content
	}
	return s
}

func joinSummaries(summaries []model.SummaryContent) string {
	s := ""
	for i, sum := range summaries {
		if i > 0 {
			s += "\n\n"
		}
		s += sum.ContentMarkdown
	}
	return s
}

func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", taskerr.ErrCancelled, err)
	}
	return nil
}
