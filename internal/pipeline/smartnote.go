// Package pipeline implements the Smart-Note pipeline (spec §4.F): the
// linear four-stage state machine driving one image or text note from
// raw input through OCR, correction, summarization, and persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"notepipe/internal/cache"
	"notepipe/internal/events"
	"notepipe/internal/model"
	"notepipe/internal/persistence"
	"notepipe/internal/registry"
	"notepipe/internal/taggen"
	"notepipe/internal/taskerr"
)

// Stage labels from spec §4.F's table, used both as Task.CurrentStep
// values and as the keys under which intermediates are recorded.
const (
	StageOCR         = "ocr_recognition"
	StageCorrection  = "error_correction"
	StageSummary     = "note_summary"
	StagePersistence = "save_to_database"
)

// Input is one Smart-Note submission. Exactly one of ImageBytes or
// Text is populated, selecting the pipeline's entry stage per spec
// §4.F.
type Input struct {
	Owner string
	Title string

	ImageBytes []byte
	Text       string
}

func (in Input) isText() bool { return in.ImageBytes == nil }

// Pipeline wires every collaborator the Smart-Note state machine calls.
// Grounded on original_source's SmartNoteService._process_task (the
// same four-step sequential await chain, each step updating task
// status/progress before running) reimplemented atop notepipe's
// registry-mediated event publishing instead of a dict-based task
// store, and on worker/internal/worker.go's handleSTT/handleSummary
// pattern of checking for an early-return condition after each
// fallible step.
type Pipeline struct {
	Model       *model.Client
	Cache       cache.Store
	Registry    *registry.Registry
	Persistence persistence.Store
	TagGen      *taggen.Generator
	Events      events.Publisher
}

// Run drives task id through the pipeline. The task must already be in
// the running state (the orchestrator transitions pending->running
// after acquiring a concurrency gate slot before calling Run). Run
// itself performs every remaining registry-mediated transition,
// including the terminal one; its return value is for logging only.
func (p *Pipeline) Run(ctx context.Context, id string, in Input, deadline time.Time) error {
	// Spec §4.B's normalization is defined for text input only; image
	// tasks skip the cache entirely rather than hashing the raw bytes.
	cacheable := in.isText()
	var hash [32]byte
	if cacheable {
		hash = cacheHash(in)
		if entry, hit := p.Cache.Get(ctx, hash); hit {
			log.Printf("pipeline: cache hit for task %s", id)
			p.Registry.SetIntermediate(id, "cache_hit", true)
			p.Registry.SetCompleted(id, entry.Result)
			return nil
		}
		log.Printf("pipeline: cache miss for task %s", id)
	}

	ocrText, err := p.runOCR(ctx, id, in, deadline)
	if err != nil {
		p.fail(id, err)
		return err
	}

	correctedText, err := p.runCorrection(ctx, id, ocrText, deadline)
	if err != nil {
		p.fail(id, err)
		return err
	}

	summary, err := p.runSummary(ctx, id, correctedText, deadline)
	if err != nil {
		p.fail(id, err)
		return err
	}

	result, err := p.runPersistence(ctx, id, in.Owner, ocrText, correctedText, summary, deadline)
	if err != nil {
		p.fail(id, err)
		return err
	}

	if cacheable {
		if err := p.Cache.Put(ctx, cache.CacheEntry{Hash: hash, Kind: "smart_note", Result: result, CreatedAt: time.Now()}); err != nil {
			log.Printf("pipeline: cache put failed for task %s: %v", id, err)
		}
	}
	p.Registry.SetCompleted(id, result)
	return nil
}

func (p *Pipeline) runOCR(ctx context.Context, id string, in Input, deadline time.Time) (string, error) {
	if err := checkCancelled(ctx); err != nil {
		return "", err
	}

	if in.isText() {
		p.Registry.SetSkippedIntermediate(id, registry.KeyOCRText, in.Text)
		p.Registry.SetProgress(id, 30, StageCorrection)
		return in.Text, nil
	}

	p.Registry.SetProgress(id, 5, StageOCR)
	text, err := p.Model.OCR(ctx, deadline, in.ImageBytes, "")
	if err != nil {
		return "", err
	}
	p.Registry.SetIntermediate(id, registry.KeyOCRText, text)
	p.Registry.SetProgress(id, 30, StageCorrection)
	return text, nil
}

func (p *Pipeline) runCorrection(ctx context.Context, id, ocrText string, deadline time.Time) (string, error) {
	if err := checkCancelled(ctx); err != nil {
		return "", err
	}

	corrected, err := p.Model.Correct(ctx, deadline, ocrText)
	if err != nil {
		return "", err
	}
	p.Registry.SetIntermediate(id, registry.KeyCorrectedText, corrected)
	p.Registry.SetProgress(id, 55, StageSummary)
	return corrected, nil
}

func (p *Pipeline) runSummary(ctx context.Context, id, correctedText string, deadline time.Time) (model.SummaryContent, error) {
	if err := checkCancelled(ctx); err != nil {
		return model.SummaryContent{}, err
	}

	prompt := p.Model.Prompts.Render(model.TemplateSingleSummary, map[string]string{"text": correctedText})
	summary, err := p.Model.Summarize(ctx, deadline, prompt, model.TemplateSingleSummary)
	if err != nil {
		return model.SummaryContent{}, err
	}

	if len(summary.Keywords) == 0 {
		keywordPrompt := p.Model.Prompts.Render(model.TemplateKeywordExtraction, map[string]string{"text": correctedText})
		keywordSummary, kerr := p.Model.Summarize(ctx, deadline, keywordPrompt, model.TemplateKeywordExtraction)
		if kerr != nil {
			log.Printf("pipeline: keyword extraction call failed for task %s, continuing without keywords: %v", id, kerr)
		} else {
			summary.Keywords = splitKeywords(keywordSummary.ContentMarkdown)
		}
	}

	p.Registry.SetIntermediate(id, registry.KeySummary, summary)
	p.Registry.SetProgress(id, 80, StagePersistence)
	return summary, nil
}

func (p *Pipeline) runPersistence(ctx context.Context, id, owner, ocrText, correctedText string, summary model.SummaryContent, deadline time.Time) (model.SmartNoteResult, error) {
	if err := checkCancelled(ctx); err != nil {
		return model.SmartNoteResult{}, err
	}

	contentID, err := p.Persistence.StoreContent(ctx, owner, correctedText, summary.Title, summary.Topic, summary.ContentMarkdown, correctedText)
	if err != nil {
		return model.SmartNoteResult{}, fmt.Errorf("%w: %v", taskerr.ErrPersistence, err)
	}
	p.Registry.SetIntermediate(id, registry.KeyContentID, contentID)

	var tags []model.Tag
	if p.TagGen != nil {
		generated, tagErr := p.TagGen.Generate(ctx, deadline, contentID, summary, correctedText)
		if tagErr != nil {
			log.Printf("pipeline: tag generation failed for task %s, completing with no tags: %v", id, tagErr)
		} else {
			tags = generated
		}
	}
	p.Registry.SetIntermediate(id, registry.KeyTags, tags)

	if p.Events != nil {
		tagNames := make([]string, 0, len(tags))
		for _, tag := range tags {
			tagNames = append(tagNames, tag.Name)
		}
		if pubErr := p.Events.PublishCompleted(ctx, events.CompletedEvent{ContentID: contentID, Owner: owner, Tags: tagNames}); pubErr != nil {
			log.Printf("pipeline: outbox publish failed for task %s: %v", id, pubErr)
		}
	}

	return model.SmartNoteResult{
		OCRResult:       ocrText,
		CorrectedResult: correctedText,
		Summary:         summary,
		ContentID:       contentID,
		Tags:            tags,
	}, nil
}

func (p *Pipeline) fail(id string, err error) {
	switch {
	case errors.Is(err, taskerr.ErrCancelled):
		return
	case errors.Is(err, taskerr.ErrTimeout):
		p.Registry.SetTimedOut(id)
	default:
		p.Registry.SetFailed(id, taskerr.Classify(err))
	}
}

func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", taskerr.ErrCancelled, err)
	}
	return nil
}

func splitKeywords(text string) []string {
	var keywords []string
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == ',' }) {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			keywords = append(keywords, trimmed)
		}
	}
	return keywords
}

// cacheHash is only ever called for text input — image tasks skip the
// cache entirely (spec §4.B normalization is defined for text only).
func cacheHash(in Input) [32]byte {
	return cache.Hash("smart_note", in.Title, in.Text)
}
