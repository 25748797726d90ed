// Package taggen implements the Tag Generator (spec §4.H): the
// post-stage attached to the end of the Smart-Note pipeline that
// matches existing tags and mints new ones for a persisted content
// record.
package taggen

import (
	"context"
	"sort"
	"strings"
	"time"

	"notepipe/internal/model"
	"notepipe/internal/persistence"
)

// Generator drives spec §4.H's fetch/generate/normalize/persist flow.
// Grounded on other_examples/cognicore-io-korel__pipeline.go's
// tokenize -> parse -> match-or-mint taxonomy shape, adapted to call
// out to a model.Client rather than a local tokenizer and to persist
// through persistence.Store rather than an in-memory taxonomy.
type Generator struct {
	Client         *model.Client
	Store          persistence.Store
	MaxExistingTags int
	MaxTagsPerContent int
}

// New constructs a Generator with the given bounds (spec §4.H
// defaults: 200 existing tags fetched, 5 tags persisted per content).
func New(client *model.Client, store persistence.Store, maxExistingTags, maxTagsPerContent int) *Generator {
	return &Generator{
		Client:            client,
		Store:             store,
		MaxExistingTags:   maxExistingTags,
		MaxTagsPerContent: maxTagsPerContent,
	}
}

// Generate fetches existing tag names, calls generate_tags, normalizes
// the result, persists (content, tag, confidence) associations, and
// returns the final tag set for the complete event's SmartNoteResult.
func (g *Generator) Generate(ctx context.Context, deadline time.Time, contentID int64, summary model.SummaryContent, knowledgeText string) ([]model.Tag, error) {
	existingNames, err := g.Store.ListExistingTags(ctx, g.MaxExistingTags)
	if err != nil {
		return nil, err
	}

	raw, err := g.Client.GenerateTags(ctx, deadline, summary, knowledgeText, existingNames)
	if err != nil {
		return nil, err
	}

	tags := normalize(raw, existingNames, g.MaxTagsPerContent)

	final := make([]model.Tag, 0, len(tags))
	for _, tag := range tags {
		tagID, err := g.Store.UpsertTag(ctx, tag.Name)
		if err != nil {
			return nil, err
		}
		if err := g.Store.Associate(ctx, contentID, tagID, tag.Confidence); err != nil {
			return nil, err
		}
		final = append(final, tag)
	}
	return final, nil
}

// normalize trims whitespace, rejects empty names, deduplicates
// case-insensitively (existing wins over new on a duplicate name), and
// caps the total at maxTags, per spec §4.H step 3.
func normalize(raw model.TagGenResult, existingNames []string, maxTags int) []model.Tag {
	existingSet := make(map[string]bool, len(existingNames))
	for _, name := range existingNames {
		existingSet[strings.ToLower(strings.TrimSpace(name))] = true
	}

	seen := make(map[string]bool)
	var tags []model.Tag

	for _, name := range raw.Existing {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if seen[key] {
			continue
		}
		seen[key] = true
		// Matches original_source's tag_generation_service.py, which
		// persists existing-tag associations at a flat 0.8 confidence
		// rather than claiming full certainty for a model-suggested match.
		tags = append(tags, model.Tag{Name: trimmed, Confidence: 0.8, IsNew: false})
	}

	// Sort new candidates by descending confidence so, under the cap,
	// the most confident new tags are kept.
	newCandidates := append([]model.TagCandidate(nil), raw.New...)
	sort.SliceStable(newCandidates, func(i, j int) bool {
		return newCandidates[i].Confidence > newCandidates[j].Confidence
	})

	for _, candidate := range newCandidates {
		trimmed := strings.TrimSpace(candidate.Name)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if seen[key] {
			continue
		}
		seen[key] = true
		tags = append(tags, model.Tag{
			Name:       trimmed,
			Confidence: candidate.Confidence,
			IsNew:      !existingSet[key],
		})
	}

	if maxTags > 0 && len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	return tags
}
