package taggen

import (
	"context"
	"testing"
	"time"

	"notepipe/internal/model"
	"notepipe/internal/persistence"
)

type stubTagProvider struct {
	result model.TagGenResult
}

func (s *stubTagProvider) OCR(ctx context.Context, imageBytes []byte, prompt string) (string, error) {
	return "", nil
}
func (s *stubTagProvider) Correct(ctx context.Context, text string) (string, error) { return text, nil }
func (s *stubTagProvider) Summarize(ctx context.Context, text, template string) (model.SummaryContent, error) {
	return model.SummaryContent{}, nil
}
func (s *stubTagProvider) GenerateTags(ctx context.Context, summary model.SummaryContent, knowledgeText string, existingTags []string) (model.TagGenResult, error) {
	return s.result, nil
}

func TestGenerateUpsertsAndAssociatesNormalizedTags(t *testing.T) {
	store := persistence.NewMemoryStore()
	contentID, _ := store.StoreContent(context.Background(), "owner", "text", "title", "topic", "md", "knowledge")
	store.UpsertTag(context.Background(), "physics")

	provider := &stubTagProvider{result: model.TagGenResult{
		Existing: []string{"physics", "  physics  "},
		New:      []model.TagCandidate{{Name: "  Chemistry ", Confidence: 0.9}, {Name: "", Confidence: 0.5}},
	}}
	client := model.NewClient(provider)
	gen := New(client, store, 200, 5)

	tags, err := gen.Generate(context.Background(), time.Time{}, contentID, model.SummaryContent{Topic: "science"}, "knowledge text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("want 2 tags (physics dedup'd, empty name dropped), got %d: %+v", len(tags), tags)
	}

	names := map[string]bool{}
	for _, tag := range tags {
		names[tag.Name] = true
	}
	if !names["physics"] || !names["Chemistry"] {
		t.Fatalf("want physics and Chemistry, got %+v", tags)
	}

	persisted := store.TagsForContent(contentID)
	if len(persisted) != 2 {
		t.Fatalf("want 2 persisted associations, got %d", len(persisted))
	}
}

func TestGenerateCapsAtMaxTagsPerContentKeepingHighestConfidenceNew(t *testing.T) {
	store := persistence.NewMemoryStore()
	contentID, _ := store.StoreContent(context.Background(), "owner", "text", "title", "topic", "md", "knowledge")

	provider := &stubTagProvider{result: model.TagGenResult{
		New: []model.TagCandidate{
			{Name: "low", Confidence: 0.1},
			{Name: "high", Confidence: 0.95},
			{Name: "mid", Confidence: 0.5},
		},
	}}
	client := model.NewClient(provider)
	gen := New(client, store, 200, 2)

	tags, err := gen.Generate(context.Background(), time.Time{}, contentID, model.SummaryContent{}, "knowledge")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("want exactly 2 tags under the cap, got %d", len(tags))
	}
	if tags[0].Name != "high" || tags[1].Name != "mid" {
		t.Fatalf("want highest-confidence new tags kept in order, got %+v", tags)
	}
}

func TestNormalizeExistingWinsOverDuplicateNew(t *testing.T) {
	result := model.TagGenResult{
		Existing: []string{"Physics"},
		New:      []model.TagCandidate{{Name: "physics", Confidence: 0.99}},
	}
	tags := normalize(result, []string{"Physics"}, 5)
	if len(tags) != 1 {
		t.Fatalf("want 1 deduped tag, got %d: %+v", len(tags), tags)
	}
	if tags[0].IsNew {
		t.Fatal("existing tag must win over the duplicate new candidate")
	}
}
