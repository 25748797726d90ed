package model

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockProvider simulates the four model operations with small,
// deterministic delays and canned-but-input-derived output, so tests
// and local development don't require a live model endpoint. Grounded
// on worker/internal/ai/ai.go's MockAIService (randomized delay inside
// a ctx-aware select, fixed canned text), adapted to derive output from
// the input so pipeline/workflow tests can assert on content rather
// than a constant string.
type MockProvider struct {
	// Delay is added before every call completes, bounded by ctx.
	Delay time.Duration
}

func (m *MockProvider) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(m.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MockProvider) OCR(ctx context.Context, imageBytes []byte, prompt string) (string, error) {
	if len(imageBytes) == 0 {
		return "", fmt.Errorf("mock ocr: empty image")
	}
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("recognized text from %d bytes of image data", len(imageBytes)), nil
}

func (m *MockProvider) Correct(ctx context.Context, text string) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (m *MockProvider) Summarize(ctx context.Context, text, template string) (SummaryContent, error) {
	if strings.TrimSpace(text) == "" {
		return SummaryContent{}, fmt.Errorf("mock summarize: empty input")
	}
	if err := m.wait(ctx); err != nil {
		return SummaryContent{}, err
	}
	words := strings.Fields(text)
	title := strings.Join(words[:min(6, len(words))], " ")
	return SummaryContent{
		Title:           title,
		Topic:           "general",
		ContentMarkdown: "Summary of: " + text,
	}, nil
}

func (m *MockProvider) GenerateTags(ctx context.Context, summary SummaryContent, knowledgeText string, existingTags []string) (TagGenResult, error) {
	if err := m.wait(ctx); err != nil {
		return TagGenResult{}, err
	}
	result := TagGenResult{}
	if len(existingTags) > 0 {
		result.Existing = []string{existingTags[0]}
	}
	result.New = []TagCandidate{{Name: strings.ToLower(summary.Topic), Confidence: 0.8}}
	return result, nil
}
