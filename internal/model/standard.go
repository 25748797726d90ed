package model

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StandardProvider calls an OpenAI-chat-completions-shaped HTTP
// endpoint for all four operations, distinguishing them by system
// prompt and, for OCR, an inline base64 image attachment. Grounded on
// worker/internal/ai/ai.go's StandardAIProvider (multipart/JSON request
// construction, bearer auth header, non-200 treated as failure with
// body included in the error).
type StandardProvider struct {
	EndpointURL string
	APIKey      string

	OCRModel        string
	CorrectionModel string
	SummaryModel    string
	TagModel        string

	HTTPClient *http.Client
}

func (p *StandardProvider) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// classifyHTTPError maps a non-200 response to a retryable or
// non-retryable error per spec §4.A: network errors, 5xx, and 429 are
// transient; everything else (400, 401, 413, ...) fails immediately.
func classifyHTTPError(status int, body []byte) error {
	err := fmt.Errorf("model endpoint returned %d: %s", status, string(body))
	if status >= 500 || status == http.StatusTooManyRequests {
		return Retryable(err)
	}
	return err
}

func (p *StandardProvider) call(ctx context.Context, model, systemPrompt, userContent string) (string, error) {
	payload := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.client().Do(req)
	if err != nil {
		return "", Retryable(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Retryable(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPError(resp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode model response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (p *StandardProvider) OCR(ctx context.Context, imageBytes []byte, prompt string) (string, error) {
	if prompt == "" {
		prompt = "Transcribe all text visible in this image verbatim."
	}
	encoded := base64.StdEncoding.EncodeToString(imageBytes)
	userContent := prompt + "\n\n[image/base64]\n" + encoded
	return p.call(ctx, p.OCRModel, "You perform optical character recognition on note images.", userContent)
}

func (p *StandardProvider) Correct(ctx context.Context, text string) (string, error) {
	return p.call(ctx, p.CorrectionModel, "You correct spelling, grammar, and OCR artifacts without changing meaning.", text)
}

func (p *StandardProvider) Summarize(ctx context.Context, text, template string) (SummaryContent, error) {
	raw, err := p.call(ctx, p.SummaryModel, "You summarize notes into a JSON object with title, topic, content_markdown, and optional keywords fields. Respond with JSON only.", text)
	if err != nil {
		return SummaryContent{}, err
	}
	var parsed SummaryContent
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		return SummaryContent{Title: "summary", Topic: "general", ContentMarkdown: raw}, nil
	}
	return parsed, nil
}

func (p *StandardProvider) GenerateTags(ctx context.Context, summary SummaryContent, knowledgeText string, existingTags []string) (TagGenResult, error) {
	userContent := fmt.Sprintf("Existing tags: %s\n\nSummary:\n%s\n\nSource text:\n%s",
		strings.Join(existingTags, ", "), summary.ContentMarkdown, knowledgeText)
	raw, err := p.call(ctx, p.TagModel, "You tag notes with topical labels. Respond with JSON of shape {\"existing\": [string], \"new\": [{\"name\": string, \"confidence\": number}]}.", userContent)
	if err != nil {
		return TagGenResult{}, err
	}
	var parsed TagGenResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		return TagGenResult{}, fmt.Errorf("decode tag generation response: %w", err)
	}
	return parsed, nil
}
