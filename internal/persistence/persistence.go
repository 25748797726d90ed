// Package persistence implements the §6 persistence collaborator
// contract: storing a pipeline's corrected text/summary/knowledge text
// as a content record, and managing the tag/content_tag join used by
// the Tag Generator.
package persistence

import (
	"context"
	"time"
)

// Store is the contract the Smart-Note pipeline (4.F) and Tag
// Generator (4.H) drive. PostgresStore and MemoryStore both satisfy it;
// cmd/server selects between them based on whether DATABASE_URL is
// set, so the orchestrator never hard-depends on a live Postgres
// instance.
type Store interface {
	StoreContent(ctx context.Context, owner, correctedText string, summaryTitle, summaryTopic, summaryMarkdown, knowledgeText string) (contentID int64, err error)
	ListExistingTags(ctx context.Context, limit int) ([]string, error)
	UpsertTag(ctx context.Context, name string) (tagID int64, err error)
	Associate(ctx context.Context, contentID, tagID int64, confidence float64) error
	SetContentPublic(ctx context.Context, contentID int64, title, description string, publishedAt time.Time) error
}
