package persistence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by unit tests and the demo
// server when DATABASE_URL is unset. Grounded on the same single-mutex
// map discipline as registry.Registry and cache.MemoryStore, applied
// here to the content/tag/content_tag shape the Postgres schema
// describes rather than a task or LRU entry.
type MemoryStore struct {
	mu sync.Mutex

	nextContentID int64
	nextTagID     int64

	content map[int64]*memoryContent
	tags    map[int64]string     // tagID -> name
	byName  map[string]int64     // lowercased name -> tagID
	assocs  map[int64]map[int64]float64 // contentID -> tagID -> confidence
}

type memoryContent struct {
	owner                         string
	correctedText                 string
	summaryTitle, summaryTopic    string
	summaryMarkdown, knowledgeText string
	isPublic                      bool
	publicTitle, publicDesc       string
	publishedAt                   time.Time
	createdAt                     time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		content: make(map[int64]*memoryContent),
		tags:    make(map[int64]string),
		byName:  make(map[string]int64),
		assocs:  make(map[int64]map[int64]float64),
	}
}

func (m *MemoryStore) StoreContent(ctx context.Context, owner, correctedText, summaryTitle, summaryTopic, summaryMarkdown, knowledgeText string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextContentID++
	id := m.nextContentID
	m.content[id] = &memoryContent{
		owner:           owner,
		correctedText:   correctedText,
		summaryTitle:    summaryTitle,
		summaryTopic:    summaryTopic,
		summaryMarkdown: summaryMarkdown,
		knowledgeText:   knowledgeText,
		createdAt:       time.Now(),
	}
	return id, nil
}

func (m *MemoryStore) ListExistingTags(ctx context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.tags))
	for _, name := range m.tags {
		names = append(names, name)
		if limit > 0 && len(names) >= limit {
			break
		}
	}
	return names, nil
}

func (m *MemoryStore) UpsertTag(ctx context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return 0, fmt.Errorf("persistence: empty tag name")
	}
	if id, ok := m.byName[key]; ok {
		return id, nil
	}
	m.nextTagID++
	id := m.nextTagID
	m.tags[id] = name
	m.byName[key] = id
	return id, nil
}

func (m *MemoryStore) Associate(ctx context.Context, contentID, tagID int64, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.content[contentID]; !ok {
		return fmt.Errorf("persistence: content %d not found", contentID)
	}
	if _, ok := m.tags[tagID]; !ok {
		return fmt.Errorf("persistence: tag %d not found", tagID)
	}
	if m.assocs[contentID] == nil {
		m.assocs[contentID] = make(map[int64]float64)
	}
	m.assocs[contentID][tagID] = confidence
	return nil
}

func (m *MemoryStore) SetContentPublic(ctx context.Context, contentID int64, title, description string, publishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.content[contentID]
	if !ok {
		return fmt.Errorf("persistence: content %d not found", contentID)
	}
	c.isPublic = true
	c.publicTitle = title
	c.publicDesc = description
	c.publishedAt = publishedAt
	return nil
}

// TagsForContent returns the (name, confidence) pairs associated with a
// content id, for tests.
func (m *MemoryStore) TagsForContent(contentID int64) map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64)
	for tagID, confidence := range m.assocs[contentID] {
		out[m.tags[tagID]] = confidence
	}
	return out
}
