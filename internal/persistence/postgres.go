package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the reference Store implementation backing
// production deployments. Grounded on worker/internal/db/db.go's
// sql.Open("postgres", ...)/transaction-with-defer-Rollback idiom,
// generalized from the teacher's task/task_results tables to the
// content/tag/content_tag schema applied by migrate.go.
type PostgresStore struct {
	DB *sql.DB
}

// Connect opens a PostgreSQL connection pool from a DSN, mirroring
// worker/internal/db/db.go's Connect (sql.Open does not itself dial;
// callers should Ping to verify connectivity at startup).
func Connect(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

func (p *PostgresStore) StoreContent(ctx context.Context, owner, correctedText, summaryTitle, summaryTopic, summaryMarkdown, knowledgeText string) (int64, error) {
	var id int64
	err := p.DB.QueryRowContext(ctx, `
		INSERT INTO content (owner, corrected_text, summary_title, summary_topic, summary_markdown, knowledge_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id`,
		owner, correctedText, summaryTitle, summaryTopic, summaryMarkdown, knowledgeText,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("persistence: store content: %w", err)
	}
	return id, nil
}

func (p *PostgresStore) ListExistingTags(ctx context.Context, limit int) ([]string, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT name FROM tag ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: list existing tags: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (p *PostgresStore) UpsertTag(ctx context.Context, name string) (int64, error) {
	var id int64
	err := p.DB.QueryRowContext(ctx, `
		INSERT INTO tag (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`, name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("persistence: upsert tag %q: %w", name, err)
	}
	return id, nil
}

func (p *PostgresStore) Associate(ctx context.Context, contentID, tagID int64, confidence float64) error {
	_, err := p.DB.ExecContext(ctx, `
		INSERT INTO content_tag (content_id, tag_id, confidence)
		VALUES ($1, $2, $3)
		ON CONFLICT (content_id, tag_id) DO UPDATE SET confidence = EXCLUDED.confidence`,
		contentID, tagID, confidence,
	)
	if err != nil {
		return fmt.Errorf("persistence: associate content=%d tag=%d: %w", contentID, tagID, err)
	}
	return nil
}

func (p *PostgresStore) SetContentPublic(ctx context.Context, contentID int64, title, description string, publishedAt time.Time) error {
	result, err := p.DB.ExecContext(ctx, `
		UPDATE content SET is_public = true, public_title = $1, public_description = $2, published_at = $3
		WHERE id = $4`,
		title, description, publishedAt, contentID,
	)
	if err != nil {
		return fmt.Errorf("persistence: set content %d public: %w", contentID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("persistence: content %d not found", contentID)
	}
	return nil
}
