package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bizmatters/contract-studio/internal/models"
)

// PostgresStore keeps conversations in PostgreSQL, one JSONB record per row
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore wraps an existing pool
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Migrate creates the conversations table
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			preview TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			record JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations (updated_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	s.logger.Info("database migrations complete", "backend", BackendPostgres)
	return nil
}

// Load retrieves a conversation by id
func (s *PostgresStore) Load(ctx context.Context, id string) (*models.ConversationRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM conversations WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return models.DecodeRecord(data)
}

// Save creates or updates a conversation. The row is locked for the duration
// of the merge.
func (s *PostgresStore) Save(ctx context.Context, req models.SaveConversationRequest) (*models.ConversationRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing *models.ConversationRecord
	if req.ConversationID != "" {
		var data []byte
		err := tx.QueryRow(ctx, `SELECT record FROM conversations WHERE id = $1 FOR UPDATE`, req.ConversationID).Scan(&data)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("failed to load conversation: %w", err)
		default:
			if existing, err = models.DecodeRecord(data); err != nil {
				s.logger.Warn("replacing malformed conversation record", "id", req.ConversationID, "error", err)
				existing = nil
			}
		}
	}

	rec := merge(existing, req)
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, title, preview, updated_at, record)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			preview = EXCLUDED.preview,
			updated_at = EXCLUDED.updated_at,
			record = EXCLUDED.record
	`, rec.ID, rec.Title, rec.Preview, rec.UpdatedAt, data)
	if err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rec, nil
}

// List returns every conversation, newest first
func (s *PostgresStore) List(ctx context.Context) ([]models.ConversationSummary, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, record FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	out := []models.ConversationSummary{}
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		rec, err := models.DecodeRecord(data)
		if err != nil {
			s.logger.Warn("skipping malformed conversation record", "id", id, "error", err)
			continue
		}
		out = append(out, rec.Summary())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

// Delete removes a conversation
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
