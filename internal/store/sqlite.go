package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/bizmatters/contract-studio/internal/models"
)

// SQLiteStore keeps conversations in a single SQLite file
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (and creates, if needed) the database at path
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	// one writer keeps read-modify-write saves serialized
	db.SetMaxOpenConns(1)

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates the conversations table
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		preview TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		record TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	s.logger.Info("database migrations complete", "backend", BackendSQLite)
	return nil
}

// Load retrieves a conversation by id
func (s *SQLiteStore) Load(ctx context.Context, id string) (*models.ConversationRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM conversations WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return models.DecodeRecord([]byte(data))
}

// Save creates or updates a conversation
func (s *SQLiteStore) Save(ctx context.Context, req models.SaveConversationRequest) (*models.ConversationRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var existing *models.ConversationRecord
	if req.ConversationID != "" {
		var data string
		err := tx.QueryRowContext(ctx, `SELECT record FROM conversations WHERE id = ?`, req.ConversationID).Scan(&data)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("loading conversation: %w", err)
		default:
			if existing, err = models.DecodeRecord([]byte(data)); err != nil {
				s.logger.Warn("replacing malformed conversation record", "id", req.ConversationID, "error", err)
				existing = nil
			}
		}
	}

	rec := merge(existing, req)
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding conversation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, preview, updated_at, record)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			preview = excluded.preview,
			updated_at = excluded.updated_at,
			record = excluded.record
	`, rec.ID, rec.Title, rec.Preview, rec.UpdatedAt, string(data))
	if err != nil {
		return nil, fmt.Errorf("saving conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing conversation: %w", err)
	}
	return rec, nil
}

// List returns every conversation, newest first
func (s *SQLiteStore) List(ctx context.Context) ([]models.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	out := []models.ConversationSummary{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		rec, err := models.DecodeRecord([]byte(data))
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
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
