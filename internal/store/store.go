// Package store persists studio conversations. Every backend shares the record
// rules of models.ConversationRecord, so switching backends never changes what
// a saved conversation looks like.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/bizmatters/contract-studio/internal/models"
)

// ErrNotFound is returned when no conversation has the requested id
var ErrNotFound = errors.New("conversation not found")

// ConversationStore is implemented by every persistence backend, including the
// agent backend's own conversation endpoints
type ConversationStore interface {
	Load(ctx context.Context, id string) (*models.ConversationRecord, error)
	Save(ctx context.Context, req models.SaveConversationRequest) (*models.ConversationRecord, error)
	List(ctx context.Context) ([]models.ConversationSummary, error)
	Delete(ctx context.Context, id string) error
}

// Backend names accepted by configuration
const (
	BackendRemote   = "remote"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
)

// Clock is swapped in tests
var Clock = time.Now

// NewID returns an id for a conversation saved without one
func NewID() string {
	return uuid.NewString()
}

// merge resolves the record a save produces. existing is nil for new records.
func merge(existing *models.ConversationRecord, req models.SaveConversationRequest) *models.ConversationRecord {
	rec := existing
	if rec == nil {
		id := req.ConversationID
		if id == "" {
			id = NewID()
		}
		rec = &models.ConversationRecord{ID: id}
	}
	rec.Apply(req, Clock())
	return rec
}

// sortSummaries orders summaries newest first
func sortSummaries(s []models.ConversationSummary) {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].UpdatedAt > s[j].UpdatedAt
	})
}
