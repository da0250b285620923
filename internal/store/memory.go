package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bizmatters/contract-studio/internal/models"
)

// MemoryStore keeps conversations in process. Used for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

// Load returns a copy of the stored record
func (s *MemoryStore) Load(ctx context.Context, id string) (*models.ConversationRecord, error) {
	s.mu.RLock()
	data, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return models.DecodeRecord(data)
}

// Save creates or updates a record
func (s *MemoryStore) Save(ctx context.Context, req models.SaveConversationRequest) (*models.ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *models.ConversationRecord
	if data, ok := s.records[req.ConversationID]; ok && req.ConversationID != "" {
		rec, err := models.DecodeRecord(data)
		if err != nil {
			return nil, err
		}
		existing = rec
	}

	rec := merge(existing, req)
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding conversation: %w", err)
	}
	s.records[rec.ID] = data
	return rec, nil
}

// List returns every conversation, newest first
func (s *MemoryStore) List(ctx context.Context) ([]models.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ConversationSummary, 0, len(s.records))
	for _, data := range s.records {
		rec, err := models.DecodeRecord(data)
		if err != nil {
			continue
		}
		out = append(out, rec.Summary())
	}
	sortSummaries(out)
	return out, nil
}

// Delete removes a record
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}
