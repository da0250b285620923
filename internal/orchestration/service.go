package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bizmatters/contract-studio/internal/contract"
	"github.com/bizmatters/contract-studio/internal/metrics"
	"github.com/bizmatters/contract-studio/internal/store"
)

// ErrSessionNotFound is returned for unknown session ids and for sessions
// owned by another user
var ErrSessionNotFound = errors.New("session not found")

// DefaultIdleTimeout is how long an unused session is kept
const DefaultIdleTimeout = 30 * time.Minute

// ServiceConfig wires the collaborators every session shares
type ServiceConfig struct {
	Backend       AgentBackend
	Conversations store.ConversationStore
	Metrics       *metrics.SessionMetrics
	Logger        *slog.Logger
	SaveDelay     time.Duration
	IdleTimeout   time.Duration
}

// OpenRequest describes a session to open
type OpenRequest struct {
	Owner          string
	ConversationID string
	Document       *contract.Document
	Messages       []contract.ChatMessage
}

type entry struct {
	session *Session
	owner   string
}

// Service owns the studio sessions of this process
type Service struct {
	backend       AgentBackend
	conversations store.ConversationStore
	metrics       *metrics.SessionMetrics
	logger        *slog.Logger
	saveDelay     time.Duration
	idleTimeout   time.Duration

	mu       sync.RWMutex
	sessions map[string]entry
}

// NewService creates a new session service
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Service{
		backend:       cfg.Backend,
		conversations: cfg.Conversations,
		metrics:       cfg.Metrics,
		logger:        logger,
		saveDelay:     cfg.SaveDelay,
		idleTimeout:   idle,
		sessions:      make(map[string]entry),
	}
}

// Backend returns the agent backend sessions talk to
func (s *Service) Backend() AgentBackend {
	return s.backend
}

// Conversations returns the conversation store sessions persist to
func (s *Service) Conversations() store.ConversationStore {
	return s.conversations
}

// Open creates a session. When a conversation id is given the stored
// conversation is hydrated; a failed hydration leaves an empty session open.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if req.Document != nil {
		if err := req.Document.Validate(); err != nil {
			return nil, fmt.Errorf("invalid document: %w", err)
		}
	}

	sess := NewSession(SessionOptions{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Document:       req.Document,
		Messages:       req.Messages,
		SaveDelay:      s.saveDelay,
		Backend:        s.backend,
		Conversations:  s.conversations,
		Metrics:        s.metrics,
		Logger:         s.logger,
	})

	s.mu.Lock()
	s.sessions[sess.ID()] = entry{session: sess, owner: req.Owner}
	s.mu.Unlock()
	s.metrics.RecordSessionOpened(ctx)

	if err := sess.Hydrate(ctx); err != nil {
		s.logger.Warn("opened session without stored conversation",
			"session_id", sess.ID(), "conversation_id", req.ConversationID, "error", err)
	}
	sess.Start()

	s.logger.Info("session opened", "session_id", sess.ID(), "owner", req.Owner)
	return sess, nil
}

// Get returns the session with id if owner may use it. An empty owner
// matches sessions opened without one.
func (s *Service) Get(id, owner string) (*Session, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || e.owner != owner {
		return nil, ErrSessionNotFound
	}
	return e.session, nil
}

// Close closes and forgets one session
func (s *Service) Close(ctx context.Context, id, owner string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok || e.owner != owner {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	s.metrics.RecordSessionClosed(ctx)
	return e.session.Close(ctx)
}

// Len returns the number of open sessions
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// EvictIdle closes sessions unused since before now minus the idle timeout
// and returns how many were closed. Sessions with work in flight stay open.
func (s *Service) EvictIdle(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.idleTimeout)

	s.mu.Lock()
	var idle []*Session
	for id, e := range s.sessions {
		if e.session.LastActive().Before(cutoff) && !e.session.Busy() {
			idle = append(idle, e.session)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range idle {
		s.metrics.RecordSessionClosed(ctx)
		if err := sess.Close(ctx); err != nil {
			s.logger.Warn("idle session did not close cleanly", "session_id", sess.ID(), "error", err)
		}
	}
	if len(idle) > 0 {
		s.logger.Info("evicted idle sessions", "count", len(idle))
	}
	return len(idle)
}

// RunEvictor evicts idle sessions every interval until ctx is done
func (s *Service) RunEvictor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.EvictIdle(ctx, now)
		}
	}
}

// Shutdown closes every session, flushing pending saves
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for id, e := range s.sessions {
		all = append(all, e.session)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, sess := range all {
		s.metrics.RecordSessionClosed(ctx)
		if err := sess.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID(), err))
		}
	}
	return errors.Join(errs...)
}
