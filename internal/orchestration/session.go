package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/contract-studio/internal/contract"
	"github.com/bizmatters/contract-studio/internal/debounce"
	"github.com/bizmatters/contract-studio/internal/extract"
	"github.com/bizmatters/contract-studio/internal/layout"
	"github.com/bizmatters/contract-studio/internal/metrics"
	"github.com/bizmatters/contract-studio/internal/models"
	"github.com/bizmatters/contract-studio/internal/store"
)

// Session errors
var (
	ErrTurnInFlight   = errors.New("a chat turn is already in flight")
	ErrDeployInFlight = errors.New("a deployment is already in flight")
	ErrNoDocument     = errors.New("session has no contract document")
	ErrNoCode         = errors.New("session has no generated code")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrSessionClosed  = errors.New("session is closed")
)

// DefaultSaveDelay is the quiet period before a scheduled save fires
const DefaultSaveDelay = time.Second

// CodeFailurePrefix starts the placeholder shown instead of code when
// generation fails
const CodeFailurePrefix = "// Code generation failed: "

const subscriberBuffer = 32

// SessionOptions configures a new Session
type SessionOptions struct {
	ID             string
	ConversationID string
	// Document and Messages seed the session directly; hydration never
	// overwrites them
	Document      *contract.Document
	Messages      []contract.ChatMessage
	SaveDelay     time.Duration
	Backend       AgentBackend
	Conversations store.ConversationStore
	Metrics       *metrics.SessionMetrics
	Logger        *slog.Logger
}

// TurnResult is the outcome of a chat turn. A failed turn is still a
// completed turn: its reply is the error message appended to the conversation.
type TurnResult struct {
	Reply           contract.ChatMessage `json:"reply"`
	Failed          bool                 `json:"failed"`
	DocumentChanged bool                 `json:"documentChanged"`
	CodeChanged     bool                 `json:"codeChanged"`
}

// Export is a downloadable code file
type Export struct {
	FileName string            `json:"fileName"`
	Language contract.Language `json:"language"`
	Content  string            `json:"content"`
}

// Session binds one studio tab's chat, document, code and persistence
// together. All state is guarded by mu; backend calls run without it.
type Session struct {
	id            string
	backend       AgentBackend
	conversations store.ConversationStore
	metrics       *metrics.SessionMetrics
	logger        *slog.Logger
	tracer        trace.Tracer
	saver         *debounce.Debouncer[models.SaveConversationRequest]

	// background work outlives request contexts but not the session
	baseCtx context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup

	mu          sync.Mutex
	doc         *contract.Document
	code        string
	language    contract.Language
	languageSet bool
	messages    []contract.ChatMessage

	// id of the document code was last generated for; hasMarker is false
	// until the first generation so an empty id still generates once
	marker        string
	hasMarker     bool
	generating    bool
	generatingFor string
	sending       bool
	deploying     bool
	lastDeploy    *models.DeployResult

	conversationID string
	hydratedFor    string

	// recovery runs once per message revision
	messageRev   uint64
	recoveredRev uint64

	closed     bool
	lastActive time.Time
	pending    []models.SessionEvent

	subsMu  sync.Mutex
	subs    map[int]chan models.SessionEvent
	nextSub int
}

// NewSession creates a session. Nothing is fetched or generated until the
// first operation; call Hydrate to adopt a stored conversation.
func NewSession(opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := opts.SaveDelay
	if delay <= 0 {
		delay = DefaultSaveDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:             opts.ID,
		backend:        opts.Backend,
		conversations:  opts.Conversations,
		metrics:        opts.Metrics,
		logger:         logger.With("session_id", opts.ID),
		tracer:         otel.Tracer("studio-session"),
		baseCtx:        ctx,
		cancel:         cancel,
		doc:            opts.Document.Clone(),
		language:       contract.LanguagePython,
		messages:       append([]contract.ChatMessage(nil), opts.Messages...),
		conversationID: opts.ConversationID,
		lastActive:     time.Now(),
		subs:           make(map[int]chan models.SessionEvent),
	}
	if len(s.messages) > 0 {
		s.messageRev = 1
	}
	if s.doc != nil && s.doc.Language != "" {
		s.language = s.doc.Language.Normalized()
		s.languageSet = true
	}
	if s.conversations != nil {
		s.saver = debounce.New(delay, s.persist)
	}
	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// LastActive returns when the session was last used
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Busy reports whether a chat turn, code generation or deployment is in flight
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending || s.generating || s.deploying
}

// Start applies the reconciliation rules to the initial state
func (s *Session) Start() {
	s.mu.Lock()
	s.reconcileLocked()
	s.unlockAndPublish()
}

// SendMessage runs one chat turn. Only one turn may be in flight; a second
// call while one is pending fails with ErrTurnInFlight and changes nothing.
func (s *Session) SendMessage(ctx context.Context, text string) (*TurnResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	ctx, span := s.tracer.Start(ctx, "session.send_message")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", s.id))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.sending {
		s.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	s.touchLocked()
	s.sending = true
	// Close waits for the turn so its reply is saved
	s.bg.Add(1)
	defer s.bg.Done()
	s.appendMessageLocked(contract.ChatMessage{Role: contract.RoleUser, Content: text})
	req := models.ChatRequest{
		Message:        text,
		ConversationID: s.conversationID,
		ExistingSpec:   contract.Normalize(s.doc),
		ExistingCode:   s.code,
	}
	s.reconcileLocked()
	s.emitLocked(models.EventTurnStarted, "")
	s.unlockAndPublish()

	start := time.Now()
	// the turn completes even when the caller goes away
	resp, err := s.backend.ChatTurn(context.WithoutCancel(ctx), req)

	s.mu.Lock()
	s.sending = false
	result := &TurnResult{}

	if err != nil {
		span.RecordError(err)
		s.logger.Warn("chat turn failed", "error", err)
		result.Failed = true
		result.Reply = contract.ChatMessage{
			Role:    contract.RoleAssistant,
			Content: fmt.Sprintf("Sorry, something went wrong while processing your message: %v", err),
		}
		s.appendMessageLocked(result.Reply)
		s.metrics.RecordChatTurn(ctx, metrics.OutcomeFailed, time.Since(start))
		s.emitLocked(models.EventTurnFailed, err.Error())
	} else {
		doc, derr := resp.Document()
		if derr != nil {
			s.logger.Warn("ignoring malformed spec in chat reply", "error", derr)
		}
		if doc != nil {
			s.doc = doc
			result.DocumentChanged = true
			if doc.Language != "" {
				s.language = doc.Language.Normalized()
				s.languageSet = true
			}
		}
		if resp.Code != nil {
			s.code = *resp.Code
			result.CodeChanged = true
			// code delivered with its document needs no second generation
			if doc != nil {
				s.marker = doc.ID
				s.hasMarker = true
			}
		}
		if resp.Language != "" {
			s.language = resp.Language.Normalized()
			s.languageSet = true
		}
		result.Reply = contract.ChatMessage{Role: contract.RoleAssistant, Content: resp.AgentMessage}
		s.appendMessageLocked(result.Reply)
		s.metrics.RecordChatTurn(ctx, metrics.OutcomeCompleted, time.Since(start))
		s.emitLocked(models.EventTurnCompleted, "")
	}

	s.reconcileLocked()
	s.scheduleSaveLocked()
	s.unlockAndPublish()
	return result, nil
}

// EditVariable sets the initial value of one variable from free text. The
// document keeps its id, so no code is regenerated.
func (s *Session) EditVariable(ctx context.Context, variableID, text string) (*contract.Document, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.doc == nil {
		s.mu.Unlock()
		return nil, ErrNoDocument
	}
	s.touchLocked()

	value := contract.ParseValue(text)
	doc, err := s.doc.WithVariable(variableID, contract.VariablePatch{InitialValue: &value})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.doc = doc
	s.emitLocked(models.EventVariableEdited, variableID)
	s.reconcileLocked()
	s.scheduleSaveLocked()
	out := s.doc.Clone()
	s.unlockAndPublish()
	return out, nil
}

// SimulateDeploy runs a deployment simulation for the current document and
// code. Failures are returned to the caller together with an OK=false result.
func (s *Session) SimulateDeploy(ctx context.Context) (*models.DeployResult, error) {
	ctx, span := s.tracer.Start(ctx, "session.simulate_deploy")
	defer span.End()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.doc == nil {
		s.mu.Unlock()
		return nil, ErrNoDocument
	}
	if s.deploying {
		s.mu.Unlock()
		return nil, ErrDeployInFlight
	}
	s.touchLocked()
	s.deploying = true
	s.bg.Add(1)
	defer s.bg.Done()
	req := models.DeployRequest{Spec: contract.Normalize(s.doc), Code: s.code}
	s.emitLocked(models.EventSnapshot, "")
	s.unlockAndPublish()

	res, err := s.backend.SimulateDeploy(context.WithoutCancel(ctx), req)
	if res == nil && err != nil {
		res = models.FailedDeploy(err)
	}

	s.mu.Lock()
	s.deploying = false
	s.lastDeploy = res
	outcome := metrics.OutcomeCompleted
	detail := ""
	if err != nil {
		span.RecordError(err)
		outcome = metrics.OutcomeFailed
		detail = err.Error()
	}
	s.metrics.RecordDeploy(ctx, outcome)
	s.emitLocked(models.EventDeployCompleted, detail)
	s.unlockAndPublish()
	return res, err
}

// LastDeploy returns the most recent deployment result, if any
func (s *Session) LastDeploy() *models.DeployResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDeploy
}

// Hydrate adopts the stored conversation the session was opened with. It
// fetches at most once per conversation id and only fills fields that are
// still unset; fields the record lacks or carries malformed are skipped.
func (s *Session) Hydrate(ctx context.Context) error {
	s.mu.Lock()
	id := s.conversationID
	if s.conversations == nil || id == "" || s.hydratedFor == id || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.hydratedFor = id
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "session.hydrate")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", id))

	rec, err := s.conversations.Load(ctx, id)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("failed to hydrate conversation", "conversation_id", id, "error", err)
		return fmt.Errorf("hydrate conversation %s: %w", id, err)
	}

	s.mu.Lock()
	if s.doc == nil {
		doc, derr := rec.Document()
		if derr != nil {
			s.logger.Warn("stored spec is malformed, skipping", "conversation_id", id, "error", derr)
		}
		if doc != nil {
			s.doc = doc
		}
	}
	if len(s.messages) == 0 && len(rec.Messages) > 0 {
		s.messages = append([]contract.ChatMessage(nil), rec.Messages...)
		s.messageRev++
	}
	if s.code == "" && rec.Code != "" {
		s.code = rec.Code
		// stored code belongs to the stored document
		if s.doc != nil && !s.hasMarker {
			s.marker = s.doc.ID
			s.hasMarker = true
		}
	}
	if !s.languageSet && rec.Language != "" {
		s.language = contract.Language(rec.Language).Normalized()
		s.languageSet = true
	}
	s.emitLocked(models.EventHydrated, id)
	s.reconcileLocked()
	s.unlockAndPublish()
	return nil
}

// Export returns the current code as a downloadable file
func (s *Session) Export() (*Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	// the failure placeholder is not code
	if s.code == "" || strings.HasPrefix(s.code, CodeFailurePrefix) {
		return nil, ErrNoCode
	}
	return &Export{
		FileName: contract.ExportFileName(s.doc, s.language),
		Language: s.language,
		Content:  s.code,
	}, nil
}

// Graph lays out the current document with selected highlighted. It is nil
// when the session has no document.
func (s *Session) Graph(selected string) *layout.Graph {
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()
	return layout.Build(doc).Select(selected)
}

// Document returns a copy of the current document
func (s *Session) Document() *contract.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// Snapshot returns the full view state
func (s *Session) Snapshot() models.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe streams an event after every state change. Slow subscribers miss
// events rather than block the session; every event carries a full snapshot.
// On a closed session the channel is already closed.
func (s *Session) Subscribe() (<-chan models.SessionEvent, func()) {
	ch := make(chan models.SessionEvent, subscriberBuffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	// registered before Close can mark the session closed, so Close closes it
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
			s.subsMu.Unlock()
		})
	}
}

// Close waits for in-flight turns, deployments and generation until ctx is
// done and then flushes a pending save. The session rejects further operations.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for background work: %w", ctx.Err())
	}
	// generation results land before the final save
	if s.saver != nil {
		s.saver.Close()
	}
	s.cancel()

	s.mu.Lock()
	s.emitLocked(models.EventClosed, "")
	s.unlockAndPublish()

	s.subsMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subsMu.Unlock()
	return err
}

// reconcileLocked applies document recovery and then code generation gating.
// Must be called with mu held.
func (s *Session) reconcileLocked() {
	if s.messageRev != s.recoveredRev {
		s.recoveredRev = s.messageRev
		if s.doc == nil || s.doc.IsIncomplete() {
			if found, ok := extract.Latest(s.messages); ok && !sameDocument(s.doc, found) {
				s.doc = found
				if found.Language != "" && !s.languageSet {
					s.language = found.Language.Normalized()
					s.languageSet = true
				}
				s.metrics.RecordDocumentRecovered(s.baseCtx)
				s.emitLocked(models.EventDocumentRecovered, found.ID)
			}
		}
	}

	if s.closed || s.backend == nil || s.doc == nil || s.generating {
		return
	}
	if s.hasMarker && s.doc.ID == s.marker {
		return
	}

	requested := s.doc.ID
	s.generating = true
	s.generatingFor = requested
	s.marker = requested
	s.hasMarker = true
	req := models.CodeRequest{Spec: contract.Normalize(s.doc), ConversationID: s.conversationID}
	s.emitLocked(models.EventCodeGenerationStarted, requested)

	s.bg.Add(1)
	go s.generate(requested, req)
}

// generate runs one code generation and applies it only if the document it
// was requested for is still current
func (s *Session) generate(requested string, req models.CodeRequest) {
	defer s.bg.Done()

	ctx, span := s.tracer.Start(s.baseCtx, "session.generate_code")
	defer span.End()
	span.SetAttributes(attribute.String("spec_id", requested))

	start := time.Now()
	resp, err := s.backend.GenerateCode(ctx, req)

	s.mu.Lock()
	s.generating = false
	s.generatingFor = ""

	switch {
	case s.doc == nil || s.doc.ID != requested:
		current := ""
		if s.doc != nil {
			current = s.doc.ID
		}
		s.logger.Info("discarding stale code generation", "requested", requested, "current", current)
		span.SetAttributes(attribute.Bool("stale", true))
		s.metrics.RecordCodeGeneration(ctx, metrics.OutcomeStale, time.Since(start))
		s.emitLocked(models.EventCodeGenerationDiscarded, requested)
	case err != nil:
		span.RecordError(err)
		s.logger.Warn("code generation failed", "spec_id", requested, "error", err)
		s.code = CodeFailurePrefix + err.Error()
		s.metrics.RecordCodeGeneration(ctx, metrics.OutcomeFailed, time.Since(start))
		s.emitLocked(models.EventCodeGenerationFailed, err.Error())
	default:
		s.code = resp.Code
		if resp.Language != "" {
			s.language = resp.Language.Normalized()
			s.languageSet = true
		}
		s.metrics.RecordCodeGeneration(ctx, metrics.OutcomeCompleted, time.Since(start))
		s.emitLocked(models.EventCodeGenerationCompleted, requested)
		s.scheduleSaveLocked()
	}

	// a newer document may be waiting for its own generation
	s.reconcileLocked()
	s.unlockAndPublish()
}

// scheduleSaveLocked captures the snapshot to persist now, not when the save fires
func (s *Session) scheduleSaveLocked() {
	if s.saver == nil {
		return
	}
	title := models.UntitledConversation
	if s.doc != nil && s.doc.Metadata.Name != "" {
		title = s.doc.Metadata.Name
	}

	req := models.SaveConversationRequest{
		ConversationID: s.conversationID,
		Title:          title,
		Messages:       append([]contract.ChatMessage{}, s.messages...),
		Language:       string(s.language),
	}
	if s.doc != nil {
		if data, err := json.Marshal(contract.Normalize(s.doc)); err == nil {
			req.Spec = data
		}
	}
	if s.code != "" && !strings.HasPrefix(s.code, CodeFailurePrefix) {
		code := s.code
		req.Code = &code
	}
	s.saver.Schedule(req)
}

// persist is the debounced save. The conversation id is resolved at fire
// time so saves scheduled before the first record existed reuse its id.
func (s *Session) persist(req models.SaveConversationRequest) {
	s.mu.Lock()
	if req.ConversationID == "" {
		req.ConversationID = s.conversationID
	}
	s.mu.Unlock()

	ctx, span := s.tracer.Start(s.baseCtx, "session.save_conversation")
	defer span.End()

	rec, err := s.conversations.Save(ctx, req)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("failed to save conversation", "conversation_id", req.ConversationID, "error", err)
		s.metrics.RecordSave(ctx, metrics.OutcomeFailed)
		s.mu.Lock()
		s.emitLocked(models.EventSaveFailed, err.Error())
		s.unlockAndPublish()
		return
	}

	s.metrics.RecordSave(ctx, metrics.OutcomeCompleted)
	s.mu.Lock()
	if s.conversationID == "" {
		s.conversationID = rec.ID
		// our own record needs no hydration
		s.hydratedFor = rec.ID
	}
	s.emitLocked(models.EventSaved, rec.ID)
	s.unlockAndPublish()
}

func (s *Session) appendMessageLocked(m contract.ChatMessage) {
	s.messages = append(s.messages, m)
	s.messageRev++
}

func (s *Session) touchLocked() {
	s.lastActive = time.Now()
}

func (s *Session) snapshotLocked() models.SessionSnapshot {
	return models.SessionSnapshot{
		SessionID:        s.id,
		ConversationID:   s.conversationID,
		Document:         s.doc.Clone(),
		Code:             s.code,
		Language:         s.language,
		EditorMode:       s.language.EditorMode(),
		Messages:         append([]contract.ChatMessage{}, s.messages...),
		Graph:            layout.Build(s.doc),
		CodeGeneratedFor: s.marker,
		Generating:       s.generating,
		Sending:          s.sending,
		Deploying:        s.deploying,
		SavePending:      s.saver != nil && s.saver.Pending(),
	}
}

func (s *Session) emitLocked(t models.SessionEventType, detail string) {
	snap := s.snapshotLocked()
	s.pending = append(s.pending, models.SessionEvent{
		Type:      t,
		SessionID: s.id,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
		Snapshot:  &snap,
	})
}

// unlockAndPublish releases mu and then delivers the events queued while it
// was held
func (s *Session) unlockAndPublish() {
	events := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(events) == 0 {
		return
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ev := range events {
		for _, ch := range s.subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func sameDocument(a, b *contract.Document) bool {
	if a == nil || b == nil {
		return a == b
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
