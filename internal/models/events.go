package models

import (
	"time"

	"github.com/bizmatters/contract-studio/internal/contract"
	"github.com/bizmatters/contract-studio/internal/layout"
)

// SessionEventType names what changed in a studio session
type SessionEventType string

// Event types
const (
	EventSnapshot                SessionEventType = "session.snapshot"
	EventTurnStarted             SessionEventType = "chat.turn_started"
	EventTurnCompleted           SessionEventType = "chat.turn_completed"
	EventTurnFailed              SessionEventType = "chat.turn_failed"
	EventDocumentRecovered       SessionEventType = "document.recovered"
	EventCodeGenerationStarted   SessionEventType = "code.generation_started"
	EventCodeGenerationCompleted SessionEventType = "code.generation_completed"
	EventCodeGenerationDiscarded SessionEventType = "code.generation_discarded"
	EventCodeGenerationFailed    SessionEventType = "code.generation_failed"
	EventVariableEdited          SessionEventType = "variable.edited"
	EventDeployCompleted         SessionEventType = "deploy.completed"
	EventSaved                   SessionEventType = "conversation.saved"
	EventSaveFailed              SessionEventType = "conversation.save_failed"
	EventHydrated                SessionEventType = "conversation.hydrated"
	EventClosed                  SessionEventType = "session.closed"
)

// SessionSnapshot is the full view state of a session
type SessionSnapshot struct {
	SessionID        string                 `json:"sessionId"`
	ConversationID   string                 `json:"conversationId,omitempty"`
	Document         *contract.Document     `json:"spec"`
	Code             string                 `json:"code"`
	Language         contract.Language      `json:"language"`
	EditorMode       string                 `json:"editorMode"`
	Messages         []contract.ChatMessage `json:"messages"`
	Graph            *layout.Graph          `json:"graph"`
	CodeGeneratedFor string                 `json:"codeGeneratedFor,omitempty"`
	Generating       bool                   `json:"generating"`
	Sending          bool                   `json:"sending"`
	Deploying        bool                   `json:"deploying"`
	SavePending      bool                   `json:"savePending"`
}

// SessionEvent is pushed to stream subscribers after every state change
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	SessionID string           `json:"sessionId"`
	Timestamp time.Time        `json:"timestamp"`
	Detail    string           `json:"detail,omitempty"`
	Snapshot  *SessionSnapshot `json:"snapshot,omitempty"`
}
