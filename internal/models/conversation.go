package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bizmatters/contract-studio/internal/contract"
)

// UntitledConversation is the title of conversations saved without one
const UntitledConversation = "Untitled Contract"

// PreviewLength bounds the preview derived from the last message
const PreviewLength = 150

// TimestampFormat is fixed width so timestamps sort lexically
const TimestampFormat = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp formats t for a conversation record
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ConversationRecord is a persisted studio conversation
type ConversationRecord struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Preview   string                 `json:"preview"`
	CreatedAt string                 `json:"createdAt"`
	UpdatedAt string                 `json:"updatedAt"`
	Messages  []contract.ChatMessage `json:"messages"`
	Spec      json.RawMessage        `json:"spec,omitempty" swaggertype:"object"`
	Code      string                 `json:"code,omitempty"`
	Language  string                 `json:"language,omitempty"`
}

// ConversationSummary is a list entry
type ConversationSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Preview   string `json:"preview"`
	UpdatedAt string `json:"updatedAt"`
}

// SaveConversationRequest creates or updates a conversation. Empty fields leave
// the stored values untouched.
type SaveConversationRequest struct {
	ConversationID string                 `json:"conversationId,omitempty"`
	Title          string                 `json:"title,omitempty"`
	Messages       []contract.ChatMessage `json:"messages,omitempty"`
	Spec           json.RawMessage        `json:"spec,omitempty" swaggertype:"object"`
	Code           *string                `json:"code,omitempty"`
	Language       string                 `json:"language,omitempty"`
}

// ConversationEnvelope wraps a single record on the wire
type ConversationEnvelope struct {
	Conversation *ConversationRecord `json:"conversation"`
}

// ConversationList wraps the list endpoint body
type ConversationList struct {
	Conversations []ConversationSummary `json:"conversations"`
}

// DeleteResponse is returned once a conversation is gone
type DeleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Document decodes the stored spec
func (r *ConversationRecord) Document() (*contract.Document, error) {
	return decodeDocument(r.Spec)
}

// Summary converts the record for list views. A non-blank metadata description
// wins over the stored preview.
func (r *ConversationRecord) Summary() ConversationSummary {
	preview := r.Preview
	if d := specDescription(r.Spec); d != "" {
		preview = d
	}
	return ConversationSummary{
		ID:        r.ID,
		Title:     r.Title,
		Preview:   preview,
		UpdatedAt: r.UpdatedAt,
	}
}

// Apply merges req into r the way every store updates a record. now stamps
// UpdatedAt, and CreatedAt when r is new.
func (r *ConversationRecord) Apply(req SaveConversationRequest, now time.Time) {
	ts := Timestamp(now)
	if r.CreatedAt == "" {
		r.CreatedAt = ts
	}
	r.UpdatedAt = ts

	if req.Title != "" {
		r.Title = req.Title
	}
	if r.Title == "" {
		r.Title = UntitledConversation
	}
	if req.Messages != nil {
		r.Messages = append([]contract.ChatMessage(nil), req.Messages...)
	}
	if r.Messages == nil {
		r.Messages = []contract.ChatMessage{}
	}
	if len(req.Spec) > 0 {
		r.Spec = append(json.RawMessage(nil), req.Spec...)
	}
	if req.Code != nil {
		r.Code = *req.Code
	}
	if req.Language != "" {
		r.Language = req.Language
	}

	if r.Preview == "" {
		r.Preview = derivePreview(req.Messages, req.Spec)
	}
}

func derivePreview(messages []contract.ChatMessage, spec json.RawMessage) string {
	if len(messages) > 0 {
		return Truncate(messages[len(messages)-1].Content, PreviewLength)
	}
	meta := specMetadata(spec)
	if meta == nil {
		return ""
	}
	if meta.Description != "" {
		return truncateRunes(meta.Description, PreviewLength)
	}
	if meta.Name != "" {
		return "Contract: " + meta.Name
	}
	return ""
}

// Truncate cuts s to n characters, marking the cut with "..."
func Truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return truncateRunes(s, n) + "..."
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func specMetadata(spec json.RawMessage) *contract.Metadata {
	if len(spec) == 0 {
		return nil
	}
	var probe struct {
		Metadata *contract.Metadata `json:"metadata"`
	}
	if err := json.Unmarshal(spec, &probe); err != nil {
		return nil
	}
	return probe.Metadata
}

func specDescription(spec json.RawMessage) string {
	meta := specMetadata(spec)
	if meta == nil {
		return ""
	}
	return strings.TrimSpace(meta.Description)
}

// ErrMalformedRecord is returned when a stored record is not a JSON object
var ErrMalformedRecord = errors.New("malformed conversation record")

// DecodeRecord decodes a stored record field by field. A field of the wrong
// shape is dropped instead of failing the whole record.
func DecodeRecord(data []byte) (*ConversationRecord, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if fields == nil {
		return nil, ErrMalformedRecord
	}

	rec := &ConversationRecord{}
	str := func(key string, dst *string) {
		if raw, ok := fields[key]; ok {
			_ = json.Unmarshal(raw, dst)
		}
	}
	str("id", &rec.ID)
	str("title", &rec.Title)
	str("preview", &rec.Preview)
	str("createdAt", &rec.CreatedAt)
	str("updatedAt", &rec.UpdatedAt)
	str("code", &rec.Code)
	str("language", &rec.Language)

	if raw, ok := fields["messages"]; ok {
		var msgs []contract.ChatMessage
		if err := json.Unmarshal(raw, &msgs); err == nil {
			rec.Messages = msgs
		}
	}
	if raw, ok := fields["spec"]; ok && string(raw) != "null" {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err == nil {
			rec.Spec = raw
		}
	}
	return rec, nil
}
