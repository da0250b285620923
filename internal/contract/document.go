// Package contract holds the smart-contract specification document the studio
// renders and edits, plus the conversion to the shape the agent backend accepts.
package contract

import (
	"errors"
	"fmt"
)

// ErrVariableNotFound is returned when a patch targets an unknown variable id
var ErrVariableNotFound = errors.New("variable not found")

// MaxShortNameLength bounds Metadata.ShortName
const MaxShortNameLength = 25

// Language is the target language of generated code
type Language string

const (
	LanguagePython Language = "python"
	LanguageCSharp Language = "csharp"
)

// Normalized maps unknown or empty languages to python, the backend default
func (l Language) Normalized() Language {
	if l == LanguageCSharp {
		return LanguageCSharp
	}
	return LanguagePython
}

// Extension returns the export file extension, including the dot
func (l Language) Extension() string {
	if l.Normalized() == LanguageCSharp {
		return ".cs"
	}
	return ".py"
}

// EditorMode returns the syntax mode the code editor uses for this language
func (l Language) EditorMode() string {
	return string(l.Normalized())
}

// Visibility of a contract method
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
	VisibilityAdmin   Visibility = "admin"
)

// Normalized maps unknown visibilities to public
func (v Visibility) Normalized() Visibility {
	switch v {
	case VisibilityPrivate, VisibilityAdmin:
		return v
	default:
		return VisibilityPublic
	}
}

// Metadata describes the contract as a whole
type Metadata struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol,omitempty"`
	ShortName   string `json:"shortName,omitempty"`
	Description string `json:"description,omitempty"`
}

// DisplayName prefers the short alias when one is set
func (m Metadata) DisplayName() string {
	if m.ShortName != "" {
		return m.ShortName
	}
	return m.Name
}

// Param is a named, typed parameter of a method or event
type Param struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Variable is a piece of contract storage
type Variable struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	InitialValue Value  `json:"initialValue,omitzero"`
	Description  string `json:"description,omitempty"`
}

// Method is a contract entry point
type Method struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Visibility  Visibility `json:"visibility"`
	Params      []Param    `json:"params"`
	Returns     string     `json:"returns,omitempty"`
	Description string     `json:"description,omitempty"`
	Steps       []string   `json:"steps,omitempty"`
}

// Event is a notification the contract emits
type Event struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Params      []Param `json:"params"`
	Description string  `json:"description,omitempty"`
}

// Permission is an access rule as the studio holds it. Older documents carry only
// Role; Condition never leaves the studio except folded into the description.
type Permission struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Role        string   `json:"role,omitempty"`
	Methods     []string `json:"methods,omitempty"`
	Description string   `json:"description,omitempty"`
	Condition   string   `json:"condition,omitempty"`
}

// Document is a versioned contract specification. ID changes whenever the
// backend returns a structurally new document.
type Document struct {
	ID          string       `json:"id"`
	Metadata    Metadata     `json:"metadata"`
	Variables   []Variable   `json:"variables"`
	Methods     []Method     `json:"methods"`
	Events      []Event      `json:"events"`
	Permissions []Permission `json:"permissions"`
	Language    Language     `json:"language"`
}

// IsIncomplete reports whether the document carries metadata only
func (d *Document) IsIncomplete() bool {
	if d == nil {
		return false
	}
	return len(d.Variables) == 0 &&
		len(d.Methods) == 0 &&
		len(d.Events) == 0 &&
		len(d.Permissions) == 0
}

// Clone returns a deep copy
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.Variables != nil {
		out.Variables = append([]Variable(nil), d.Variables...)
	}
	if d.Methods != nil {
		out.Methods = make([]Method, len(d.Methods))
		for i, m := range d.Methods {
			if m.Params != nil {
				m.Params = append([]Param(nil), m.Params...)
			}
			if m.Steps != nil {
				m.Steps = append([]string(nil), m.Steps...)
			}
			out.Methods[i] = m
		}
	}
	if d.Events != nil {
		out.Events = make([]Event, len(d.Events))
		for i, e := range d.Events {
			if e.Params != nil {
				e.Params = append([]Param(nil), e.Params...)
			}
			out.Events[i] = e
		}
	}
	if d.Permissions != nil {
		out.Permissions = make([]Permission, len(d.Permissions))
		for i, p := range d.Permissions {
			if p.Methods != nil {
				p.Methods = append([]string(nil), p.Methods...)
			}
			out.Permissions[i] = p
		}
	}
	return &out
}

// VariablePatch is a partial update. Nil fields are left untouched.
type VariablePatch struct {
	Name         *string
	Type         *string
	InitialValue *Value
	Description  *string
}

// WithVariable returns a copy of the document with one variable patched in place.
// The document id is kept: a patch is not a new version.
func (d *Document) WithVariable(id string, patch VariablePatch) (*Document, error) {
	if d == nil {
		return nil, fmt.Errorf("patch variable %s: %w", id, ErrVariableNotFound)
	}
	idx := -1
	for i, v := range d.Variables {
		if v.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("patch variable %s: %w", id, ErrVariableNotFound)
	}

	out := d.Clone()
	v := out.Variables[idx]
	if patch.Name != nil {
		v.Name = *patch.Name
	}
	if patch.Type != nil {
		v.Type = *patch.Type
	}
	if patch.InitialValue != nil {
		v.InitialValue = *patch.InitialValue
	}
	if patch.Description != nil {
		v.Description = *patch.Description
	}
	out.Variables[idx] = v
	return out, nil
}

// Variable looks a variable up by id
func (d *Document) Variable(id string) (Variable, bool) {
	if d == nil {
		return Variable{}, false
	}
	for _, v := range d.Variables {
		if v.ID == id {
			return v, true
		}
	}
	return Variable{}, false
}

// Validate checks the id uniqueness invariants of every list
func (d *Document) Validate() error {
	var errs []error
	check := func(kind string, ids []string) {
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				errs = append(errs, fmt.Errorf("duplicate %s id %q", kind, id))
			}
			seen[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(d.Variables))
	for _, v := range d.Variables {
		ids = append(ids, v.ID)
	}
	check("variable", ids)

	ids = ids[:0]
	for _, m := range d.Methods {
		ids = append(ids, m.ID)
	}
	check("method", ids)

	ids = ids[:0]
	for _, e := range d.Events {
		ids = append(ids, e.ID)
	}
	check("event", ids)

	ids = ids[:0]
	for _, p := range d.Permissions {
		ids = append(ids, p.ID)
	}
	check("permission", ids)

	if d.Metadata.Name == "" {
		errs = append(errs, errors.New("metadata name is required"))
	}
	if len([]rune(d.Metadata.ShortName)) > MaxShortNameLength {
		errs = append(errs, fmt.Errorf("short name longer than %d characters", MaxShortNameLength))
	}
	return errors.Join(errs...)
}

// ExportFileName returns the download name for the generated code of doc
func ExportFileName(doc *Document, lang Language) string {
	name := "Contract"
	if doc != nil && doc.Metadata.Name != "" {
		name = doc.Metadata.Name
	}
	return name + lang.Extension()
}

// Role of a chat message author
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry of the conversation
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
