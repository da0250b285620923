package contract

import (
	"fmt"
	"strings"
)

// DefaultCondition is the permission condition the editor starts with. It is
// not worth sending to the backend.
const DefaultCondition = "always"

// WirePermission is the permission shape the agent backend requires
type WirePermission struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// WireDocument is a Document as the agent backend accepts it
type WireDocument struct {
	ID          string           `json:"id"`
	Metadata    Metadata         `json:"metadata"`
	Variables   []Variable       `json:"variables"`
	Methods     []Method         `json:"methods"`
	Events      []Event          `json:"events"`
	Permissions []WirePermission `json:"permissions"`
	Language    Language         `json:"language"`
}

// Normalize converts doc to the backend shape. doc itself is never modified.
func Normalize(doc *Document) *WireDocument {
	if doc == nil {
		return nil
	}
	src := doc.Clone()

	out := &WireDocument{
		ID:          src.ID,
		Metadata:    src.Metadata,
		Variables:   nonNil(src.Variables),
		Methods:     nonNil(src.Methods),
		Events:      nonNil(src.Events),
		Permissions: make([]WirePermission, len(src.Permissions)),
		Language:    src.Language.Normalized(),
	}
	for i := range out.Methods {
		out.Methods[i].Visibility = out.Methods[i].Visibility.Normalized()
		out.Methods[i].Params = nonNil(out.Methods[i].Params)
	}
	for i := range out.Events {
		out.Events[i].Params = nonNil(out.Events[i].Params)
	}
	for i, p := range src.Permissions {
		out.Permissions[i] = normalizePermission(i, p)
	}
	return out
}

func normalizePermission(i int, p Permission) WirePermission {
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = fmt.Sprintf("perm-%d", i+1)
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = strings.TrimSpace(p.Role)
	}
	if name == "" {
		name = fmt.Sprintf("Permission %d", i+1)
	}

	var parts []string
	if d := strings.TrimSpace(p.Description); d != "" {
		parts = append(parts, d)
	}
	if len(p.Methods) > 0 {
		parts = append(parts, "Methods: "+strings.Join(p.Methods, ", "))
	}
	if c := strings.TrimSpace(p.Condition); c != "" && !strings.EqualFold(c, DefaultCondition) {
		parts = append(parts, "Condition: "+c)
	}

	return WirePermission{
		ID:          id,
		Name:        name,
		Description: strings.Join(parts, "; "),
	}
}

// the backend rejects null lists
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
