// Package extract recovers contract documents that the agent embedded as JSON
// inside free-form chat replies.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/bizmatters/contract-studio/internal/contract"
)

var (
	fencePattern = regexp.MustCompile("```(?:json)?")
	// greedy on purpose: first '{' to last '}'
	objectPattern = regexp.MustCompile(`\{[\s\S]*\}`)
)

// Result is a document found in a message, with the prose written before it
type Result struct {
	Document *contract.Document
	Prose    string
}

// probe holds the fields that decide whether a JSON value is a contract document
type probe struct {
	Metadata *struct {
		Name *string `json:"name"`
	} `json:"metadata"`
	Variables json.RawMessage `json:"variables"`
}

// FromText looks for a contract document in text. A miss is a normal outcome
// and is reported through the boolean only.
func FromText(text string) (Result, bool) {
	cleaned := fencePattern.ReplaceAllString(text, "")

	loc := objectPattern.FindStringIndex(cleaned)
	if loc == nil {
		return Result{}, false
	}
	candidate := cleaned[loc[0]:loc[1]]

	var p probe
	if err := json.Unmarshal([]byte(candidate), &p); err != nil {
		return Result{}, false
	}
	if p.Metadata == nil || p.Metadata.Name == nil || p.Variables == nil {
		return Result{}, false
	}

	var doc contract.Document
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		return Result{}, false
	}

	return Result{
		Document: &doc,
		Prose:    strings.TrimSpace(cleaned[:loc[0]]),
	}, true
}

// Latest returns the document from the most recent assistant message that
// carries one
func Latest(messages []contract.ChatMessage) (*contract.Document, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != contract.RoleAssistant {
			continue
		}
		if res, ok := FromText(messages[i].Content); ok {
			return res.Document, true
		}
	}
	return nil, false
}
