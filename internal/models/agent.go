package models

import (
	"encoding/json"
	"fmt"

	"github.com/bizmatters/contract-studio/internal/contract"
)

// ChatRequest is one conversational turn sent to the agent backend
type ChatRequest struct {
	Message        string                 `json:"message"`
	ConversationID string                 `json:"conversationId,omitempty"`
	ExistingSpec   *contract.WireDocument `json:"existingSpec,omitempty"`
	ExistingCode   string                 `json:"existingCode,omitempty"`
}

// ChatResponse is the agent reply to a turn. Spec and Code are only meaningful
// when present; a missing field must not clear local state.
type ChatResponse struct {
	AgentMessage string            `json:"agentMessage"`
	Spec         json.RawMessage   `json:"spec,omitempty"`
	Code         *string           `json:"code,omitempty"`
	Language     contract.Language `json:"language,omitempty"`
}

// Document decodes the spec carried by the reply. A nil document with a nil
// error means the reply carried none.
func (r *ChatResponse) Document() (*contract.Document, error) {
	return decodeDocument(r.Spec)
}

// SpecRequest asks the backend for a structured specification
type SpecRequest struct {
	UserPrompt     string                 `json:"userPrompt"`
	ExistingSpec   *contract.WireDocument `json:"existingSpec,omitempty"`
	ConversationID string                 `json:"conversationId,omitempty"`
}

// SpecResponse carries a generated specification
type SpecResponse struct {
	Spec         *contract.Document `json:"spec"`
	AgentMessage string             `json:"agentMessage"`
}

// CodeRequest asks the backend to generate code for a specification
type CodeRequest struct {
	Spec           *contract.WireDocument `json:"spec"`
	ConversationID string                 `json:"conversationId,omitempty"`
}

// CodeResponse carries generated contract source
type CodeResponse struct {
	Code     string            `json:"code"`
	Language contract.Language `json:"language"`
}

// DeployRequest asks the backend to simulate a deployment
type DeployRequest struct {
	Spec *contract.WireDocument `json:"spec,omitempty"`
	Code string                 `json:"code,omitempty"`
}

// DeployResult is the outcome of a simulated deployment. Failures carry
// OK=false and the message under NeoResponse["error"].
type DeployResult struct {
	OK          bool           `json:"ok"`
	Action      string         `json:"action"`
	NeoResponse map[string]any `json:"neoResponse"`
}

// DeployAction is the action reported for deployments that never reached the network
const DeployAction = "simulate_deploy"

// FailedDeploy builds the result reported for a deployment that errored
func FailedDeploy(err error) *DeployResult {
	return &DeployResult{
		OK:          false,
		Action:      DeployAction,
		NeoResponse: map[string]any{"error": err.Error()},
	}
}

// NetworkStatus describes the blockchain network the backend talks to
type NetworkStatus struct {
	Network     string `json:"network"`
	BlockHeight int64  `json:"block_height"`
	RPCURL      string `json:"rpc_url"`
}

// Transcription is the text recognized from a recorded audio clip
type Transcription struct {
	Text   string `json:"text"`
	Status string `json:"status"`
}

// BackendError is the error body the agent backend answers with
type BackendError struct {
	Detail string `json:"detail"`
}

func decodeDocument(raw json.RawMessage) (*contract.Document, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var doc contract.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode spec: %w", err)
	}
	return &doc, nil
}
