package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/contract-studio/internal/models"
	"github.com/bizmatters/contract-studio/internal/store"
)

// DefaultAgentURL is used when no backend URL is configured
const DefaultAgentURL = "http://localhost:8000"

// DefaultHealthPath is probed by IsHealthy. The backend has no dedicated
// health route; its schema document is cheap and always served.
const DefaultHealthPath = "/openapi.json"

// ErrDeployFailed is returned when the backend reports an unsuccessful deployment
var ErrDeployFailed = errors.New("deploy simulation failed")

// AgentBackend is everything a studio session needs from the agent backend
type AgentBackend interface {
	ChatTurn(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
	GenerateSpec(ctx context.Context, req models.SpecRequest) (*models.SpecResponse, error)
	GenerateCode(ctx context.Context, req models.CodeRequest) (*models.CodeResponse, error)
	SimulateDeploy(ctx context.Context, req models.DeployRequest) (*models.DeployResult, error)
	NetworkStatus(ctx context.Context) (*models.NetworkStatus, error)
	Transcribe(ctx context.Context, audio AudioClip) (*models.Transcription, error)
	IsHealthy(ctx context.Context) bool
}

// AudioClip is a recorded voice message relayed for transcription
type AudioClip struct {
	Filename    string
	ContentType string
	Data        io.Reader
}

// StatusError is returned for non-success responses
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent backend returned status %d: %s", e.StatusCode, e.Detail)
}

// AgentClient talks to the agent backend over HTTP/JSON. It also serves the
// backend's conversation endpoints as a store.ConversationStore.
type AgentClient struct {
	baseURL    string
	healthPath string
	httpClient *http.Client
	tracer     trace.Tracer
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

var (
	_ AgentBackend            = (*AgentClient)(nil)
	_ store.ConversationStore = (*AgentClient)(nil)
)

// NewAgentClient creates a client for the backend at baseURL. Requests carry
// no client-side timeout; callers bound them through their context.
func NewAgentClient(baseURL string, logger *slog.Logger) *AgentClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = DefaultAgentURL
		logger.Warn("agent backend URL not set, using default", "url", baseURL)
	}

	settings := gobreaker.Settings{
		Name:        "agent-backend",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// client errors say nothing about backend health
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, store.ErrNotFound) {
				return true
			}
			var se *StatusError
			return errors.As(err, &se) && se.StatusCode < http.StatusInternalServerError
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &AgentClient{
		baseURL:    baseURL,
		healthPath: DefaultHealthPath,
		httpClient: &http.Client{},
		tracer:     otel.Tracer("agent-backend-client"),
		breaker:    gobreaker.NewCircuitBreaker(settings),
		logger:     logger,
	}
}

// SetBaseURL sets the base URL for testing purposes
func (c *AgentClient) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// BaseURL returns the backend the client talks to
func (c *AgentClient) BaseURL() string {
	return c.baseURL
}

// ChatTurn sends one conversational turn
func (c *AgentClient) ChatTurn(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	ctx, span := c.tracer.Start(ctx, "agent_backend.chat_turn")
	defer span.End()

	span.SetAttributes(
		attribute.String("conversation_id", req.ConversationID),
		attribute.Bool("has_spec", req.ExistingSpec != nil),
	)

	var resp models.ChatResponse
	if err := c.execute(ctx, http.MethodPost, "/api/chat/message", req, &resp); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to send chat message: %w", err)
	}
	return &resp, nil
}

// GenerateSpec asks for a structured specification from a prompt
func (c *AgentClient) GenerateSpec(ctx context.Context, req models.SpecRequest) (*models.SpecResponse, error) {
	ctx, span := c.tracer.Start(ctx, "agent_backend.generate_spec")
	defer span.End()

	var resp models.SpecResponse
	if err := c.execute(ctx, http.MethodPost, "/api/contract/spec", req, &resp); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to generate spec: %w", err)
	}
	return &resp, nil
}

// GenerateCode asks for contract source implementing a specification
func (c *AgentClient) GenerateCode(ctx context.Context, req models.CodeRequest) (*models.CodeResponse, error) {
	ctx, span := c.tracer.Start(ctx, "agent_backend.generate_code")
	defer span.End()

	if req.Spec != nil {
		span.SetAttributes(attribute.String("spec_id", req.Spec.ID))
	}

	var resp models.CodeResponse
	if err := c.execute(ctx, http.MethodPost, "/api/contract/code", req, &resp); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}
	return &resp, nil
}

// SimulateDeploy asks the backend to simulate a deployment. Every failure,
// transport or reported, comes back both as an error and as an OK=false result.
func (c *AgentClient) SimulateDeploy(ctx context.Context, req models.DeployRequest) (*models.DeployResult, error) {
	ctx, span := c.tracer.Start(ctx, "agent_backend.simulate_deploy")
	defer span.End()

	var resp models.DeployResult
	if err := c.execute(ctx, http.MethodPost, "/api/neo/simulate_deploy", req, &resp); err != nil {
		span.RecordError(err)
		err = fmt.Errorf("failed to simulate deploy: %w", err)
		return models.FailedDeploy(err), err
	}

	span.SetAttributes(attribute.Bool("ok", resp.OK), attribute.String("action", resp.Action))
	if !resp.OK {
		if resp.NeoResponse == nil {
			resp.NeoResponse = map[string]any{}
		}
		msg, _ := resp.NeoResponse["error"].(string)
		if msg == "" {
			msg = "unknown error"
			resp.NeoResponse["error"] = msg
		}
		err := fmt.Errorf("%w: %s", ErrDeployFailed, msg)
		span.RecordError(err)
		return &resp, err
	}
	return &resp, nil
}

// NetworkStatus reports the blockchain network the backend is connected to
func (c *AgentClient) NetworkStatus(ctx context.Context) (*models.NetworkStatus, error) {
	ctx, span := c.tracer.Start(ctx, "agent_backend.network_status")
	defer span.End()

	var resp models.NetworkStatus
	if err := c.execute(ctx, http.MethodGet, "/api/neo/status", nil, &resp); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get network status: %w", err)
	}
	return &resp, nil
}

// Transcribe relays a recorded clip as the multipart field "audio"
func (c *AgentClient) Transcribe(ctx context.Context, audio AudioClip) (*models.Transcription, error) {
	ctx, span := c.tracer.Start(ctx, "agent_backend.transcribe")
	defer span.End()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.transcribeInternal(ctx, audio)
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to transcribe audio: %w", err)
	}
	return result.(*models.Transcription), nil
}

func (c *AgentClient) transcribeInternal(ctx context.Context, audio AudioClip) (*models.Transcription, error) {
	filename := audio.Filename
	if filename == "" {
		filename = "recording.webm"
	}
	contentType := audio.ContentType
	if contentType == "" {
		contentType = "audio/webm"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := io.Copy(part, audio.Data); err != nil {
		return nil, fmt.Errorf("failed to read audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/speech-to-text", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var out models.Transcription
	if err := c.do(ctx, httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Load fetches a conversation record
func (c *AgentClient) Load(ctx context.Context, id string) (*models.ConversationRecord, error) {
	ctx, span := c.tracer.Start(ctx, "agent_backend.load_conversation")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", id))

	var envelope struct {
		Conversation json.RawMessage `json:"conversation"`
	}
	if err := c.execute(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, &envelope); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	rec, err := models.DecodeRecord(envelope.Conversation)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return rec, nil
}

// Save creates or updates a conversation record
func (c *AgentClient) Save(ctx context.Context, req models.SaveConversationRequest) (*models.ConversationRecord, error) {
	ctx, span := c.tracer.Start(ctx, "agent_backend.save_conversation")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", req.ConversationID))

	var envelope models.ConversationEnvelope
	if err := c.execute(ctx, http.MethodPost, "/api/conversations", req, &envelope); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}
	if envelope.Conversation == nil {
		return nil, errors.New("failed to save conversation: empty response")
	}
	return envelope.Conversation, nil
}

// List returns the conversation summaries the backend holds
func (c *AgentClient) List(ctx context.Context) ([]models.ConversationSummary, error) {
	ctx, span := c.tracer.Start(ctx, "agent_backend.list_conversations")
	defer span.End()

	var resp models.ConversationList
	if err := c.execute(ctx, http.MethodGet, "/api/conversations", nil, &resp); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if resp.Conversations == nil {
		resp.Conversations = []models.ConversationSummary{}
	}
	return resp.Conversations, nil
}

// Delete removes a conversation record
func (c *AgentClient) Delete(ctx context.Context, id string) error {
	ctx, span := c.tracer.Start(ctx, "agent_backend.delete_conversation")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", id))

	var resp models.DeleteResponse
	if err := c.execute(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil, &resp); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

// IsHealthy checks if the agent backend is reachable
func (c *AgentClient) IsHealthy(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "agent_backend.health_check")
	defer span.End()

	if c.breaker.State() == gobreaker.StateOpen {
		span.SetAttributes(attribute.Bool("healthy", false), attribute.String("reason", "circuit_breaker_open"))
		return false
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		span.RecordError(err)
		return false
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	span.SetAttributes(attribute.Bool("healthy", healthy))
	return healthy
}

// execute runs one JSON request through the circuit breaker
func (c *AgentClient) execute(ctx context.Context, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			jsonData, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request: %w", err)
			}
			reader = bytes.NewReader(jsonData)
		}

		httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		return nil, c.do(ctx, httpReq, out)
	})
	return err
}

// do sends httpReq with trace context and decodes a JSON success body into out
func (c *AgentClient) do(ctx context.Context, httpReq *http.Request, out any) error {
	httpReq.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && isConversationPath(httpReq.URL.Path) {
		return store.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("agent backend returned status %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return &StatusError{StatusCode: resp.StatusCode, Detail: errorDetail(bodyBytes)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func isConversationPath(p string) bool {
	return strings.HasPrefix(p, "/api/conversations/")
}

// errorDetail prefers the backend's {"detail": ...} message over the raw body
func errorDetail(body []byte) string {
	var be models.BackendError
	if err := json.Unmarshal(body, &be); err == nil && be.Detail != "" {
		return be.Detail
	}
	return string(body)
}
