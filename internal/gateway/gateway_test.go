package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/contract-studio/internal/auth"
	"github.com/bizmatters/contract-studio/internal/contract"
	"github.com/bizmatters/contract-studio/internal/models"
	"github.com/bizmatters/contract-studio/internal/orchestration"
	"github.com/bizmatters/contract-studio/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const tokenSpec = `{"id":"v1","metadata":{"name":"TokenX","symbol":"TKX"},` +
	`"variables":[{"id":"supply","name":"supply","type":"int"}],` +
	`"methods":[],"events":[],"permissions":[],"language":"python"}`

// MockAgentBackend implements orchestration.AgentBackend for handler tests
type MockAgentBackend struct {
	mu            sync.Mutex
	chatResponse  *models.ChatResponse
	chatError     error
	deployError   error
	lastAudio     []byte
	lastAudioName string
}

func (m *MockAgentBackend) ChatTurn(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chatError != nil {
		return nil, m.chatError
	}
	if m.chatResponse != nil {
		return m.chatResponse, nil
	}
	return &models.ChatResponse{AgentMessage: "Here you go", Spec: json.RawMessage(tokenSpec)}, nil
}

func (m *MockAgentBackend) GenerateSpec(ctx context.Context, req models.SpecRequest) (*models.SpecResponse, error) {
	return nil, errors.New("unused")
}

func (m *MockAgentBackend) GenerateCode(ctx context.Context, req models.CodeRequest) (*models.CodeResponse, error) {
	return &models.CodeResponse{Code: "# " + req.Spec.Metadata.Name, Language: contract.LanguagePython}, nil
}

func (m *MockAgentBackend) SimulateDeploy(ctx context.Context, req models.DeployRequest) (*models.DeployResult, error) {
	if m.deployError != nil {
		return models.FailedDeploy(m.deployError), m.deployError
	}
	return &models.DeployResult{OK: true, Action: models.DeployAction, NeoResponse: map[string]any{"gas": "1.5"}}, nil
}

func (m *MockAgentBackend) NetworkStatus(ctx context.Context) (*models.NetworkStatus, error) {
	return &models.NetworkStatus{Network: "testnet", BlockHeight: 42, RPCURL: "http://rpc"}, nil
}

func (m *MockAgentBackend) Transcribe(ctx context.Context, audio orchestration.AudioClip) (*models.Transcription, error) {
	data, err := io.ReadAll(audio.Data)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.lastAudio = data
	m.lastAudioName = audio.Filename
	m.mu.Unlock()
	return &models.Transcription{Text: "create a token", Status: "success"}, nil
}

func (m *MockAgentBackend) IsHealthy(ctx context.Context) bool { return true }

type testEnv struct {
	router  *gin.Engine
	backend *MockAgentBackend
	store   *store.MemoryStore
	jwt     *auth.JWTManager
	service *orchestration.Service
}

func newTestEnv(t *testing.T, withAuth bool) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := &MockAgentBackend{}
	mem := store.NewMemoryStore()
	service := orchestration.NewService(orchestration.ServiceConfig{
		Backend:       backend,
		Conversations: mem,
		Logger:        logger,
		SaveDelay:     10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = service.Shutdown(context.Background()) })

	env := &testEnv{backend: backend, store: mem, service: service}

	var users *auth.UserDirectory
	if withAuth {
		hash, err := auth.HashPassword("password123")
		require.NoError(t, err)
		users = auth.NewUserDirectory([]models.User{
			{ID: "u-1", Name: "Ada", Email: "ada@example.com", HashedPassword: hash},
			{ID: "u-2", Name: "Bob", Email: "bob@example.com", HashedPassword: hash},
		})
		env.jwt, err = auth.NewJWTManager("test-secret")
		require.NoError(t, err)
	}

	env.router = NewRouter(RouterConfig{
		Handler:    NewHandler(service, users, env.jwt, time.Hour, logger),
		Stream:     NewSessionStream(service, []string{"http://localhost:3000"}, logger),
		JWTManager: env.jwt,
		Logger:     logger,
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) openSession(t *testing.T, token string) models.SessionSnapshot {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/sessions", nil, token)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var snap models.SessionSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	return snap
}

func (e *testEnv) waitForCode(t *testing.T, sessionID, token string) models.SessionSnapshot {
	t.Helper()
	var snap models.SessionSnapshot
	require.Eventually(t, func() bool {
		w := e.do(t, http.MethodGet, "/api/sessions/"+sessionID, nil, token)
		if w.Code != http.StatusOK {
			return false
		}
		_ = json.Unmarshal(w.Body.Bytes(), &snap)
		return snap.Code != "" && !snap.Generating
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, false)

	for _, path := range []string{"/health", "/ready", "/api/health"} {
		w := env.do(t, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t, true)

	tests := []struct {
		name           string
		body           any
		expectedStatus int
	}{
		{"success", models.LoginRequest{Email: "ada@example.com", Password: "password123"}, http.StatusOK},
		{"wrong_password", models.LoginRequest{Email: "ada@example.com", Password: "nope-nope"}, http.StatusUnauthorized},
		{"unknown_user", models.LoginRequest{Email: "eve@example.com", Password: "password123"}, http.StatusUnauthorized},
		{"invalid_body", map[string]string{"email": "not-an-email"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/auth/login", tt.body, "")
			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var resp models.LoginResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Token)
			assert.Equal(t, "u-1", resp.User.ID)

			claims, err := env.jwt.ValidateToken(context.Background(), resp.Token)
			require.NoError(t, err)
			assert.Equal(t, "u-1", claims.UserID)
		})
	}
}

func TestRefresh(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	token, err := env.jwt.GenerateToken(ctx, "u-1", "ada@example.com", []string{auth.OperatorRole}, time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name           string
		token          string
		expectedStatus int
	}{
		{"success", token, http.StatusOK},
		{"missing_token", "", http.StatusUnauthorized},
		{"invalid_token", "not-a-token", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/auth/refresh", nil, tt.token)
			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus != http.StatusOK {
				assert.Equal(t, models.ErrCodeUnauthorized, decodeError(t, w).Code)
				return
			}
			var resp models.RefreshResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.True(t, resp.ExpiresAt.After(time.Now().Add(30*time.Minute)))

			claims, err := env.jwt.ValidateToken(ctx, resp.Token)
			require.NoError(t, err)
			assert.Equal(t, "u-1", claims.UserID)
			assert.Equal(t, []string{auth.OperatorRole}, claims.Roles)
		})
	}

	t.Run("auth_disabled", func(t *testing.T) {
		w := newTestEnv(t, false).do(t, http.MethodPost, "/api/auth/refresh", nil, token)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHealthReportsOptionalAuth(t *testing.T) {
	env := newTestEnv(t, true)
	token, err := env.jwt.GenerateToken(context.Background(), "u-1", "ada", nil, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name          string
		token         string
		authenticated bool
	}{
		{"anonymous", "", false},
		{"valid_token", token, true},
		{"invalid_token", "not-a-token", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/health", nil, tt.token)
			require.Equal(t, http.StatusOK, w.Code)
			var body struct {
				Status        string `json:"status"`
				Authenticated bool   `json:"authenticated"`
				UserID        string `json:"user_id"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "healthy", body.Status)
			assert.Equal(t, tt.authenticated, body.Authenticated)
			if tt.authenticated {
				assert.Equal(t, "u-1", body.UserID)
			}
		})
	}
}

func TestDeleteConversationRequiresOperator(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	rec, err := env.store.Save(ctx, models.SaveConversationRequest{Title: "TokenX"})
	require.NoError(t, err)

	viewer, err := env.jwt.GenerateToken(ctx, "u-2", "bob", nil, time.Hour)
	require.NoError(t, err)
	operator, err := env.jwt.GenerateToken(ctx, "u-1", "ada", []string{auth.OperatorRole}, time.Hour)
	require.NoError(t, err)

	w := env.do(t, http.MethodDelete, "/api/conversations/"+rec.ID, nil, viewer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	_, err = env.store.Load(ctx, rec.ID)
	require.NoError(t, err, "forbidden delete leaves the record")

	w = env.do(t, http.MethodDelete, "/api/conversations/"+rec.ID, nil, operator)
	assert.Equal(t, http.StatusOK, w.Code)
	_, err = env.store.Load(ctx, rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, http.MethodPost, "/api/sessions", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.ErrCodeUnauthorized, decodeError(t, w).Code)
}

func TestSessionsAreScopedToOwner(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	ada, err := env.jwt.GenerateToken(ctx, "u-1", "ada", nil, time.Hour)
	require.NoError(t, err)
	bob, err := env.jwt.GenerateToken(ctx, "u-2", "bob", nil, time.Hour)
	require.NoError(t, err)

	snap := env.openSession(t, ada)

	w := env.do(t, http.MethodGet, "/api/sessions/"+snap.SessionID, nil, ada)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/sessions/"+snap.SessionID, nil, bob)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, models.ErrCodeSessionNotFound, decodeError(t, w).Code)
}

func TestSessionFlow(t *testing.T) {
	env := newTestEnv(t, false)
	snap := env.openSession(t, "")
	base := "/api/sessions/" + snap.SessionID

	// graph is null before any document exists
	w := env.do(t, http.MethodGet, base+"/graph", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"graph":null}`, w.Body.String())

	w = env.do(t, http.MethodGet, base+"/export", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, base+"/messages", SendMessageRequest{Message: "create a token"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var turn TurnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &turn))
	assert.Equal(t, "Here you go", turn.Turn.Reply.Content)
	require.NotNil(t, turn.Snapshot.Document)
	assert.Equal(t, "v1", turn.Snapshot.Document.ID)

	snap = env.waitForCode(t, snap.SessionID, "")
	assert.Equal(t, "# TokenX", snap.Code)

	w = env.do(t, http.MethodGet, base+"/graph?selected=variable-supply", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var graph GraphResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &graph))
	require.NotNil(t, graph.Graph)
	assert.Len(t, graph.Graph.Nodes, 2)
	assert.True(t, graph.Graph.Edges[0].Highlighted)

	w = env.do(t, http.MethodPut, base+"/variables/supply", EditVariableRequest{Value: "1000"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	v, ok := snap.Document.Variable("supply")
	require.True(t, ok)
	assert.True(t, v.InitialValue.Equal(contract.NumberValue("1000")))

	w = env.do(t, http.MethodPut, base+"/variables/missing", EditVariableRequest{Value: "1"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, models.ErrCodeVariableNotFound, decodeError(t, w).Code)

	w = env.do(t, http.MethodGet, base+"/export", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename="TokenX.py"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "# TokenX", w.Body.String())

	w = env.do(t, http.MethodPost, base+"/deploy", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var res models.DeployResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.OK)

	w = env.do(t, http.MethodDelete, base, nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodGet, base, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// closing flushed the conversation
	summaries, err := env.store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "TokenX", summaries[0].Title)
}

func TestSendMessage_Validation(t *testing.T) {
	env := newTestEnv(t, false)
	snap := env.openSession(t, "")

	w := env.do(t, http.MethodPost, "/api/sessions/"+snap.SessionID+"/messages", map[string]string{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/sessions/"+snap.SessionID+"/messages", SendMessageRequest{Message: "   "}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/sessions/missing/messages", SendMessageRequest{Message: "hi"}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessage_BackendFailureIsAReply(t *testing.T) {
	env := newTestEnv(t, false)
	env.backend.chatError = &orchestration.StatusError{StatusCode: 500, Detail: "model overloaded"}
	snap := env.openSession(t, "")

	w := env.do(t, http.MethodPost, "/api/sessions/"+snap.SessionID+"/messages", SendMessageRequest{Message: "hi"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	var turn TurnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &turn))
	assert.True(t, turn.Turn.Failed)
	assert.Contains(t, turn.Turn.Reply.Content, "model overloaded")
}

func TestDeploy(t *testing.T) {
	t.Run("no_document", func(t *testing.T) {
		env := newTestEnv(t, false)
		snap := env.openSession(t, "")
		w := env.do(t, http.MethodPost, "/api/sessions/"+snap.SessionID+"/deploy", nil, "")
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, models.ErrCodeNoDocument, decodeError(t, w).Code)
	})

	t.Run("failure_returns_result", func(t *testing.T) {
		env := newTestEnv(t, false)
		env.backend.deployError = errors.New("rpc unreachable")
		w := env.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{Spec: &contract.Document{ID: "v1", Metadata: contract.Metadata{Name: "TokenX"}}}, "")
		require.Equal(t, http.StatusCreated, w.Code)
		var snap models.SessionSnapshot
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))

		w = env.do(t, http.MethodPost, "/api/sessions/"+snap.SessionID+"/deploy", nil, "")
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.JSONEq(t, `{"ok":false,"action":"simulate_deploy","neoResponse":{"error":"rpc unreachable"}}`, w.Body.String())
	})
}

func TestCreateSession_HydratesConversation(t *testing.T) {
	env := newTestEnv(t, false)
	code := "stored"
	rec, err := env.store.Save(context.Background(), models.SaveConversationRequest{
		Title: "TokenX",
		Spec:  json.RawMessage(tokenSpec),
		Code:  &code,
	})
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{ConversationID: rec.ID}, "")
	require.Equal(t, http.StatusCreated, w.Code)
	var snap models.SessionSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.NotNil(t, snap.Document)
	assert.Equal(t, "v1", snap.Document.ID)
	assert.Equal(t, "stored", snap.Code)
}

func TestCreateSession_InvalidSpec(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodPost, "/api/sessions", CreateSessionRequest{Spec: &contract.Document{ID: "v1"}}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, models.ErrCodeValidationFailed, decodeError(t, w).Code)
}

func TestConversations(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()
	rec, err := env.store.Save(ctx, models.SaveConversationRequest{
		Title:    "TokenX",
		Messages: []contract.ChatMessage{{Role: contract.RoleUser, Content: "create a token"}},
	})
	require.NoError(t, err)

	w := env.do(t, http.MethodGet, "/api/conversations", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list models.ConversationList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, "create a token", list.Conversations[0].Preview)

	w = env.do(t, http.MethodGet, "/api/conversations/"+rec.ID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var env1 models.ConversationEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env1))
	assert.Equal(t, "TokenX", env1.Conversation.Title)

	w = env.do(t, http.MethodDelete, "/api/conversations/"+rec.ID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/api/conversations/"+rec.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/conversations", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"conversations":[]}`, w.Body.String())
}

func TestTranscribe(t *testing.T) {
	env := newTestEnv(t, false)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", "voice.webm")
	require.NoError(t, err)
	_, err = part.Write([]byte("fake-audio"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/speech-to-text", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"text":"create a token","status":"success"}`, w.Body.String())
	assert.Equal(t, []byte("fake-audio"), env.backend.lastAudio)
	assert.Equal(t, "voice.webm", env.backend.lastAudioName)

	w = env.do(t, http.MethodPost, "/api/speech-to-text", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNetworkStatus(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/api/neo/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"network":"testnet","block_height":42,"rpc_url":"http://rpc"}`, w.Body.String())
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMin: 60, BurstSize: 2, CleanupMinutes: 1})
	defer rl.Stop()

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// another client has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	rl.evict(time.Now().Add(time.Hour))
	rl.mu.Lock()
	assert.Empty(t, rl.limiters)
	rl.mu.Unlock()
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, false)
	handler := CORS(env.router, []string{"http://localhost:3000"})

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamSession(t *testing.T) {
	env := newTestEnv(t, false)
	server := httptest.NewServer(env.router)
	defer server.Close()

	snap := env.openSession(t, "")
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws/sessions/" + snap.SessionID

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first models.SessionEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, models.EventSnapshot, first.Type)
	assert.Equal(t, snap.SessionID, first.SessionID)

	w := env.do(t, http.MethodPost, "/api/sessions/"+snap.SessionID+"/messages", SendMessageRequest{Message: "create"}, "")
	require.Equal(t, http.StatusOK, w.Code)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev models.SessionEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == models.EventCodeGenerationCompleted {
			require.NotNil(t, ev.Snapshot)
			assert.Equal(t, "# TokenX", ev.Snapshot.Code)
			break
		}
	}
}

func TestStreamSession_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, false)
	server := httptest.NewServer(env.router)
	defer server.Close()

	snap := env.openSession(t, "")
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws/sessions/" + snap.SessionID

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStreamSession_UnknownSession(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, http.MethodGet, "/api/ws/sessions/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
