package gateway

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"

	"github.com/bizmatters/contract-studio/internal/auth"
	"github.com/bizmatters/contract-studio/internal/contract"
	"github.com/bizmatters/contract-studio/internal/layout"
	"github.com/bizmatters/contract-studio/internal/models"
	"github.com/bizmatters/contract-studio/internal/orchestration"
	"github.com/bizmatters/contract-studio/internal/store"
)

// MaxAudioBytes bounds relayed voice recordings
const MaxAudioBytes = 25 << 20

// Handler handles HTTP requests for the gateway layer
type Handler struct {
	service    *orchestration.Service
	users      *auth.UserDirectory
	jwtManager *auth.JWTManager
	tokenTTL   time.Duration
	logger     *slog.Logger
}

// NewHandler creates a new gateway handler. users and jwtManager are nil when
// auth is disabled.
func NewHandler(service *orchestration.Service, users *auth.UserDirectory, jwtManager *auth.JWTManager, tokenTTL time.Duration, logger *slog.Logger) *Handler {
	return &Handler{
		service:    service,
		users:      users,
		jwtManager: jwtManager,
		tokenTTL:   tokenTTL,
		logger:     logger,
	}
}

// Login godoc
// @Summary Operator login
// @Description Authenticate an operator from the configured users and return a JWT
// @Tags auth
// @Accept json
// @Produce json
// @Param request body models.LoginRequest true "Login credentials"
// @Success 200 {object} models.LoginResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /auth/login [post]
func (h *Handler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}
	if h.users == nil || h.jwtManager == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Authentication is disabled", Code: models.ErrCodeNotFound})
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Warn("login failed", "email", req.Email)
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Invalid email or password", Code: models.ErrCodeUnauthorized})
		return
	}

	token, err := h.jwtManager.GenerateToken(c.Request.Context(), user.ID, user.Email, []string{auth.OperatorRole}, h.tokenTTL)
	if err != nil {
		h.respondError(c, fmt.Errorf("failed to generate token: %w", err))
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(h.tokenTTL).UTC(),
		User:      user.ToUserInfo(),
	})
}

// Refresh godoc
// @Summary Refresh a token
// @Description Exchange a valid bearer token for a new one with a fresh expiry
// @Tags auth
// @Produce json
// @Success 200 {object} models.RefreshResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /auth/refresh [post]
func (h *Handler) Refresh(c *gin.Context) {
	if h.jwtManager == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Authentication is disabled", Code: models.ErrCodeNotFound})
		return
	}
	token, ok := auth.BearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Missing or invalid authorization header", Code: models.ErrCodeUnauthorized})
		return
	}

	refreshed, err := h.jwtManager.RefreshToken(c.Request.Context(), token, h.tokenTTL)
	if err != nil {
		h.logger.Warn("token refresh failed", "error", err)
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Invalid or expired token", Code: models.ErrCodeUnauthorized})
		return
	}

	c.JSON(http.StatusOK, models.RefreshResponse{
		Token:     refreshed,
		ExpiresAt: time.Now().Add(h.tokenTTL).UTC(),
	})
}

// Health godoc
// @Summary API health
// @Description Report API health and whether the caller's token is valid
// @Tags health
// @Produce json
// @Success 200 {object} map[string]any
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	userID := auth.UserID(c)
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"authenticated": userID != "",
		"user_id":       userID,
	})
}

// CreateSessionRequest opens a studio session
type CreateSessionRequest struct {
	ConversationID string                 `json:"conversationId"`
	Spec           *contract.Document     `json:"spec"`
	Messages       []contract.ChatMessage `json:"messages"`
}

// CreateSession godoc
// @Summary Open a studio session
// @Description Open a session, hydrating it from a stored conversation when conversationId is given
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body CreateSessionRequest false "Initial state"
// @Success 201 {object} models.SessionSnapshot
// @Failure 400 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions [post]
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "Invalid request")
		return
	}

	sess, err := h.service.Open(c.Request.Context(), orchestration.OpenRequest{
		Owner:          auth.UserID(c),
		ConversationID: req.ConversationID,
		Document:       req.Spec,
		Messages:       req.Messages,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Code: models.ErrCodeValidationFailed})
		return
	}
	c.JSON(http.StatusCreated, sess.Snapshot())
}

// GetSession godoc
// @Summary Get session state
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} models.SessionSnapshot
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id} [get]
func (h *Handler) GetSession(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

// CloseSession godoc
// @Summary Close a session
// @Description Close a session, flushing any pending save
// @Tags sessions
// @Param id path string true "Session ID"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id} [delete]
func (h *Handler) CloseSession(c *gin.Context) {
	if err := h.service.Close(c.Request.Context(), c.Param("id"), auth.UserID(c)); err != nil {
		if errors.Is(err, orchestration.ErrSessionNotFound) {
			h.respondError(c, err)
			return
		}
		h.logger.Warn("session closed with pending work", "session_id", c.Param("id"), "error", err)
	}
	c.Status(http.StatusNoContent)
}

// SendMessageRequest is one user chat message
type SendMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// TurnResponse is the outcome of a chat turn plus the resulting state
type TurnResponse struct {
	Turn     *orchestration.TurnResult `json:"turn"`
	Snapshot models.SessionSnapshot    `json:"snapshot"`
}

// SendMessage godoc
// @Summary Send a chat message
// @Description Run one chat turn. A failed backend call still completes the turn with an error reply.
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param request body SendMessageRequest true "Message"
// @Success 200 {object} TurnResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/messages [post]
func (h *Handler) SendMessage(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	turn, err := sess.SendMessage(c.Request.Context(), req.Message)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, TurnResponse{Turn: turn, Snapshot: sess.Snapshot()})
}

// EditVariableRequest carries the raw text typed into a variable node. An
// empty value clears the initial value.
type EditVariableRequest struct {
	Value string `json:"value"`
}

// EditVariable godoc
// @Summary Edit a variable's initial value
// @Description The text is parsed to a typed value. The document keeps its id so no code is regenerated.
// @Tags sessions
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param variableId path string true "Variable ID"
// @Param request body EditVariableRequest true "New value"
// @Success 200 {object} models.SessionSnapshot
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/variables/{variableId} [put]
func (h *Handler) EditVariable(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var req EditVariableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request")
		return
	}

	if _, err := sess.EditVariable(c.Request.Context(), c.Param("variableId"), req.Value); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

// GraphResponse wraps the diagram. Graph is null when there is no document.
type GraphResponse struct {
	Graph *layout.Graph `json:"graph"`
}

// GetGraph godoc
// @Summary Get the contract diagram
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Param selected query string false "Selected node ID"
// @Success 200 {object} GraphResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/graph [get]
func (h *Handler) GetGraph(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, GraphResponse{Graph: sess.Graph(c.Query("selected"))})
}

// ExportCode godoc
// @Summary Download generated code
// @Tags sessions
// @Produce plain
// @Param id path string true "Session ID"
// @Success 200 {string} string "Source file"
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /sessions/{id}/export [get]
func (h *Handler) ExportCode(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	exp, err := sess.Export()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exp.FileName))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(exp.Content))
}

// Deploy godoc
// @Summary Simulate a deployment
// @Description Simulate deploying the current document and code. Failures return 502 with ok=false.
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} models.DeployResult
// @Failure 409 {object} models.ErrorResponse
// @Failure 502 {object} models.DeployResult
// @Security BearerAuth
// @Router /sessions/{id}/deploy [post]
func (h *Handler) Deploy(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	res, err := sess.SimulateDeploy(c.Request.Context())
	if err != nil {
		if res != nil {
			h.logger.Warn("deploy simulation failed", "session_id", sess.ID(), "error", err)
			c.JSON(http.StatusBadGateway, res)
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListConversations godoc
// @Summary List stored conversations
// @Tags conversations
// @Produce json
// @Success 200 {object} models.ConversationList
// @Failure 502 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /conversations [get]
func (h *Handler) ListConversations(c *gin.Context) {
	summaries, err := h.service.Conversations().List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if summaries == nil {
		summaries = []models.ConversationSummary{}
	}
	c.JSON(http.StatusOK, models.ConversationList{Conversations: summaries})
}

// GetConversation godoc
// @Summary Get a stored conversation
// @Tags conversations
// @Produce json
// @Param id path string true "Conversation ID"
// @Success 200 {object} models.ConversationEnvelope
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /conversations/{id} [get]
func (h *Handler) GetConversation(c *gin.Context) {
	rec, err := h.service.Conversations().Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.ConversationEnvelope{Conversation: rec})
}

// DeleteConversation godoc
// @Summary Delete a stored conversation
// @Tags conversations
// @Produce json
// @Param id path string true "Conversation ID"
// @Success 200 {object} models.DeleteResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /conversations/{id} [delete]
func (h *Handler) DeleteConversation(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.Conversations().Delete(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.DeleteResponse{Success: true, Message: fmt.Sprintf("Conversation %s deleted", id)})
}

// Transcribe godoc
// @Summary Transcribe a voice message
// @Description Relay a recorded audio blob to the backend speech-to-text endpoint
// @Tags speech
// @Accept multipart/form-data
// @Produce json
// @Param audio formData file true "Recorded audio"
// @Success 200 {object} models.Transcription
// @Failure 400 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /speech-to-text [post]
func (h *Handler) Transcribe(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxAudioBytes)
	header, err := c.FormFile("audio")
	if err != nil {
		badRequest(c, "Missing audio file")
		return
	}
	f, err := header.Open()
	if err != nil {
		badRequest(c, "Unreadable audio file")
		return
	}
	defer f.Close()

	res, err := h.service.Backend().Transcribe(c.Request.Context(), orchestration.AudioClip{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        f,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// NetworkStatus godoc
// @Summary Blockchain network status
// @Tags neo
// @Produce json
// @Success 200 {object} models.NetworkStatus
// @Failure 502 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /neo/status [get]
func (h *Handler) NetworkStatus(c *gin.Context) {
	status, err := h.service.Backend().NetworkStatus(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) session(c *gin.Context) (*orchestration.Session, bool) {
	sess, err := h.service.Get(c.Param("id"), auth.UserID(c))
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return sess, true
}

// respondError maps domain errors to status codes and error codes
func (h *Handler) respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, models.ErrCodeInternalError
	var statusErr *orchestration.StatusError

	switch {
	case errors.Is(err, orchestration.ErrSessionNotFound), errors.Is(err, orchestration.ErrSessionClosed):
		status, code = http.StatusNotFound, models.ErrCodeSessionNotFound
	case errors.Is(err, orchestration.ErrTurnInFlight):
		status, code = http.StatusConflict, models.ErrCodeTurnInFlight
	case errors.Is(err, orchestration.ErrDeployInFlight):
		status, code = http.StatusConflict, models.ErrCodeDeployInFlight
	case errors.Is(err, orchestration.ErrNoDocument), errors.Is(err, orchestration.ErrNoCode):
		status, code = http.StatusConflict, models.ErrCodeNoDocument
	case errors.Is(err, orchestration.ErrEmptyMessage):
		status, code = http.StatusBadRequest, models.ErrCodeInvalidRequest
	case errors.Is(err, contract.ErrVariableNotFound):
		status, code = http.StatusNotFound, models.ErrCodeVariableNotFound
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, models.ErrCodeNotFound
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		status, code = http.StatusServiceUnavailable, models.ErrCodeBackendFailed
	case errors.As(err, &statusErr):
		status, code = http.StatusBadGateway, models.ErrCodeBackendFailed
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.Request.URL.Path, "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, models.ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse{Error: message, Code: models.ErrCodeInvalidRequest})
}
