package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/bizmatters/contract-studio/internal/auth"
)

// ReadinessCheck reports whether the process can serve traffic
type ReadinessCheck func(ctx context.Context) error

// RouterConfig wires the router. JWTManager is nil when auth is disabled and
// RateLimiter is nil when rate limiting is disabled.
type RouterConfig struct {
	Handler     *Handler
	Stream      *SessionStream
	JWTManager  *auth.JWTManager
	RateLimiter *RateLimiter
	Ready       ReadinessCheck
	Logger      *slog.Logger
}

// NewRouter builds the gin engine with every route of the studio API
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(cfg.Logger))

	// Health checks MUST be at the root for the WebService standard
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", func(c *gin.Context) {
		if cfg.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
			defer cancel()
			if err := cfg.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "not ready",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := router.Group("/api")
	if cfg.RateLimiter != nil {
		api.Use(cfg.RateLimiter.Middleware())
	}

	// Public routes
	api.POST("/auth/login", cfg.Handler.Login)
	api.POST("/auth/refresh", cfg.Handler.Refresh)

	public := api.Group("")
	protected := api.Group("")
	// deleting stored conversations is an operator action
	operatorOnly := []gin.HandlerFunc{}
	if cfg.JWTManager != nil {
		public.Use(auth.OptionalAuth(cfg.JWTManager, cfg.Logger))
		protected.Use(auth.RequireAuth(cfg.JWTManager, cfg.Logger))
		operatorOnly = append(operatorOnly, auth.RequireRole(auth.OperatorRole))
	}
	public.GET("/health", cfg.Handler.Health)

	// Session routes
	protected.POST("/sessions", cfg.Handler.CreateSession)
	protected.GET("/sessions/:id", cfg.Handler.GetSession)
	protected.DELETE("/sessions/:id", cfg.Handler.CloseSession)
	protected.POST("/sessions/:id/messages", cfg.Handler.SendMessage)
	protected.PUT("/sessions/:id/variables/:variableId", cfg.Handler.EditVariable)
	protected.GET("/sessions/:id/graph", cfg.Handler.GetGraph)
	protected.GET("/sessions/:id/export", cfg.Handler.ExportCode)
	protected.POST("/sessions/:id/deploy", cfg.Handler.Deploy)

	// Conversation routes
	protected.GET("/conversations", cfg.Handler.ListConversations)
	protected.GET("/conversations/:id", cfg.Handler.GetConversation)
	protected.DELETE("/conversations/:id", append(operatorOnly, cfg.Handler.DeleteConversation)...)

	// Backend passthrough
	protected.POST("/speech-to-text", cfg.Handler.Transcribe)
	protected.GET("/neo/status", cfg.Handler.NetworkStatus)

	// WebSocket routes
	protected.GET("/ws/sessions/:id", cfg.Stream.StreamSession)

	return router
}
