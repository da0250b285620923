package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bizmatters/contract-studio/internal/models"
)

var middlewareTracer = otel.Tracer("auth-middleware")

// OperatorRole is the role issued to configured operators
const OperatorRole = "operator"

// Gin context keys set by the middleware
const (
	UserIDKey    = "user_id"
	UsernameKey  = "username"
	UserRolesKey = "user_roles"
	ClaimsKey    = "claims"
)

// RequireAuth is a Gin middleware that validates JWT tokens. Browsers cannot
// set headers on websocket upgrades, so a token query parameter is accepted
// as well.
func RequireAuth(jwtManager *JWTManager, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := middlewareTracer.Start(c.Request.Context(), "auth.require_auth_gin")
		defer span.End()

		token, ok := extractToken(c)
		if !ok {
			span.SetAttributes(attribute.Bool("auth.token_present", false))
			abortUnauthorized(c, "Missing or invalid authorization header")
			return
		}
		span.SetAttributes(attribute.Bool("auth.token_present", true))

		claims, err := jwtManager.ValidateToken(ctx, token)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("auth.token_valid", false))
			logger.Warn("invalid token", "error", err, "path", c.Request.URL.Path)
			abortUnauthorized(c, "Invalid or expired token")
			return
		}

		span.SetAttributes(
			attribute.Bool("auth.token_valid", true),
			attribute.String("user.id", claims.UserID),
			attribute.String("user.username", claims.Username),
		)

		setClaims(c, claims)
		logger.Debug("user authenticated",
			"user_id", claims.UserID,
			"username", claims.Username,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		c.Next()
	}
}

// OptionalAuth is a Gin middleware that validates JWT tokens if present.
// Requests without a valid token continue anonymously.
func OptionalAuth(jwtManager *JWTManager, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := middlewareTracer.Start(c.Request.Context(), "auth.optional_auth_gin")
		defer span.End()

		token, ok := extractToken(c)
		if !ok {
			span.SetAttributes(attribute.Bool("auth.authenticated", false))
			c.Next()
			return
		}

		claims, err := jwtManager.ValidateToken(ctx, token)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("auth.authenticated", false))
			logger.Warn("invalid optional token", "error", err)
			c.Next()
			return
		}

		span.SetAttributes(
			attribute.Bool("auth.authenticated", true),
			attribute.String("user.id", claims.UserID),
		)
		setClaims(c, claims)
		c.Next()
	}
}

// RequireRole is a Gin middleware that checks if authenticated user has required role
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, span := middlewareTracer.Start(c.Request.Context(), "auth.require_role_gin")
		defer span.End()

		span.SetAttributes(attribute.String("required.role", role))

		roles := c.GetStringSlice(UserRolesKey)
		for _, r := range roles {
			if r == role {
				span.SetAttributes(attribute.Bool("auth.role_authorized", true))
				c.Next()
				return
			}
		}

		span.SetAttributes(attribute.Bool("auth.role_authorized", false))
		c.AbortWithStatusJSON(http.StatusForbidden, models.ErrorResponse{
			Error: "Insufficient permissions",
			Code:  models.ErrCodeUnauthorized,
		})
	}
}

// UserID returns the authenticated user id, empty when auth is disabled
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// BearerToken returns the token of the request from the Authorization header
// or the token query parameter
func BearerToken(c *gin.Context) (string, bool) {
	return extractToken(c)
}

func setClaims(c *gin.Context, claims *Claims) {
	c.Set(UserIDKey, claims.UserID)
	c.Set(UsernameKey, claims.Username)
	c.Set(UserRolesKey, claims.Roles)
	c.Set(ClaimsKey, claims)
}

func extractToken(c *gin.Context) (string, bool) {
	const prefix = "Bearer "
	if header := c.GetHeader("Authorization"); header != "" {
		if !strings.HasPrefix(header, prefix) {
			return "", false
		}
		token := strings.TrimSpace(header[len(prefix):])
		return token, token != ""
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
		Error: message,
		Code:  models.ErrCodeUnauthorized,
	})
}
