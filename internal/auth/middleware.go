package auth

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/models"
)

var middlewareTracer = otel.Tracer("auth-middleware")

// Gin context keys set by the middleware
const (
	UserIDKey    = "user_id"
	UsernameKey  = "username"
	UserRolesKey = "user_roles"
	ClaimsKey    = "claims"
)

// RequireAuth is a Gin middleware that rejects requests without a valid
// bearer token. Browsers cannot set headers on WebSocket upgrades, so a
// "token" query parameter is accepted as well.
func RequireAuth(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := middlewareTracer.Start(c.Request.Context(), "auth.require_auth")
		defer span.End()

		token, present := extractToken(c)
		if !present {
			span.SetAttributes(attribute.Bool("auth.token_present", false))
			abortUnauthorized(c, "Missing or invalid authorization header")
			return
		}
		span.SetAttributes(attribute.Bool("auth.token_present", true))

		claims, err := jwtManager.ValidateToken(ctx, token)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("auth.token_valid", false))
			log.Printf(`{"level":"warn","message":"Invalid token","error":%q}`, err.Error())
			abortUnauthorized(c, "Invalid or expired token")
			return
		}

		span.SetAttributes(
			attribute.Bool("auth.token_valid", true),
			attribute.String("user.id", claims.UserID),
			attribute.String("user.username", claims.Username),
		)
		setClaims(c, claims)

		log.Printf(`{"level":"info","message":"User authenticated","user_id":"%s","username":"%s","path":"%s","method":"%s"}`,
			claims.UserID, claims.Username, c.Request.URL.Path, c.Request.Method)

		c.Next()
	}
}

// OptionalAuth is a Gin middleware that attaches the user of a valid token
// and lets anonymous requests through
func OptionalAuth(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := middlewareTracer.Start(c.Request.Context(), "auth.optional_auth")
		defer span.End()

		token, present := extractToken(c)
		if !present || jwtManager == nil {
			span.SetAttributes(attribute.Bool("auth.authenticated", false))
			c.Next()
			return
		}

		claims, err := jwtManager.ValidateToken(ctx, token)
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.Bool("auth.authenticated", false))
			log.Printf(`{"level":"warn","message":"Invalid optional token","error":%q}`, err.Error())
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

// Owner returns the authenticated user id, or the anonymous owner
func Owner(c *gin.Context) string {
	if v, ok := c.Get(UserIDKey); ok {
		if id, ok := v.(string); ok && id != "" {
			return id
		}
	}
	return models.AnonymousOwner
}

func setClaims(c *gin.Context, claims *Claims) {
	c.Set(UserIDKey, claims.UserID)
	c.Set(UsernameKey, claims.Username)
	c.Set(UserRolesKey, claims.Roles)
	c.Set(ClaimsKey, claims)
}

func extractToken(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return "", false
		}
		token := strings.TrimSpace(header[len(prefix):])
		return token, token != ""
	}
	if token := strings.TrimSpace(c.Query("token")); token != "" {
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
