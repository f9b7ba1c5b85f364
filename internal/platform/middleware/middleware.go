// Package middleware holds the gin middleware chain shared by all routes.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-wf-approvals/internal/platform/auth"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/errors"
)

const (
	HeaderRequestID = "X-Request-ID"
	contextActorKey = "actor"
	contextReqIDKey = "request_id"
)

// RequestID assigns every request an id, reusing an inbound one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(contextReqIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// Logger logs one line per request.
func Logger(log *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.
			Str("request_id", c.GetString(contextReqIDKey)).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

// Recovery turns panics into 500 responses.
func Recovery(log *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("request_id", c.GetString(contextReqIDKey)).
					Str("panic", fmt.Sprint(r)).
					Msg("recovered from panic")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "Internal Server Error",
					"message": "an unexpected error occurred",
					"code":    errors.ErrCodeInternal,
				})
			}
		}()
		c.Next()
	}
}

// CORS allows the configured origins.
func CORS(origins []string) gin.HandlerFunc {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, "+HeaderRequestID)
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Timeout bounds the request context.
func Timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Verifier resolves a bearer token to an actor.
type Verifier interface {
	Verify(token string) (auth.Actor, error)
}

// RequireActor rejects requests without a valid bearer token and stores the
// resolved actor on the context.
func RequireActor(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			abortUnauthenticated(c, "missing or malformed authorization header")
			return
		}

		actor, err := v.Verify(parts[1])
		if err != nil {
			abortUnauthenticated(c, "invalid or expired token")
			return
		}

		c.Set(contextActorKey, actor)
		c.Next()
	}
}

// SetActor stores an actor on the context.
func SetActor(c *gin.Context, actor auth.Actor) {
	c.Set(contextActorKey, actor)
}

// ActorFrom returns the actor stored by RequireActor.
func ActorFrom(c *gin.Context) (auth.Actor, bool) {
	v, ok := c.Get(contextActorKey)
	if !ok {
		return auth.Actor{}, false
	}
	actor, ok := v.(auth.Actor)
	return actor, ok
}

func abortUnauthenticated(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": message,
		"code":    errors.ErrCodeUnauthenticated,
	})
}
