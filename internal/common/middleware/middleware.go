// Package middleware provides the shared HTTP middleware of the session gateway
package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/openidx/sessiongate/internal/common/errors"
)

const (
	// CorrelationIDHeader is the header name for correlation ID
	CorrelationIDHeader = "X-Correlation-ID"

	// RequestIDHeader is accepted as a fallback correlation ID
	RequestIDHeader = "X-Request-ID"

	correlationIDKey = "correlation_id"
)

// CorrelationID accepts or generates the request's correlation ID, stores it
// in the context and echoes it on the response
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationIDHeader)
		if id == "" {
			id = c.GetHeader(RequestIDHeader)
		}
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}

		c.Set(correlationIDKey, id)
		c.Header(CorrelationIDHeader, id)
		c.Next()
	}
}

// GetCorrelationID retrieves the correlation ID from the Gin context
func GetCorrelationID(c *gin.Context) string {
	if v, exists := c.Get(correlationIDKey); exists {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// Recovery turns a panic into a 500 error response
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("correlation_id", GetCorrelationID(c)),
					zap.Stack("stack"))
				apperrors.HandleError(c, apperrors.Internal("An unexpected error occurred", fmt.Errorf("panic: %v", r)))
			}
		}()
		c.Next()
	}
}
