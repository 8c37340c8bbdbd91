package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/openidx/sessiongate/internal/common/errors"
	"github.com/openidx/sessiongate/internal/metrics"
)

// DefaultCSRFHeader is the anti-forgery header API calls must carry
const DefaultCSRFHeader = "X-CSRF"

// CSRFConfig configures the anti-forgery guard
type CSRFConfig struct {
	// HeaderName is the custom header that must be present with a non-empty value
	HeaderName string
	// SafeMethodsExempt skips GET and HEAD; by default only OPTIONS is exempt
	SafeMethodsExempt bool
}

// AntiForgery rejects API calls that do not carry the custom header. A
// cross-site form or navigation cannot set custom headers, so its presence
// is enough; the value is not compared against anything.
//
// The guard is stateless and must run before any session lookup.
func AntiForgery(cfg CSRFConfig, logger *zap.Logger) gin.HandlerFunc {
	header := cfg.HeaderName
	if header == "" {
		header = DefaultCSRFHeader
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodOptions:
			c.Next()
			return
		case http.MethodGet, http.MethodHead:
			if cfg.SafeMethodsExempt {
				c.Next()
				return
			}
		}

		if c.GetHeader(header) == "" {
			metrics.RecordCSRFRejection()
			logger.Warn("Anti-forgery header missing",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.String("correlation_id", GetCorrelationID(c)))
			apperrors.HandleError(c, apperrors.CSRFRejected(header))
			return
		}

		c.Next()
	}
}
