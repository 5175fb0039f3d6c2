package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/hookrelay/internal/webhook/domain"
)

// HandleProviderWebhook receives a provider callback. The body is read raw
// before any parsing so signature verification sees the exact bytes on the
// wire. Duplicates acknowledge with 200 so providers stop redelivering.
func (s *Server) HandleProviderWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))

	if s.ingestLimiter.Enabled() {
		allowed, err := s.ingestLimiter.AllowWebhook(c.Request.Context(), provider)
		if err != nil {
			// limiter outage never blocks ingestion
			allowed = true
		}
		s.recordRateLimit(c, "webhook", allowed)
		if !allowed {
			AbortWithError(c, ErrRateLimited)
			return
		}
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err = s.webhookSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, webhookdomain.ErrEventAlreadyProcessed) {
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (s *Server) recordRateLimit(c *gin.Context, scope string, allowed bool) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordRateLimit(c.Request.Context(), scope, allowed)
}
