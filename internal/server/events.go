package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	outbounddomain "github.com/smallbiznis/hookrelay/internal/outbound/domain"
	"go.uber.org/zap"
)

type trackEventRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TrackEvent records one unit of usage for the calling owner and fans a
// usage.tracked event out to their endpoints. The response never waits on
// delivery.
func (s *Server) TrackEvent(c *gin.Context) {
	ownerID := s.ownerID(c)
	if ownerID == "" {
		AbortWithError(c, newValidationError("owner_id", "invalid_owner", "owner id header is required"))
		return
	}

	if s.ingestLimiter.Enabled() {
		allowed, err := s.ingestLimiter.AllowEvent(c.Request.Context(), ownerID)
		if err != nil {
			allowed = true
		}
		s.recordRateLimit(c, "events", allowed)
		if !allowed {
			AbortWithError(c, ErrRateLimited)
			return
		}
	}

	var req trackEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		AbortWithError(c, newValidationError("type", "invalid_type", "event type is required"))
		return
	}

	if err := s.subscriptionSvc.IncrementUsage(c.Request.Context(), ownerID); err != nil {
		AbortWithError(c, err)
		return
	}

	occurredAt := s.clock.Now()
	body, err := json.Marshal(gin.H{
		"owner_id":    ownerID,
		"type":        req.Type,
		"payload":     req.Payload,
		"occurred_at": occurredAt,
	})
	if err != nil {
		// usage is already counted; the owner just misses one notification
		s.log.Error("marshal outbound payload",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
	} else {
		s.dispatcher.Dispatch(outbounddomain.Event{
			OwnerID:    ownerID,
			EventType:  outbounddomain.EventTypeUsageTracked,
			OccurredAt: occurredAt,
			Payload:    body,
		})
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// GetSubscription returns the caller's current subscription state.
func (s *Server) GetSubscription(c *gin.Context) {
	ownerID := s.ownerID(c)
	if ownerID == "" {
		AbortWithError(c, newValidationError("owner_id", "invalid_owner", "owner id header is required"))
		return
	}

	record, err := s.subscriptionSvc.FindByOwner(c.Request.Context(), ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if record == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) ownerID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader("X-Owner-Id"))
}
