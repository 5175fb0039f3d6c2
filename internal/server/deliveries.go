package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	outbounddomain "github.com/smallbiznis/hookrelay/internal/outbound/domain"
)

// ListEndpointDeliveries lists the delivery log for one endpoint, newest first.
func (s *Server) ListEndpointDeliveries(c *gin.Context) {
	ownerID, id, ok := s.endpointRef(c)
	if !ok {
		return
	}

	// 404 when the endpoint does not belong to the caller
	if _, err := s.outboundSvc.GetEndpoint(c.Request.Context(), ownerID, id); err != nil {
		AbortWithError(c, err)
		return
	}

	filter, ok := s.attemptFilter(c)
	if !ok {
		return
	}
	filter.EndpointID = id

	attempts, err := s.outboundSvc.ListAttempts(c.Request.Context(), ownerID, filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": attempts})
}

// ListDeliveries lists the delivery log across all of the caller's endpoints.
func (s *Server) ListDeliveries(c *gin.Context) {
	ownerID := s.ownerID(c)
	if ownerID == "" {
		AbortWithError(c, newValidationError("owner_id", "invalid_owner", "owner id header is required"))
		return
	}

	filter, ok := s.attemptFilter(c)
	if !ok {
		return
	}

	attempts, err := s.outboundSvc.ListAttempts(c.Request.Context(), ownerID, filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": attempts})
}

func (s *Server) attemptFilter(c *gin.Context) (outbounddomain.AttemptFilter, bool) {
	var filter outbounddomain.AttemptFilter

	if raw := strings.TrimSpace(c.Query("success")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			AbortWithError(c, newValidationError("success", "invalid_success", "success must be a boolean"))
			return filter, false
		}
		filter.Success = &parsed
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a non-negative integer"))
			return filter, false
		}
		filter.Limit = parsed
	}
	if raw := strings.TrimSpace(c.Query("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			AbortWithError(c, newValidationError("offset", "invalid_offset", "offset must be a non-negative integer"))
			return filter, false
		}
		filter.Offset = parsed
	}
	return filter, true
}
