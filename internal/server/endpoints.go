package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	outbounddomain "github.com/smallbiznis/hookrelay/internal/outbound/domain"
)

type endpointRequest struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
	IsActive   *bool    `json:"is_active"`
}

type endpointResponse struct {
	*outbounddomain.WebhookEndpoint
	// Secret is only revealed on create and rotate.
	Secret string `json:"secret,omitempty"`
}

func (s *Server) CreateWebhookEndpoint(c *gin.Context) {
	ownerID := s.ownerID(c)
	if ownerID == "" {
		AbortWithError(c, newValidationError("owner_id", "invalid_owner", "owner id header is required"))
		return
	}

	var req endpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	endpoint, err := s.outboundSvc.CreateEndpoint(c.Request.Context(), ownerID, outbounddomain.EndpointInput{
		URL:        req.URL,
		EventTypes: req.EventTypes,
		IsActive:   req.IsActive,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, endpointResponse{WebhookEndpoint: endpoint, Secret: endpoint.Secret})
}

func (s *Server) ListWebhookEndpoints(c *gin.Context) {
	ownerID := s.ownerID(c)
	if ownerID == "" {
		AbortWithError(c, newValidationError("owner_id", "invalid_owner", "owner id header is required"))
		return
	}

	endpoints, err := s.outboundSvc.ListEndpoints(c.Request.Context(), ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": endpoints})
}

func (s *Server) GetWebhookEndpoint(c *gin.Context) {
	ownerID, id, ok := s.endpointRef(c)
	if !ok {
		return
	}

	endpoint, err := s.outboundSvc.GetEndpoint(c.Request.Context(), ownerID, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, endpoint)
}

func (s *Server) UpdateWebhookEndpoint(c *gin.Context) {
	ownerID, id, ok := s.endpointRef(c)
	if !ok {
		return
	}

	var req endpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	endpoint, err := s.outboundSvc.UpdateEndpoint(c.Request.Context(), ownerID, id, outbounddomain.EndpointInput{
		URL:        req.URL,
		EventTypes: req.EventTypes,
		IsActive:   req.IsActive,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, endpoint)
}

func (s *Server) DeleteWebhookEndpoint(c *gin.Context) {
	ownerID, id, ok := s.endpointRef(c)
	if !ok {
		return
	}

	if err := s.outboundSvc.DeleteEndpoint(c.Request.Context(), ownerID, id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) RotateWebhookEndpointSecret(c *gin.Context) {
	ownerID, id, ok := s.endpointRef(c)
	if !ok {
		return
	}

	endpoint, err := s.outboundSvc.RotateSecret(c.Request.Context(), ownerID, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, endpointResponse{WebhookEndpoint: endpoint, Secret: endpoint.Secret})
}

func (s *Server) endpointRef(c *gin.Context) (string, snowflake.ID, bool) {
	ownerID := s.ownerID(c)
	if ownerID == "" {
		AbortWithError(c, newValidationError("owner_id", "invalid_owner", "owner id header is required"))
		return "", 0, false
	}

	raw := strings.TrimSpace(c.Param("id"))
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed <= 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid endpoint id"))
		return "", 0, false
	}
	return ownerID, snowflake.ID(parsed), true
}
