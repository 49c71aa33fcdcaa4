package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/butlerhq/butlerd/pkg/contract"
	"github.com/butlerhq/butlerd/pkg/delivery"
)

// registerDeliveryRoutes adds the messenger butler's delivery tools.
func (s *Server) registerDeliveryRoutes(tools *gin.RouterGroup) {
	tools.POST("/delivery_submit", s.handleDeliverySubmit)
	tools.POST("/deadletter_list", s.handleDeadLetterList)
	tools.POST("/deadletter_inspect", s.handleDeadLetterInspect)
	tools.POST("/deadletter_replay", s.handleDeadLetterReplay)
	tools.POST("/deadletter_discard", s.handleDeadLetterDiscard)
}

// handleDeliverySubmit validates a notify.v1 envelope and persists an
// idempotent delivery request. A repeated idempotency key returns the
// original id with duplicate=true.
func (s *Server) handleDeliverySubmit(c *gin.Context) {
	var req struct {
		IdempotencyKey string          `json:"idempotency_key" binding:"required"`
		Envelope       json.RawMessage `json:"envelope" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	notify, err := contract.ParseNotify(req.Envelope)
	if err != nil {
		respondError(c, err)
		return
	}

	in := delivery.SubmitInput{
		IdempotencyKey: req.IdempotencyKey,
		OriginButler:   notify.OriginButler,
		Channel:        notify.Delivery.Channel,
		Intent:         notify.Delivery.Intent,
		Target:         notify.Delivery.Recipient,
		Subject:        notify.Delivery.Subject,
		Message:        notify.Delivery.Message,
		Envelope:       req.Envelope,
	}
	if notify.RequestContext != nil {
		in.RequestID = notify.RequestContext.RequestID
	}
	result, err := s.services.Delivery.Submit(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleDeadLetterList(c *gin.Context) {
	var req struct {
		Channel          string     `json:"channel"`
		OriginButler     string     `json:"origin_butler"`
		ErrorClass       string     `json:"error_class"`
		Since            *time.Time `json:"since"`
		Limit            int        `json:"limit"`
		IncludeDiscarded bool       `json:"include_discarded"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	page, err := s.services.Delivery.ListDeadLetters(c.Request.Context(), delivery.DeadLetterFilter{
		Channel:          req.Channel,
		OriginButler:     req.OriginButler,
		ErrorClass:       req.ErrorClass,
		Since:            req.Since,
		Limit:            req.Limit,
		IncludeDiscarded: req.IncludeDiscarded,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) handleDeadLetterInspect(c *gin.Context) {
	var req struct {
		ID int64 `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.services.Delivery.InspectDeadLetter(c.Request.Context(), req.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleDeadLetterReplay(c *gin.Context) {
	var req struct {
		ID int64 `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.services.Delivery.ReplayDeadLetter(c.Request.Context(), req.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleDeadLetterDiscard(c *gin.Context) {
	var req struct {
		ID     int64  `json:"id" binding:"required"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.services.Delivery.DiscardDeadLetter(c.Request.Context(), req.ID, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"discarded": req.ID})
}
