// Package api is the HTTP tool surface of one butler daemon. Tools live
// under /tools/<name> and take JSON bodies; responses are JSON objects
// with errors under "error".
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/butlerhq/butlerd/pkg/contract"
	"github.com/butlerhq/butlerd/pkg/delivery"
	"github.com/butlerhq/butlerd/pkg/inbox"
	"github.com/butlerhq/butlerd/pkg/mailbox"
	"github.com/butlerhq/butlerd/pkg/scheduler"
	"github.com/butlerhq/butlerd/pkg/spawner"
	"github.com/butlerhq/butlerd/pkg/switchboard"
)

// Services wires the butler's components into the HTTP layer. Nil
// components leave their routes unregistered, so a butler only exposes
// the tools its modules provide.
type Services struct {
	ButlerName string

	Inbox       *inbox.Store
	Spawner     *spawner.Spawner
	Scheduler   *scheduler.Scheduler
	Schedules   *scheduler.Store
	Mailbox     *mailbox.Store
	Switchboard *switchboard.Switchboard
	Delivery    *delivery.Store

	// HealthCheck probes the butler's database. Nil means always healthy.
	HealthCheck func(ctx context.Context) error
}

// Server is one butler's HTTP tool server.
type Server struct {
	services Services
	engine   *gin.Engine
	logger   *slog.Logger
}

// NewServer builds the gin engine and registers routes for the provided
// services.
func NewServer(services Services) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		services: services,
		engine:   engine,
		logger:   slog.Default().With("component", "api", "butler", services.ButlerName),
	}
	s.registerRoutes()
	return s
}

// Handler exposes the underlying HTTP handler for serving and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	tools := s.engine.Group("/tools")
	if s.services.Inbox != nil {
		tools.POST("/route.execute", s.handleRouteExecute)
	}
	if s.services.Scheduler != nil && s.services.Schedules != nil {
		tools.POST("/tick", s.handleTick)
		tools.POST("/schedule_create", s.handleScheduleCreate)
		tools.POST("/schedule_update", s.handleScheduleUpdate)
		tools.POST("/schedule_delete", s.handleScheduleDelete)
		tools.POST("/schedule_trigger", s.handleScheduleTrigger)
		tools.POST("/schedule_toggle", s.handleScheduleToggle)
	}
	if s.services.Mailbox != nil {
		tools.POST("/mailbox_post", s.handleMailboxPost)
	}
	if s.services.Switchboard != nil {
		s.engine.POST("/ingest", s.handleIngest)
		tools.POST("/connector.heartbeat", s.handleConnectorHeartbeat)
	}
	if s.services.Delivery != nil {
		s.registerDeliveryRoutes(tools)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.services.HealthCheck != nil {
		if err := s.services.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "butler": s.services.ButlerName})
}

// handleRouteExecute validates the envelope and enqueues it to the route
// inbox. Processing is asynchronous: the inbox worker picks the row up.
func (s *Server) handleRouteExecute(c *gin.Context) {
	raw, err := readBody(c)
	if err != nil {
		respondError(c, err)
		return
	}
	// The envelope may arrive bare or wrapped in {"envelope": ...}.
	var wrapper struct {
		Envelope json.RawMessage `json:"envelope"`
	}
	if json.Unmarshal(raw, &wrapper) == nil && len(wrapper.Envelope) > 0 {
		raw = wrapper.Envelope
	}

	env, err := contract.ParseRoute(raw)
	if err != nil {
		respondError(c, err)
		return
	}
	if env.Target != nil && env.Target.Butler != "" && env.Target.Butler != s.services.ButlerName {
		respondError(c, contract.NewError(contract.CodeMalformedPayload, "target.butler",
			fmt.Sprintf("%s is not this butler (%s)", env.Target.Butler, s.services.ButlerName)))
		return
	}

	canonical, err := json.Marshal(env)
	if err != nil {
		respondError(c, err)
		return
	}
	rowID, err := s.services.Inbox.Insert(c.Request.Context(), canonical)
	if err != nil {
		respondError(c, err)
		return
	}
	s.logger.Info("Route envelope accepted",
		"request_id", env.RequestContext.RequestID, "row_id", rowID)
	c.JSON(http.StatusOK, gin.H{"status": "accepted", "row_id": rowID})
}

func (s *Server) handleTick(c *gin.Context) {
	result, err := s.services.Scheduler.Tick(c.Request.Context(), s.scheduleDispatch())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks_due": result.TasksDue, "tasks_run": result.TasksRun})
}

// scheduleDispatch runs a scheduled prompt through the spawner. Without a
// spawner the dispatch reports the gap instead of silently succeeding.
func (s *Server) scheduleDispatch() scheduler.DispatchFunc {
	return func(ctx context.Context, prompt, triggerSource string) (string, error) {
		if s.services.Spawner == nil {
			return "", fmt.Errorf("no runtime configured for %s", s.services.ButlerName)
		}
		res, err := s.services.Spawner.Trigger(ctx, spawner.TriggerInput{
			Prompt:        prompt,
			TriggerSource: triggerSource,
		})
		if err != nil {
			return "", err
		}
		return res.ResultText, nil
	}
}

func (s *Server) handleScheduleCreate(c *gin.Context) {
	var req struct {
		Name   string `json:"name" binding:"required"`
		Cron   string `json:"cron" binding:"required"`
		Prompt string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.services.Schedules.Create(c.Request.Context(), req.Name, req.Cron, req.Prompt)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleScheduleUpdate(c *gin.Context) {
	var req struct {
		ID              int64           `json:"id" binding:"required"`
		Name            *string         `json:"name"`
		Cron            *string         `json:"cron"`
		Prompt          *string         `json:"prompt"`
		Enabled         *bool           `json:"enabled"`
		DispatchMode    *string         `json:"dispatch_mode"`
		JobName         *string         `json:"job_name"`
		JobArgs         json.RawMessage `json:"job_args"`
		Timezone        *string         `json:"timezone"`
		DisplayTitle    *string         `json:"display_title"`
		CalendarEventID *string         `json:"calendar_event_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.services.Schedules.Update(c.Request.Context(), req.ID, scheduler.UpdateFields{
		Name:            req.Name,
		Cron:            req.Cron,
		Prompt:          req.Prompt,
		Enabled:         req.Enabled,
		DispatchMode:    req.DispatchMode,
		JobName:         req.JobName,
		JobArgs:         req.JobArgs,
		Timezone:        req.Timezone,
		DisplayTitle:    req.DisplayTitle,
		CalendarEventID: req.CalendarEventID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleScheduleDelete(c *gin.Context) {
	var req struct {
		ID int64 `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.services.Schedules.Delete(c.Request.Context(), req.ID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": req.ID})
}

func (s *Server) handleScheduleTrigger(c *gin.Context) {
	var req struct {
		ID int64 `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.services.Scheduler.TriggerNow(c.Request.Context(), req.ID, s.scheduleDispatch())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleScheduleToggle(c *gin.Context) {
	var req struct {
		ID      int64 `json:"id" binding:"required"`
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := s.services.Schedules.Update(c.Request.Context(), req.ID,
		scheduler.UpdateFields{Enabled: req.Enabled})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleMailboxPost(c *gin.Context) {
	var req struct {
		Sender        string         `json:"sender" binding:"required"`
		SenderChannel string         `json:"sender_channel" binding:"required"`
		Subject       string         `json:"subject"`
		Body          string         `json:"body" binding:"required"`
		Priority      string         `json:"priority"`
		Metadata      map[string]any `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := s.services.Mailbox.Post(c.Request.Context(), mailbox.PostInput{
		Sender:        req.Sender,
		SenderChannel: req.SenderChannel,
		Subject:       req.Subject,
		Body:          req.Body,
		Priority:      req.Priority,
		Metadata:      req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": msg.ID})
}

func (s *Server) handleIngest(c *gin.Context) {
	raw, err := readBody(c)
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := s.services.Switchboard.Admit(c.Request.Context(), raw)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleConnectorHeartbeat(c *gin.Context) {
	raw, err := readBody(c)
	if err != nil {
		respondError(c, err)
		return
	}
	// The envelope may arrive bare or wrapped in {"envelope": ...}.
	var wrapper struct {
		Envelope json.RawMessage `json:"envelope"`
	}
	if json.Unmarshal(raw, &wrapper) == nil && len(wrapper.Envelope) > 0 {
		raw = wrapper.Envelope
	}
	env, err := s.services.Switchboard.AdmitHeartbeat(raw)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "accepted",
		"instance_id": env.Connector.InstanceID,
	})
}

func readBody(c *gin.Context) ([]byte, error) {
	raw, err := c.GetRawData()
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if len(raw) == 0 {
		return nil, contract.NewError(contract.CodeMalformedPayload, "", "empty body")
	}
	return raw, nil
}
