// Package httpapi exposes the Execution Core's entry points over HTTP,
// grounded on statemanager.Manager's echo.Group route registration and
// semantic.ReturnActionError's request-context logging pattern.
package httpapi

import (
	"net/http"

	"flow.evalgo.org/engine"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// Server wires the Execution Core to an echo.Group. It is not itself part of
// the engine's specified surface (spec.md §6) — a host may drive engine.Engine
// directly instead.
type Server struct {
	engine *engine.Engine
	logger *logrus.Logger
}

// New wraps eng with HTTP handlers. A nil logger falls back to logrus's
// standard logger.
func New(eng *engine.Engine, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{engine: eng, logger: logger}
}

// RegisterRoutes adds the engine's entry points to g.
func (s *Server) RegisterRoutes(g *echo.Group) {
	g.POST("/instances", s.handleStartInstance)
	g.POST("/instances/:id/resume", s.handleResumeInstance)
	g.POST("/instances/:id/cancel", s.handleCancelInstance)
	g.POST("/instances/:id/compensate", s.handleTriggerCompensation)
	g.POST("/tasks/:id/complete", s.handleCompleteTask)
	g.POST("/messages", s.handleDeliverMessage)
	g.POST("/tokens/:id/timer", s.handleSignalTimer)
}

type startInstanceRequest struct {
	ProcessURI string            `json:"processUri"`
	Variables  map[string]string `json:"variables"`
}

func (s *Server) handleStartInstance(c echo.Context) error {
	var req startInstanceRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, http.StatusBadRequest, "decode start-instance request", err)
	}
	if req.ProcessURI == "" {
		return s.respondError(c, http.StatusBadRequest, "start instance", errMissingField("processUri"))
	}
	instanceURI, err := s.engine.StartInstance(req.ProcessURI, req.Variables)
	if err != nil {
		return s.respondError(c, http.StatusUnprocessableEntity, "start instance", err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"instanceUri": instanceURI})
}

func (s *Server) handleResumeInstance(c echo.Context) error {
	instanceURI := c.Param("id")
	if err := s.engine.ResumeInstance(instanceURI); err != nil {
		return s.respondError(c, http.StatusUnprocessableEntity, "resume instance", err)
	}
	return c.NoContent(http.StatusNoContent)
}

type cancelInstanceRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelInstance(c echo.Context) error {
	instanceURI := c.Param("id")
	var req cancelInstanceRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, http.StatusBadRequest, "decode cancel-instance request", err)
	}
	if err := s.engine.CancelInstance(instanceURI, req.Reason); err != nil {
		return s.respondError(c, http.StatusUnprocessableEntity, "cancel instance", err)
	}
	return c.NoContent(http.StatusNoContent)
}

type triggerCompensationRequest struct {
	ActivityURI string `json:"activityUri"`
}

func (s *Server) handleTriggerCompensation(c echo.Context) error {
	instanceURI := c.Param("id")
	var req triggerCompensationRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, http.StatusBadRequest, "decode trigger-compensation request", err)
	}
	if err := s.engine.TriggerCompensation(instanceURI, req.ActivityURI); err != nil {
		return s.respondError(c, http.StatusUnprocessableEntity, "trigger compensation", err)
	}
	return c.NoContent(http.StatusNoContent)
}

type completeTaskRequest struct {
	CompletedBy     string            `json:"completedBy"`
	OutputVariables map[string]string `json:"outputVariables"`
}

func (s *Server) handleCompleteTask(c echo.Context) error {
	taskURI := c.Param("id")
	var req completeTaskRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, http.StatusBadRequest, "decode complete-task request", err)
	}
	if err := s.engine.CompleteTask(taskURI, req.CompletedBy, req.OutputVariables); err != nil {
		return s.respondError(c, http.StatusUnprocessableEntity, "complete task", err)
	}
	return c.NoContent(http.StatusNoContent)
}

type deliverMessageRequest struct {
	InstanceURI string            `json:"instanceUri"`
	MessageName string            `json:"messageName"`
	Variables   map[string]string `json:"variables"`
}

func (s *Server) handleDeliverMessage(c echo.Context) error {
	var req deliverMessageRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, http.StatusBadRequest, "decode message request", err)
	}
	if req.InstanceURI == "" || req.MessageName == "" {
		return s.respondError(c, http.StatusBadRequest, "deliver message", errMissingField("instanceUri/messageName"))
	}
	if err := s.engine.DeliverMessage(req.InstanceURI, req.MessageName, req.Variables); err != nil {
		return s.respondError(c, http.StatusUnprocessableEntity, "deliver message", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSignalTimer(c echo.Context) error {
	tokenURI := c.Param("id")
	if err := s.engine.SignalTimer(tokenURI); err != nil {
		return s.respondError(c, http.StatusUnprocessableEntity, "signal timer", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func errMissingField(name string) error {
	return echo.NewHTTPError(http.StatusBadRequest, "missing required field: "+name)
}

// respondError logs err with request context, matching
// semantic.ReturnActionError's fields, and writes a JSON error body.
func (s *Server) respondError(c echo.Context, status int, message string, err error) error {
	fields := logrus.Fields{
		"status_code":    status,
		"request_path":   c.Request().URL.Path,
		"request_method": c.Request().Method,
		"remote_addr":    c.RealIP(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.logger.WithFields(fields).Error(message)
	return c.JSON(status, map[string]string{"error": message})
}
