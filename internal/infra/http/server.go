// Package http exposes one service over the envelope protocol: a single POST
// endpoint that decrypts, dispatches on the function name inside the sealed
// args and seals the reply to the caller's ephemeral response key.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"acquire/internal/domain"
	"acquire/internal/envelope"
	"acquire/internal/service"
)

// Call is one unpacked invocation handed to a handler.
type Call struct {
	Args json.RawMessage

	// SenderUID is the trusted peer that signed the envelope, empty for
	// anonymous calls.
	SenderUID string
}

// Decode unmarshals the sealed args into a handler's DTO.
func (c *Call) Decode(v any) error {
	if err := json.Unmarshal(c.Args, v); err != nil {
		return fmt.Errorf("%w: malformed arguments: %v", domain.ErrService, err)
	}
	return nil
}

// RequireTrusted refuses calls that did not arrive signed by a trusted peer.
func (c *Call) RequireTrusted() error {
	if c.SenderUID == "" {
		return fmt.Errorf("%w: this function is restricted to trusted services", domain.ErrUntrusted)
	}
	return nil
}

// HandlerFunc serves one function of the service's surface.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

type Server struct {
	svc    *service.Context
	engine *gin.Engine
	routes map[string]HandlerFunc
}

// NewServer builds the gin engine around a service context and its function
// table. Every service also answers get_record anonymously, so peers can
// bootstrap trust from the record alone.
func NewServer(svc *service.Context, routes map[string]HandlerFunc) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{svc: svc, engine: engine, routes: routes}
	if s.routes == nil {
		s.routes = map[string]HandlerFunc{}
	}
	if _, ok := s.routes["get_record"]; !ok {
		s.routes["get_record"] = s.handleGetRecord
	}

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/record", s.handleRecord)
	engine.POST("/", s.handleEnvelope)
	return s
}

// Engine exposes the router for tests and for embedding under a path prefix.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": string(s.svc.Type),
		"uid":     s.svc.UID,
	})
}

// handleRecord serves the signed service record in clear. The record is
// self-verifying, so clients with no prior key material can bootstrap from
// this endpoint and check the signature offline.
func (s *Server) handleRecord(c *gin.Context) {
	rec, err := s.svc.Record()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// handleEnvelope is the whole public surface. The transport never learns
// more than that a call happened: failures travel inside the envelope with
// HTTP 200.
func (s *Server) handleEnvelope(c *gin.Context) {
	var req envelope.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, envelope.ErrorResponse(
			fmt.Errorf("%w: malformed envelope: %v", domain.ErrService, err)))
		return
	}

	ctx := c.Request.Context()
	up, err := envelope.Unpack(&req, s.svc.SelectKey, s.svc.ResolvePeerCert(ctx))
	if err != nil {
		slog.Warn("envelope rejected", "service", s.svc.Type, "err", err)
		c.JSON(http.StatusOK, envelope.ErrorResponse(err))
		return
	}

	handler, ok := s.routes[up.Function]
	if !ok {
		slog.Warn("unknown function", "service", s.svc.Type, "function", up.Function)
		c.JSON(http.StatusOK, envelope.ErrorResponse(
			fmt.Errorf("%w: unknown function %q", domain.ErrService, up.Function)))
		return
	}

	result, err := handler(ctx, &Call{Args: up.Args, SenderUID: up.SenderUID})
	if err != nil {
		slog.Info("call failed", "service", s.svc.Type, "function", up.Function, "sender", up.SenderUID, "err", err)
		c.JSON(http.StatusOK, envelope.ErrorResponse(err))
		return
	}
	slog.Debug("call served", "service", s.svc.Type, "function", up.Function, "sender", up.SenderUID)
	resp, err := envelope.PackResponse(up, result, s.svc.PrivateCert)
	if err != nil {
		c.JSON(http.StatusOK, envelope.ErrorResponse(err))
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetRecord(ctx context.Context, _ *Call) (any, error) {
	return s.svc.Record()
}
