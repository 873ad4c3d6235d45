package server

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/chamctl/internal/link"
	"github.com/danmuck/chamctl/internal/protocol/command"
	"github.com/danmuck/chamctl/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type commandBody struct {
	Text    string  `json:"text"`
	Command *uint16 `json:"command"`
	Payload string  `json:"payload"`
	Label   string  `json:"label"`
}

type pinBody struct {
	Pin     *uint32 `json:"pin"`
	Enabled bool    `json:"enabled"`
}

func (s *Server) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).Round(time.Second).String(),
			"service": Name,
			"version": Version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.ctl.Snapshot())
	})
	r.GET("/rx/buffer", func(c *gin.Context) {
		buf := s.ctl.RXBuffer()
		c.JSON(http.StatusOK, gin.H{
			"buffered": len(buf),
			"hex":      command.FormatHex(buf),
		})
	})
	r.GET("/responses/last", func(c *gin.Context) {
		ev, ok := s.ctl.LastResponse()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "no response received"})
			return
		}
		c.JSON(http.StatusOK, ev)
	})

	r.POST("/discover", s.lifecycle("discover", s.ctl.Discover))
	r.POST("/pair", s.lifecycle("pair", s.ctl.Pair))
	r.POST("/forget", s.lifecycle("forget", s.ctl.Forget))
	r.POST("/stop", s.lifecycle("stop", s.ctl.Stop))

	r.POST("/commands", s.postCommand)
	r.GET("/security/pin", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.ctl.PinConfig())
	})
	r.PUT("/security/pin", s.putPin)

	if s.hub != nil {
		r.GET("/events", s.events)
	}
}

func (s *Server) lifecycle(action string, fn func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warn().Str("action", action).Err(err).Msg("server lifecycle request failed")
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "action": action, "state": s.ctl.Snapshot().State})
	}
}

func (s *Server) postCommand(c *gin.Context) {
	var body commandBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	switch {
	case body.Command != nil:
		payload, err := hex.DecodeString(strings.ReplaceAll(body.Payload, " ", ""))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "payload: " + err.Error()})
			return
		}
		req := command.Request{Command: *body.Command, Payload: payload, Label: body.Label}
		if err := s.ctl.Send(ctx, req); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "command": command.Name(req.Command)})
	case strings.TrimSpace(body.Text) != "":
		if err := s.ctl.SendText(ctx, body.Text); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "text": body.Text})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "text or command is required"})
	}
}

func (s *Server) putPin(c *gin.Context) {
	var body pinBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Pin == nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "pin is required"})
		return
	}
	if err := s.ctl.SetPin(*body.Pin, body.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "security": s.ctl.PinConfig()})
}

func (s *Server) events(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("server websocket upgrade failed")
		return
	}
	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("server websocket client attached")
	s.hub.serve(conn)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, security.ErrInvalidPin):
		return http.StatusBadRequest
	case errors.Is(err, link.ErrNotConnected), errors.Is(err, link.ErrNoTarget):
		return http.StatusConflict
	case errors.Is(err, link.ErrWriteRejected):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"status": "error", "error": err.Error()})
}
