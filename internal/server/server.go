// Package server exposes the controller over a local diagnostics HTTP API
// and streams the trace to websocket clients.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/chamctl/internal/link"
	"github.com/danmuck/chamctl/internal/observability"
	"github.com/danmuck/chamctl/internal/protocol/command"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	Name    = "chamctl"
	Version = "0.1.0"

	requestTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Controller is the surface the API drives.
type Controller interface {
	Discover(ctx context.Context) error
	Pair(ctx context.Context) error
	Forget(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, req command.Request) error
	SendText(ctx context.Context, line string) error
	SetPin(pin uint32, enabled bool) error
	PinConfig() link.PinConfig
	Snapshot() link.Snapshot
	RXBuffer() []byte
	LastResponse() (command.Event, bool)
}

type Server struct {
	Addr     string
	Appeared time.Time

	ctl      Controller
	hub      *Hub
	router   *gin.Engine
	upgrader websocket.Upgrader
}

// New builds the router. hub may be nil, in which case /events is not served.
func New(addr string, ctl Controller, hub *Hub, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(Name))
	origins := normalizeOrigins(corsOrigins)
	r.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "PUT"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Addr:     addr,
		Appeared: time.Now(),
		ctl:      ctl,
		hub:      hub,
		router:   r,
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(origins)},
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.Addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Msg("server.Serve listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Str("addr", s.Addr).Msg("server.Serve stopped")
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

// originChecker accepts requests without an Origin header (local tools) and
// the configured browser origins.
func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed["*"]; ok {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
