// Package admin serves the local operator HTTP surface for a running client.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/pnclient/internal/auth"
	"github.com/danmuck/pnclient/internal/client"
	"github.com/danmuck/pnclient/internal/logging"
	"github.com/danmuck/pnclient/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Controller is the slice of client.Manager the admin surface drives.
type Controller interface {
	Connect()
	Disconnect()
	ReregisterAccount()
	Status() client.Status
}

// Options configures the admin surface. A non-empty Token guards the control
// routes; reads stay open.
type Options struct {
	Addr        string
	CorsOrigins []string
	Token       string
}

type Server struct {
	addr    string
	token   string
	ctrl    Controller
	router  *gin.Engine
	started time.Time
}

func New(opts Options, ctrl Controller) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.Instrument(logging.Component("admin")))
	r.Use(cors.New(corsConfig(opts.CorsOrigins)))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{addr: opts.Addr, token: opts.Token, ctrl: ctrl, router: r, started: time.Now()}
	s.registerRoutes()
	return s
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOrigins = []string{"http://localhost:3000"}
		return cfg
	}
	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	return cfg
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
			"state":  s.ctrl.Status().State,
		})
	})
	s.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.ctrl.Status())
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	control := s.router.Group("/")
	if s.token != "" {
		control.Use(auth.Require(auth.StaticToken{Token: s.token}))
	}
	control.POST("/connect", s.trigger("connect", s.ctrl.Connect))
	control.POST("/disconnect", s.trigger("disconnect", s.ctrl.Disconnect))
	control.POST("/reregister", s.trigger("reregister", s.ctrl.ReregisterAccount))
}

// trigger runs a lifecycle operation. The operations only enqueue work, so
// the response is 202 and progress shows up in /status.
func (s *Server) trigger(name string, op func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		op()
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "operation": name})
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("admin.Server.Run listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Msg("admin.Server.Run stopped")
		return nil
	}
}
