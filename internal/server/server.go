package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ngenohkevin/unitbus/config"
	"github.com/ngenohkevin/unitbus/internal/logger"
	"github.com/ngenohkevin/unitbus/internal/systemd"
	"github.com/ngenohkevin/unitbus/internal/tasks"
)

const shutdownTimeout = 10 * time.Second

// Server represents the HTTP server
type Server struct {
	cfg        *config.Config
	router     *gin.Engine
	handlers   *Handlers
	auth       *AuthService
	limiter    *RateLimiter
	httpServer *http.Server
	log        *zap.SugaredLogger
}

// New creates a new server instance
func New(cfg *config.Config, client *systemd.Client, runner *tasks.Runner) *Server {
	// Set Gin mode based on log level
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		router:   gin.New(),
		handlers: NewHandlers(cfg, client, runner),
		auth:     NewAuthService(cfg.APIKey, cfg.JWTSecret),
		limiter:  NewRateLimiter(cfg.RateLimitRPS),
		log:      logger.For("http"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(RequestIDMiddleware())
	s.router.Use(RecoveryMiddleware(s.log))
	s.router.Use(LoggerMiddleware(s.log))
	s.router.Use(MetricsMiddleware())
	s.router.Use(CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(RateLimitMiddleware(s.limiter))
}

func (s *Server) setupRoutes() {
	h := s.handlers

	// No auth
	s.router.GET("/health", h.HealthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	api.Use(AuthMiddleware(s.auth))
	{
		api.GET("/info", h.GetInfo)
		api.GET("/capabilities", h.GetCapabilities)
		api.POST("/daemon-reload", RequireControl(), h.DaemonReload)

		api.GET("/units", h.ListUnits)
		unit := api.Group("/units/:name")
		unit.Use(UnitScopeMiddleware(s.cfg, "name"))
		{
			unit.GET("", h.GetUnit)
			unit.POST("/start", RequireControl(), h.UnitAction(systemd.JobStart))
			unit.POST("/stop", RequireControl(), h.UnitAction(systemd.JobStop))
			unit.POST("/restart", RequireControl(), h.UnitAction(systemd.JobRestart))
			unit.POST("/reload", RequireControl(), h.UnitAction(systemd.JobReload))
			unit.GET("/diagnose", h.DiagnoseUnit)
			unit.GET("/failures", h.StreamFailures)
			unit.GET("/dropins", h.ListDropIns)
			unit.PUT("/dropins/:dropin", RequireControl(), h.PutDropIn)
			unit.DELETE("/dropins/:dropin", RequireControl(), h.DeleteDropIn)
		}

		api.GET("/logs", h.GetLogs)
		api.GET("/logs/:unit", UnitScopeMiddleware(s.cfg, "unit"), h.GetUnitLogs)

		api.GET("/tasks", h.ListTasks)
		api.POST("/tasks/:name/run", RequireControl(), h.RunTask)
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("starting unitbus agent", "addr", s.cfg.Addr(), "version", Version)
		errCh <- s.httpServer.ListenAndServe()
	}()

	defer s.handlers.Close()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Infow("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warnw("server forced to shutdown", "error", err)
	}
	s.log.Infow("server stopped")
	return nil
}

// Router returns the Gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Close releases handler resources. Run does this itself.
func (s *Server) Close() {
	s.handlers.Close()
}
