package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/gatherly/services/ticketing/config"
	"example.com/gatherly/services/ticketing/internal/api/handlers"
	"example.com/gatherly/services/ticketing/internal/escrow"
	"example.com/gatherly/services/ticketing/internal/lifecycle"
	"example.com/gatherly/services/ticketing/internal/metrics"
	"example.com/gatherly/services/ticketing/internal/ticketing"
	"example.com/gatherly/services/ticketing/internal/tracing"
)

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new HTTP server over the engines and the coordinator.
func NewServer(
	cfg config.Config,
	events *lifecycle.Engine,
	tickets *ticketing.Engine,
	coordinator *escrow.Coordinator,
	m *metrics.Metrics,
	tracer tracing.Tracer,
) *Server {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	router.Use(gin.Recovery())

	handlers.NewEventHandler(events, m, tracer).RegisterRoutes(router)
	handlers.NewTicketHandler(tickets, m, tracer).RegisterRoutes(router)
	handlers.NewStakeHandler(coordinator, m, tracer).RegisterRoutes(router)
	handlers.NewMetricsHandler(m).RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &Server{
		config: cfg,
		router: router,
		httpServer: &http.Server{
			Addr:    cfg.ServerAddress,
			Handler: router,
		},
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}
	return nil
}
