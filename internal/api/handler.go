// Package api exposes the execution core over HTTP: trade submission,
// position queries, system status and a websocket event stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"execution-core/internal/events"
	"execution-core/internal/execution"
	"execution-core/internal/monitor"
	"execution-core/pkg/instruments"
)

// Server wires HTTP endpoints around the execution router.
type Server struct {
	Router    *gin.Engine
	Exec      *execution.Router
	Bus       *events.Bus
	Catalog   *instruments.Catalog
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime identity exposed to operators.
type SystemMeta struct {
	TransportMode string
	Version       string
}

// NewServer builds the HTTP surface over the execution router.
func NewServer(exec *execution.Router, bus *events.Bus, catalog *instruments.Catalog, metrics *monitor.SystemMetrics, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(60 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Exec:      exec,
		Bus:       bus,
		Catalog:   catalog,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/instruments", s.getInstruments)

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/trades", s.submitTrade)
			protected.GET("/trades", s.listTrades)
			protected.GET("/trades/:id", s.getTradeStatus)
			protected.DELETE("/trades/:id", s.closeTrade)

			protected.POST("/system/emergency-stop", s.setEmergencyStop)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
