// Package api assembles the gateway HTTP router.
package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charlesng35/imrelay/internal/handlers"
	"github.com/charlesng35/imrelay/internal/middleware"
	"github.com/charlesng35/imrelay/internal/monitoring"
	"github.com/charlesng35/imrelay/internal/realtime"
)

// Deps are the collaborators the routes are served by.
type Deps struct {
	Relay     handlers.RelayView
	Requester handlers.Requester
	Hub       *realtime.Hub
	Health    *monitoring.HealthManager

	// RateLimit is requests per second per client IP on /api. Zero disables it.
	RateLimit float64
	RateBurst int
}

// NewRouter builds the gin engine with middleware and every gateway route.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if deps.Relay == nil || deps.Requester == nil {
		return nil, errors.New("api: relay and requester are required")
	}
	if deps.Hub == nil {
		return nil, errors.New("api: realtime hub is required")
	}
	if deps.Health == nil {
		deps.Health = monitoring.NewHealthManager(0)
	}

	r := gin.New()
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.NoRoute(middleware.NotFound)

	r.GET("/health", handlers.Health(deps.Health))
	r.GET("/health/live", handlers.Liveness(deps.Health))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	relayHandler := handlers.NewRelayHandler(deps.Relay, deps.Requester)
	v1 := r.Group("/api/v1")
	v1.Use(middleware.RateLimit(deps.RateLimit, deps.RateBurst))
	{
		v1.GET("/relay", relayHandler.Snapshot)
		v1.GET("/users", relayHandler.ListUsers)
		v1.GET("/users/:id", relayHandler.GetUser)
		v1.POST("/requests", relayHandler.Submit)
	}

	rt := handlers.NewRealtimeHandler(deps.Hub)
	r.GET("/ws", rt.Stream)
	r.GET("/ws/:stream", rt.Stream)

	return r, nil
}
