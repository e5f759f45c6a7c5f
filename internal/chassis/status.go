package chassis

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/happyfox/sissybot/internal/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Status is the robot snapshot served on /status.
type Status struct {
	Node     string    `json:"node"`
	Started  time.Time `json:"started"`
	Sessions int       `json:"sessions"`
	BusUp    bool      `json:"bus_up"`
	Commands uint64    `json:"commands"`
	Watchers int       `json:"watchers"`
	Last     *Command  `json:"last,omitempty"`
}

// StatusFunc builds a fresh snapshot per request.
type StatusFunc func() Status

// NewStatusRouter serves /health, /status and /metrics for one robot, plus
// the /telemetry websocket when hub is non-nil.
func NewStatusRouter(node string, corsOrigins []string, logger zerolog.Logger, status StatusFunc, hub *Hub) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger, node))
	r.Use(observability.RequestMetricsMiddleware(node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": node})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, status())
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if hub != nil {
		r.GET("/telemetry", gin.WrapH(hub))
	}
	return r
}

// Snapshot fills the chassis fields of a Status.
func (c *Chassis) Snapshot(s Status) Status {
	s.Commands = c.Commands()
	if last, ok := c.Last(); ok {
		s.Last = &last
	}
	return s
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
