// Package api serves the keyrotate management HTTP API on gin.
package api

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nimburion/keyrotate/pkg/health"
	"github.com/nimburion/keyrotate/pkg/keystore"
	"github.com/nimburion/keyrotate/pkg/observability/logger"
	"github.com/nimburion/keyrotate/pkg/rotation"
	"github.com/nimburion/keyrotate/pkg/version"
)

// Scheduler is the part of the rotation scheduler the API drives.
type Scheduler interface {
	StartKey(key keystore.Key) bool
	StopKey(id string)
	RefreshKey(key keystore.Key) bool
	GetAutoRunStatus() bool
	ToggleAutoRun(ctx context.Context) (bool, error)
	Status(ctx context.Context) (rotation.Status, error)
}

// Deps are the collaborators a Handler needs.
type Deps struct {
	Store     keystore.Store
	Scheduler Scheduler
	Logger    logger.Logger
	// Readiness backs /ready; nil reports ready.
	Readiness *health.Registry
	// Metrics backs /metrics; nil leaves the route unregistered.
	Metrics http.Handler
	Version version.Info
	// DefaultIntervalSeconds applies when a create request omits the interval.
	DefaultIntervalSeconds int
	Now                    func() time.Time
	NewID                  func() string
	// Pick chooses an index in [0, n); it defaults to a uniform random choice.
	Pick func(n int) int
}

// Handler implements every API route.
type Handler struct {
	store     keystore.Store
	scheduler Scheduler
	log       logger.Logger
	readiness *health.Registry
	version   version.Info
	interval  int
	now       func() time.Time
	newID     func() string
	pick      func(n int) int
}

// NewHandler fills in defaults for optional dependencies.
func NewHandler(deps Deps) *Handler {
	h := &Handler{
		store:     deps.Store,
		scheduler: deps.Scheduler,
		log:       deps.Logger,
		readiness: deps.Readiness,
		version:   deps.Version,
		interval:  deps.DefaultIntervalSeconds,
		now:       deps.Now,
		newID:     deps.NewID,
		pick:      deps.Pick,
	}
	if h.log == nil {
		h.log = logger.NewNop()
	}
	if h.interval <= 0 {
		h.interval = keystore.DefaultRotationIntervalSeconds
	}
	if h.now == nil {
		h.now = func() time.Time { return time.Now().UTC() }
	}
	if h.newID == nil {
		h.newID = newRequestID
	}
	if h.pick == nil {
		h.pick = rand.IntN
	}
	return h
}

// NewRouter builds the gin engine with middleware and every route registered.
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	h := NewHandler(deps)

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(requestID(), tracingSpans(), accessLog(h.log), recovery(h.log), httpMetrics())
	engine.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, codeNotFound, "route not found")
	})
	engine.NoMethod(func(c *gin.Context) {
		writeError(c, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	engine.GET("/health", h.liveness)
	engine.GET("/ready", h.readinessCheck)
	engine.GET("/version", h.versionInfo)
	if deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := engine.Group("/api")
	api.GET("/keys", h.listKeys)
	api.POST("/keys", h.createKey)
	api.GET("/keys/:id", h.getKey)
	api.PUT("/keys/:id", h.updateKey)
	api.DELETE("/keys/:id", h.deleteKey)
	api.GET("/auto-run", h.autoRunStatus)
	api.POST("/auto-run/toggle", h.toggleAutoRun)
	api.GET("/proxy/random", h.randomProxy)

	return engine
}
