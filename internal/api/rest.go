// Package api provides the REST API and WebSocket stream for Pollarr: the
// service registry, poll history, the reactor timeline and live events.
package api

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mescon/Pollarr/internal/auth"
	"github.com/mescon/Pollarr/internal/config"
	"github.com/mescon/Pollarr/internal/domain"
	"github.com/mescon/Pollarr/internal/logger"
	"github.com/mescon/Pollarr/internal/reactor"
	"github.com/mescon/Pollarr/internal/services"
)

// ServiceRegistry is the part of *services.Manager the API uses.
type ServiceRegistry interface {
	Register(spec config.ServiceSpec, persist bool) error
	Unregister(name string) error
	List() []services.ServiceInfo
	Get(name string) (services.ServiceInfo, bool)
	Timeline() []services.TimelineSlot
	Reactor() *reactor.Reactor
}

// EventStore is the part of *db.Repository the API reads from.
type EventStore interface {
	ServiceHistory(service string, limit int) ([]domain.Event, error)
	RecentEvents(limit int) ([]domain.Event, error)
	Ping(ctx context.Context) error
	SetSetting(key, value string) error
	GetSetting(key string) (string, error)
}

// BackupRunner triggers an immediate database backup.
type BackupRunner interface {
	RunBackup() (string, error)
	NextRun() time.Time
}

type RESTServer struct {
	router     *gin.Engine
	httpServer *http.Server
	registry   ServiceRegistry
	store      EventStore
	keys       *auth.KeyChecker
	backups    BackupRunner
	metrics    http.Handler
	hub        *WebSocketHub
	limiter    *RateLimiter
	startTime  time.Time
}

// ServerDeps contains all dependencies required for the REST server.
// Backups and Metrics may be nil.
type ServerDeps struct {
	Registry ServiceRegistry
	Store    EventStore
	Keys     *auth.KeyChecker
	Backups  BackupRunner
	Metrics  http.Handler
	Events   EventSource
}

func NewRESTServer(deps ServerDeps) *RESTServer {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(requestIDMiddleware())
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		reqID := c.GetString("request_id")
		logger.Errorf("[PANIC RECOVERY] request_id=%s path=%s method=%s error=%v",
			reqID, c.Request.URL.Path, c.Request.Method, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      ErrMsgInternalError,
			"request_id": reqID,
		})
	}))
	r.Use(corsMiddleware(os.Getenv("POLLARR_CORS_ORIGIN")))

	s := &RESTServer{
		router:    r,
		registry:  deps.Registry,
		store:     deps.Store,
		keys:      deps.Keys,
		backups:   deps.Backups,
		metrics:   deps.Metrics,
		hub:       NewWebSocketHub(deps.Events),
		limiter:   NewRateLimiter(120, time.Minute, 60),
		startTime: time.Now(),
	}
	if s.keys == nil {
		s.keys = auth.NewKeyChecker("")
	}

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

// corsMiddleware allows the comma-separated origins, or all with "*". With
// none configured no CORS header is set and browsers enforce same-origin.
func corsMiddleware(corsOrigins string) gin.HandlerFunc {
	allowedOrigins := make(map[string]bool)
	for _, origin := range strings.Split(corsOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowedOrigins[origin] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if corsOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *RESTServer) setupRoutes() {
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/services", s.listServices)
		api.GET("/services/:name", s.getService)
		api.GET("/services/:name/history", s.getServiceHistory)
		api.GET("/timeline", s.getTimeline)
		api.GET("/events", s.getRecentEvents)

		protected := api.Group("")
		protected.Use(s.limiter.Middleware(), s.authMiddleware())
		{
			protected.POST("/services", s.createService)
			protected.DELETE("/services/:name", s.deleteService)
			protected.POST("/backup", s.triggerBackup)
			protected.POST("/auth/rotate", s.rotateAPIKey)
			protected.GET("/ws", s.hub.HandleConnection)
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		respondNotFound(c, "Route")
	})
}

func (s *RESTServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and closes live streams.
func (s *RESTServer) Shutdown(ctx context.Context) error {
	s.hub.Close()
	s.limiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware accepts the key from X-API-Key, a Bearer token, or the
// token query parameter (browsers cannot set headers on WebSockets).
func (s *RESTServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-API-Key")
		if token == "" {
			token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No authentication token provided"})
			return
		}
		if !s.keys.Check(token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}
		c.Next()
	}
}
