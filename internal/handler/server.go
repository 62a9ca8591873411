package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/flybeeper/track-recorder/internal/config"
	"github.com/flybeeper/track-recorder/internal/metrics"
	"github.com/flybeeper/track-recorder/internal/repository"
	"github.com/flybeeper/track-recorder/internal/settings"
	"github.com/flybeeper/track-recorder/pkg/utils"
)

// Version версия сервиса, задается при сборке
var Version = "dev"

// Connectivity состояние связи с основным хранилищем
type Connectivity interface {
	Current() bool
	LastChange() time.Time
}

// Deps зависимости HTTP сервера
type Deps struct {
	Session      SessionController
	Sync         SyncController
	Store        repository.TrackStore
	Settings     *settings.Store
	Location     LocationObserver
	Hub          *SessionHub
	Connectivity Connectivity
}

// Server HTTP сервер управляющего API
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	logger      *utils.Logger
	config      *config.Config
	restHandler *RESTHandler
	hub         *SessionHub
	conn        Connectivity
}

// NewServer создает новый HTTP сервер
func NewServer(cfg *config.Config, deps Deps, logger *utils.Logger) *Server {
	// Production mode для Gin
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(LoggerMiddleware(logger))
	router.Use(gin.Recovery())
	router.Use(CORSMiddleware())
	router.Use(RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	router.Use(SecurityHeadersMiddleware())
	if cfg.Monitoring.MetricsEnabled {
		router.Use(metrics.HTTPMetricsMiddleware("/metrics", "/health"))
	}

	server := &Server{
		router:      router,
		logger:      logger,
		config:      cfg,
		restHandler: NewRESTHandler(deps.Session, deps.Sync, deps.Store, deps.Settings, deps.Location, logger),
		hub:         deps.Hub,
		conn:        deps.Connectivity,
	}

	server.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	server.setupRoutes()

	return server
}

// Handler возвращает http.Handler (используется в тестах)
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes настраивает маршруты
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/session", s.restHandler.GetSession)
		v1.GET("/tracks/current", s.restHandler.GetCurrentTrack)
		v1.GET("/tracks/:id", s.restHandler.GetTrack)
		v1.GET("/tracks/:id/points", s.restHandler.GetTrackPoints)
		v1.GET("/settings", s.restHandler.GetSettings)
		v1.GET("/sync", s.restHandler.GetSync)

		// Изменяющие запросы требуют Bearer token, если он задан
		protected := v1.Group("/")
		protected.Use(AuthMiddleware(s.config.Auth.APIToken, s.logger))
		{
			protected.POST("/session/start", s.restHandler.StartSession)
			protected.POST("/session/stop", s.restHandler.StopSession)
			protected.POST("/session/pause", s.restHandler.PauseSession)
			protected.POST("/session/resume", s.restHandler.ResumeSession)
			protected.POST("/fixes", s.restHandler.PostFixes)
			protected.PUT("/settings", s.restHandler.PutSettings)
			protected.POST("/sync", s.restHandler.PostSync)
		}
	}

	if s.hub != nil {
		s.router.GET("/ws/v1/session", s.hub.HandleWebSocket)
	}

	if s.config.Monitoring.MetricsEnabled {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

// Start запускает HTTP сервер
func (s *Server) Start() error {
	s.logger.WithFields(map[string]interface{}{
		"address": s.config.Server.Address,
		"mode":    gin.Mode(),
	}).Info("Starting HTTP server")

	return s.httpServer.ListenAndServe()
}

// Shutdown корректное завершение сервера
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// Health check endpoint
func (s *Server) healthCheck(c *gin.Context) {
	response := gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"version":   Version,
	}
	if s.conn != nil {
		response["primary_store_reachable"] = s.conn.Current()
		if changed := s.conn.LastChange(); !changed.IsZero() {
			response["connectivity_changed_at"] = changed.UTC()
		}
	}
	c.JSON(http.StatusOK, response)
}

// ==================== Middleware ====================

// LoggerMiddleware логирование запросов
func LoggerMiddleware(logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		fields := map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
		}

		// Поток фиксов и опрос состояния слишком частые для info
		if c.Request.URL.Path == "/api/v1/fixes" || c.Request.Method == http.MethodGet {
			logger.WithFields(fields).Debug("HTTP request completed")
			return
		}
		logger.WithFields(fields).Info("HTTP request completed")
	}
}

// CORSMiddleware настройка CORS
func CORSMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	})
}

// RateLimitMiddleware ограничение частоты запросов
func RateLimitMiddleware(limit float64, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(limit), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"code":    "rate_limit_exceeded",
				"message": "Too many requests",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// SecurityHeadersMiddleware заголовки безопасности
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'self'")
		c.Next()
	}
}

// AuthMiddleware проверка Bearer token. Пустой token отключает проверку.
func AuthMiddleware(token string, logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "missing_authorization",
				"message": "Authorization header is required",
			})
			c.Abort()
			return
		}

		provided, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || provided == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "invalid_token_format",
				"message": "Invalid authorization format",
			})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			logger.WithField("client_ip", c.ClientIP()).Warn("Rejected request with invalid API token")
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "invalid_token",
				"message": "Invalid API token",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
