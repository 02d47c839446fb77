package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calling/internal/middleware"
	"github.com/mossy-p/webrtc-calling/internal/signaling"
	"go.uber.org/zap"
)

// RouterConfig holds what the relay routes need besides the backend.
type RouterConfig struct {
	JWTSecret      string
	AllowedOrigins []string
}

// NewRouter wires the relay API and signaling endpoint over backend.
func NewRouter(backend signaling.Backend, cfg RouterConfig, logger *zap.SugaredLogger) *gin.Engine {
	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)

	// Call record API
	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret, logger))

		apiGroup.POST("/calls", auth, CreateCall(backend, logger))
		apiGroup.GET("/calls/:callId", auth, GetCall(backend, logger))
		apiGroup.PATCH("/calls/:callId", auth, UpdateCall(backend, logger))
	}

	// WebSocket signaling endpoint, one connection per user
	relay := NewRelay(backend, cfg.AllowedOrigins, logger)
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", auth, relay.HandleSignaling)
	}

	return router
}
