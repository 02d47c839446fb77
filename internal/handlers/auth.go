package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calling/internal/middleware"
	"go.uber.org/zap"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login handles user login and JWT generation
// For demo purposes, accepts any username/password combination
func Login(jwtSecret string, logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		// For demo: the username is the user id
		userID := req.Username

		token, err := middleware.IssueToken(jwtSecret, userID, tokenTTL)
		if err != nil {
			logger.Errorw("Failed to generate token", "user", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		logger.Infow("User logged in", "user", userID)
		c.JSON(http.StatusOK, LoginResponse{
			Token:  token,
			UserID: userID,
		})
	}
}
