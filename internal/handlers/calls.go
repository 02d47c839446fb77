package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calling/internal/middleware"
	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/mossy-p/webrtc-calling/internal/signaling"
	"go.uber.org/zap"
)

// CreateCall stores a ringing call record placed by the authenticated user
// and announces it to the receiver.
func CreateCall(backend signaling.Backend, logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)

		var req models.CreateCallRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": signaling.ErrorCode(models.ErrInvalidUpdate)})
			return
		}
		if req.ReceiverID == userID {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot call yourself", "code": signaling.ErrorCode(models.ErrInvalidUpdate)})
			return
		}

		record, err := backend.CreateCallRecord(c.Request.Context(), userID, req.ReceiverID, req.CallType)
		if err != nil {
			logger.Errorw("Failed to create call", "caller", userID, "receiver", req.ReceiverID, "error", err)
			respondError(c, err)
			return
		}

		logger.Infow("Call created", "call", record.ID, "caller", userID, "receiver", req.ReceiverID, "type", req.CallType)
		c.JSON(http.StatusCreated, record)
	}
}

// GetCall returns a call record to one of its participants.
func GetCall(backend signaling.Backend, logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, ok := loadParticipantCall(c, backend, logger)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, record)
	}
}

// UpdateCall applies a partial update to a call record on behalf of one of
// its participants.
func UpdateCall(backend signaling.Backend, logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var update models.CallUpdate
		if err := c.ShouldBindJSON(&update); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "code": signaling.ErrorCode(models.ErrInvalidUpdate)})
			return
		}

		record, ok := loadParticipantCall(c, backend, logger)
		if !ok {
			return
		}

		updated, err := backend.UpdateCallRecord(c.Request.Context(), record.ID, update)
		if err != nil {
			logger.Warnw("Call update refused", "call", record.ID, "user", c.GetString(middleware.UserIDKey), "error", err)
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, updated)
	}
}

// loadParticipantCall fetches the :callId record. Users outside the call get
// the same 404 as for a missing record.
func loadParticipantCall(c *gin.Context, backend signaling.Backend, logger *zap.SugaredLogger) (*models.CallRecord, bool) {
	callID := c.Param("callId")
	userID := c.GetString(middleware.UserIDKey)

	record, err := backend.GetCallRecord(c.Request.Context(), callID)
	if err != nil {
		if !errors.Is(err, signaling.ErrRecordNotFound) {
			logger.Errorw("Failed to load call", "call", callID, "error", err)
		}
		respondError(c, err)
		return nil, false
	}
	if !record.Participant(userID) {
		respondError(c, signaling.ErrRecordNotFound)
		return nil, false
	}
	return record, true
}

func respondError(c *gin.Context, err error) {
	code := signaling.ErrorCode(err)
	status := http.StatusInternalServerError
	message := "Signaling backend unavailable"

	switch code {
	case "not_found":
		status, message = http.StatusNotFound, "Call not found"
	case "invalid_update":
		status, message = http.StatusBadRequest, err.Error()
	case "sdp_already_set", "call_terminated", "invalid_transition":
		status, message = http.StatusConflict, err.Error()
	}

	c.JSON(status, gin.H{"error": message, "code": code})
}
