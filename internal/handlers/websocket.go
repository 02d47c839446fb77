package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-calling/internal/middleware"
	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/mossy-p/webrtc-calling/internal/signaling"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBuffer     = 256
	publishTimeout = 5 * time.Second
)

// Relay bridges user WebSocket connections to the backend's call and user
// channels.
type Relay struct {
	backend  signaling.Backend
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

// NewRelay accepts socket upgrades from allowedOrigins only, with the same
// rules as OriginFilter.
func NewRelay(backend signaling.Backend, allowedOrigins []string, logger *zap.SugaredLogger) *Relay {
	return &Relay{
		backend: backend,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     newOriginPolicy(allowedOrigins).checkOrigin,
		},
		logger: logger,
	}
}

// Client represents a WebSocket client connection
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	relay  *Relay
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.SugaredLogger

	// calls is only touched by readPump.
	calls map[string]*signaling.Listener
}

// HandleSignaling upgrades an authenticated request to the signaling
// WebSocket of that user.
func (r *Relay) HandleSignaling(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	// The request context ends when this handler returns.
	ctx, cancel := context.WithCancel(context.Background())
	incoming, err := r.backend.Listen(ctx, signaling.UserChannel(userID))
	if err != nil {
		cancel()
		r.logger.Errorw("Failed to listen for incoming calls", "user", userID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Signaling backend unavailable"})
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		incoming.Close()
		cancel()
		r.logger.Warnw("Failed to upgrade connection", "user", userID, "error", err)
		return
	}

	client := &Client{
		ID:     userID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		relay:  r,
		ctx:    ctx,
		cancel: cancel,
		logger: r.logger.With("user", userID),
		calls:  make(map[string]*signaling.Listener),
	}
	client.logger.Infow("Signaling connection opened")

	go client.forward(incoming, "")
	go client.writePump()
	go client.readPump(incoming)
}

// forward copies channel traffic to the client. Messages the user sent or
// addressed to someone else are skipped.
func (c *Client) forward(l *signaling.Listener, callID string) {
	for data := range l.C {
		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warnw("Dropping malformed channel message", "call", callID, "error", err)
			continue
		}
		if msg.From == c.ID || (msg.To != "" && msg.To != c.ID) {
			continue
		}
		c.send(data)
	}
}

func (c *Client) readPump(incoming *signaling.Listener) {
	defer func() {
		c.cancel()
		incoming.Close()
		for _, l := range c.calls {
			l.Close()
		}
		c.Conn.Close()
		c.logger.Infow("Signaling connection closed", "calls", len(c.calls))
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warnw("WebSocket error", "error", err)
			}
			break
		}

		// Parse message
		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warnw("Failed to parse message", "error", err)
			continue
		}

		// Route message based on type
		switch {
		case msg.Type == models.SignalTypeSubscribe:
			c.subscribe(msg.CallID)
		case msg.Type == models.SignalTypeUnsubscribe:
			if l, ok := c.calls[msg.CallID]; ok {
				l.Close()
				delete(c.calls, msg.CallID)
			}
		case msg.Type.Relayed():
			c.publish(msg)
		default:
			c.logger.Debugw("Unknown message type", "type", msg.Type)
		}
	}
}

// subscribe attaches the client to a call channel after checking it takes
// part in the call. The acknowledgement is queued before any channel
// traffic.
func (c *Client) subscribe(callID string) {
	if _, ok := c.calls[callID]; ok {
		c.sendMessage(models.SignalMessage{Type: models.SignalTypeSubscribe, CallID: callID})
		return
	}

	record, err := c.relay.backend.GetCallRecord(c.ctx, callID)
	if err == nil && !record.Participant(c.ID) {
		err = signaling.ErrRecordNotFound
	}
	if err != nil {
		c.logger.Warnw("Subscribe refused", "call", callID, "error", err)
		c.sendError(callID, err)
		return
	}

	l, err := c.relay.backend.Listen(c.ctx, signaling.CallChannel(callID))
	if err != nil {
		c.logger.Errorw("Failed to listen on call channel", "call", callID, "error", err)
		c.sendError(callID, err)
		return
	}
	c.calls[callID] = l
	c.sendMessage(models.SignalMessage{Type: models.SignalTypeSubscribe, CallID: callID})
	go c.forward(l, callID)

	c.logger.Debugw("Subscribed to call", "call", callID)
}

// publish relays one signaling message to its call channel with the sender
// stamped by the server.
func (c *Client) publish(msg models.SignalMessage) {
	if _, ok := c.calls[msg.CallID]; !ok {
		c.sendError(msg.CallID, signaling.ErrRecordNotFound)
		return
	}
	msg.From = c.ID
	msg.Error = ""

	ctx, cancel := context.WithTimeout(c.ctx, publishTimeout)
	defer cancel()
	if err := c.relay.backend.PublishMessage(ctx, signaling.CallChannel(msg.CallID), msg); err != nil {
		c.logger.Errorw("Failed to relay message", "call", msg.CallID, "type", msg.Type, "error", err)
		c.sendError(msg.CallID, err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warnw("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) send(data []byte) {
	select {
	case c.Send <- data:
	case <-c.ctx.Done():
	default:
		c.logger.Warnw("Failed to send message, buffer full")
	}
}

func (c *Client) sendMessage(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Errorw("Failed to marshal message", "error", err)
		return
	}
	c.send(data)
}

func (c *Client) sendError(callID string, err error) {
	code := signaling.ErrorCode(err)
	if errors.Is(err, context.Canceled) {
		return
	}
	c.sendMessage(models.SignalMessage{Type: models.SignalTypeError, CallID: callID, Error: code})
}
