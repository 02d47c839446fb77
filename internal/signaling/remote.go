package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-calling/internal/models"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	requestTimeout = 10 * time.Second
)

// errorBody is the JSON error shape returned by the relay backend.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// LoginResponse is returned by the relay's login endpoint.
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login obtains a bearer token from the relay backend at baseURL.
func Login(ctx context.Context, baseURL, username, password string) (*LoginResponse, error) {
	var out LoginResponse
	var fail errorBody
	resp, err := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		R().
		SetContext(ctx).
		SetBody(map[string]string{"username": username, "password": password}).
		SetResult(&out).
		SetError(&fail).
		Post("/api/auth/login")
	if err != nil {
		return nil, fmt.Errorf("%w: login: %w", ErrTransportFailure, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: login: HTTP %d: %s", ErrTransportFailure, resp.StatusCode(), fail.Error)
	}
	return &out, nil
}

// RemoteTransport is a Transport backed by the relay server: call records
// over its REST API and signaling over one WebSocket shared by every
// subscription of the user.
type RemoteTransport struct {
	selfID string
	rest   *resty.Client
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	writeMu sync.Mutex

	mu       sync.Mutex
	subs     map[string]map[*remoteSub]struct{}
	pending  map[string][]*pendingSub
	incoming map[*remoteWatch]struct{}
	closed   bool
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// pendingSub is a subscription waiting for the relay's acknowledgement.
type pendingSub struct {
	sub *remoteSub
	ack chan error
}

type remoteSub struct {
	t      *RemoteTransport
	callID string
	h      Handlers
	once   sync.Once
}

func (s *remoteSub) Close() error {
	var err error
	s.once.Do(func() { err = s.t.unsubscribe(s) })
	return err
}

type remoteWatch struct {
	t    *RemoteTransport
	fn   func(*models.CallRecord)
	once sync.Once
}

func (w *remoteWatch) Close() error {
	w.once.Do(func() {
		w.t.mu.Lock()
		delete(w.t.incoming, w)
		w.t.mu.Unlock()
	})
	return nil
}

// DialRemote connects to the relay backend at baseURL (http or https) as
// selfID, authenticating with token.
func DialRemote(ctx context.Context, baseURL, token, selfID string, logger *zap.SugaredLogger) (*RemoteTransport, error) {
	wsURL, err := signalURL(baseURL, token)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial signaling: HTTP %d: %w", ErrTransportFailure, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial signaling: %w", ErrTransportFailure, err)
	}

	t := &RemoteTransport{
		selfID: selfID,
		rest: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetAuthToken(token).
			SetTimeout(requestTimeout),
		conn:     conn,
		logger:   logger,
		subs:     make(map[string]map[*remoteSub]struct{}),
		pending:  make(map[string][]*pendingSub),
		incoming: make(map[*remoteWatch]struct{}),
		done:     make(chan struct{}),
	}

	go t.readLoop()
	go t.pingLoop()
	return t, nil
}

func signalURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/signal"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

func (t *RemoteTransport) restError(op string, resp *resty.Response, fail *errorBody) error {
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, op)
	}
	if fail.Code != "" {
		if err := errorFromCode(fail.Code); !errors.Is(err, ErrTransportFailure) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%w: %s: HTTP %d: %s", ErrTransportFailure, op, resp.StatusCode(), fail.Error)
}

func (t *RemoteTransport) CreateCallRecord(ctx context.Context, callerID, receiverID string, callType models.CallType) (*models.CallRecord, error) {
	if callerID != t.selfID {
		return nil, fmt.Errorf("%w: cannot place calls as %s", models.ErrInvalidUpdate, callerID)
	}

	var record models.CallRecord
	var fail errorBody
	resp, err := t.rest.R().
		SetContext(ctx).
		SetBody(models.CreateCallRequest{ReceiverID: receiverID, CallType: callType}).
		SetResult(&record).
		SetError(&fail).
		Post("/api/calls")
	if err != nil {
		return nil, fmt.Errorf("%w: create call: %w", ErrTransportFailure, err)
	}
	if resp.IsError() {
		return nil, t.restError("create call", resp, &fail)
	}
	return &record, nil
}

func (t *RemoteTransport) GetCallRecord(ctx context.Context, id string) (*models.CallRecord, error) {
	var record models.CallRecord
	var fail errorBody
	resp, err := t.rest.R().
		SetContext(ctx).
		SetPathParam("callId", id).
		SetResult(&record).
		SetError(&fail).
		Get("/api/calls/{callId}")
	if err != nil {
		return nil, fmt.Errorf("%w: get call %s: %w", ErrTransportFailure, id, err)
	}
	if resp.IsError() {
		return nil, t.restError("get call "+id, resp, &fail)
	}
	return &record, nil
}

func (t *RemoteTransport) UpdateCallRecord(ctx context.Context, id string, update models.CallUpdate) (*models.CallRecord, error) {
	var record models.CallRecord
	var fail errorBody
	resp, err := t.rest.R().
		SetContext(ctx).
		SetPathParam("callId", id).
		SetBody(update).
		SetResult(&record).
		SetError(&fail).
		Patch("/api/calls/{callId}")
	if err != nil {
		return nil, fmt.Errorf("%w: update call %s: %w", ErrTransportFailure, id, err)
	}
	if resp.IsError() {
		return nil, t.restError("update call "+id, resp, &fail)
	}
	return &record, nil
}

// Subscribe registers h for callID and waits for the relay to confirm the
// channel subscription.
func (t *RemoteTransport) Subscribe(ctx context.Context, callID string, h Handlers) (Subscription, error) {
	sub := &remoteSub{t: t, callID: callID, h: h}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: transport closed", ErrTransportFailure)
	}
	if len(t.subs[callID]) > 0 {
		t.subs[callID][sub] = struct{}{}
		t.mu.Unlock()
		return sub, nil
	}
	p := &pendingSub{sub: sub, ack: make(chan error, 1)}
	t.pending[callID] = append(t.pending[callID], p)
	t.mu.Unlock()

	if err := t.write(models.SignalMessage{Type: models.SignalTypeSubscribe, CallID: callID}); err != nil {
		t.dropPending(callID, p)
		return nil, err
	}

	select {
	case err := <-p.ack:
		if err != nil {
			return nil, err
		}
		return sub, nil
	case <-ctx.Done():
		if !t.dropPending(callID, p) {
			// Acknowledged concurrently; undo the registration.
			sub.Close()
		}
		return nil, fmt.Errorf("%w: subscribe %s: %w", ErrTransportFailure, callID, ctx.Err())
	}
}

// dropPending removes p from the waiters and reports whether it was still
// waiting.
func (t *RemoteTransport) dropPending(callID string, p *pendingSub) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	waiters := t.pending[callID]
	for i, w := range waiters {
		if w == p {
			t.pending[callID] = append(waiters[:i:i], waiters[i+1:]...)
			if len(t.pending[callID]) == 0 {
				delete(t.pending, callID)
			}
			return true
		}
	}
	return false
}

func (t *RemoteTransport) unsubscribe(sub *remoteSub) error {
	t.mu.Lock()
	delete(t.subs[sub.callID], sub)
	last := len(t.subs[sub.callID]) == 0
	if last {
		delete(t.subs, sub.callID)
	}
	closed := t.closed
	t.mu.Unlock()

	if !last || closed {
		return nil
	}
	return t.write(models.SignalMessage{Type: models.SignalTypeUnsubscribe, CallID: sub.callID})
}

func (t *RemoteTransport) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	return sub.Close()
}

func (t *RemoteTransport) Publish(ctx context.Context, callID string, kind models.SignalType, payload any, targetUserID string) error {
	msg, err := models.NewSignalMessage(kind, callID, t.selfID, targetUserID, payload)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrTransportFailure, kind, err)
	}
	return t.write(msg)
}

func (t *RemoteTransport) WatchIncoming(_ context.Context, fn func(*models.CallRecord)) (Subscription, error) {
	w := &remoteWatch{t: t, fn: fn}
	t.mu.Lock()
	t.incoming[w] = struct{}{}
	t.mu.Unlock()
	return w, nil
}

func (t *RemoteTransport) write(msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %w", ErrTransportFailure, msg.Type, err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: send %s: %w", ErrTransportFailure, msg.Type, err)
	}
	return nil
}

func (t *RemoteTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *RemoteTransport) readLoop() {
	defer t.shutdown()

	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warnw("Signaling connection lost", "user", t.selfID, "error", err)
			}
			return
		}
		t.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warnw("Dropping malformed signaling message", "error", err)
			continue
		}
		t.route(msg)
	}
}

func (t *RemoteTransport) route(msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeSubscribe:
		t.resolve(msg.CallID, nil)
	case models.SignalTypeError:
		err := fmt.Errorf("relay: %w", errorFromCode(msg.Error))
		if !t.resolve(msg.CallID, err) {
			t.logger.Warnw("Relay reported an error", "call", msg.CallID, "code", msg.Error)
		}
	case models.SignalTypeIncomingCall:
		var record models.CallRecord
		if err := msg.Decode(&record); err != nil {
			t.logger.Warnw("Dropping undecodable incoming call", "error", err)
			return
		}
		t.mu.Lock()
		watchers := make([]*remoteWatch, 0, len(t.incoming))
		for w := range t.incoming {
			watchers = append(watchers, w)
		}
		t.mu.Unlock()
		for _, w := range watchers {
			w.fn(record.Clone())
		}
	default:
		t.mu.Lock()
		subs := make([]*remoteSub, 0, len(t.subs[msg.CallID]))
		for s := range t.subs[msg.CallID] {
			subs = append(subs, s)
		}
		t.mu.Unlock()
		for _, s := range subs {
			dispatchMessage(t.selfID, msg, s.h, t.logger)
		}
	}
}

// resolve completes the oldest pending subscribe for callID. On success the
// subscription is registered before the next message is routed.
func (t *RemoteTransport) resolve(callID string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	waiters := t.pending[callID]
	if len(waiters) == 0 {
		return false
	}
	p := waiters[0]
	if len(waiters) == 1 {
		delete(t.pending, callID)
	} else {
		t.pending[callID] = waiters[1:]
	}

	if err == nil {
		if t.subs[callID] == nil {
			t.subs[callID] = make(map[*remoteSub]struct{})
		}
		t.subs[callID][p.sub] = struct{}{}
	}
	p.ack <- err
	return true
}

func (t *RemoteTransport) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.done)
	for callID, waiters := range t.pending {
		for _, p := range waiters {
			p.ack <- fmt.Errorf("%w: connection closed", ErrTransportFailure)
		}
		delete(t.pending, callID)
	}
}

// Done is closed once the signaling connection is gone.
func (t *RemoteTransport) Done() <-chan struct{} {
	return t.done
}

// Close tears down the signaling connection. Safe to call more than once.
func (t *RemoteTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()

		t.shutdown()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
