// Package signaling carries call records and signaling messages between the
// two participants of a call. Backends provide durable records plus pub/sub
// fan-out; a Transport binds a backend to one user.
package signaling

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-calling/internal/models"
	"go.uber.org/zap"
)

var (
	ErrRecordNotFound   = errors.New("call record not found")
	ErrTransportFailure = errors.New("signaling transport failure")
)

// Handlers receive inbound signaling for one call. Nil handlers are skipped.
type Handlers struct {
	OnOffer        func(from string, desc models.SessionDescription)
	OnAnswer       func(from string, desc models.SessionDescription)
	OnIceCandidate func(from string, candidate models.ICECandidate)
	OnCallEvent    func(from string, event models.CallEvent)
}

// Subscription is a live registration returned by Subscribe or WatchIncoming.
type Subscription interface {
	Close() error
}

// Transport is the signaling surface a call session depends on. Every
// transport is bound to one user: published messages carry that user as
// sender, and inbound messages sent by that user or addressed to someone
// else are dropped.
type Transport interface {
	CreateCallRecord(ctx context.Context, callerID, receiverID string, callType models.CallType) (*models.CallRecord, error)
	UpdateCallRecord(ctx context.Context, id string, update models.CallUpdate) (*models.CallRecord, error)
	GetCallRecord(ctx context.Context, id string) (*models.CallRecord, error)
	Subscribe(ctx context.Context, callID string, h Handlers) (Subscription, error)
	Publish(ctx context.Context, callID string, kind models.SignalType, payload any, targetUserID string) error
	Unsubscribe(sub Subscription) error
	// WatchIncoming reports call records created with this user as receiver.
	WatchIncoming(ctx context.Context, fn func(*models.CallRecord)) (Subscription, error)
}

// Backend is the durable record store plus channel fan-out shared by every
// user. CreateCallRecord also announces the record on the receiver's user
// channel.
type Backend interface {
	CreateCallRecord(ctx context.Context, callerID, receiverID string, callType models.CallType) (*models.CallRecord, error)
	GetCallRecord(ctx context.Context, id string) (*models.CallRecord, error)
	UpdateCallRecord(ctx context.Context, id string, update models.CallUpdate) (*models.CallRecord, error)
	PublishMessage(ctx context.Context, channel string, msg models.SignalMessage) error
	Listen(ctx context.Context, channel string) (*Listener, error)
}

// CallChannel is the pub/sub channel carrying one call's signaling.
func CallChannel(callID string) string {
	return "call:" + callID + ":signal"
}

// UserChannel is the pub/sub channel announcing incoming calls to a user.
func UserChannel(userID string) string {
	return "user:" + userID + ":calls"
}

// Listener streams raw messages published on one channel until closed.
type Listener struct {
	C <-chan []byte

	closeFn func() error
	once    sync.Once
	err     error
}

func newListener(c <-chan []byte, closeFn func() error) *Listener {
	return &Listener{C: c, closeFn: closeFn}
}

// Close stops the listener; C is closed shortly after. Safe to call twice.
func (l *Listener) Close() error {
	l.once.Do(func() { l.err = l.closeFn() })
	return l.err
}

// ErrorCode maps record and transport errors to stable wire codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return "not_found"
	case errors.Is(err, models.ErrSDPAlreadySet):
		return "sdp_already_set"
	case errors.Is(err, models.ErrCallTerminated):
		return "call_terminated"
	case errors.Is(err, models.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, models.ErrInvalidUpdate):
		return "invalid_update"
	}
	return "transport_failure"
}

func errorFromCode(code string) error {
	switch code {
	case "not_found":
		return ErrRecordNotFound
	case "sdp_already_set":
		return models.ErrSDPAlreadySet
	case "call_terminated":
		return models.ErrCallTerminated
	case "invalid_transition":
		return models.ErrInvalidTransition
	case "invalid_update":
		return models.ErrInvalidUpdate
	}
	return ErrTransportFailure
}

// recordError reports whether err already carries a meaning callers match on.
func recordError(err error) bool {
	return errorFromCode(ErrorCode(err)) != ErrTransportFailure || errors.Is(err, ErrTransportFailure)
}

const (
	roomSuffixLength = 6
	suffixChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// newRoomID combines the creation time with a random suffix.
func newRoomID(now time.Time) string {
	suffix := make([]byte, roomSuffixLength)
	for i := range suffix {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(suffixChars))))
		suffix[i] = suffixChars[n.Int64()]
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}

func incomingNotice(record *models.CallRecord) (models.SignalMessage, error) {
	return models.NewSignalMessage(models.SignalTypeIncomingCall, record.ID, record.CallerID, record.ReceiverID, record)
}

// dispatch decodes one raw channel message and routes it to h.
func dispatch(selfID string, raw []byte, h Handlers, logger *zap.SugaredLogger) {
	var msg models.SignalMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Warnw("Dropping malformed signaling message", "error", err)
		return
	}
	dispatchMessage(selfID, msg, h, logger)
}

func dispatchMessage(selfID string, msg models.SignalMessage, h Handlers, logger *zap.SugaredLogger) {
	if msg.From == selfID || (msg.To != "" && msg.To != selfID) {
		return
	}

	switch msg.Type {
	case models.SignalTypeOffer, models.SignalTypeAnswer:
		var desc models.SessionDescription
		if err := msg.Decode(&desc); err != nil {
			logger.Warnw("Dropping undecodable session description", "call", msg.CallID, "type", msg.Type, "error", err)
			return
		}
		if msg.Type == models.SignalTypeOffer && h.OnOffer != nil {
			h.OnOffer(msg.From, desc)
		} else if msg.Type == models.SignalTypeAnswer && h.OnAnswer != nil {
			h.OnAnswer(msg.From, desc)
		}
	case models.SignalTypeICECandidate:
		var candidate models.ICECandidate
		if err := msg.Decode(&candidate); err != nil {
			logger.Warnw("Dropping undecodable ICE candidate", "call", msg.CallID, "error", err)
			return
		}
		if h.OnIceCandidate != nil {
			h.OnIceCandidate(msg.From, candidate)
		}
	case models.SignalTypeCallEvent:
		var event models.CallEvent
		if err := msg.Decode(&event); err != nil {
			logger.Warnw("Dropping undecodable call event", "call", msg.CallID, "error", err)
			return
		}
		if h.OnCallEvent != nil {
			h.OnCallEvent(msg.From, event)
		}
	default:
		logger.Debugw("Ignoring signaling message", "call", msg.CallID, "type", msg.Type)
	}
}

// backendTransport binds a Backend to one user.
type backendTransport struct {
	backend Backend
	selfID  string
	logger  *zap.SugaredLogger
}

// NewTransport returns a Transport for selfID over backend.
func NewTransport(backend Backend, selfID string, logger *zap.SugaredLogger) Transport {
	return &backendTransport{backend: backend, selfID: selfID, logger: logger}
}

func (t *backendTransport) CreateCallRecord(ctx context.Context, callerID, receiverID string, callType models.CallType) (*models.CallRecord, error) {
	return t.backend.CreateCallRecord(ctx, callerID, receiverID, callType)
}

func (t *backendTransport) UpdateCallRecord(ctx context.Context, id string, update models.CallUpdate) (*models.CallRecord, error) {
	return t.backend.UpdateCallRecord(ctx, id, update)
}

func (t *backendTransport) GetCallRecord(ctx context.Context, id string) (*models.CallRecord, error) {
	return t.backend.GetCallRecord(ctx, id)
}

func (t *backendTransport) Subscribe(ctx context.Context, callID string, h Handlers) (Subscription, error) {
	l, err := t.backend.Listen(ctx, CallChannel(callID))
	if err != nil {
		return nil, err
	}
	go func() {
		for raw := range l.C {
			dispatch(t.selfID, raw, h, t.logger)
		}
	}()
	return l, nil
}

func (t *backendTransport) Publish(ctx context.Context, callID string, kind models.SignalType, payload any, targetUserID string) error {
	msg, err := models.NewSignalMessage(kind, callID, t.selfID, targetUserID, payload)
	if err != nil {
		return err
	}
	return t.backend.PublishMessage(ctx, CallChannel(callID), msg)
}

func (t *backendTransport) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	return sub.Close()
}

func (t *backendTransport) WatchIncoming(ctx context.Context, fn func(*models.CallRecord)) (Subscription, error) {
	l, err := t.backend.Listen(ctx, UserChannel(t.selfID))
	if err != nil {
		return nil, err
	}
	go func() {
		for raw := range l.C {
			var msg models.SignalMessage
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != models.SignalTypeIncomingCall {
				continue
			}
			var record models.CallRecord
			if err := msg.Decode(&record); err != nil {
				t.logger.Warnw("Dropping undecodable incoming call", "error", err)
				continue
			}
			if record.ReceiverID == t.selfID {
				fn(&record)
			}
		}
	}()
	return l, nil
}
