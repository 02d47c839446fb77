package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-calling/internal/models"
)

// Hub is an in-process Backend. It applies the same record rules as the
// Redis backend and delivers every channel message to each listener in
// publish order, asynchronously.
type Hub struct {
	mu        sync.Mutex
	records   map[string]*models.CallRecord
	listeners map[string]map[*hubListener]struct{}
	now       func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		records:   make(map[string]*models.CallRecord),
		listeners: make(map[string]map[*hubListener]struct{}),
		now:       time.Now,
	}
}

func (h *Hub) CreateCallRecord(ctx context.Context, callerID, receiverID string, callType models.CallType) (*models.CallRecord, error) {
	now := h.now()
	record := models.NewCallRecord(uuid.New().String(), newRoomID(now), callerID, receiverID, callType, now)

	h.mu.Lock()
	h.records[record.ID] = record.Clone()
	h.mu.Unlock()

	if notice, err := incomingNotice(record); err == nil {
		_ = h.PublishMessage(ctx, UserChannel(receiverID), notice)
	}
	return record, nil
}

func (h *Hub) GetCallRecord(_ context.Context, id string) (*models.CallRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	record, ok := h.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return record.Clone(), nil
}

func (h *Hub) UpdateCallRecord(_ context.Context, id string, update models.CallUpdate) (*models.CallRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	record, ok := h.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	next := record.Clone()
	if err := next.Apply(update, h.now()); err != nil {
		return nil, err
	}
	h.records[id] = next
	return next.Clone(), nil
}

func (h *Hub) PublishMessage(_ context.Context, channel string, msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal message: %w", ErrTransportFailure, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for l := range h.listeners[channel] {
		l.push(data)
	}
	return nil
}

func (h *Hub) Listen(_ context.Context, channel string) (*Listener, error) {
	l := &hubListener{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan []byte),
	}

	h.mu.Lock()
	if h.listeners[channel] == nil {
		h.listeners[channel] = make(map[*hubListener]struct{})
	}
	h.listeners[channel][l] = struct{}{}
	h.mu.Unlock()

	go l.run()
	return newListener(l.out, func() error {
		h.mu.Lock()
		delete(h.listeners[channel], l)
		if len(h.listeners[channel]) == 0 {
			delete(h.listeners, channel)
		}
		h.mu.Unlock()
		close(l.done)
		return nil
	}), nil
}

// ListenerCount reports how many listeners are attached to channel.
func (h *Hub) ListenerCount(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[channel])
}

type hubListener struct {
	mu    sync.Mutex
	queue [][]byte
	wake  chan struct{}
	done  chan struct{}
	out   chan []byte
}

func (l *hubListener) push(data []byte) {
	l.mu.Lock()
	l.queue = append(l.queue, data)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *hubListener) run() {
	defer close(l.out)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, data := range batch {
			select {
			case l.out <- data:
			case <-l.done:
				return
			}
		}

		select {
		case <-l.wake:
		case <-l.done:
			return
		}
	}
}
