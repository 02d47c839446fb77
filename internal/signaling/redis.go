package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	recordTTL         = 24 * time.Hour
	maxUpdateAttempts = 5
	listenBuffer      = 64
)

// RedisBackend keeps call records as JSON strings under call:<id> and fans
// signaling out through Redis pub/sub.
type RedisBackend struct {
	client *redis.Client
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewRedisBackend wraps an already connected client.
func NewRedisBackend(client *redis.Client, logger *zap.SugaredLogger) *RedisBackend {
	return &RedisBackend{client: client, logger: logger, now: time.Now}
}

func recordKey(id string) string {
	return "call:" + id
}

func (b *RedisBackend) CreateCallRecord(ctx context.Context, callerID, receiverID string, callType models.CallType) (*models.CallRecord, error) {
	now := b.now()
	record := models.NewCallRecord(uuid.New().String(), newRoomID(now), callerID, receiverID, callType, now)

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal call: %w", ErrTransportFailure, err)
	}
	if err := b.client.Set(ctx, recordKey(record.ID), data, recordTTL).Err(); err != nil {
		return nil, fmt.Errorf("%w: store call %s: %w", ErrTransportFailure, record.ID, err)
	}

	// The record is durable at this point; a lost notice only delays the
	// receiver until it looks the call up by id.
	notice, err := incomingNotice(record)
	if err == nil {
		err = b.PublishMessage(ctx, UserChannel(receiverID), notice)
	}
	if err != nil {
		b.logger.Warnw("Failed to announce incoming call", "call", record.ID, "receiver", receiverID, "error", err)
	}

	b.logger.Infow("Call record created", "call", record.ID, "room", record.RoomID, "caller", callerID, "receiver", receiverID)
	return record, nil
}

func (b *RedisBackend) GetCallRecord(ctx context.Context, id string) (*models.CallRecord, error) {
	return b.load(ctx, b.client, id)
}

func (b *RedisBackend) load(ctx context.Context, c redis.Cmdable, id string) (*models.CallRecord, error) {
	data, err := c.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load call %s: %w", ErrTransportFailure, id, err)
	}

	var record models.CallRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: parse call %s: %w", ErrTransportFailure, id, err)
	}
	return &record, nil
}

// UpdateCallRecord applies update inside a WATCH/MULTI transaction so two
// participants writing at once never lose each other's fields.
func (b *RedisBackend) UpdateCallRecord(ctx context.Context, id string, update models.CallUpdate) (*models.CallRecord, error) {
	key := recordKey(id)

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		var updated *models.CallRecord
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			record, err := b.load(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := record.Apply(update, b.now()); err != nil {
				return err
			}
			data, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("%w: marshal call: %w", ErrTransportFailure, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, recordTTL)
				return nil
			})
			if err == nil {
				updated = record
			}
			return err
		}, key)

		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			b.logger.Debugw("Call record changed during update, retrying", "call", id, "attempt", attempt+1)
			continue
		case recordError(err):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: update call %s: %w", ErrTransportFailure, id, err)
		}
	}
	return nil, fmt.Errorf("%w: update call %s: too much contention", ErrTransportFailure, id)
}

func (b *RedisBackend) PublishMessage(ctx context.Context, channel string, msg models.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal message: %w", ErrTransportFailure, err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("%w: publish %s on %s: %w", ErrTransportFailure, msg.Type, channel, err)
	}
	return nil
}

// Listen subscribes to channel and returns once Redis confirmed the
// subscription, so nothing published afterwards is missed.
func (b *RedisBackend) Listen(ctx context.Context, channel string) (*Listener, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %w", ErrTransportFailure, channel, err)
	}

	out := make(chan []byte, listenBuffer)
	go func() {
		defer close(out)
		for m := range ps.Channel() {
			out <- []byte(m.Payload)
		}
	}()
	return newListener(out, ps.Close), nil
}
