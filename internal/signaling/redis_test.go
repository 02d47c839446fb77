package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMockBackend(t *testing.T) (*RedisBackend, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	t.Cleanup(func() { db.Close() })
	return NewRedisBackend(db, zaptest.NewLogger(t).Sugar()), mock
}

func TestRedisCreateCallRecord(t *testing.T) {
	backend, mock := newMockBackend(t)

	mock.Regexp().ExpectSet(`call:.+`, `.+`, recordTTL).SetVal("OK")
	mock.Regexp().ExpectPublish(`user:bob:calls`, `.+`).SetVal(1)

	record, err := backend.CreateCallRecord(context.Background(), "alice", "bob", models.CallTypeVoice)
	require.NoError(t, err)
	assert.Equal(t, "alice", record.CallerID)
	assert.Equal(t, models.CallStatusRinging, record.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCreateCallRecordStoreFailure(t *testing.T) {
	backend, mock := newMockBackend(t)

	mock.Regexp().ExpectSet(`call:.+`, `.+`, recordTTL).SetErr(errors.New("connection refused"))

	_, err := backend.CreateCallRecord(context.Background(), "alice", "bob", models.CallTypeVoice)
	assert.ErrorIs(t, err, ErrTransportFailure)
}

func TestRedisGetCallRecord(t *testing.T) {
	backend, mock := newMockBackend(t)

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	stored := models.NewCallRecord("c1", "room", "alice", "bob", models.CallTypeVideo, now)
	data, err := json.Marshal(stored)
	require.NoError(t, err)

	mock.ExpectGet("call:c1").SetVal(string(data))
	mock.ExpectGet("call:missing").RedisNil()
	mock.ExpectGet("call:broken").SetErr(errors.New("i/o timeout"))

	got, err := backend.GetCallRecord(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, models.CallTypeVideo, got.CallType)
	assert.True(t, stored.InitiatedAt.Equal(got.InitiatedAt))

	_, err = backend.GetCallRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	_, err = backend.GetCallRecord(context.Background(), "broken")
	assert.ErrorIs(t, err, ErrTransportFailure)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisPublishMessage(t *testing.T) {
	backend, mock := newMockBackend(t)

	msg, err := models.NewSignalMessage(models.SignalTypeCallEvent, "c1", "alice", "", models.CallEvent{Event: models.CallEventEnded})
	require.NoError(t, err)

	mock.Regexp().ExpectPublish(`call:c1:signal`, `.+`).SetVal(1)
	require.NoError(t, backend.PublishMessage(context.Background(), CallChannel("c1"), msg))

	mock.Regexp().ExpectPublish(`call:c1:signal`, `.+`).SetErr(errors.New("closed"))
	assert.ErrorIs(t, backend.PublishMessage(context.Background(), CallChannel("c1"), msg), ErrTransportFailure)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func storedRecord(t *testing.T, mutate func(*models.CallRecord)) string {
	t.Helper()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	record := models.NewCallRecord("c1", "room", "alice", "bob", models.CallTypeVoice, now)
	if mutate != nil {
		mutate(record)
	}
	data, err := json.Marshal(record)
	require.NoError(t, err)
	return string(data)
}

// expectUpdate queues one WATCH/GET/MULTI/SET/EXEC round for call:c1.
func expectUpdate(mock redismock.ClientMock, current string, execErr error) {
	mock.ExpectWatch("call:c1")
	mock.ExpectGet("call:c1").SetVal(current)
	mock.ExpectTxPipeline()
	mock.Regexp().ExpectSet(`call:c1`, `.+`, recordTTL).SetVal("OK")
	exec := mock.ExpectTxPipelineExec()
	if execErr != nil {
		exec.SetErr(execErr)
	}
}

func TestRedisUpdateCallRecord(t *testing.T) {
	backend, mock := newMockBackend(t)
	mock.MatchExpectationsInOrder(false)

	expectUpdate(mock, storedRecord(t, nil), nil)

	offer := "v=0 offer"
	updated, err := backend.UpdateCallRecord(context.Background(), "c1", models.CallUpdate{SDPOffer: &offer})
	require.NoError(t, err)
	assert.Equal(t, offer, updated.SDPOffer)
	assert.Equal(t, models.CallStatusRinging, updated.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisUpdateCallRecordRetriesOnConflict(t *testing.T) {
	backend, mock := newMockBackend(t)
	mock.MatchExpectationsInOrder(false)

	expectUpdate(mock, storedRecord(t, nil), redis.TxFailedErr)
	expectUpdate(mock, storedRecord(t, nil), nil)

	updated, err := backend.UpdateCallRecord(context.Background(), "c1", models.StatusUpdate(models.CallStatusActive))
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusActive, updated.Status)
	assert.NotNil(t, updated.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisUpdateCallRecordKeepsRecordErrors(t *testing.T) {
	backend, mock := newMockBackend(t)
	mock.MatchExpectationsInOrder(false)

	withOffer := storedRecord(t, func(r *models.CallRecord) { r.SDPOffer = "v=0 first" })
	mock.ExpectWatch("call:c1")
	mock.ExpectGet("call:c1").SetVal(withOffer)

	offer := "v=0 second"
	_, err := backend.UpdateCallRecord(context.Background(), "c1", models.CallUpdate{SDPOffer: &offer})
	assert.ErrorIs(t, err, models.ErrSDPAlreadySet)
	assert.NotErrorIs(t, err, ErrTransportFailure)

	ended := storedRecord(t, func(r *models.CallRecord) { r.Status = models.CallStatusEnded })
	mock.ExpectWatch("call:c1")
	mock.ExpectGet("call:c1").SetVal(ended)

	_, err = backend.UpdateCallRecord(context.Background(), "c1", models.StatusUpdate(models.CallStatusActive))
	assert.ErrorIs(t, err, models.ErrCallTerminated)

	mock.ExpectWatch("call:missing")
	mock.ExpectGet("call:missing").RedisNil()

	_, err = backend.UpdateCallRecord(context.Background(), "missing", models.StatusUpdate(models.CallStatusActive))
	assert.ErrorIs(t, err, ErrRecordNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisListen(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("missing REDIS_ADDR")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	backend := NewRedisBackend(client, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	channel := CallChannel("listen-" + time.Now().Format("150405.000000"))
	l, err := backend.Listen(ctx, channel)
	require.NoError(t, err)

	msg, err := models.NewSignalMessage(models.SignalTypeCallEvent, "c1", "alice", "bob", models.CallEvent{Event: models.CallEventEnded})
	require.NoError(t, err)
	require.NoError(t, backend.PublishMessage(ctx, channel, msg))

	select {
	case data := <-l.C:
		var got models.SignalMessage
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, models.SignalTypeCallEvent, got.Type)
		assert.Equal(t, "alice", got.From)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	require.NoError(t, l.Close())
	_, open := <-l.C
	for open {
		_, open = <-l.C
	}
}
