package signaling

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitFor = 2 * time.Second

type received struct {
	mu         sync.Mutex
	offers     []models.SessionDescription
	answers    []models.SessionDescription
	candidates []models.ICECandidate
	events     []models.CallEvent
	from       []string
}

func (r *received) handlers() Handlers {
	return Handlers{
		OnOffer: func(from string, d models.SessionDescription) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.offers = append(r.offers, d)
			r.from = append(r.from, from)
		},
		OnAnswer: func(from string, d models.SessionDescription) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.answers = append(r.answers, d)
			r.from = append(r.from, from)
		},
		OnIceCandidate: func(from string, c models.ICECandidate) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.candidates = append(r.candidates, c)
			r.from = append(r.from, from)
		},
		OnCallEvent: func(from string, e models.CallEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, e)
			r.from = append(r.from, from)
		},
	}
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.from)
}

func TestHubCreateAndGet(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	record, err := hub.CreateCallRecord(ctx, "alice", "bob", models.CallTypeVoice)
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	assert.Regexp(t, `^\d+-[A-Z2-9]{6}$`, record.RoomID)
	assert.Equal(t, models.CallStatusRinging, record.Status)
	assert.Equal(t, models.AudioModeMic, record.AudioMode)

	got, err := hub.GetCallRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record, got)

	_, err = hub.GetCallRecord(ctx, "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestHubUpdateRules(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	record, err := hub.CreateCallRecord(ctx, "alice", "bob", models.CallTypeVideo)
	require.NoError(t, err)

	offer := "v=0 offer"
	_, err = hub.UpdateCallRecord(ctx, record.ID, models.CallUpdate{SDPOffer: &offer})
	require.NoError(t, err)

	_, err = hub.UpdateCallRecord(ctx, record.ID, models.CallUpdate{SDPOffer: &offer})
	assert.ErrorIs(t, err, models.ErrSDPAlreadySet)

	updated, err := hub.UpdateCallRecord(ctx, record.ID, models.StatusUpdate(models.CallStatusRejected))
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusRejected, updated.Status)
	assert.NotNil(t, updated.EndedAt)

	_, err = hub.UpdateCallRecord(ctx, record.ID, models.StatusUpdate(models.CallStatusActive))
	assert.ErrorIs(t, err, models.ErrCallTerminated)

	_, err = hub.UpdateCallRecord(ctx, "missing", models.StatusUpdate(models.CallStatusEnded))
	assert.ErrorIs(t, err, ErrRecordNotFound)

	// Returned records are copies.
	updated.Status = models.CallStatusActive
	stored, err := hub.GetCallRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusRejected, stored.Status)
}

func TestTransportDeliveryFilter(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()

	alice := NewTransport(hub, "alice", logger)
	bob := NewTransport(hub, "bob", logger)

	var aliceGot, bobGot received
	aliceSub, err := alice.Subscribe(ctx, "c1", aliceGot.handlers())
	require.NoError(t, err)
	defer alice.Unsubscribe(aliceSub)
	bobSub, err := bob.Subscribe(ctx, "c1", bobGot.handlers())
	require.NoError(t, err)
	defer bob.Unsubscribe(bobSub)

	require.NoError(t, alice.Publish(ctx, "c1", models.SignalTypeOffer, models.SessionDescription{Type: "offer", SDP: "o"}, ""))
	require.NoError(t, alice.Publish(ctx, "c1", models.SignalTypeCallEvent, models.CallEvent{Event: models.CallEventMuteToggled}, "carol"))
	require.NoError(t, bob.Publish(ctx, "c1", models.SignalTypeAnswer, models.SessionDescription{Type: "answer", SDP: "a"}, "alice"))

	require.Eventually(t, func() bool { return bobGot.count() == 1 && aliceGot.count() == 1 }, waitFor, 5*time.Millisecond)
	// Give stray deliveries a chance to show up.
	time.Sleep(20 * time.Millisecond)

	bobGot.mu.Lock()
	assert.Equal(t, []models.SessionDescription{{Type: "offer", SDP: "o"}}, bobGot.offers)
	assert.Empty(t, bobGot.events)
	assert.Equal(t, []string{"alice"}, bobGot.from)
	bobGot.mu.Unlock()

	aliceGot.mu.Lock()
	assert.Empty(t, aliceGot.offers)
	assert.Equal(t, []models.SessionDescription{{Type: "answer", SDP: "a"}}, aliceGot.answers)
	aliceGot.mu.Unlock()
}

func TestTransportPreservesOrder(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()

	alice := NewTransport(hub, "alice", logger)
	bob := NewTransport(hub, "bob", logger)

	var got received
	sub, err := bob.Subscribe(ctx, "c1", got.handlers())
	require.NoError(t, err)
	defer sub.Close()

	const n = 50
	for i := 0; i < n; i++ {
		c := models.ICECandidate{Candidate: fmt.Sprintf("candidate:%d", i)}
		require.NoError(t, alice.Publish(ctx, "c1", models.SignalTypeICECandidate, c, "bob"))
	}

	require.Eventually(t, func() bool { return got.count() == n }, waitFor, 5*time.Millisecond)
	got.mu.Lock()
	defer got.mu.Unlock()
	for i, c := range got.candidates {
		assert.Equal(t, fmt.Sprintf("candidate:%d", i), c.Candidate)
	}
}

func TestTransportUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()

	alice := NewTransport(hub, "alice", logger)
	bob := NewTransport(hub, "bob", logger)

	var got received
	sub, err := bob.Subscribe(ctx, "c1", got.handlers())
	require.NoError(t, err)
	assert.Equal(t, 1, hub.ListenerCount(CallChannel("c1")))

	require.NoError(t, bob.Unsubscribe(sub))
	require.NoError(t, bob.Unsubscribe(sub))
	assert.Equal(t, 0, hub.ListenerCount(CallChannel("c1")))

	require.NoError(t, alice.Publish(ctx, "c1", models.SignalTypeCallEvent, models.CallEvent{Event: models.CallEventEnded}, ""))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, got.count())
}

func TestTransportWatchIncoming(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()
	logger := zaptest.NewLogger(t).Sugar()

	alice := NewTransport(hub, "alice", logger)
	bob := NewTransport(hub, "bob", logger)

	calls := make(chan *models.CallRecord, 1)
	sub, err := bob.WatchIncoming(ctx, func(r *models.CallRecord) { calls <- r })
	require.NoError(t, err)
	defer sub.Close()

	record, err := alice.CreateCallRecord(ctx, "alice", "bob", models.CallTypeVideo)
	require.NoError(t, err)

	select {
	case got := <-calls:
		assert.Equal(t, record.ID, got.ID)
		assert.Equal(t, "alice", got.CallerID)
		assert.Equal(t, models.CallTypeVideo, got.CallType)
	case <-time.After(waitFor):
		t.Fatal("incoming call not announced")
	}
}

func TestErrorCodes(t *testing.T) {
	for _, err := range []error{ErrRecordNotFound, models.ErrSDPAlreadySet, models.ErrCallTerminated, models.ErrInvalidTransition, models.ErrInvalidUpdate} {
		assert.ErrorIs(t, errorFromCode(ErrorCode(err)), err)
		assert.True(t, recordError(err))
	}
	assert.Equal(t, "transport_failure", ErrorCode(assert.AnError))
	assert.False(t, recordError(assert.AnError))
	assert.ErrorIs(t, errorFromCode("bogus"), ErrTransportFailure)
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "call:abc:signal", CallChannel("abc"))
	assert.Equal(t, "user:bob:calls", UserChannel("bob"))
}
