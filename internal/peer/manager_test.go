package peer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-calling/internal/media"
	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	mu           sync.Mutex
	tracks       []webrtc.TrackLocal
	transceivers []webrtc.RTPCodecType
	local        []webrtc.SessionDescription
	remote       []webrtc.SessionDescription
	candidates   []string
	closed       int
	stats        webrtc.StatsReport

	onState func(webrtc.PeerConnectionState)
}

func (f *fakeConn) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil, nil
}

func (f *fakeConn) AddTransceiverFromKind(kind webrtc.RTPCodecType, _ ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transceivers = append(f.transceivers, kind)
	return nil, nil
}

func (f *fakeConn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakeConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = append(f.local, d)
	return nil
}

func (f *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, d)
	return nil
}

func (f *fakeConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c.Candidate)
	return nil
}

func (f *fakeConn) OnICECandidate(func(*webrtc.ICECandidate)) {}
func (f *fakeConn) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (f *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeConn) GetStats() webrtc.StatsReport { return f.stats }

func (f *fakeConn) WriteRTCP([]rtcp.Packet) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConn) applied() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.candidates...)
}

func newFakeManager(t *testing.T) (*Manager, *[]*fakeConn) {
	var conns []*fakeConn
	m := newManager(DefaultConfig(), zaptest.NewLogger(t).Sugar(), func(Config) (rtcConn, error) {
		c := &fakeConn{}
		conns = append(conns, c)
		return c, nil
	})
	return m, &conns
}

func candidate(s string) models.ICECandidate {
	return models.ICECandidate{Candidate: s}
}

func TestCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	m, conns := newFakeManager(t)
	require.NoError(t, m.CreateConnection())
	conn := (*conns)[0]

	require.NoError(t, m.AddICECandidate(candidate("candidate:1")))
	require.NoError(t, m.AddICECandidate(candidate("candidate:2")))
	assert.Empty(t, conn.applied())
	assert.False(t, m.HasRemoteDescription())

	require.NoError(t, m.SetRemoteDescription(models.SessionDescription{Type: "answer", SDP: "v=0 answer"}))
	assert.Equal(t, []string{"candidate:1", "candidate:2"}, conn.applied())
	assert.True(t, m.HasRemoteDescription())

	require.NoError(t, m.AddICECandidate(candidate("candidate:3")))
	assert.Equal(t, []string{"candidate:1", "candidate:2", "candidate:3"}, conn.applied())
}

func TestCandidatesBeforeConnectionCarryOver(t *testing.T) {
	m, conns := newFakeManager(t)

	require.NoError(t, m.AddICECandidate(candidate("candidate:early")))
	require.NoError(t, m.CreateConnection())
	require.NoError(t, m.SetRemoteDescription(models.SessionDescription{Type: "offer", SDP: "v=0 offer"}))

	assert.Equal(t, []string{"candidate:early"}, (*conns)[0].applied())
}

func TestRemoteDescriptionOnce(t *testing.T) {
	m, _ := newFakeManager(t)
	assert.ErrorIs(t, m.SetRemoteDescription(models.SessionDescription{Type: "offer", SDP: "x"}), ErrNoConnection)

	require.NoError(t, m.CreateConnection())
	_, err := m.CreateAnswer()
	assert.ErrorIs(t, err, ErrNoRemoteDescription)

	require.NoError(t, m.SetRemoteDescription(models.SessionDescription{Type: "offer", SDP: "v=0 offer"}))
	assert.ErrorIs(t, m.SetRemoteDescription(models.SessionDescription{Type: "offer", SDP: "v=0 offer"}), ErrRemoteDescriptionSet)

	answer, err := m.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)

	assert.Error(t, m.SetRemoteDescription(models.SessionDescription{Type: "bogus", SDP: "x"}))
}

func TestCreateOfferFillsMissingKinds(t *testing.T) {
	m, conns := newFakeManager(t)
	require.NoError(t, m.CreateConnection())

	stream, err := media.NewStaticAcquirer(media.Devices{Microphone: true}).
		GetUserMedia(context.Background(), media.ConstraintsFor(models.CallTypeVoice))
	require.NoError(t, err)
	require.NoError(t, m.AddLocalTracks(stream))
	require.NoError(t, m.AddLocalTracks(nil))

	offer, err := m.CreateOffer(true)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)

	conn := (*conns)[0]
	assert.Len(t, conn.tracks, 1)
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo}, conn.transceivers)
	assert.Len(t, conn.local, 1)
}

func TestDiscardedConnectionCallbacksDropped(t *testing.T) {
	m, conns := newFakeManager(t)

	var mu sync.Mutex
	var states []ConnectionState
	m.OnConnectionStateChange(func(s ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	require.NoError(t, m.CreateConnection())
	require.NoError(t, m.CreateConnection())
	first, second := (*conns)[0], (*conns)[1]
	assert.Equal(t, 1, first.closed)

	first.onState(webrtc.PeerConnectionStateFailed)
	second.onState(webrtc.PeerConnectionStateConnected)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnectionState{StateConnected}, states)
}

func TestCloseStopsTracksAndIsIdempotent(t *testing.T) {
	m, conns := newFakeManager(t)
	require.NoError(t, m.CreateConnection())

	stream, err := media.NewStaticAcquirer(media.Devices{Microphone: true, Camera: true}).
		GetUserMedia(context.Background(), media.ConstraintsFor(models.CallTypeVideo))
	require.NoError(t, err)
	require.NoError(t, m.AddLocalTracks(stream))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.True(t, stream.Stopped())
	assert.Equal(t, 1, (*conns)[0].closed)

	_, err = m.Stats()
	assert.ErrorIs(t, err, ErrNoConnection)
	assert.ErrorIs(t, m.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false), ErrNoConnection)
}

func TestStatsFromReport(t *testing.T) {
	m, conns := newFakeManager(t)
	require.NoError(t, m.CreateConnection())
	(*conns)[0].stats = webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{Nominated: true, CurrentRoundTripTime: 0.04},
		"in":   webrtc.InboundRTPStreamStats{PacketsReceived: 990, PacketsLost: 10, BytesReceived: 12000, Jitter: 0.005},
		"out":  webrtc.OutboundRTPStreamStats{PacketsSent: 1000, BytesSent: 13000},
	}

	s, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 40*time.Millisecond, s.RoundTripTime)
	assert.Equal(t, 5*time.Millisecond, s.Jitter)
	assert.EqualValues(t, 990, s.PacketsReceived)
	assert.EqualValues(t, 10, s.PacketsLost)
	assert.EqualValues(t, 1000, s.PacketsSent)
	assert.InDelta(t, 0.01, s.LossRate, 1e-9)
	assert.Equal(t, QualityGood, s.Quality)
}

func TestQualityGrades(t *testing.T) {
	assert.Equal(t, QualityUnknown, grade(Stats{}))
	assert.Equal(t, QualityGood, grade(Stats{PacketsReceived: 100, RoundTripTime: 50 * time.Millisecond}))
	assert.Equal(t, QualityFair, grade(Stats{PacketsReceived: 100, LossRate: 0.05}))
	assert.Equal(t, QualityFair, grade(Stats{PacketsReceived: 100, Jitter: 80 * time.Millisecond}))
	assert.Equal(t, QualityPoor, grade(Stats{PacketsReceived: 100, RoundTripTime: 600 * time.Millisecond}))
	assert.Equal(t, QualityPoor, grade(Stats{PacketsReceived: 100, LossRate: 0.2}))
}

func mediaSections(sdp string) []string {
	var kinds []string
	for _, line := range strings.Split(sdp, "\n") {
		if strings.HasPrefix(line, "m=") {
			kinds = append(kinds, strings.Fields(strings.TrimPrefix(line, "m="))[0])
		}
	}
	return kinds
}

func TestVoiceOfferAnswerWithPion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ICEServers = nil
	logger := zaptest.NewLogger(t).Sugar()
	acquirer := media.NewStaticAcquirer(media.Devices{Microphone: true, Camera: true})

	caller := NewManager(cfg, logger)
	callee := NewManager(cfg, logger)
	defer caller.Close()
	defer callee.Close()

	require.NoError(t, caller.CreateConnection())
	callerStream, err := acquirer.GetUserMedia(context.Background(), media.ConstraintsFor(models.CallTypeVoice))
	require.NoError(t, err)
	require.NoError(t, caller.AddLocalTracks(callerStream))

	offer, err := caller.CreateOffer(false)
	require.NoError(t, err)
	assert.Equal(t, []string{"audio"}, mediaSections(offer.SDP))

	require.NoError(t, callee.CreateConnection())
	calleeStream, err := acquirer.GetUserMedia(context.Background(), media.ConstraintsFor(models.CallTypeVoice))
	require.NoError(t, err)
	require.NoError(t, callee.SetRemoteDescription(offer))
	require.NoError(t, callee.AddLocalTracks(calleeStream))

	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	assert.Equal(t, []string{"audio"}, mediaSections(answer.SDP))

	require.NoError(t, caller.SetRemoteDescription(answer))
	require.NoError(t, caller.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false))
	require.NoError(t, caller.SetTrackEnabled(webrtc.RTPCodecTypeAudio, true))
}

func TestVideoOfferWithPion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ICEServers = nil
	m := NewManager(cfg, zaptest.NewLogger(t).Sugar())
	defer m.Close()

	require.NoError(t, m.CreateConnection())
	stream, err := media.NewStaticAcquirer(media.Devices{Microphone: true, Camera: true}).
		GetUserMedia(context.Background(), media.ConstraintsFor(models.CallTypeVideo))
	require.NoError(t, err)
	require.NoError(t, m.AddLocalTracks(stream))

	offer, err := m.CreateOffer(true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"audio", "video"}, mediaSections(offer.SDP))
}
