// Package call drives one participant's side of a one-to-one call: the
// call record, local media, the peer connection and the signaling channel.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-calling/internal/media"
	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/mossy-p/webrtc-calling/internal/peer"
	"github.com/mossy-p/webrtc-calling/internal/signaling"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	defaultQualityInterval  = 3 * time.Second
	defaultDurationInterval = time.Second
	defaultRequestTimeout   = 10 * time.Second
)

// PeerConnection is what a session needs from its peer connection.
// *peer.Manager implements it.
type PeerConnection interface {
	OnLocalCandidate(fn func(models.ICECandidate))
	OnRemoteStream(fn func(*media.RemoteStream))
	OnConnectionStateChange(fn func(peer.ConnectionState))
	CreateConnection() error
	AddLocalTracks(stream *media.Stream) error
	CreateOffer(video bool) (models.SessionDescription, error)
	CreateAnswer() (models.SessionDescription, error)
	SetRemoteDescription(desc models.SessionDescription) error
	AddICECandidate(c models.ICECandidate) error
	SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error
	Stats() (peer.Stats, error)
	Close() error
}

type Config struct {
	UserID    string
	Transport signaling.Transport
	Media     media.Acquirer
	// Peer configures the default peer connections; ignored when NewPeer is set.
	Peer    peer.Config
	NewPeer func() PeerConnection

	Callbacks Callbacks
	Logger    *zap.SugaredLogger

	QualityInterval  time.Duration
	DurationInterval time.Duration
	// RingTimeout ends an unanswered outgoing call; zero rings forever.
	RingTimeout    time.Duration
	RequestTimeout time.Duration
	Clock          func() time.Time
}

// Session is one participant's call state machine. It handles one call at a
// time; all methods are safe for concurrent use.
//
// Blocking work runs without the session lock. Every call attempt gets a new
// generation and each asynchronous continuation re-checks it, so results that
// arrive after Cleanup are discarded instead of resurrecting the call.
type Session struct {
	userID    string
	transport signaling.Transport
	capture   *media.Capture
	newPeer   func() PeerConnection
	cb        Callbacks
	logger    *zap.SugaredLogger
	notify    *notifier

	qualityInterval  time.Duration
	durationInterval time.Duration
	ringTimeout      time.Duration
	requestTimeout   time.Duration
	now              func() time.Time

	// sendMu keeps local candidates in generation order across a flush.
	sendMu sync.Mutex
	// remoteMu keeps remote candidates in arrival order across the hand-over
	// to a new peer connection.
	remoteMu sync.Mutex

	mu            sync.Mutex
	closed        bool
	gen           uint64
	state         State
	isCaller      bool
	accepted      bool
	call          *models.CallRecord
	pc            PeerConnection
	local         *media.Stream
	remote        *media.RemoteStream
	sub           signaling.Subscription
	iceCandidates []models.ICECandidate
	canSendICE    bool
	remoteICE     []models.ICECandidate
	pendingOffer  *models.SessionDescription
	offerApplied  bool
	answerApplied bool
	connected     bool
	connectedAt   time.Time
	stopTimers    context.CancelFunc
	ringTimer     *time.Timer
	muted         bool
	videoOff      bool
	audioMode     models.AudioMode
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.UserID == "" {
		return nil, errors.New("call session needs a user id")
	}
	if cfg.Transport == nil {
		return nil, errors.New("call session needs a signaling transport")
	}
	if cfg.Media == nil {
		return nil, errors.New("call session needs a media acquirer")
	}

	s := &Session{
		userID:           cfg.UserID,
		transport:        cfg.Transport,
		capture:          media.NewCapture(cfg.Media),
		newPeer:          cfg.NewPeer,
		cb:               cfg.Callbacks,
		logger:           cfg.Logger,
		notify:           newNotifier(),
		qualityInterval:  cfg.QualityInterval,
		durationInterval: cfg.DurationInterval,
		ringTimeout:      cfg.RingTimeout,
		requestTimeout:   cfg.RequestTimeout,
		now:              cfg.Clock,
		state:            StateIdle,
		audioMode:        models.AudioModeMic,
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	if s.newPeer == nil {
		peerCfg, logger := cfg.Peer, s.logger
		if len(peerCfg.ICEServers) == 0 {
			peerCfg = peer.DefaultConfig()
		}
		s.newPeer = func() PeerConnection { return peer.NewManager(peerCfg, logger) }
	}
	if s.qualityInterval <= 0 {
		s.qualityInterval = defaultQualityInterval
	}
	if s.durationInterval <= 0 {
		s.durationInterval = defaultDurationInterval
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = defaultRequestTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsCaller() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isCaller
}

// CurrentCall returns a copy of the call record, or nil when idle.
func (s *Session) CurrentCall() *models.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call.Clone()
}

func (s *Session) LocalStream() *media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) RemoteStream() *media.RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Duration is the time since the media path connected.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local != nil && !s.videoOff && len(s.local.TracksOf(webrtc.RTPCodecTypeVideo)) > 0
}

func (s *Session) AudioMode() models.AudioMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioMode
}

// InitiateCall places a call to peerID and returns once the offer is
// published. The session is ringing until the answer arrives.
func (s *Session) InitiateCall(ctx context.Context, peerID string, callType models.CallType) (*models.CallRecord, error) {
	if peerID == "" || peerID == s.userID {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPeer, peerID)
	}
	if !callType.Valid() {
		return nil, fmt.Errorf("%w: call type %q", models.ErrInvalidUpdate, callType)
	}

	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.gen++
	gen := s.gen
	s.isCaller = true
	s.setStateLocked(StateRinging)
	s.mu.Unlock()

	record, err := s.transport.CreateCallRecord(ctx, s.userID, peerID, callType)
	if err != nil {
		return nil, s.abort(gen, "", fmt.Errorf("create call record: %w", err))
	}
	log := s.logger.With("call", record.ID, "peer", peerID)
	log.Infow("Call record created", "type", callType)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.bestEffortUpdate(record.ID, models.StatusUpdate(models.CallStatusEnded))
		return nil, ErrSessionEnded
	}
	s.call = record
	s.mu.Unlock()

	pc, err := s.prepareMedia(ctx, gen, callType)
	if err != nil {
		return nil, s.abort(gen, record.ID, err)
	}

	if err := s.subscribe(ctx, gen, record.ID); err != nil {
		return nil, s.abort(gen, record.ID, err)
	}

	offer, err := pc.CreateOffer(callType == models.CallTypeVideo)
	if err != nil {
		return nil, s.abort(gen, record.ID, fmt.Errorf("create offer: %w", err))
	}
	updated, err := s.transport.UpdateCallRecord(ctx, record.ID, models.CallUpdate{SDPOffer: &offer.SDP})
	if err != nil {
		return nil, s.abort(gen, record.ID, fmt.Errorf("store offer: %w", err))
	}
	if err := s.transport.Publish(ctx, record.ID, models.SignalTypeOffer, offer, peerID); err != nil {
		return nil, s.abort(gen, record.ID, fmt.Errorf("publish offer: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil, ErrSessionEnded
	}
	s.setCallLocked(updated)
	if s.ringTimeout > 0 && !s.answerApplied {
		s.ringTimer = time.AfterFunc(s.ringTimeout, func() { s.ringExpired(gen) })
	}
	log.Infow("Call offer published")
	return s.call.Clone(), nil
}

// Ring marks an incoming call as ringing and follows it until it is
// answered, rejected or cancelled by the caller.
func (s *Session) Ring(ctx context.Context, callID string) error {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.gen++
	gen := s.gen
	s.isCaller = false
	s.setStateLocked(StateRinging)
	s.mu.Unlock()

	record, err := s.fetchIncoming(ctx, callID)
	if err != nil {
		return s.abort(gen, "", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.call = record
	s.mu.Unlock()

	if err := s.subscribe(ctx, gen, callID); err != nil {
		return s.abort(gen, "", err)
	}
	s.logger.Infow("Incoming call ringing", "call", callID, "caller", record.CallerID, "type", record.CallType)
	return nil
}

// AnswerCall accepts callID. It returns once the answer is published, or
// once the session waits for the caller's offer when none was stored yet.
// The session stays ringing until the answer is stored on the record.
func (s *Session) AnswerCall(ctx context.Context, callID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	ringing := s.state == StateRinging && !s.isCaller && !s.accepted && s.call != nil && s.call.ID == callID
	if s.state != StateIdle && !ringing {
		s.mu.Unlock()
		return ErrCallInProgress
	}
	if !ringing {
		s.gen++
		s.isCaller = false
	}
	gen := s.gen
	s.accepted = true
	s.setStateLocked(StateRinging)
	s.mu.Unlock()

	record, err := s.fetchIncoming(ctx, callID)
	if err != nil {
		return s.abort(gen, "", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.call = record
	s.mu.Unlock()

	if _, err := s.prepareMedia(ctx, gen, record.CallType); err != nil {
		return s.abort(gen, callID, err)
	}
	if err := s.subscribe(ctx, gen, callID); err != nil {
		return s.abort(gen, callID, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	offer := s.pendingOffer
	s.pendingOffer = nil
	s.mu.Unlock()

	if offer == nil && record.SDPOffer != "" {
		offer = &models.SessionDescription{Type: webrtc.SDPTypeOffer.String(), SDP: record.SDPOffer}
	}
	if offer == nil {
		s.mu.Lock()
		if s.gen == gen && !s.offerApplied {
			s.ringTimer = time.AfterFunc(s.requestTimeout, func() { s.offerExpired(gen) })
		}
		s.mu.Unlock()
		s.logger.Infow("Call accepted, waiting for offer", "call", callID)
		return nil
	}
	if err := s.answerOffer(ctx, gen, *offer); err != nil {
		return s.abort(gen, callID, err)
	}
	return nil
}

// RejectCall declines an incoming call without creating a peer connection.
func (s *Session) RejectCall(ctx context.Context, callID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	ringing := s.state == StateRinging && !s.isCaller && !s.accepted && s.call != nil && s.call.ID == callID
	if s.state != StateIdle && !ringing {
		s.mu.Unlock()
		return ErrCallInProgress
	}
	if !ringing {
		s.gen++
		s.isCaller = false
	}
	gen := s.gen
	record := s.call.Clone()
	s.mu.Unlock()

	if record == nil {
		var err error
		if record, err = s.fetchIncoming(ctx, callID); err != nil {
			return s.abort(gen, "", err)
		}
	}

	var errs []error
	if _, err := s.transport.UpdateCallRecord(ctx, callID, models.StatusUpdate(models.CallStatusRejected)); err != nil && !errors.Is(err, models.ErrCallTerminated) {
		errs = append(errs, fmt.Errorf("mark call rejected: %w", err))
	}
	event := models.CallEvent{Event: models.CallEventRejected, Data: map[string]any{"reason": ReasonRejected}}
	if err := s.transport.Publish(ctx, callID, models.SignalTypeCallEvent, event, record.CallerID); err != nil {
		errs = append(errs, fmt.Errorf("publish rejection: %w", err))
	}

	s.logger.Infow("Call rejected", "call", callID, "caller", record.CallerID)
	s.reset(gen)
	return errors.Join(errs...)
}

// EndCall hangs up: the peer is told, the record is closed with the call
// duration and the session returns to idle. Transport errors are returned
// but never keep the session from ending.
func (s *Session) EndCall(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return ErrNotInCall
	}
	gen := s.gen
	declining := !s.isCaller && !s.accepted && s.call != nil
	callID := ""
	if s.call != nil {
		callID = s.call.ID
	}
	s.mu.Unlock()

	if declining {
		return s.RejectCall(ctx, callID)
	}
	return s.end(ctx, gen, ReasonLocalHangup)
}

func (s *Session) end(ctx context.Context, gen uint64, reason string) error {
	s.mu.Lock()
	if s.gen != gen || s.state == StateIdle {
		s.mu.Unlock()
		return nil
	}
	call := s.call.Clone()
	duration := int(s.elapsedLocked().Seconds())
	s.stopTimersLocked()
	s.setStateLocked(StateEnding)
	s.emitLocked(EventCallEnded, map[string]any{"reason": reason, "duration": duration})
	s.mu.Unlock()

	var errs []error
	if call != nil {
		peerID := call.PeerOf(s.userID)
		event := models.CallEvent{Event: models.CallEventEnded, Data: map[string]any{"reason": reason, "duration": duration}}
		if err := s.transport.Publish(ctx, call.ID, models.SignalTypeCallEvent, event, peerID); err != nil {
			errs = append(errs, fmt.Errorf("publish call end: %w", err))
		}
		status := models.CallStatusEnded
		update := models.CallUpdate{Status: &status, Duration: &duration}
		if _, err := s.transport.UpdateCallRecord(ctx, call.ID, update); err != nil && !errors.Is(err, models.ErrCallTerminated) {
			errs = append(errs, fmt.Errorf("mark call ended: %w", err))
		}
		s.logger.Infow("Call ended", "call", call.ID, "reason", reason, "duration", duration)
	}

	s.reset(gen)
	return errors.Join(errs...)
}

// ToggleMute flips the local audio tracks and returns whether audio is now
// muted. The peer is told asynchronously; nothing is renegotiated.
func (s *Session) ToggleMute() (bool, error) {
	s.mu.Lock()
	if s.local == nil {
		s.mu.Unlock()
		return false, ErrNoLocalStream
	}
	s.muted = !s.muted
	muted := s.muted
	local, pc, call := s.local, s.pc, s.call.Clone()
	s.mu.Unlock()

	local.SetEnabled(webrtc.RTPCodecTypeAudio, !muted)
	if pc != nil {
		if err := pc.SetTrackEnabled(webrtc.RTPCodecTypeAudio, !muted); err != nil {
			s.logger.Warnw("Failed to swap audio sender", "error", err)
		}
	}
	s.publishEventAsync(call, models.CallEventMuteToggled, map[string]any{"muted": muted})
	return muted, nil
}

// ToggleVideo flips the local video tracks and returns whether video is
// now enabled.
func (s *Session) ToggleVideo() (bool, error) {
	s.mu.Lock()
	if s.local == nil {
		s.mu.Unlock()
		return false, ErrNoLocalStream
	}
	s.videoOff = !s.videoOff
	enabled := !s.videoOff
	local, pc, call := s.local, s.pc, s.call.Clone()
	s.mu.Unlock()

	local.SetEnabled(webrtc.RTPCodecTypeVideo, enabled)
	if pc != nil {
		if err := pc.SetTrackEnabled(webrtc.RTPCodecTypeVideo, enabled); err != nil {
			s.logger.Warnw("Failed to swap video sender", "error", err)
		}
	}
	s.publishEventAsync(call, models.CallEventVideoToggled, map[string]any{"enabled": enabled})
	return enabled, nil
}

// ToggleSpeaker switches audio routing optimistically and persists the new
// mode to the call record. If persisting fails the previous routing is
// restored and the error returned.
func (s *Session) ToggleSpeaker(ctx context.Context) (models.AudioMode, error) {
	s.mu.Lock()
	if s.state == StateIdle || s.call == nil {
		mode := s.audioMode
		s.mu.Unlock()
		return mode, ErrNotInCall
	}
	gen := s.gen
	prev := s.audioMode
	next := prev.Toggle()
	s.audioMode = next
	s.routeAudioLocked(next)
	call := s.call.Clone()
	s.mu.Unlock()

	updated, err := s.transport.UpdateCallRecord(ctx, call.ID, models.CallUpdate{AudioMode: &next})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.gen == gen && s.audioMode == next {
			s.audioMode = prev
			s.routeAudioLocked(prev)
		}
		return prev, fmt.Errorf("persist audio mode: %w", err)
	}
	if s.gen == gen {
		s.setCallLocked(updated)
	}
	s.publishEventAsync(call, models.CallEventAudioModeChanged, map[string]any{"audio_mode": string(next)})
	return next, nil
}

// Cleanup releases everything the session holds and returns it to idle.
// It is safe from any state and a no-op when already idle.
func (s *Session) Cleanup() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.reset(gen)
}

// Close ends any call without telling the peer and stops callback delivery.
func (s *Session) Close() {
	s.Cleanup()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.notify.close()
}

// reset tears down the attempt of generation gen, if it is still current.
func (s *Session) reset(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.state == StateIdle && s.pc == nil && s.local == nil && s.sub == nil && s.call == nil {
		s.mu.Unlock()
		return
	}
	s.gen++

	pc, local, remote, sub := s.pc, s.local, s.remote, s.sub
	s.stopTimersLocked()
	s.pc, s.local, s.remote, s.sub = nil, nil, nil, nil
	s.call = nil
	s.isCaller, s.accepted = false, false
	s.iceCandidates, s.remoteICE = nil, nil
	s.canSendICE = false
	s.pendingOffer = nil
	s.offerApplied, s.answerApplied = false, false
	s.connected = false
	s.connectedAt = time.Time{}
	s.muted, s.videoOff = false, false
	s.audioMode = models.AudioModeMic
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	if sub != nil {
		if err := s.transport.Unsubscribe(sub); err != nil {
			s.logger.Warnw("Failed to unsubscribe from call channel", "error", err)
		}
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Warnw("Failed to close peer connection", "error", err)
		}
	}
	if local != nil {
		local.Stop()
	}
	if remote != nil {
		remote.Stop()
	}
	s.capture.Release()
}

// abort ends a failed setup. The record, if any, is marked failed.
func (s *Session) abort(gen uint64, callID string, err error) error {
	s.mu.Lock()
	current := s.gen == gen
	s.mu.Unlock()
	if !current {
		return ErrSessionEnded
	}

	s.logger.Warnw("Call setup failed", "call", callID, "error", err)
	if callID != "" {
		s.bestEffortUpdate(callID, models.StatusUpdate(models.CallStatusFailed))
	}

	s.mu.Lock()
	if s.gen == gen {
		s.emitLocked(EventCallFailed, map[string]any{"reason": ReasonSetupFailed, "error": err.Error()})
	}
	s.mu.Unlock()
	s.reset(gen)
	return err
}

func (s *Session) readyLocked() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != StateIdle || s.accepted {
		return ErrCallInProgress
	}
	return nil
}

func (s *Session) fetchIncoming(ctx context.Context, callID string) (*models.CallRecord, error) {
	record, err := s.transport.GetCallRecord(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("fetch call record: %w", err)
	}
	if record.ReceiverID != s.userID {
		return nil, fmt.Errorf("%w: call %s is not addressed to %s", signaling.ErrRecordNotFound, callID, s.userID)
	}
	if record.Status != models.CallStatusRinging {
		return nil, fmt.Errorf("%w: call %s is %s", ErrCallNotRinging, callID, record.Status)
	}
	return record, nil
}

// prepareMedia acquires local media and opens a peer connection carrying it.
func (s *Session) prepareMedia(ctx context.Context, gen uint64, callType models.CallType) (PeerConnection, error) {
	stream, err := s.capture.GetLocalMedia(ctx, media.ConstraintsFor(callType))
	if err != nil {
		return nil, fmt.Errorf("acquire media: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		stream.Stop()
		return nil, ErrSessionEnded
	}
	s.local = stream
	s.mu.Unlock()

	pc := s.newPeer()
	pc.OnLocalCandidate(func(c models.ICECandidate) { s.handleLocalCandidate(gen, c) })
	pc.OnRemoteStream(func(r *media.RemoteStream) { s.handleRemoteStream(gen, r) })
	pc.OnConnectionStateChange(func(st peer.ConnectionState) { s.handleConnectionState(gen, st) })

	if err := pc.CreateConnection(); err != nil {
		pc.Close()
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	if err := pc.AddLocalTracks(stream); err != nil {
		pc.Close()
		return nil, fmt.Errorf("attach local tracks: %w", err)
	}

	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		pc.Close()
		return nil, ErrSessionEnded
	}
	s.pc = pc
	buffered := s.remoteICE
	s.remoteICE = nil
	s.mu.Unlock()

	for _, c := range buffered {
		if err := pc.AddICECandidate(c); err != nil {
			s.logger.Warnw("Failed to add buffered ICE candidate", "error", err)
		}
	}
	return pc, nil
}

func (s *Session) subscribe(ctx context.Context, gen uint64, callID string) error {
	s.mu.Lock()
	already := s.sub != nil
	s.mu.Unlock()
	if already {
		return nil
	}

	sub, err := s.transport.Subscribe(ctx, callID, signaling.Handlers{
		OnOffer:        func(from string, d models.SessionDescription) { s.handleOffer(gen, from, d) },
		OnAnswer:       func(from string, d models.SessionDescription) { s.handleAnswer(gen, from, d) },
		OnIceCandidate: func(from string, c models.ICECandidate) { s.handleRemoteCandidate(gen, c) },
		OnCallEvent:    func(from string, e models.CallEvent) { s.handleCallEvent(gen, from, e) },
	})
	if err != nil {
		return fmt.Errorf("subscribe to call %s: %w", callID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		if err := s.transport.Unsubscribe(sub); err != nil {
			s.logger.Warnw("Failed to unsubscribe from call channel", "call", callID, "error", err)
		}
		return ErrSessionEnded
	}
	s.sub = sub
	return nil
}

// answerOffer applies the caller's offer and publishes the answer.
func (s *Session) answerOffer(ctx context.Context, gen uint64, offer models.SessionDescription) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	if s.offerApplied {
		s.mu.Unlock()
		return nil
	}
	s.offerApplied = true
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	pc, call := s.pc, s.call.Clone()
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}

	active := models.CallStatusActive
	updated, err := s.transport.UpdateCallRecord(ctx, call.ID, models.CallUpdate{SDPAnswer: &answer.SDP, Status: &active})
	if err != nil {
		return fmt.Errorf("store answer: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.setCallLocked(updated)
	if !s.connected {
		s.setStateLocked(StateConnecting)
	}
	s.mu.Unlock()

	if err := s.transport.Publish(ctx, call.ID, models.SignalTypeAnswer, answer, call.CallerID); err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}

	s.logger.Infow("Call answered", "call", call.ID, "caller", call.CallerID)
	s.flushCandidates(gen)
	return nil
}

func (s *Session) handleOffer(gen uint64, from string, offer models.SessionDescription) {
	s.mu.Lock()
	if s.gen != gen || s.isCaller {
		s.mu.Unlock()
		s.logger.Debugw("Ignoring offer", "from", from)
		return
	}
	if !s.accepted || s.offerApplied {
		s.mu.Unlock()
		return
	}
	if s.pc == nil {
		// Setup is still running; AnswerCall picks it up.
		s.pendingOffer = &offer
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	if err := s.answerOffer(ctx, gen, offer); err != nil && !errors.Is(err, ErrSessionEnded) {
		s.fail(gen, err)
	}
}

func (s *Session) handleAnswer(gen uint64, from string, answer models.SessionDescription) {
	s.mu.Lock()
	if s.gen != gen || !s.isCaller || s.state != StateRinging || s.answerApplied || s.pc == nil {
		s.mu.Unlock()
		s.logger.Debugw("Ignoring answer", "from", from)
		return
	}
	s.answerApplied = true
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	pc, call := s.pc, s.call.Clone()
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(answer); err != nil {
		s.fail(gen, fmt.Errorf("apply answer: %w", err))
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateActive)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	updated, err := s.transport.UpdateCallRecord(ctx, call.ID, models.StatusUpdate(models.CallStatusActive))
	if err != nil {
		s.logger.Warnw("Failed to mark call active", "call", call.ID, "error", err)
	} else {
		s.mu.Lock()
		if s.gen == gen {
			s.setCallLocked(updated)
		}
		s.mu.Unlock()
	}

	s.logger.Infow("Call answer applied", "call", call.ID)
	s.flushCandidates(gen)
}

func (s *Session) handleRemoteCandidate(gen uint64, c models.ICECandidate) {
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	pc := s.pc
	if pc == nil {
		s.remoteICE = append(s.remoteICE, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		s.logger.Warnw("Failed to add remote ICE candidate", "error", err)
	}
}

func (s *Session) handleCallEvent(gen uint64, from string, e models.CallEvent) {
	switch e.Event {
	case models.CallEventEnded, models.CallEventRejected:
		s.remoteEnded(gen, e)
	case models.CallEventMuteToggled:
		s.mu.Lock()
		if s.gen == gen {
			s.emitLocked(EventRemoteMuteToggled, e.Data)
		}
		s.mu.Unlock()
	case models.CallEventVideoToggled:
		s.mu.Lock()
		if s.gen == gen {
			s.emitLocked(EventRemoteVideoToggled, e.Data)
		}
		s.mu.Unlock()
	default:
		s.logger.Debugw("Ignoring call event", "event", e.Event, "from", from)
	}
}

// remoteEnded mirrors a hang-up or rejection by the other participant.
func (s *Session) remoteEnded(gen uint64, e models.CallEvent) {
	s.mu.Lock()
	if s.gen != gen || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	call := s.call.Clone()
	connected := s.connected
	duration := int(s.elapsedLocked().Seconds())
	s.stopTimersLocked()
	s.setStateLocked(StateEnding)

	data := map[string]any{"duration": duration}
	for k, v := range e.Data {
		data[k] = v
	}
	if e.Event == models.CallEventRejected {
		data["reason"] = ReasonRejected
		s.emitLocked(EventCallRejected, data)
	} else {
		data["reason"] = ReasonRemoteHangup
		s.emitLocked(EventCallEnded, data)
	}
	s.mu.Unlock()

	if call != nil && e.Event == models.CallEventEnded && connected {
		status := models.CallStatusEnded
		s.bestEffortUpdate(call.ID, models.CallUpdate{Status: &status, Duration: &duration})
	}
	if call != nil {
		s.logger.Infow("Call ended by peer", "call", call.ID, "event", e.Event)
	}
	s.reset(gen)
}

func (s *Session) handleLocalCandidate(gen uint64, c models.ICECandidate) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.gen != gen || s.call == nil {
		s.mu.Unlock()
		return
	}
	if !s.canSendICE {
		s.iceCandidates = append(s.iceCandidates, c)
		s.mu.Unlock()
		return
	}
	call := s.call.Clone()
	s.mu.Unlock()

	s.sendCandidates(call, []models.ICECandidate{c})
}

// flushCandidates sends the local candidates gathered while the other side
// could not receive them yet; later candidates go out directly.
func (s *Session) flushCandidates(gen uint64) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.gen != gen || s.call == nil {
		s.mu.Unlock()
		return
	}
	s.canSendICE = true
	pending := s.iceCandidates
	s.iceCandidates = nil
	call := s.call.Clone()
	s.mu.Unlock()

	s.sendCandidates(call, pending)
}

// sendCandidates must be called with sendMu held.
func (s *Session) sendCandidates(call *models.CallRecord, candidates []models.ICECandidate) {
	if len(candidates) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	peerID := call.PeerOf(s.userID)
	for _, c := range candidates {
		if err := s.transport.Publish(ctx, call.ID, models.SignalTypeICECandidate, c, peerID); err != nil {
			s.logger.Warnw("Failed to publish ICE candidate", "call", call.ID, "error", err)
		}
	}
}

func (s *Session) handleRemoteStream(gen uint64, r *media.RemoteStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.remote == r {
		return
	}
	s.remote = r
	if fn := s.cb.OnRemoteStream; fn != nil {
		s.notify.post(func() { fn(r) })
	}
}

func (s *Session) handleConnectionState(gen uint64, st peer.ConnectionState) {
	switch st {
	case peer.StateConnected:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen || s.connected || s.state == StateIdle || s.state == StateEnding {
			return
		}
		s.connected = true
		s.connectedAt = s.now()
		if s.ringTimer != nil {
			s.ringTimer.Stop()
			s.ringTimer = nil
		}
		s.setStateLocked(StateActive)
		s.startTimersLocked(gen)
		s.logger.Infow("Call media connected", "call", s.callIDLocked())

	case peer.StateDisconnected, peer.StateFailed:
		s.mu.Lock()
		active := s.gen == gen && (s.state == StateConnecting || s.state == StateActive)
		s.mu.Unlock()
		if active {
			s.connectionLost(gen, st)
		}
	}
}

// connectionLost ends the call after the media path dropped. A call that
// never connected is recorded as failed.
func (s *Session) connectionLost(gen uint64, st peer.ConnectionState) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	call := s.call.Clone()
	connected := s.connected
	duration := int(s.elapsedLocked().Seconds())
	s.stopTimersLocked()
	s.setStateLocked(StateEnding)
	if connected {
		s.emitLocked(EventCallEnded, map[string]any{"reason": ReasonConnectionLost, "duration": duration})
	} else {
		s.emitLocked(EventCallFailed, map[string]any{"reason": ReasonConnectionLost, "error": fmt.Sprintf("%v: %s", peer.ErrConnectionFailure, st)})
	}
	s.mu.Unlock()

	if call != nil {
		s.logger.Warnw("Peer connection lost", "call", call.ID, "state", st, "duration", duration)
		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
		event := models.CallEvent{Event: models.CallEventEnded, Data: map[string]any{"reason": ReasonConnectionLost, "duration": duration}}
		if err := s.transport.Publish(ctx, call.ID, models.SignalTypeCallEvent, event, call.PeerOf(s.userID)); err != nil {
			s.logger.Warnw("Failed to publish call end", "call", call.ID, "error", err)
		}
		cancel()

		status := models.CallStatusEnded
		update := models.CallUpdate{Status: &status, Duration: &duration}
		if !connected {
			status = models.CallStatusFailed
			update = models.CallUpdate{Status: &status}
		}
		s.bestEffortUpdate(call.ID, update)
	}
	s.reset(gen)
}

// fail ends an established attempt after a mid-call error. The error only
// reaches the callbacks.
func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	call := s.call.Clone()
	s.stopTimersLocked()
	s.setStateLocked(StateEnding)
	s.emitLocked(EventCallFailed, map[string]any{"error": err.Error()})
	s.mu.Unlock()

	if call != nil {
		s.logger.Errorw("Call failed", "call", call.ID, "error", err)
		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
		event := models.CallEvent{Event: models.CallEventEnded, Data: map[string]any{"reason": ReasonSetupFailed}}
		if perr := s.transport.Publish(ctx, call.ID, models.SignalTypeCallEvent, event, call.PeerOf(s.userID)); perr != nil {
			s.logger.Warnw("Failed to publish call end", "call", call.ID, "error", perr)
		}
		cancel()
		s.bestEffortUpdate(call.ID, models.StatusUpdate(models.CallStatusFailed))
	}
	s.reset(gen)
}

func (s *Session) ringExpired(gen uint64) {
	s.mu.Lock()
	expired := s.gen == gen && s.isCaller && s.state == StateRinging && !s.answerApplied
	s.mu.Unlock()
	if !expired {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	if err := s.end(ctx, gen, ReasonNoAnswer); err != nil {
		s.logger.Warnw("Failed to end unanswered call", "error", err)
	}
}

// offerExpired gives up on an accepted call whose offer never arrived.
func (s *Session) offerExpired(gen uint64) {
	s.mu.Lock()
	expired := s.gen == gen && !s.isCaller && s.accepted && !s.offerApplied
	s.mu.Unlock()
	if expired {
		s.fail(gen, ErrNoOffer)
	}
}

// bestEffortUpdate writes update and only logs failures.
func (s *Session) bestEffortUpdate(callID string, update models.CallUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	if _, err := s.transport.UpdateCallRecord(ctx, callID, update); err != nil && !errors.Is(err, models.ErrCallTerminated) {
		s.logger.Warnw("Failed to update call record", "call", callID, "error", err)
	}
}

func (s *Session) publishEventAsync(call *models.CallRecord, name string, data map[string]any) {
	if call == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
		defer cancel()
		event := models.CallEvent{Event: name, Data: data}
		if err := s.transport.Publish(ctx, call.ID, models.SignalTypeCallEvent, event, call.PeerOf(s.userID)); err != nil {
			s.logger.Warnw("Failed to publish call event", "call", call.ID, "event", name, "error", err)
		}
	}()
}

func (s *Session) startTimersLocked(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopTimers = cancel
	go s.runDuration(ctx, gen)
	go s.runQuality(ctx, gen)
}

func (s *Session) stopTimersLocked() {
	if s.stopTimers != nil {
		s.stopTimers()
		s.stopTimers = nil
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) runDuration(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(s.durationInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		if s.gen != gen || ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.emitLocked(EventDurationUpdate, map[string]any{"duration": int(s.elapsedLocked().Seconds())})
		s.mu.Unlock()

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) runQuality(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(s.qualityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		s.mu.Lock()
		pc := s.pc
		current := s.gen == gen
		s.mu.Unlock()
		if !current || pc == nil {
			return
		}

		stats, err := pc.Stats()
		if err != nil {
			s.logger.Debugw("Failed to sample call quality", "error", err)
			continue
		}

		s.mu.Lock()
		if s.gen == gen && ctx.Err() == nil {
			if fn := s.cb.OnCallQualityUpdate; fn != nil {
				s.notify.post(func() { fn(stats) })
			}
		}
		s.mu.Unlock()
	}
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	if fn := s.cb.OnCallStateChange; fn != nil {
		s.notify.post(func() { fn(next) })
	}
}

func (s *Session) emitLocked(name string, data map[string]any) {
	if fn := s.cb.OnCallEvent; fn != nil {
		s.notify.post(func() { fn(name, data) })
	}
}

func (s *Session) routeAudioLocked(mode models.AudioMode) {
	if fn := s.cb.OnAudioRouteChange; fn != nil {
		s.notify.post(func() { fn(mode) })
	}
}

// setCallLocked stores record unless the session already holds a newer
// version of it.
func (s *Session) setCallLocked(record *models.CallRecord) {
	if record == nil {
		return
	}
	if cur := s.call; cur != nil && cur.ID == record.ID {
		if record.UpdatedAt.Before(cur.UpdatedAt) {
			return
		}
		if record.UpdatedAt.Equal(cur.UpdatedAt) && statusRank(record.Status) < statusRank(cur.Status) {
			return
		}
	}
	s.call = record.Clone()
}

func statusRank(st models.CallStatus) int {
	switch {
	case st == models.CallStatusRinging:
		return 0
	case st == models.CallStatusActive:
		return 1
	default:
		return 2
	}
}

func (s *Session) elapsedLocked() time.Duration {
	if !s.connected {
		return 0
	}
	if d := s.now().Sub(s.connectedAt); d > 0 {
		return d
	}
	return 0
}

func (s *Session) callIDLocked() string {
	if s.call == nil {
		return ""
	}
	return s.call.ID
}
