// Package peer manages the single WebRTC peer connection of a call.
package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-calling/internal/media"
	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var (
	ErrNoConnection         = errors.New("no peer connection")
	ErrRemoteDescriptionSet = errors.New("remote description already set")
	ErrNoRemoteDescription  = errors.New("remote description not set")
	ErrConnectionFailure    = errors.New("peer connection failed")
)

// ConnectionState mirrors the peer connection state names.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Config tunes new peer connections.
type Config struct {
	ICEServers          []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// DrainRemoteTracks reads and discards inbound RTP so receiver
	// statistics advance when nothing else consumes the remote stream.
	DrainRemoteTracks bool
}

// DefaultConfig uses public STUN servers only.
func DefaultConfig() Config {
	return Config{
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		DisconnectedTimeout: 10 * time.Second,
		FailedTimeout:       30 * time.Second,
		KeepAliveInterval:   2 * time.Second,
		DrainRemoteTracks:   true,
	}
}

// rtcConn is the subset of *webrtc.PeerConnection the manager drives.
type rtcConn interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	GetStats() webrtc.StatsReport
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

func newPionConn(cfg Config) (rtcConn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

type localSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// Manager owns one peer connection at a time. Remote ICE candidates that
// arrive before the remote description are queued and applied in arrival
// order once it is set.
type Manager struct {
	cfg     Config
	logger  *zap.SugaredLogger
	newConn func(Config) (rtcConn, error)

	// opMu serializes operations on the connection; mu guards the fields
	// read from pion callbacks. pion is never called with mu held.
	opMu      sync.Mutex
	pc        rtcConn
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	senders   map[webrtc.RTPCodecType][]localSender

	mu             sync.Mutex
	epoch          uint64
	local          *media.Stream
	remote         *media.RemoteStream
	onCandidate    func(models.ICECandidate)
	onRemoteStream func(*media.RemoteStream)
	onState        func(ConnectionState)
}

func NewManager(cfg Config, logger *zap.SugaredLogger) *Manager {
	return newManager(cfg, logger, newPionConn)
}

func newManager(cfg Config, logger *zap.SugaredLogger, newConn func(Config) (rtcConn, error)) *Manager {
	return &Manager{cfg: cfg, logger: logger, newConn: newConn}
}

func (m *Manager) OnLocalCandidate(fn func(models.ICECandidate)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCandidate = fn
}

func (m *Manager) OnRemoteStream(fn func(*media.RemoteStream)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoteStream = fn
}

func (m *Manager) OnConnectionStateChange(fn func(ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

// CreateConnection opens a fresh peer connection, discarding any previous
// one together with its pending callbacks.
func (m *Manager) CreateConnection() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	// Candidates queued before any connection existed carry over.
	var carried []webrtc.ICECandidateInit
	if m.pc == nil {
		carried = m.pending
	}
	m.teardown()
	m.pending = carried

	pc, err := m.newConn(m.cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailure, err)
	}

	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.mu.Lock()
		fn := m.onCandidate
		current := m.epoch == epoch
		m.mu.Unlock()
		if current && fn != nil {
			fn(fromCandidateInit(c.ToJSON()))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			return
		}
		if m.remote == nil {
			m.remote = media.NewRemoteStream(track.StreamID())
		}
		remote := m.remote
		fn := m.onRemoteStream
		m.mu.Unlock()

		if !remote.Add(track) {
			return
		}
		m.logger.Infow("Remote track attached", "kind", track.Kind().String(), "codec", track.Codec().MimeType)

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
				m.logger.Debugw("Keyframe request failed", "error", err)
			}
		}
		if m.cfg.DrainRemoteTracks {
			go drainTrack(track)
		}
		if fn != nil {
			fn(remote)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.mu.Lock()
		fn := m.onState
		current := m.epoch == epoch
		m.mu.Unlock()
		if !current {
			return
		}
		m.logger.Infow("Peer connection state changed", "state", s.String())
		if fn != nil {
			fn(ConnectionState(s.String()))
		}
	})

	m.pc = pc
	m.senders = make(map[webrtc.RTPCodecType][]localSender)
	return nil
}

// AddLocalTracks attaches every track of stream. A nil stream is a no-op.
func (m *Manager) AddLocalTracks(stream *media.Stream) error {
	if stream == nil {
		return nil
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.pc == nil {
		return ErrNoConnection
	}

	for _, t := range stream.Tracks() {
		sender, err := m.pc.AddTrack(t.TrackLocal())
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
		}
		m.senders[t.Kind()] = append(m.senders[t.Kind()], localSender{sender: sender, track: t.TrackLocal()})
		if sender != nil {
			go drainRTCP(sender)
		}
	}

	m.mu.Lock()
	m.local = stream
	m.mu.Unlock()
	return nil
}

// CreateOffer produces and applies the local offer. Audio is always offered,
// video when requested; kinds without a local track are receive-only.
func (m *Manager) CreateOffer(video bool) (models.SessionDescription, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.pc == nil {
		return models.SessionDescription{}, ErrNoConnection
	}

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if video {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if len(m.senders[kind]) > 0 {
			continue
		}
		if _, err := m.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return models.SessionDescription{}, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	return models.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer produces and applies the local answer to the remote offer.
func (m *Manager) CreateAnswer() (models.SessionDescription, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.pc == nil {
		return models.SessionDescription{}, ErrNoConnection
	}
	if !m.remoteSet {
		return models.SessionDescription{}, ErrNoRemoteDescription
	}

	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return models.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	return models.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription applies the remote offer or answer, then the
// candidates queued while waiting for it.
func (m *Manager) SetRemoteDescription(desc models.SessionDescription) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.pc == nil {
		return ErrNoConnection
	}
	if m.remoteSet {
		return ErrRemoteDescriptionSet
	}

	sdpType := webrtc.NewSDPType(desc.Type)
	if sdpType != webrtc.SDPTypeOffer && sdpType != webrtc.SDPTypeAnswer {
		return fmt.Errorf("unsupported session description type %q", desc.Type)
	}
	if err := m.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("failed to set remote %s: %w", desc.Type, err)
	}
	m.remoteSet = true

	pending := m.pending
	m.pending = nil
	for _, c := range pending {
		if err := m.pc.AddICECandidate(c); err != nil {
			m.logger.Warnw("Failed to apply queued ICE candidate", "candidate", c.Candidate, "error", err)
		}
	}
	if len(pending) > 0 {
		m.logger.Debugw("Applied queued ICE candidates", "count", len(pending))
	}
	return nil
}

// AddICECandidate applies a remote candidate, or queues it until the remote
// description is set.
func (m *Manager) AddICECandidate(c models.ICECandidate) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	init := toCandidateInit(c)
	if m.pc == nil || !m.remoteSet {
		m.pending = append(m.pending, init)
		return nil
	}
	if err := m.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// HasRemoteDescription reports whether a remote description was applied.
func (m *Manager) HasRemoteDescription() bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.remoteSet
}

// SetTrackEnabled swaps the senders of kind between their track and silence
// without renegotiating.
func (m *Manager) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.pc == nil {
		return ErrNoConnection
	}

	var errs []error
	for _, s := range m.senders[kind] {
		if s.sender == nil {
			continue
		}
		var track webrtc.TrackLocal
		if enabled {
			track = s.track
		}
		if err := s.sender.ReplaceTrack(track); err != nil {
			errs = append(errs, fmt.Errorf("failed to replace %s track: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

// Stats samples the connection statistics.
func (m *Manager) Stats() (Stats, error) {
	m.opMu.Lock()
	pc := m.pc
	m.opMu.Unlock()
	if pc == nil {
		return Stats{}, ErrNoConnection
	}
	return parseStats(pc.GetStats(), time.Now()), nil
}

// Close releases the connection and stops local and remote tracks. Safe to
// call more than once.
func (m *Manager) Close() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.teardown()
}

// teardown must be called with opMu held.
func (m *Manager) teardown() error {
	m.mu.Lock()
	m.epoch++
	local, remote := m.local, m.remote
	m.local, m.remote = nil, nil
	m.mu.Unlock()

	var errs []error
	if m.pc != nil {
		if err := m.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close peer connection: %w", err))
		}
		m.pc = nil
	}
	m.remoteSet = false
	m.pending = nil
	m.senders = nil

	if local != nil {
		if err := local.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if remote != nil {
		remote.Stop()
	}
	return errors.Join(errs...)
}

// drainRTCP reads the sender's RTCP so interceptors such as NACK keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func toCandidateInit(c models.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromCandidateInit(c webrtc.ICECandidateInit) models.ICECandidate {
	return models.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
