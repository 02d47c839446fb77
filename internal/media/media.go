// Package media acquires local capture streams and tracks the remote
// streams attached by a peer connection.
package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// ErrPermissionDenied is returned when capture is refused or no suitable
// device exists.
var ErrPermissionDenied = errors.New("media permission denied")

// ErrTrackStopped is returned when writing to a stopped track.
var ErrTrackStopped = errors.New("track stopped")

const (
	maxVideoWidth  = 640
	maxVideoHeight = 480
)

type AudioConstraints struct {
	// EchoCancellation and NoiseSuppression are requests to the platform
	// audio stack. pion/mediadevices exposes no control for either, so
	// DeviceAcquirer only logs them.
	EchoCancellation bool
	NoiseSuppression bool
	// ChannelCount is requested from the microphone driver and, for one
	// channel, signalled as mono Opus.
	ChannelCount int
}

// Constraints describe what to capture. Audio is always captured.
type Constraints struct {
	Audio  AudioConstraints
	Video  bool
	Width  int
	Height int
}

// ConstraintsFor returns the capture constraints for a call type.
func ConstraintsFor(callType models.CallType) Constraints {
	c := Constraints{
		Audio: AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			ChannelCount:     1,
		},
	}
	if callType == models.CallTypeVideo {
		c.Video = true
		c.Width = maxVideoWidth
		c.Height = maxVideoHeight
	}
	return c
}

// Acquirer opens capture devices.
type Acquirer interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
}

// LocalTrack is one captured track. Disabling it only flips the local flag;
// samples written while disabled are discarded.
type LocalTrack struct {
	track  webrtc.TrackLocal
	sample *webrtc.TrackLocalStaticSample
	stopFn func() error

	enabled atomic.Bool
	stopped atomic.Bool
	once    sync.Once
}

func newLocalTrack(track webrtc.TrackLocal, stopFn func() error) *LocalTrack {
	t := &LocalTrack{track: track, stopFn: stopFn}
	if s, ok := track.(*webrtc.TrackLocalStaticSample); ok {
		t.sample = s
	}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) ID() string { return t.track.ID() }
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.track }
func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *LocalTrack) Stopped() bool { return t.stopped.Load() }

// WriteSample feeds an encoded sample into a sample-backed track.
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	if t.sample == nil || !t.enabled.Load() {
		return nil
	}
	return t.sample.WriteSample(s)
}

// Stop releases the underlying capture. Safe to call more than once.
func (t *LocalTrack) Stop() error {
	var err error
	t.once.Do(func() {
		t.stopped.Store(true)
		t.enabled.Store(false)
		if t.stopFn != nil {
			err = t.stopFn()
		}
	})
	return err
}

// Stream is a set of local tracks captured together.
type Stream struct {
	ID     string
	tracks []*LocalTrack
}

func NewStream(tracks ...*LocalTrack) *Stream {
	return &Stream{ID: uuid.New().String(), tracks: tracks}
}

func (s *Stream) Tracks() []*LocalTrack {
	return append([]*LocalTrack(nil), s.tracks...)
}

// TracksOf returns the tracks of one kind.
func (s *Stream) TracksOf(kind webrtc.RTPCodecType) []*LocalTrack {
	var out []*LocalTrack
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// SetEnabled flips every track of kind and reports how many were touched.
func (s *Stream) SetEnabled(kind webrtc.RTPCodecType, enabled bool) int {
	n := 0
	for _, t := range s.TracksOf(kind) {
		t.SetEnabled(enabled)
		n++
	}
	return n
}

// Enabled reports whether any track of kind is enabled.
func (s *Stream) Enabled(kind webrtc.RTPCodecType) bool {
	for _, t := range s.TracksOf(kind) {
		if t.Enabled() {
			return true
		}
	}
	return false
}

// Stop stops every track and returns the first error.
func (s *Stream) Stop() error {
	var errs []error
	for _, t := range s.tracks {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stopped reports whether every track is stopped.
func (s *Stream) Stopped() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

// RemoteStream collects the tracks received from the other participant.
type RemoteStream struct {
	ID string

	mu      sync.Mutex
	tracks  []*webrtc.TrackRemote
	stopped bool
}

func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{ID: id}
}

// Add attaches a remote track. It reports false once the stream is stopped.
func (r *RemoteStream) Add(track *webrtc.TrackRemote) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.tracks = append(r.tracks, track)
	return true
}

func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

// Stop detaches every track. Safe to call more than once.
func (r *RemoteStream) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.tracks = nil
}

func (r *RemoteStream) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Capture owns at most one local stream at a time.
type Capture struct {
	acquirer Acquirer

	mu      sync.Mutex
	current *Stream
}

func NewCapture(acquirer Acquirer) *Capture {
	return &Capture{acquirer: acquirer}
}

// GetLocalMedia releases any stream held so far, then acquires a new one.
func (c *Capture) GetLocalMedia(ctx context.Context, constraints Constraints) (*Stream, error) {
	c.Release()

	stream, err := c.acquirer.GetUserMedia(ctx, constraints)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	prev := c.current
	c.current = stream
	c.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	return stream, nil
}

// Current returns the held stream, if any.
func (c *Capture) Current() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Release stops and forgets the held stream.
func (c *Capture) Release() {
	c.mu.Lock()
	prev := c.current
	c.current = nil
	c.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
}
