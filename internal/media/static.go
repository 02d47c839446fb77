package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

const (
	opusClockRate = 48000
	opusChannels  = 2
	opusFmtpLine  = "minptime=10;useinbandfec=1"
	opusMonoFmtp  = ";stereo=0;sprop-stereo=0"
	vp8ClockRate  = 90000
)

// Devices says which capture devices a StaticAcquirer pretends to have.
type Devices struct {
	Microphone bool
	Camera     bool
}

// StaticAcquirer produces sample-backed Opus and VP8 tracks that the
// application feeds with WriteSample. It needs no capture hardware.
type StaticAcquirer struct {
	devices Devices

	mu       sync.Mutex
	acquired []*Stream
}

func NewStaticAcquirer(devices Devices) *StaticAcquirer {
	return &StaticAcquirer{devices: devices}
}

func (a *StaticAcquirer) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !a.devices.Microphone {
		return nil, fmt.Errorf("%w: no microphone", ErrPermissionDenied)
	}
	if c.Video && !a.devices.Camera {
		return nil, fmt.Errorf("%w: no camera", ErrPermissionDenied)
	}

	fmtp := opusFmtpLine
	if c.Audio.ChannelCount == 1 {
		fmtp += opusMonoFmtp
	}

	stream := NewStream()
	// Opus always advertises two channels; mono is carried in the fmtp line.
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   opusClockRate,
		Channels:    opusChannels,
		SDPFmtpLine: fmtp,
	}, "audio", stream.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	stream.tracks = append(stream.tracks, newLocalTrack(audio, nil))

	if c.Video {
		video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: vp8ClockRate,
		}, "video", stream.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		stream.tracks = append(stream.tracks, newLocalTrack(video, nil))
	}

	a.mu.Lock()
	a.acquired = append(a.acquired, stream)
	a.mu.Unlock()
	return stream, nil
}

// Acquired returns every stream handed out so far.
func (a *StaticAcquirer) Acquired() []*Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Stream(nil), a.acquired...)
}
