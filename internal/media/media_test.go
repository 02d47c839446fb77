package media

import (
	"context"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstraintsFor(t *testing.T) {
	voice := ConstraintsFor(models.CallTypeVoice)
	assert.False(t, voice.Video)
	assert.True(t, voice.Audio.EchoCancellation)
	assert.True(t, voice.Audio.NoiseSuppression)
	assert.Equal(t, 1, voice.Audio.ChannelCount)

	video := ConstraintsFor(models.CallTypeVideo)
	assert.True(t, video.Video)
	assert.Equal(t, 640, video.Width)
	assert.Equal(t, 480, video.Height)
}

func TestStaticAcquirerHonoursChannelCount(t *testing.T) {
	a := NewStaticAcquirer(Devices{Microphone: true})

	mono, err := a.GetUserMedia(context.Background(), ConstraintsFor(models.CallTypeVoice))
	require.NoError(t, err)
	require.Len(t, mono.Tracks(), 1)
	codec := mono.Tracks()[0].sample.Codec()
	assert.Equal(t, uint16(2), codec.Channels)
	assert.Contains(t, codec.SDPFmtpLine, "stereo=0")
	assert.Contains(t, codec.SDPFmtpLine, "sprop-stereo=0")

	c := ConstraintsFor(models.CallTypeVoice)
	c.Audio.ChannelCount = 2
	stereo, err := a.GetUserMedia(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, opusFmtpLine, stereo.Tracks()[0].sample.Codec().SDPFmtpLine)
}

func TestStaticAcquirerTracks(t *testing.T) {
	a := NewStaticAcquirer(Devices{Microphone: true, Camera: true})

	voice, err := a.GetUserMedia(context.Background(), ConstraintsFor(models.CallTypeVoice))
	require.NoError(t, err)
	require.Len(t, voice.Tracks(), 1)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, voice.Tracks()[0].Kind())

	video, err := a.GetUserMedia(context.Background(), ConstraintsFor(models.CallTypeVideo))
	require.NoError(t, err)
	assert.Len(t, video.TracksOf(webrtc.RTPCodecTypeAudio), 1)
	assert.Len(t, video.TracksOf(webrtc.RTPCodecTypeVideo), 1)
	assert.Len(t, a.Acquired(), 2)
}

func TestStaticAcquirerPermission(t *testing.T) {
	_, err := NewStaticAcquirer(Devices{}).GetUserMedia(context.Background(), ConstraintsFor(models.CallTypeVoice))
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = NewStaticAcquirer(Devices{Microphone: true}).GetUserMedia(context.Background(), ConstraintsFor(models.CallTypeVideo))
	assert.ErrorIs(t, err, ErrPermissionDenied)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewStaticAcquirer(Devices{Microphone: true}).GetUserMedia(ctx, ConstraintsFor(models.CallTypeVoice))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamEnablementAndStop(t *testing.T) {
	stream, err := NewStaticAcquirer(Devices{Microphone: true, Camera: true}).
		GetUserMedia(context.Background(), ConstraintsFor(models.CallTypeVideo))
	require.NoError(t, err)

	assert.True(t, stream.Enabled(webrtc.RTPCodecTypeAudio))
	assert.Equal(t, 1, stream.SetEnabled(webrtc.RTPCodecTypeAudio, false))
	assert.False(t, stream.Enabled(webrtc.RTPCodecTypeAudio))
	assert.True(t, stream.Enabled(webrtc.RTPCodecTypeVideo))

	// Unbound and disabled tracks accept samples silently.
	audio := stream.TracksOf(webrtc.RTPCodecTypeAudio)[0]
	assert.NoError(t, audio.WriteSample(pionmedia.Sample{Data: []byte{0xf8}, Duration: 20 * time.Millisecond}))

	require.NoError(t, stream.Stop())
	require.NoError(t, stream.Stop())
	assert.True(t, stream.Stopped())
	assert.False(t, stream.Enabled(webrtc.RTPCodecTypeVideo))
	assert.ErrorIs(t, audio.WriteSample(pionmedia.Sample{Data: []byte{0xf8}}), ErrTrackStopped)
}

func TestCaptureReleasesPreviousStream(t *testing.T) {
	capture := NewCapture(NewStaticAcquirer(Devices{Microphone: true}))

	first, err := capture.GetLocalMedia(context.Background(), ConstraintsFor(models.CallTypeVoice))
	require.NoError(t, err)
	second, err := capture.GetLocalMedia(context.Background(), ConstraintsFor(models.CallTypeVoice))
	require.NoError(t, err)

	assert.True(t, first.Stopped())
	assert.False(t, second.Stopped())
	assert.Same(t, second, capture.Current())

	capture.Release()
	assert.True(t, second.Stopped())
	assert.Nil(t, capture.Current())
}

func TestCaptureFailureLeavesNothingHeld(t *testing.T) {
	capture := NewCapture(NewStaticAcquirer(Devices{Microphone: true}))

	first, err := capture.GetLocalMedia(context.Background(), ConstraintsFor(models.CallTypeVoice))
	require.NoError(t, err)

	_, err = capture.GetLocalMedia(context.Background(), ConstraintsFor(models.CallTypeVideo))
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.True(t, first.Stopped())
	assert.Nil(t, capture.Current())
}

func TestRemoteStreamStop(t *testing.T) {
	r := NewRemoteStream("remote")
	assert.True(t, r.Add(&webrtc.TrackRemote{}))
	assert.Len(t, r.Tracks(), 1)

	r.Stop()
	r.Stop()
	assert.True(t, r.Stopped())
	assert.Empty(t, r.Tracks())
	assert.False(t, r.Add(&webrtc.TrackRemote{}))
}
