//go:build mediadevices

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"
)

const videoBitRate = 1_000_000

// DeviceAcquirer captures the local camera and microphone through
// pion/mediadevices and encodes them to VP8 and Opus.
type DeviceAcquirer struct {
	selector *mediadevices.CodecSelector
	logger   *zap.SugaredLogger
}

func NewDeviceAcquirer(logger *zap.SugaredLogger) (*DeviceAcquirer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to configure VP8 encoder: %w", err)
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to configure Opus encoder: %w", err)
	}

	return &DeviceAcquirer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger,
	}, nil
}

func (a *DeviceAcquirer) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: a.selector,
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			if c.Audio.ChannelCount > 0 {
				mc.ChannelCount = prop.Int(c.Audio.ChannelCount)
			}
		},
	}
	if c.Audio.EchoCancellation || c.Audio.NoiseSuppression {
		a.logger.Debugw("Echo cancellation and noise suppression are left to the OS mixer")
	}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras produce frames the VP8 encoder rejects.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: c.Width}
			mc.Height = prop.IntRanged{Max: c.Height}
		}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		a.logger.Warnw("Media capture failed", "video", c.Video, "devices", len(mediadevices.EnumerateDevices()), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	stream := NewStream()
	for _, track := range ms.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				a.logger.Warnw("Local track ended", "track", track.ID(), "error", err)
			}
		})
		stream.tracks = append(stream.tracks, newLocalTrack(track, track.Close))
	}

	a.logger.Infow("Local media captured", "stream", stream.ID, "tracks", len(stream.tracks))
	return stream, nil
}
