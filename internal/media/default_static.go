//go:build !mediadevices

package media

import "go.uber.org/zap"

// NewDefaultAcquirer returns sample-backed tracks; build with the
// mediadevices tag to capture real devices.
func NewDefaultAcquirer(logger *zap.SugaredLogger) (Acquirer, error) {
	logger.Infow("Using sample-backed media tracks")
	return NewStaticAcquirer(Devices{Microphone: true, Camera: true}), nil
}
