//go:build mediadevices

package media

import "go.uber.org/zap"

// NewDefaultAcquirer captures real devices.
func NewDefaultAcquirer(logger *zap.SugaredLogger) (Acquirer, error) {
	a, err := NewDeviceAcquirer(logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}
