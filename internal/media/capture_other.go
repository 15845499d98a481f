//go:build !linux || !cgo

package media

import "fmt"

// Device capture needs the V4L2/malgo drivers, which are only wired on Linux.
func deviceCodecSelector() (codecPopulator, error) {
	return nil, nil
}

func captureDevices(_ codecPopulator, _ Constraints) (LocalMedia, error) {
	return nil, fmt.Errorf("%w: device capture is not supported on this platform", ErrMediaAccessDenied)
}
