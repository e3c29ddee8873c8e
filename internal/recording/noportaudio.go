//go:build !portaudio

package recording

import "fmt"

type nativeDevice struct{}

func (nativeDevice) Open(id string, _ int, _ SampleFunc) (Stream, error) {
	return nil, fmt.Errorf("%w: %q (built without the portaudio tag)", ErrDeviceUnavailable, id)
}

func nativeDevices() []string { return nil }
