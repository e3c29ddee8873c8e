//go:build portaudio

package recording

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const framesPerBuffer = 256

var paInit sync.Once

type nativeDevice struct{}

type paStream struct {
	s *portaudio.Stream
}

func (p paStream) Close() error {
	if err := p.s.Stop(); err != nil {
		_ = p.s.Close()
		return err
	}
	return p.s.Close()
}

// Open captures stereo input from the default device ("default") or the
// named PortAudio input device.
func (nativeDevice) Open(id string, sampleRate int, onSamples SampleFunc) (Stream, error) {
	var initErr error
	paInit.Do(func() { initErr = portaudio.Initialize() })
	if initErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, initErr)
	}
	callback := func(in []float32) {
		out := make([]float32, len(in))
		copy(out, in)
		onSamples(out)
	}
	var (
		s   *portaudio.Stream
		err error
	)
	if id == "" || id == "default" {
		s, err = portaudio.OpenDefaultStream(2, 0, float64(sampleRate), framesPerBuffer, callback)
	} else {
		var dev *portaudio.DeviceInfo
		dev, err = findInput(id)
		if err == nil {
			p := portaudio.LowLatencyParameters(dev, nil)
			p.Input.Channels = 2
			p.SampleRate = float64(sampleRate)
			p.FramesPerBuffer = framesPerBuffer
			s, err = portaudio.OpenStream(p, callback)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if err := s.Start(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return paStream{s: s}, nil
}

func findInput(name string) (*portaudio.DeviceInfo, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devs {
		if d.Name == name && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceUnavailable, name)
}

func nativeDevices() []string {
	paInit.Do(func() { _ = portaudio.Initialize() })
	ids := []string{"default"}
	devs, err := portaudio.Devices()
	if err != nil {
		return ids
	}
	for _, d := range devs {
		if d.MaxInputChannels > 0 {
			ids = append(ids, d.Name)
		}
	}
	return ids
}
