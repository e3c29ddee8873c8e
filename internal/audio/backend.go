package audio

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnknownDevice = errors.New("unknown output device")

// Backend is a playing output stream.
type Backend interface {
	Play()
	Pause()
	IsPlaying() bool
	// Position is how much audio the listener has heard.
	Position() time.Duration
	Close() error
}

// Devices lists the output ids Open accepts.
func Devices() []string { return []string{"default", "ebiten", "oto"} }

// Open creates a paused backend pulling from source. "default" and "ebiten"
// use the ebiten audio context; "oto" drives oto directly.
func Open(deviceID string, sampleRate int, source SampleSource) (Backend, error) {
	switch deviceID {
	case "", "default", "ebiten":
		return newEbitenPlayer(sampleRate, source)
	case "oto":
		return newOtoPlayer(sampleRate, source)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
}
