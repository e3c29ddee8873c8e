package recording

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cbegin/mixcore-go/internal/media"
)

var (
	ErrPermissionDenied  = errors.New("input device permission denied")
	ErrDeviceUnavailable = errors.New("input device unavailable")
)

// SampleFunc receives interleaved stereo float32 frames from a capture
// stream. It is called from the device's own goroutine.
type SampleFunc func(interleaved []float32)

// Device opens capture streams by id.
type Device interface {
	Open(id string, sampleRate int, onSamples SampleFunc) (Stream, error)
}

type Stream interface {
	Close() error
}

// FilePrefix selects the file-backed device: "file:<path>".
const FilePrefix = "file:"

// Router opens "file:" ids with FileDevice and everything else with the
// native capture backend.
type Router struct {
	File   FileDevice
	Native Device
}

func DefaultDevice() Router {
	return Router{File: FileDevice{Chunk: 10 * time.Millisecond}, Native: nativeDevice{}}
}

func (r Router) Open(id string, sampleRate int, onSamples SampleFunc) (Stream, error) {
	if strings.HasPrefix(id, FilePrefix) {
		return r.File.Open(id, sampleRate, onSamples)
	}
	if r.Native == nil {
		return nil, fmt.Errorf("%w: %q", ErrDeviceUnavailable, id)
	}
	return r.Native.Open(id, sampleRate, onSamples)
}

// Devices lists the ids Open understands.
func Devices() []string {
	return append(nativeDevices(), FilePrefix+"<path>")
}

// FileDevice streams a decoded audio file as if it were captured live, one
// chunk per Chunk interval, then goes quiet.
type FileDevice struct {
	Chunk time.Duration
	// Realtime false delivers the whole file as fast as possible.
	Realtime bool
}

type fileStream struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *fileStream) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (d FileDevice) Open(id string, sampleRate int, onSamples SampleFunc) (Stream, error) {
	path := strings.TrimPrefix(id, FilePrefix)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	buf, err := media.Decode(id, data, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", id, err)
	}
	chunk := d.Chunk
	if chunk <= 0 {
		chunk = 10 * time.Millisecond
	}
	frames := max(1, int(chunk.Seconds()*float64(sampleRate)))
	samples := buf.Interleaved()

	ctx, cancel := context.WithCancel(context.Background())
	s := &fileStream{cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var tick <-chan time.Time
		if d.Realtime {
			t := time.NewTicker(chunk)
			defer t.Stop()
			tick = t.C
		}
		for off := 0; off < len(samples); off += 2 * frames {
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			} else if ctx.Err() != nil {
				return
			}
			end := min(off+2*frames, len(samples))
			onSamples(samples[off:end])
		}
	}()
	return s, nil
}
