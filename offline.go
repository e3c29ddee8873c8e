package mixcore

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/cbegin/mixcore-go/internal/config"
	"github.com/cbegin/mixcore-go/internal/media"
	"github.com/cbegin/mixcore-go/internal/model"
)

// RenderOptions controls an offline render. Zero values take the defaults:
// 48kHz, balanced latency, starting at 0.
type RenderOptions struct {
	SampleRate int
	Duration   float64 // seconds of output
	Start      float64 // project time of the first frame
	Latency    config.LatencyMode
}

// RenderOffline renders session through a headless engine, ticking the
// transport once per block from the graph clock. The result is
// interleaved stereo and deterministic for a given input.
func RenderOffline(session *model.Session, store *media.Store, opts RenderOptions) ([]float32, error) {
	if opts.Duration <= 0 {
		return nil, errors.New("render duration must be positive")
	}
	cfg := config.Default()
	if opts.SampleRate > 0 {
		cfg.SampleRate = opts.SampleRate
	}
	cfg.Latency = opts.Latency
	timing := cfg.Timing()
	timing.StartDelay = 0
	if store == nil {
		store = media.NewStore()
	}
	e, err := NewEngine(cfg, WithHeadless(), WithStore(store), withManualTick(), withTiming(timing))
	if err != nil {
		return nil, err
	}
	if err := e.LoadSession(session); err != nil {
		return nil, err
	}
	if err := e.Init(); err != nil {
		return nil, err
	}
	defer e.Shutdown()

	e.Start(opts.Start)
	frames := int(math.Round(opts.Duration * float64(cfg.SampleRate)))
	out := make([]float32, frames*2)
	block := timing.BlockSize
	for off := 0; off < frames; off += block {
		n := min(block, frames-off)
		e.transport.Tick()
		e.Process(out[2*off : 2*(off+n)])
	}
	return out, nil
}

// EncodeWAVFloat32LE wraps interleaved samples in a 32-bit float WAV
// container.
func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	byteRate := sampleRate * channels * 4
	blockAlign := channels * 4
	out := make([]byte, 44+dataSize)
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+dataSize))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3) // IEEE float
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(s))
	}
	return out
}
