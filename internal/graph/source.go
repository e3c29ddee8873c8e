package graph

import (
	"math"
	"sync"

	"github.com/cbegin/mixcore-go/internal/media"
)

// Region selects the part of a buffer a voice plays and how it is shaped.
// Times are in seconds.
type Region struct {
	Start   float64 // buffer offset of the region
	Length  float64 // region length; fades are placed relative to it
	Reverse bool
	FadeIn  float64
	FadeOut float64
	Gain    float64
}

// BufferSource plays part of a region starting at an absolute runtime time.
// It is the runtime half of a clip voice.
type BufferSource struct {
	buf    *media.Buffer
	region Region
	rate   float64 // context sample rate

	startFrame int64   // runtime frame the voice starts at
	pos        float64 // region position at startFrame
	length     int64   // frames to play

	mu       sync.Mutex
	stopAt   int64
	onEnded  func()
	finished bool
}

// NewBufferSource creates a voice that starts sounding at runtime time when,
// from region position pos (seconds into the region), for duration seconds.
func NewBufferSource(c *Context, buf *media.Buffer, r Region, when, pos, duration float64) *BufferSource {
	if r.Gain == 0 {
		r.Gain = 1
	}
	return &BufferSource{
		buf:        buf,
		region:     r,
		rate:       c.SampleRate(),
		startFrame: c.FrameOf(when),
		pos:        pos,
		length:     int64(math.Round(duration * c.SampleRate())),
		stopAt:     math.MaxInt64,
	}
}

// OnEnded registers a callback run once after the voice finishes, whether it
// ran out or was stopped. It runs on the render goroutine outside the graph
// lock.
func (s *BufferSource) OnEnded(fn func()) {
	s.mu.Lock()
	s.onEnded = fn
	s.mu.Unlock()
}

// Stop ends the voice at runtime time t (or immediately when t has passed).
func (s *BufferSource) Stop(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.frameOf(t)
	if f < s.stopAt {
		s.stopAt = f
	}
}

// StartTime returns the scheduled start in runtime seconds.
func (s *BufferSource) StartTime() float64 {
	return float64(s.startFrame) / s.rate
}

// EndTime returns the natural end in runtime seconds.
func (s *BufferSource) EndTime() float64 {
	return float64(s.startFrame+s.length) / s.rate
}

// RegionPosAt returns the region position (seconds) the voice plays at
// runtime time t, and whether the voice is sounding then.
func (s *BufferSource) RegionPosAt(t float64) (float64, bool) {
	f := s.frameOf(t)
	if f < s.startFrame || f >= s.startFrame+s.length {
		return 0, false
	}
	return s.pos + float64(f-s.startFrame)/s.rate, true
}

// BufferOffsetAt maps a runtime time to the buffer offset being read.
func (s *BufferSource) BufferOffsetAt(t float64) (float64, bool) {
	p, ok := s.RegionPosAt(t)
	if !ok {
		return 0, false
	}
	if s.region.Reverse {
		return s.region.Start + s.region.Length - p, true
	}
	return s.region.Start + p, true
}

func (s *BufferSource) envelope(p float64) float64 {
	g := s.region.Gain
	if fi := s.region.FadeIn; fi > 0 && p < fi {
		g *= p / fi
	}
	if fo := s.region.FadeOut; fo > 0 && p > s.region.Length-fo {
		g *= math.Max(0, s.region.Length-p) / fo
	}
	return g
}

func (s *BufferSource) Process(p *Pass, _, out Block) {
	out.zero()
	s.mu.Lock()
	stopAt := s.stopAt
	s.mu.Unlock()
	end := min(s.startFrame+s.length, stopAt)
	rate := float64(s.buf.SampleRate)
	for i := 0; i < p.N; i++ {
		f := p.Frame + int64(i)
		if f < s.startFrame {
			continue
		}
		if f >= end {
			break
		}
		rp := s.pos + float64(f-s.startFrame)/p.SampleRate
		bt := s.region.Start + rp
		if s.region.Reverse {
			bt = s.region.Start + s.region.Length - rp
		}
		l, r := s.buf.At(bt * rate)
		g := float32(s.envelope(rp))
		out.L[i] = l * g
		out.R[i] = r * g
	}
}

func (s *BufferSource) Finished(until float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return true
	}
	end := min(s.startFrame+s.length, s.stopAt)
	if s.frameOf(until) >= end {
		s.finished = true
	}
	return s.finished
}

func (s *BufferSource) Ended() {
	s.mu.Lock()
	fn := s.onEnded
	s.onEnded = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Reset stops the voice at once; it is removed after the current block.
func (s *BufferSource) Reset() {
	s.mu.Lock()
	s.stopAt = math.MinInt64
	s.mu.Unlock()
}

func (s *BufferSource) frameOf(t float64) int64 {
	return int64(math.Round(t * s.rate))
}
