package graph

import (
	"math"
	"sync"

	"github.com/viterin/vek/vek32"
)

// Sum passes the sum of its inputs through. Used as a junction.
type Sum struct{}

func (Sum) Process(_ *Pass, in, out Block) { out.copyFrom(in) }

// Gain multiplies by an automatable gain.
type Gain struct {
	Gain *Param
	buf  []float32
}

func NewGain(c *Context, v float64) *Gain {
	return &Gain{Gain: c.NewParam(v), buf: make([]float32, c.BlockSize())}
}

func (g *Gain) Process(p *Pass, in, out Block) {
	buf := g.buf[:p.N]
	g.Gain.fill(buf, p.Time(0), 1/p.SampleRate)
	vek32.Mul_Into(out.L, in.L, buf)
	vek32.Mul_Into(out.R, in.R, buf)
}

// Pan applies an equal-power pan law: at position x in [-1, 1] the left
// gain is cos((x+1)π/4) and the right gain sin((x+1)π/4).
type Pan struct {
	Pan *Param
	buf []float32
}

func NewPan(c *Context, v float64) *Pan {
	return &Pan{Pan: c.NewParam(v), buf: make([]float32, c.BlockSize())}
}

func PanGains(pos float64) (l, r float64) {
	pos = math.Max(-1, math.Min(1, pos))
	angle := (pos + 1) * math.Pi / 4
	return math.Cos(angle), math.Sin(angle)
}

func (pn *Pan) Process(p *Pass, in, out Block) {
	buf := pn.buf[:p.N]
	pn.Pan.fill(buf, p.Time(0), 1/p.SampleRate)
	for i := range buf {
		gl, gr := PanGains(float64(buf[i]))
		out.L[i] = in.L[i] * float32(gl)
		out.R[i] = in.R[i] * float32(gr)
	}
}

// Level is a meter reading in linear amplitude.
type Level struct {
	RMS  float32
	Peak float32
}

// Meter passes audio through and tracks RMS (about 300ms averaging) and a
// falling peak (about 20dB per second). Readings are safe from any
// goroutine.
type Meter struct {
	mu      sync.Mutex
	ms      float64
	peak    float64
	scratch []float32
}

const (
	meterWindowSec    = 0.3
	meterPeakDecayDBs = 20
)

func NewMeter(c *Context) *Meter {
	return &Meter{scratch: make([]float32, c.BlockSize())}
}

func (m *Meter) Process(p *Pass, in, out Block) {
	out.copyFrom(in)
	if p.N == 0 {
		return
	}
	s := m.scratch[:p.N]
	vek32.Mul_Into(s, in.L, in.L)
	msL := vek32.Mean(s)
	vek32.Mul_Into(s, in.R, in.R)
	msR := vek32.Mean(s)

	copy(s, in.L)
	vek32.Abs_Inplace(s)
	pk := vek32.Max(s)
	copy(s, in.R)
	vek32.Abs_Inplace(s)
	pk = max(pk, vek32.Max(s))

	dur := float64(p.N) / p.SampleRate
	a := 1 - math.Exp(-dur/meterWindowSec)
	decay := math.Pow(10, -meterPeakDecayDBs*dur/20)

	m.mu.Lock()
	m.ms += a * (float64(msL+msR)/2 - m.ms)
	m.peak = math.Max(float64(pk), m.peak*decay)
	m.mu.Unlock()
}

func (m *Meter) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Level{RMS: float32(math.Sqrt(m.ms)), Peak: float32(m.peak)}
}

func (m *Meter) Reset() {
	m.mu.Lock()
	m.ms, m.peak = 0, 0
	m.mu.Unlock()
}
