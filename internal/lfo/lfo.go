// Package lfo provides the low-frequency oscillators used by modulated
// effects (chorus sweep, reverb micro-delay drift) and synth vibrato.
package lfo

import "math"

type Waveform int

const (
	WaveSine Waveform = iota
	WaveTriangle
	WaveSaw
	WaveSquare
	WaveRandom
)

// WaveformFromParam maps a numeric plugin parameter onto a waveform.
// Out-of-range values fall back to sine.
func WaveformFromParam(v float64) Waveform {
	w := Waveform(math.Round(v))
	if w < WaveSine || w > WaveRandom {
		return WaveSine
	}
	return w
}

// LFO produces a bipolar control signal in [-depth, +depth], one sample at a
// time. It is not safe for concurrent use; each effect owns its own.
type LFO struct {
	depth    float64
	rateHz   float64
	waveform Waveform
	phase    float64 // [0, 1)
	offset   float64
	held     float64
	seed     uint32
}

func New(depth, rateHz float64, w Waveform) *LFO {
	l := &LFO{}
	l.Set(depth, rateHz, w)
	return l
}

func (l *LFO) Set(depth, rateHz float64, w Waveform) {
	l.depth = depth
	l.rateHz = rateHz
	if w < WaveSine || w > WaveRandom {
		w = WaveSine
	}
	l.waveform = w
}

// SetRate changes the rate without touching phase.
func (l *LFO) SetRate(rateHz float64) { l.rateHz = rateHz }

// SetDepth changes the depth without touching phase.
func (l *LFO) SetDepth(depth float64) { l.depth = depth }

// SetPhase sets a start phase in cycles. Reset returns to this phase, so two
// LFOs with offsets 0 and 0.25 stay in quadrature.
func (l *LFO) SetPhase(cycles float64) {
	l.offset = cycles - math.Floor(cycles)
	l.phase = l.offset
}

// Sample advances one sample and returns the current value.
func (l *LFO) Sample(sampleRate float64) float64 {
	if l.depth == 0 || l.rateHz == 0 || sampleRate == 0 {
		return 0
	}
	v := l.shape()
	prev := l.phase
	l.phase += l.rateHz / sampleRate
	l.phase -= math.Floor(l.phase)
	if l.waveform == WaveRandom && l.phase < prev {
		l.held = l.nextRandom()
	}
	return v * l.depth
}

func (l *LFO) shape() float64 {
	p := l.phase
	switch l.waveform {
	case WaveTriangle:
		if p < 0.5 {
			return 4*p - 1
		}
		return 3 - 4*p
	case WaveSaw:
		return 1 - 2*p
	case WaveSquare:
		if p < 0.5 {
			return 1
		}
		return -1
	case WaveRandom:
		return l.held
	default:
		return math.Sin(2 * math.Pi * p)
	}
}

// nextRandom is a 16-bit LFSR step mapped to [-1, 1).
func (l *LFO) nextRandom() float64 {
	if l.seed == 0 {
		l.seed = 0xACE1
	}
	bit := (l.seed ^ (l.seed >> 2) ^ (l.seed >> 3) ^ (l.seed >> 5)) & 1
	l.seed = (l.seed >> 1) | (bit << 15)
	return float64(l.seed)/32768 - 1
}

func (l *LFO) Active() bool {
	return l.depth != 0 && l.rateHz != 0
}

func (l *LFO) Reset() {
	l.phase = l.offset
	l.held = 0
	l.seed = 0
}
