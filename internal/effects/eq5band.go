package effects

import (
	"fmt"
	"math"
	"sync/atomic"
)

// EQ5Band is the master bus equalizer. Bands are split at 200Hz, 800Hz,
// 2.5kHz and 8kHz. Gains are stored as float32 bit patterns so a control
// goroutine can set them without taking the render lock.
type EQ5Band struct {
	gains  [5]atomic.Uint32
	alphas [4]float32
	lpL    [4]float32
	lpR    [4]float32
}

var defaultCrossovers = [4]float64{200, 800, 2500, 8000}

// NewEQ5Band reads band0..band4 gains in dB from p; absent bands are flat.
func NewEQ5Band(sampleRate int, p Params) *EQ5Band {
	eq := &EQ5Band{}
	for i, freq := range defaultCrossovers {
		eq.alphas[i] = onePoleAlpha(freq, float64(sampleRate))
	}
	for i := range eq.gains {
		eq.gains[i].Store(math.Float32bits(1))
	}
	eq.UpdateParams(p)
	return eq
}

func (eq *EQ5Band) UpdateParams(p Params) {
	for i := range eq.gains {
		if v, ok := p[fmt.Sprintf("band%d", i)]; ok {
			eq.SetGain(i, float32(dbToGain(clamp64(v, -48, 12))))
		}
	}
}

// SetGain sets a linear band gain (0-4).
func (eq *EQ5Band) SetGain(band int, gain float32) {
	if band >= 0 && band < len(eq.gains) {
		eq.gains[band].Store(math.Float32bits(gain))
	}
}

func (eq *EQ5Band) Gain(band int) float32 {
	if band >= 0 && band < len(eq.gains) {
		return math.Float32frombits(eq.gains[band].Load())
	}
	return 1
}

func (eq *EQ5Band) Process(l, r float32) (float32, float32) {
	var outL, outR float32
	remL, remR := l, r
	for i := range eq.alphas {
		eq.lpL[i] += eq.alphas[i] * (remL - eq.lpL[i])
		eq.lpR[i] += eq.alphas[i] * (remR - eq.lpR[i])
		g := math.Float32frombits(eq.gains[i].Load())
		outL += eq.lpL[i] * g
		outR += eq.lpR[i] * g
		remL -= eq.lpL[i]
		remR -= eq.lpR[i]
	}
	g := math.Float32frombits(eq.gains[4].Load())
	return outL + remL*g, outR + remR*g
}

func (eq *EQ5Band) Reset() {
	clear(eq.lpL[:])
	clear(eq.lpR[:])
}

func (eq *EQ5Band) Close() error { return nil }
