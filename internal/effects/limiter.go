package effects

import "math"

// Limiter is an instant-attack peak limiter. Output never exceeds the
// ceiling; gain recovers with the release time constant.
type Limiter struct {
	sr      float64
	ceiling float32
	release float32
	gain    float32
}

// NewLimiter reads ceiling (dB) and release (ms) from p.
func NewLimiter(sampleRate int, p Params) *Limiter {
	lim := &Limiter{sr: float64(sampleRate), gain: 1}
	lim.UpdateParams(Params{
		"ceiling": p.Get("ceiling", -0.3),
		"release": p.Get("release", 80),
	})
	return lim
}

func (lim *Limiter) UpdateParams(p Params) {
	if v, ok := p["ceiling"]; ok {
		lim.ceiling = float32(dbToGain(clamp64(v, -24, 0)))
	}
	if v, ok := p["release"]; ok {
		lim.release = float32(timeCoef(lim.sr, clamp64(v, 1, 2000)))
	}
}

func (lim *Limiter) Process(l, r float32) (float32, float32) {
	peak := float32(math.Max(math.Abs(float64(l)), math.Abs(float64(r))))
	lim.gain += lim.release * (1 - lim.gain)
	if peak*lim.gain > lim.ceiling {
		lim.gain = lim.ceiling / peak
	}
	return l * lim.gain, r * lim.gain
}

// Reduction returns the current gain factor (1 = not limiting).
func (lim *Limiter) Reduction() float32 { return lim.gain }

func (lim *Limiter) Reset()       { lim.gain = 1 }
func (lim *Limiter) Close() error { return nil }
