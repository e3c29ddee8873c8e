package effects

import "math"

// Compressor is a feed-forward peak compressor with a linked stereo
// envelope.
type Compressor struct {
	sr        float64
	threshold float32
	ratio     float32
	attack    float32
	release   float32
	makeup    smoother
	env       float32
}

// NewCompressor reads threshold (dB), ratio, attack/release (ms) and makeup
// (dB) from p.
func NewCompressor(sampleRate int, p Params) *Compressor {
	c := &Compressor{sr: float64(sampleRate)}
	c.makeup = newSmoother(1, c.sr, paramSmoothingMs)
	c.UpdateParams(Params{
		"threshold": p.Get("threshold", -18),
		"ratio":     p.Get("ratio", 4),
		"attack":    p.Get("attack", 5),
		"release":   p.Get("release", 120),
		"makeup":    p.Get("makeup", 0),
	})
	c.makeup.snap(c.makeup.target)
	return c
}

func (c *Compressor) UpdateParams(p Params) {
	if v, ok := p["threshold"]; ok {
		c.threshold = float32(dbToGain(clamp64(v, -60, 0)))
	}
	if v, ok := p["ratio"]; ok {
		c.ratio = float32(clamp64(v, 1, 40))
	}
	if v, ok := p["attack"]; ok {
		c.attack = float32(timeCoef(c.sr, clamp64(v, 0.05, 500)))
	}
	if v, ok := p["release"]; ok {
		c.release = float32(timeCoef(c.sr, clamp64(v, 1, 5000)))
	}
	if v, ok := p["makeup"]; ok {
		c.makeup.set(dbToGain(clamp64(v, -24, 24)))
	}
}

func (c *Compressor) Process(l, r float32) (float32, float32) {
	peak := float32(math.Max(math.Abs(float64(l)), math.Abs(float64(r))))
	if peak > c.env {
		c.env += c.attack * (peak - c.env)
	} else {
		c.env += c.release * (peak - c.env)
	}
	g := c.gain(c.env) * float32(c.makeup.next())
	return l * g, r * g
}

// GainReduction returns the current reduction as a linear factor.
func (c *Compressor) GainReduction() float32 { return c.gain(c.env) }

func (c *Compressor) gain(env float32) float32 {
	if env <= c.threshold || c.threshold <= 0 || c.ratio <= 1 {
		return 1
	}
	over := env / c.threshold
	return float32(math.Pow(float64(over), float64(1/c.ratio-1)))
}

func (c *Compressor) Reset()       { c.env = 0 }
func (c *Compressor) Close() error { return nil }
