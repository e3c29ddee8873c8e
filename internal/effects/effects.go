// Package effects contains the insert effects a track chain can host and the
// plugin contract the mixer drives them through.
package effects

import "math"

// Effector processes one stereo frame at a time.
type Effector interface {
	Process(l, r float32) (float32, float32)
	Reset()
}

// Params is an opaque parameter dictionary. Updates may be partial: keys
// that are absent keep their current value.
type Params map[string]float64

// Get returns p[key] or def when the key is absent.
func (p Params) Get(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Plugin is an Effector the mixer can reconfigure and dispose. Parameter
// transitions are smoothed inside the plugin so updates never click.
// Methods are not safe for concurrent use; the graph serializes them with
// rendering.
type Plugin interface {
	Effector
	UpdateParams(p Params)
	Close() error
}

// Chain applies a sequence of effects in order.
type Chain struct {
	effects []Effector
}

func NewChain(effects ...Effector) *Chain {
	return &Chain{effects: effects}
}

func (c *Chain) Process(l, r float32) (float32, float32) {
	for _, e := range c.effects {
		l, r = e.Process(l, r)
	}
	return l, r
}

func (c *Chain) Reset() {
	for _, e := range c.effects {
		e.Reset()
	}
}

func (c *Chain) Add(e Effector) {
	c.effects = append(c.effects, e)
}

func (c *Chain) Len() int { return len(c.effects) }

// UpdateParams forwards to every plugin in the chain.
func (c *Chain) UpdateParams(p Params) {
	for _, e := range c.effects {
		if pl, ok := e.(Plugin); ok {
			pl.UpdateParams(p)
		}
	}
}

func (c *Chain) Close() error {
	var first error
	for _, e := range c.effects {
		if pl, ok := e.(Plugin); ok {
			if err := pl.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// smoother is a one-pole glide toward a target value.
type smoother struct {
	cur, target, coef float64
}

// newSmoother builds a smoother stepped rate times per second reaching ~63%
// of a change after ms milliseconds.
func newSmoother(v, rate, ms float64) smoother {
	return smoother{cur: v, target: v, coef: timeCoef(rate, ms)}
}

func (s *smoother) set(v float64)  { s.target = v }
func (s *smoother) snap(v float64) { s.cur, s.target = v, v }

func (s *smoother) next() float64 {
	s.cur += s.coef * (s.target - s.cur)
	if math.Abs(s.target-s.cur) < 1e-9 {
		s.cur = s.target
	}
	return s.cur
}

func timeCoef(rate, ms float64) float64 {
	if ms <= 0 || rate <= 0 {
		return 1
	}
	return 1 - math.Exp(-1/(ms*rate/1000))
}

// onePoleAlpha is the lowpass coefficient for cutoff hz.
func onePoleAlpha(hz, sampleRate float64) float32 {
	if hz <= 0 {
		return 0
	}
	if hz >= sampleRate/2 {
		return 1
	}
	return float32(1 - math.Exp(-2*math.Pi*hz/sampleRate))
}

func dbToGain(db float64) float64 {
	return math.Pow(10, db/20)
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp64(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func boolParam(v float64) bool { return v >= 0.5 }
