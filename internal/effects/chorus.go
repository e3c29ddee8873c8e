package effects

import "github.com/cbegin/mixcore-go/internal/lfo"

// Chorus is a modulated short delay. With high feedback and a short base
// delay it becomes a flanger.
type Chorus struct {
	sr       float64
	lines    [2]delayLine
	lfos     [2]*lfo.LFO
	base     smoother // samples
	depth    smoother // samples
	feedback float32
	wet      smoother
}

const maxChorusMs = 60

// NewChorus reads delay (ms), depth (ms), rate (Hz), feedback, mix and wave
// from p.
func NewChorus(sampleRate int, p Params) *Chorus {
	sr := float64(sampleRate)
	size := int(maxChorusMs*sr/1000) + 4
	c := &Chorus{
		sr:    sr,
		lines: [2]delayLine{newDelayLine(size), newDelayLine(size)},
		base:  newSmoother(clamp64(p.Get("delay", 15), 1, 30)*sr/1000, sr, 30),
		depth: newSmoother(clamp64(p.Get("depth", 3), 0, 15)*sr/1000, sr, 30),
		wet:   newSmoother(clamp64(p.Get("mix", 0.5), 0, 1), sr, paramSmoothingMs),
	}
	wave := lfo.WaveformFromParam(p.Get("wave", 0))
	rate := clamp64(p.Get("rate", 0.8), 0.01, 10)
	c.lfos[0] = lfo.New(1, rate, wave)
	c.lfos[1] = lfo.New(1, rate, wave)
	c.lfos[1].SetPhase(0.25)
	c.feedback = float32(clamp64(p.Get("feedback", 0.2), 0, 0.9))
	return c
}

func (c *Chorus) UpdateParams(p Params) {
	if v, ok := p["delay"]; ok {
		c.base.set(clamp64(v, 1, 30) * c.sr / 1000)
	}
	if v, ok := p["depth"]; ok {
		c.depth.set(clamp64(v, 0, 15) * c.sr / 1000)
	}
	if v, ok := p["rate"]; ok {
		for _, l := range c.lfos {
			l.SetRate(clamp64(v, 0.01, 10))
		}
	}
	if v, ok := p["feedback"]; ok {
		c.feedback = float32(clamp64(v, 0, 0.9))
	}
	if v, ok := p["mix"]; ok {
		c.wet.set(clamp64(v, 0, 1))
	}
}

func (c *Chorus) Process(l, r float32) (float32, float32) {
	base, depth := c.base.next(), c.depth.next()
	dl := float32(base + depth*c.lfos[0].Sample(c.sr))
	dr := float32(base + depth*c.lfos[1].Sample(c.sr))
	delL := c.lines[0].read(dl)
	delR := c.lines[1].read(dr)
	c.lines[0].write(l + delL*c.feedback)
	c.lines[1].write(r + delR*c.feedback)
	wet := float32(c.wet.next())
	return l*(1-wet) + delL*wet, r*(1-wet) + delR*wet
}

func (c *Chorus) Reset() {
	for i := range c.lines {
		c.lines[i].clear()
		c.lfos[i].Reset()
	}
}

func (c *Chorus) Close() error { return nil }
