package effects

const maxDelayMs = 2000

// Delay is a stereo feedback delay with cross-channel feedback. The delay
// time glides when changed, which gives the usual tape-style pitch bend
// instead of a click.
type Delay struct {
	sr       float64
	lines    [2]delayLine
	time     smoother // samples
	feedback float32
	cross    float32
	wet      smoother
}

// NewDelay reads time (ms), feedback, cross and mix from p.
func NewDelay(sampleRate int, p Params) *Delay {
	sr := float64(sampleRate)
	size := int(maxDelayMs*sr/1000) + 4
	d := &Delay{
		sr:    sr,
		lines: [2]delayLine{newDelayLine(size), newDelayLine(size)},
		time:  newSmoother(clamp64(p.Get("time", 250), 1, maxDelayMs)*sr/1000, sr, 50),
		wet:   newSmoother(clamp64(p.Get("mix", 0.3), 0, 1), sr, paramSmoothingMs),
	}
	d.feedback = float32(clamp64(p.Get("feedback", 0.35), 0, 0.95))
	d.cross = float32(clamp64(p.Get("cross", 0), 0, 1))
	return d
}

func (d *Delay) UpdateParams(p Params) {
	if v, ok := p["time"]; ok {
		d.time.set(clamp64(v, 1, maxDelayMs) * d.sr / 1000)
	}
	if v, ok := p["feedback"]; ok {
		d.feedback = float32(clamp64(v, 0, 0.95))
	}
	if v, ok := p["cross"]; ok {
		d.cross = float32(clamp64(v, 0, 1))
	}
	if v, ok := p["mix"]; ok {
		d.wet.set(clamp64(v, 0, 1))
	}
}

func (d *Delay) Process(l, r float32) (float32, float32) {
	t := float32(d.time.next())
	// Reading before writing gives a delay of t+1; compensate.
	delL := d.lines[0].read(t - 1)
	delR := d.lines[1].read(t - 1)
	fbL := delL*d.feedback*(1-d.cross) + delR*d.feedback*d.cross
	fbR := delR*d.feedback*(1-d.cross) + delL*d.feedback*d.cross
	d.lines[0].write(l + fbL)
	d.lines[1].write(r + fbR)
	wet := float32(d.wet.next())
	return l*(1-wet) + delL*wet, r*(1-wet) + delR*wet
}

func (d *Delay) Reset() {
	d.lines[0].clear()
	d.lines[1].clear()
}

func (d *Delay) Close() error { return nil }
