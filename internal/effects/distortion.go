package effects

import "math"

// Distortion is tanh waveshaping between a drive and an output gain, with an
// optional tone lowpass.
type Distortion struct {
	sr        float64
	drive     smoother
	output    smoother
	toneAlpha float32
	toneL     float32
	toneR     float32
}

// NewDistortion reads drive, output and tone (Hz, 0 disables) from p.
func NewDistortion(sampleRate int, p Params) *Distortion {
	d := &Distortion{sr: float64(sampleRate)}
	d.drive = newSmoother(clamp64(p.Get("drive", 4), 0.1, 100), d.sr, paramSmoothingMs)
	d.output = newSmoother(clamp64(p.Get("output", 0.5), 0, 2), d.sr, paramSmoothingMs)
	d.setTone(p.Get("tone", 0))
	return d
}

func (d *Distortion) setTone(hz float64) {
	if hz <= 0 {
		d.toneAlpha = 0
		return
	}
	d.toneAlpha = onePoleAlpha(hz, d.sr)
}

func (d *Distortion) UpdateParams(p Params) {
	if v, ok := p["drive"]; ok {
		d.drive.set(clamp64(v, 0.1, 100))
	}
	if v, ok := p["output"]; ok {
		d.output.set(clamp64(v, 0, 2))
	}
	if v, ok := p["tone"]; ok {
		d.setTone(v)
	}
}

func (d *Distortion) Process(l, r float32) (float32, float32) {
	drive, out := d.drive.next(), d.output.next()
	l = float32(math.Tanh(float64(l)*drive) * out)
	r = float32(math.Tanh(float64(r)*drive) * out)
	if d.toneAlpha > 0 {
		d.toneL += d.toneAlpha * (l - d.toneL)
		d.toneR += d.toneAlpha * (r - d.toneR)
		l, r = d.toneL, d.toneR
	}
	return l, r
}

func (d *Distortion) Reset() {
	d.toneL, d.toneR = 0, 0
}

func (d *Distortion) Close() error { return nil }
