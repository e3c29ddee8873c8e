package effects

import (
	"math"
	"strings"

	"github.com/cbegin/mixcore-go/internal/lfo"
)

type ReverbMode int

const (
	ModeRoom ReverbMode = iota
	ModeHall
	ModePlate
	ModeCathedral
	ModeShimmer
	ModeSpring
)

var modeNames = [...]string{"room", "hall", "plate", "cathedral", "shimmer", "spring"}

func (m ReverbMode) String() string {
	if m < ModeRoom || m > ModeSpring {
		return "room"
	}
	return modeNames[m]
}

// ParseReverbMode accepts a mode name, case-insensitively.
func ParseReverbMode(s string) (ReverbMode, bool) {
	for i, n := range modeNames {
		if strings.EqualFold(n, s) {
			return ReverbMode(i), true
		}
	}
	return ModeRoom, false
}

type modeShape struct {
	combScale float64 // comb length multiplier
	erScale   float64 // early reflection time multiplier
	erSpread  float64 // stereo spread of reflection taps, 0..1
	lfoRate   float64 // micro-delay LFO rate multiplier
	lfoDepth  float64 // micro-delay LFO depth multiplier
}

var modeShapes = [...]modeShape{
	ModeRoom:      {combScale: 0.8, erScale: 0.6, erSpread: 0.5, lfoRate: 1.0, lfoDepth: 0.6},
	ModeHall:      {combScale: 1.2, erScale: 1.3, erSpread: 0.8, lfoRate: 0.7, lfoDepth: 1.0},
	ModePlate:     {combScale: 0.9, erScale: 0.3, erSpread: 1.0, lfoRate: 1.3, lfoDepth: 0.8},
	ModeCathedral: {combScale: 1.6, erScale: 2.0, erSpread: 0.9, lfoRate: 0.5, lfoDepth: 1.2},
	ModeShimmer:   {combScale: 1.3, erScale: 1.1, erSpread: 1.0, lfoRate: 2.0, lfoDepth: 2.5},
	ModeSpring:    {combScale: 0.6, erScale: 0.4, erSpread: 0.4, lfoRate: 3.0, lfoDepth: 1.5},
}

const maxCombScale = 1.6

// Comb and all-pass tunings in samples at 44.1kHz. The right channel is
// offset by stereoSpread so the channels decorrelate.
var (
	combTunings    = [8]int{1116, 1188, 1277, 1356, 1422, 1491, 1557, 1617}
	allpassTunings = [4]int{556, 441, 341, 225}
	erTapMs        = [8]float64{4.3, 7.9, 11.2, 15.7, 19.9, 24.6, 31.1, 37.4}
)

const (
	stereoSpread     = 23
	allpassFeedback  = 0.5
	freezeFeedback   = 0.9995
	controlInterval  = 32
	duckWindow       = 256
	duckReference    = 0.5 // input RMS that gives full ducking
	bassShelfHz      = 250
	maxPreDelayMs    = 500
	maxModDepthMs    = 5
	microBaseMs      = 1
	erLineMs         = 100
	paramSmoothingMs = 10
)

// Reverb is a stereo reverberator: pre-delay, LFO-modulated micro-delays,
// an 8-tap early reflection network, then 8 damped combs into 4 series
// all-passes per channel. The wet path is shelved and crossfaded against
// the dry signal with an equal-power law.
//
// Parameters (Params keys):
//
//	mix        0..1 wet amount (equal-power)
//	decay      0..1 comb feedback
//	damping    0..1 high-frequency loss in the tail
//	predelay   ms, 0..500
//	lowcut     Hz, wet high-pass
//	highcut    Hz, wet low-pass
//	bass       dB, 0..12 low shelf boost on the wet path
//	width      0..1 stereo width of the tail
//	er         0..1 early reflection level
//	modrate    Hz, micro-delay LFO rate
//	moddepth   ms, micro-delay LFO depth
//	freeze     0/1 infinite sustain
//	duck       0..1 wet attenuation at full input level
//	duckattack, duckrelease  ms
//	mode       0..5 room, hall, plate, cathedral, shimmer, spring
type Reverb struct {
	sr float64

	combsL, combsR [8]comb
	apL, apR       [4]allpass
	pre            [2]delayLine
	micro          [2]delayLine
	lfos           [2]*lfo.LFO
	er             delayLine
	taps           [8]erTap

	mode  ReverbMode
	shape modeShape

	mix, decay, damping, preDelay, erLevel, width, modDepth smoother
	lowCut, highCut, bassDB                                 smoother // control rate
	modRate                                                 float64

	lowCutA, highCutA, bassA, bassGain float32
	hpL, hpR, lpL, lpR, lsL, lsR       float32

	frozen bool

	duckAmount              float64
	duckAttack, duckRelease float64
	duckSum                 float64
	duckCount               int
	duckTarget, duckGain    float64

	ctrl   int
	closed bool
}

type erTap struct {
	delay        float32
	gainL, gainR float32
}

// NewReverb builds a reverb for sampleRate with p applied on top of the
// defaults. Initial values are applied without smoothing.
func NewReverb(sampleRate int, p Params) *Reverb {
	sr := float64(sampleRate)
	r := &Reverb{sr: sr}
	scale := sr / 44100
	for i, t := range combTunings {
		r.combsL[i] = newComb(int(float64(t)*scale*maxCombScale) + 1)
		r.combsR[i] = newComb(int(float64(t+stereoSpread)*scale*maxCombScale) + 1)
	}
	for i, t := range allpassTunings {
		r.apL[i] = newAllpass(int(float64(t)*scale) + 1)
		r.apR[i] = newAllpass(int(float64(t+stereoSpread)*scale) + 1)
	}
	preLen := int(maxPreDelayMs*sr/1000) + 4
	microLen := int((microBaseMs+2*maxModDepthMs*2.5)*sr/1000) + 4
	r.pre = [2]delayLine{newDelayLine(preLen), newDelayLine(preLen)}
	r.micro = [2]delayLine{newDelayLine(microLen), newDelayLine(microLen)}
	r.er = newDelayLine(int(erLineMs*sr/1000) + 4)
	r.lfos[0] = lfo.New(1, 0, lfo.WaveSine)
	r.lfos[1] = lfo.New(1, 0, lfo.WaveSine)
	r.lfos[1].SetPhase(0.25)

	ctrlRate := sr / controlInterval
	r.mix = newSmoother(p.Get("mix", 0.3), sr, paramSmoothingMs)
	r.decay = newSmoother(p.Get("decay", 0.5), sr, paramSmoothingMs)
	r.damping = newSmoother(p.Get("damping", 0.5), sr, paramSmoothingMs)
	r.preDelay = newSmoother(p.Get("predelay", 10)*sr/1000, sr, paramSmoothingMs*3)
	r.erLevel = newSmoother(p.Get("er", 0.5), sr, paramSmoothingMs)
	r.width = newSmoother(p.Get("width", 1), sr, paramSmoothingMs)
	r.modDepth = newSmoother(p.Get("moddepth", 1), sr, paramSmoothingMs*5)
	r.lowCut = newSmoother(p.Get("lowcut", 80), ctrlRate, paramSmoothingMs)
	r.highCut = newSmoother(p.Get("highcut", 12000), ctrlRate, paramSmoothingMs)
	r.bassDB = newSmoother(p.Get("bass", 0), ctrlRate, paramSmoothingMs)
	r.modRate = 0.3
	r.duckAttack = 10
	r.duckRelease = 200
	r.duckGain, r.duckTarget = 1, 1
	r.setMode(ModeRoom)

	r.UpdateParams(p)
	// Construction applies everything immediately.
	for _, s := range []*smoother{&r.mix, &r.decay, &r.damping, &r.preDelay, &r.erLevel, &r.width, &r.modDepth, &r.lowCut, &r.highCut, &r.bassDB} {
		s.snap(s.target)
	}
	r.updateControl()
	return r
}

// UpdateParams applies a partial parameter update.
func (r *Reverb) UpdateParams(p Params) {
	if r.closed {
		return
	}
	if v, ok := p["mix"]; ok {
		r.mix.set(clamp64(v, 0, 1))
	}
	if v, ok := p["decay"]; ok {
		r.decay.set(clamp64(v, 0, 1))
	}
	if v, ok := p["damping"]; ok {
		r.damping.set(clamp64(v, 0, 1))
	}
	if v, ok := p["predelay"]; ok {
		r.preDelay.set(clamp64(v, 0, maxPreDelayMs) * r.sr / 1000)
	}
	if v, ok := p["er"]; ok {
		r.erLevel.set(clamp64(v, 0, 1))
	}
	if v, ok := p["width"]; ok {
		r.width.set(clamp64(v, 0, 1))
	}
	if v, ok := p["moddepth"]; ok {
		r.modDepth.set(clamp64(v, 0, maxModDepthMs))
	}
	if v, ok := p["modrate"]; ok {
		r.modRate = clamp64(v, 0, 10)
		r.applyLFO()
	}
	if v, ok := p["lowcut"]; ok {
		r.lowCut.set(clamp64(v, 10, 2000))
	}
	if v, ok := p["highcut"]; ok {
		r.highCut.set(clamp64(v, 1000, 20000))
	}
	if v, ok := p["bass"]; ok {
		r.bassDB.set(clamp64(v, 0, 12))
	}
	if v, ok := p["duck"]; ok {
		r.duckAmount = clamp64(v, 0, 1)
	}
	if v, ok := p["duckattack"]; ok {
		r.duckAttack = clamp64(v, 0.1, 1000)
	}
	if v, ok := p["duckrelease"]; ok {
		r.duckRelease = clamp64(v, 1, 5000)
	}
	if v, ok := p["mode"]; ok {
		m := ReverbMode(clamp64(math.Round(v), float64(ModeRoom), float64(ModeSpring)))
		if m != r.mode {
			r.setMode(m)
		}
	}
	if v, ok := p["freeze"]; ok {
		r.setFreeze(boolParam(v))
	}
}

// Mode returns the current mode.
func (r *Reverb) Mode() ReverbMode { return r.mode }

// Frozen reports whether the tail is held.
func (r *Reverb) Frozen() bool { return r.frozen }

func (r *Reverb) setFreeze(on bool) {
	if on == r.frozen {
		return
	}
	r.frozen = on
	if !on {
		// Leaving freeze drops the held tail so it cannot run away once
		// input is fed back in.
		r.clearTail()
	}
}

func (r *Reverb) setMode(m ReverbMode) {
	r.mode = m
	r.shape = modeShapes[m]
	scale := r.sr / 44100 * r.shape.combScale
	for i, t := range combTunings {
		r.combsL[i].resize(int(float64(t)*scale) + 1)
		r.combsR[i].resize(int(float64(t+stereoSpread)*scale) + 1)
	}
	r.layoutTaps()
	r.applyLFO()
}

// layoutTaps recomputes reflection delays, gains and pans for the mode.
func (r *Reverb) layoutTaps() {
	for i := range r.taps {
		ms := erTapMs[i] * r.shape.erScale
		side := 1.0
		if i%2 == 1 {
			side = -1
		}
		pan := clamp64(side*r.shape.erSpread*(0.35+0.65*float64(i)/7), -1, 1)
		angle := (pan + 1) * math.Pi / 4
		gain := 0.225 * math.Pow(0.82, float64(i))
		r.taps[i] = erTap{
			delay: float32(ms * r.sr / 1000),
			gainL: float32(gain * math.Cos(angle)),
			gainR: float32(gain * math.Sin(angle)),
		}
	}
}

func (r *Reverb) applyLFO() {
	rate := r.modRate * r.shape.lfoRate
	r.lfos[0].SetRate(rate)
	r.lfos[1].SetRate(rate * 1.13)
}

func (r *Reverb) clearTail() {
	for i := range r.combsL {
		r.combsL[i].clear()
		r.combsR[i].clear()
	}
	for i := range r.apL {
		r.apL[i].clear()
		r.apR[i].clear()
	}
	r.hpL, r.hpR, r.lpL, r.lpR, r.lsL, r.lsR = 0, 0, 0, 0, 0, 0
}

func (r *Reverb) updateControl() {
	r.lowCutA = onePoleAlpha(r.lowCut.next(), r.sr)
	r.highCutA = onePoleAlpha(r.highCut.next(), r.sr)
	r.bassA = onePoleAlpha(bassShelfHz, r.sr)
	r.bassGain = float32(dbToGain(r.bassDB.next()) - 1)
}

// detectDuck accumulates input energy and refreshes the duck target once per
// window; the gain itself is smoothed every sample.
func (r *Reverb) detectDuck(l, rr float32) {
	if r.duckAmount > 0 {
		r.duckSum += float64(l*l+rr*rr) * 0.5
		r.duckCount++
		if r.duckCount >= duckWindow {
			rms := math.Sqrt(r.duckSum / float64(r.duckCount))
			r.duckTarget = 1 - r.duckAmount*math.Min(1, rms/duckReference)
			r.duckSum, r.duckCount = 0, 0
		}
	} else {
		r.duckTarget = 1
	}
	coef := timeCoef(r.sr, r.duckRelease)
	if r.duckTarget < r.duckGain {
		coef = timeCoef(r.sr, r.duckAttack)
	}
	r.duckGain += coef * (r.duckTarget - r.duckGain)
}

func (r *Reverb) Process(inL, inR float32) (float32, float32) {
	if r.closed {
		return inL, inR
	}
	if r.ctrl == 0 {
		r.updateControl()
	}
	r.ctrl++
	if r.ctrl >= controlInterval {
		r.ctrl = 0
	}
	r.detectDuck(inL, inR)

	// Pre-delay.
	pd := float32(r.preDelay.next())
	r.pre[0].write(inL)
	r.pre[1].write(inR)
	pl, pr := r.pre[0].read(pd), r.pre[1].read(pd)

	// Micro-delays swing around base+depth so the read never crosses the
	// write head.
	depth := r.modDepth.next() * r.shape.lfoDepth * r.sr / 1000
	base := microBaseMs*r.sr/1000 + depth
	r.micro[0].write(pl)
	r.micro[1].write(pr)
	ml := r.micro[0].read(float32(base + depth*r.lfos[0].Sample(r.sr)))
	mr := r.micro[1].read(float32(base + depth*r.lfos[1].Sample(r.sr)))

	// Early reflections from the mono pre-delayed signal.
	r.er.write((pl + pr) * 0.5)
	var erL, erR float32
	for i := range r.taps {
		t := &r.taps[i]
		s := r.er.read(t.delay)
		erL += s * t.gainL
		erR += s * t.gainR
	}
	erLevel := float32(r.erLevel.next())
	erL *= erLevel
	erR *= erLevel

	fb := float32(0.7 + 0.28*r.decay.next())
	damp := float32(r.damping.next() * 0.4)
	var inGain float32 = 1
	if r.frozen {
		fb, damp, inGain = freezeFeedback, 0, 0
	}
	tinL := (ml + erL*0.5) * inGain
	tinR := (mr + erR*0.5) * inGain
	var tl, tr float32
	for i := range r.combsL {
		tl += r.combsL[i].process(tinL, fb, damp)
		tr += r.combsR[i].process(tinR, fb, damp)
	}
	tl *= 1.0 / 8
	tr *= 1.0 / 8
	for i := range r.apL {
		tl = r.apL[i].process(tl)
		tr = r.apR[i].process(tr)
	}

	wl, wr := r.shelve(tl+erL, tr+erR)

	w := float32(r.width.next())
	w1 := w/2 + 0.5
	w2 := (1 - w) / 2
	wl, wr = wl*w1+wr*w2, wr*w1+wl*w2

	theta := r.mix.next() * math.Pi / 2
	dry := float32(math.Cos(theta))
	wet := float32(math.Sin(theta) * r.duckGain)
	return inL*dry + wl*wet, inR*dry + wr*wet
}

// shelve applies low-cut, high-cut and the bass shelf to the wet signal.
func (r *Reverb) shelve(l, rr float32) (float32, float32) {
	r.hpL += r.lowCutA * (l - r.hpL)
	r.hpR += r.lowCutA * (rr - r.hpR)
	l -= r.hpL
	rr -= r.hpR

	r.lpL += r.highCutA * (l - r.lpL)
	r.lpR += r.highCutA * (rr - r.lpR)
	l, rr = r.lpL, r.lpR

	r.lsL += r.bassA * (l - r.lsL)
	r.lsR += r.bassA * (rr - r.lsR)
	return l + r.bassGain*r.lsL, rr + r.bassGain*r.lsR
}

func (r *Reverb) Reset() {
	r.clearTail()
	for i := range r.pre {
		r.pre[i].clear()
		r.micro[i].clear()
		r.lfos[i].Reset()
	}
	r.er.clear()
	r.duckSum, r.duckCount = 0, 0
	r.duckGain, r.duckTarget = 1, 1
}

// Close releases the delay memory. A closed reverb passes audio through.
func (r *Reverb) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	for i := range r.combsL {
		r.combsL[i] = comb{}
		r.combsR[i] = comb{}
	}
	for i := range r.apL {
		r.apL[i] = allpass{}
		r.apR[i] = allpass{}
	}
	r.pre = [2]delayLine{}
	r.micro = [2]delayLine{}
	r.er = delayLine{}
	return nil
}

type comb struct {
	buf   []float32
	n     int
	pos   int
	store float32
}

func newComb(size int) comb {
	return comb{buf: make([]float32, size), n: size}
}

func (c *comb) process(x, fb, damp float32) float32 {
	out := c.buf[c.pos]
	c.store = out*(1-damp) + c.store*damp
	c.buf[c.pos] = x + c.store*fb
	c.pos++
	if c.pos >= c.n {
		c.pos = 0
	}
	return out
}

func (c *comb) resize(n int) {
	if n > len(c.buf) {
		n = len(c.buf)
	}
	if n < 1 {
		n = 1
	}
	c.n = n
	if c.pos >= n {
		c.pos = 0
	}
}

func (c *comb) clear() {
	clear(c.buf)
	c.store = 0
}

type allpass struct {
	buf []float32
	pos int
}

func newAllpass(size int) allpass {
	return allpass{buf: make([]float32, size)}
}

func (a *allpass) process(x float32) float32 {
	b := a.buf[a.pos]
	out := b - x
	a.buf[a.pos] = x + b*allpassFeedback
	a.pos++
	if a.pos >= len(a.buf) {
		a.pos = 0
	}
	return out
}

func (a *allpass) clear() { clear(a.buf) }

// delayLine is a ring buffer read at fractional delays behind the most
// recent write.
type delayLine struct {
	buf []float32
	pos int
}

func newDelayLine(size int) delayLine {
	return delayLine{buf: make([]float32, size)}
}

func (d *delayLine) write(x float32) {
	d.buf[d.pos] = x
	d.pos++
	if d.pos >= len(d.buf) {
		d.pos = 0
	}
}

// read returns the sample written delay samples before the latest write,
// interpolating linearly. delay 0 is the latest sample.
func (d *delayLine) read(delay float32) float32 {
	n := len(d.buf)
	delay = clamp(delay, 0, float32(n-2))
	rp := float32(d.pos-1) - delay
	for rp < 0 {
		rp += float32(n)
	}
	i := int(rp)
	frac := rp - float32(i)
	if i >= n {
		i -= n
	}
	j := i + 1
	if j >= n {
		j = 0
	}
	return d.buf[i]*(1-frac) + d.buf[j]*frac
}

func (d *delayLine) clear() { clear(d.buf) }
