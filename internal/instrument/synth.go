package instrument

import (
	"math"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/mixcore-go/internal/lfo"
	"github.com/cbegin/mixcore-go/internal/model"
)

type SynthParams struct {
	Polyphony    int
	CarrierMul   float64
	ModMul       float64
	ModIndex     float64
	Attack       float64
	Decay        float64
	Sustain      float64
	Release      float64
	Gain         float64
	VibratoDepth float64 // semitones
	VibratoRate  float64 // Hz
}

func DefaultSynthParams() SynthParams {
	return SynthParams{
		Polyphony:  16,
		CarrierMul: 1,
		ModMul:     2,
		ModIndex:   1.6,
		Attack:     0.005,
		Decay:      0.12,
		Sustain:    0.75,
		Release:    0.2,
		Gain:       0.45,
	}
}

// SynthParamsFrom overlays track parameters on the defaults.
func SynthParamsFrom(p map[string]float64) SynthParams {
	d := DefaultSynthParams()
	d.Polyphony = int(param(p, "polyphony", float64(d.Polyphony)))
	d.CarrierMul = param(p, "carrier", d.CarrierMul)
	d.ModMul = param(p, "modulator", d.ModMul)
	d.ModIndex = param(p, "index", d.ModIndex)
	d.Attack = param(p, "attack", d.Attack)
	d.Decay = param(p, "decay", d.Decay)
	d.Sustain = param(p, "sustain", d.Sustain)
	d.Release = param(p, "release", d.Release)
	d.Gain = param(p, "gain", d.Gain)
	d.VibratoDepth = param(p, "vibrato", d.VibratoDepth)
	d.VibratoRate = param(p, "vibratorate", 5)
	return d
}

type synthVoice struct {
	active   bool
	key      uint8
	velocity float64
	freq     float64
	carPhase float64
	modPhase float64
	env      adsr
	age      uint64
}

// PolySynth is a two-operator FM synth. When every voice is busy a
// releasing voice is stolen first, otherwise the oldest.
type PolySynth struct {
	sampleRate float64
	params     SynthParams
	voices     []synthVoice
	vibrato    *lfo.LFO
	clock      uint64
}

func NewPolySynth(sampleRate int, p SynthParams) *PolySynth {
	if p.Polyphony <= 0 {
		p.Polyphony = 16
	}
	return &PolySynth{
		sampleRate: float64(sampleRate),
		params:     p,
		voices:     make([]synthVoice, p.Polyphony),
		vibrato:    lfo.New(p.VibratoDepth, p.VibratoRate, lfo.WaveSine),
	}
}

func (s *PolySynth) Kind() model.InstrumentType { return model.InstrumentSynth }

func (s *PolySynth) Handle(msg midi.Message) { dispatch(s, msg) }

func (s *PolySynth) NoteOn(key, velocity uint8) {
	if velocity == 0 {
		s.NoteOff(key)
		return
	}
	s.clock++
	v := &s.voices[s.steal()]
	*v = synthVoice{
		active:   true,
		key:      key,
		velocity: velocityGain(velocity),
		freq:     midiToFreq(float64(key)),
		age:      s.clock,
		env: adsr{
			attack:  s.params.Attack,
			decay:   s.params.Decay,
			sustain: s.params.Sustain,
			release: s.params.Release,
		},
	}
	v.env.trigger()
}

func (s *PolySynth) NoteOff(key uint8) {
	for i := range s.voices {
		v := &s.voices[i]
		if v.active && v.key == key {
			v.env.noteOff(s.sampleRate)
		}
	}
}

func (s *PolySynth) AllNotesOff() {
	for i := range s.voices {
		if s.voices[i].active {
			s.voices[i].env.noteOff(s.sampleRate)
		}
	}
}

func (s *PolySynth) Reset() {
	for i := range s.voices {
		s.voices[i] = synthVoice{}
	}
	s.vibrato.Reset()
}

// ActiveVoices returns the number of sounding voices.
func (s *PolySynth) ActiveVoices() int {
	n := 0
	for i := range s.voices {
		if s.voices[i].active {
			n++
		}
	}
	return n
}

func (s *PolySynth) Render(l, r []float32) {
	p := &s.params
	for i := range l {
		mul := 1.0
		if s.vibrato.Active() {
			mul = math.Pow(2, s.vibrato.Sample(s.sampleRate)/12)
		}
		var out float64
		for vi := range s.voices {
			v := &s.voices[vi]
			if !v.active {
				continue
			}
			env := v.env.next(s.sampleRate)
			if v.env.done() {
				v.active = false
				continue
			}
			mod := math.Sin(v.modPhase) * p.ModIndex * env
			out += math.Sin(v.carPhase+mod) * env * v.velocity

			f := v.freq * mul
			v.carPhase = math.Mod(v.carPhase+twoPi*f*p.CarrierMul/s.sampleRate, twoPi)
			v.modPhase = math.Mod(v.modPhase+twoPi*f*p.ModMul/s.sampleRate, twoPi)
		}
		sample := float32(out * p.Gain)
		l[i], r[i] = sample, sample
	}
}

// steal returns a free voice index or the one to take over.
func (s *PolySynth) steal() int {
	best := -1
	for i := range s.voices {
		v := &s.voices[i]
		if !v.active {
			return i
		}
		if best < 0 {
			best = i
			continue
		}
		b := &s.voices[best]
		relV, relB := v.env.state == envRelease, b.env.state == envRelease
		switch {
		case relV && !relB:
			best = i
		case relV == relB && relV && v.env.level < b.env.level:
			best = i
		case relV == relB && !relV && v.age < b.age:
			best = i
		}
	}
	return best
}
