package instrument

import (
	"math"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/mixcore-go/internal/media"
	"github.com/cbegin/mixcore-go/internal/model"
)

const defaultSamplerVoices = 16

// sampleVoice reads a buffer at a fixed step with an optional release fade.
type sampleVoice struct {
	active bool
	key    uint8
	buf    *media.Buffer
	pos    float64 // frames into buf
	step   float64 // buffer frames per output frame
	gain   float64
	env    adsr
	age    uint64
}

// next returns one frame and advances. It ends the voice at the buffer end
// or when its release completes.
func (v *sampleVoice) next(sampleRate float64) (float32, float32) {
	if v.pos > float64(v.buf.Frames()-1) {
		v.active = false
		return 0, 0
	}
	env := v.env.next(sampleRate)
	if v.env.done() {
		v.active = false
		return 0, 0
	}
	l, r := v.buf.At(v.pos)
	v.pos += v.step
	g := float32(v.gain * env)
	return l * g, r * g
}

// voicePool is a fixed set of sample voices with oldest-first stealing.
type voicePool struct {
	voices []sampleVoice
	clock  uint64
}

func newVoicePool(n int) voicePool {
	if n <= 0 {
		n = defaultSamplerVoices
	}
	return voicePool{voices: make([]sampleVoice, n)}
}

func (p *voicePool) alloc() *sampleVoice {
	p.clock++
	idx := -1
	for i := range p.voices {
		if !p.voices[i].active {
			idx = i
			break
		}
		if idx < 0 || p.voices[i].age < p.voices[idx].age {
			idx = i
		}
	}
	v := &p.voices[idx]
	*v = sampleVoice{active: true, age: p.clock}
	return v
}

func (p *voicePool) release(key uint8, all bool, sampleRate float64) {
	for i := range p.voices {
		v := &p.voices[i]
		if v.active && (all || v.key == key) {
			v.env.noteOff(sampleRate)
		}
	}
}

func (p *voicePool) render(l, r []float32, sampleRate float64) {
	for i := range l {
		var sl, sr float32
		for vi := range p.voices {
			v := &p.voices[vi]
			if !v.active {
				continue
			}
			a, b := v.next(sampleRate)
			sl += a
			sr += b
		}
		l[i], r[i] = sl, sr
	}
}

func (p *voicePool) reset() {
	for i := range p.voices {
		p.voices[i] = sampleVoice{}
	}
}

func (p *voicePool) active() int {
	n := 0
	for i := range p.voices {
		if p.voices[i].active {
			n++
		}
	}
	return n
}

// sustainEnvelope holds full level until note off, then fades over release.
func sustainEnvelope(release float64) adsr {
	return adsr{sustain: 1, release: release}
}

// MelodicSampler repitches one buffer chromatically around a root key.
type MelodicSampler struct {
	sampleRate float64
	buf        *media.Buffer
	root       uint8
	release    float64
	gain       float64
	pool       voicePool
}

func NewMelodicSampler(sampleRate int, buf *media.Buffer, root uint8, p map[string]float64) *MelodicSampler {
	return &MelodicSampler{
		sampleRate: float64(sampleRate),
		buf:        buf,
		root:       root,
		release:    param(p, "release", 0.05),
		gain:       param(p, "gain", 1),
		pool:       newVoicePool(int(param(p, "polyphony", defaultSamplerVoices))),
	}
}

func (s *MelodicSampler) Kind() model.InstrumentType { return model.InstrumentMelodicSampler }

func (s *MelodicSampler) Handle(msg midi.Message) { dispatch(s, msg) }

func (s *MelodicSampler) NoteOn(key, velocity uint8) {
	if velocity == 0 {
		s.NoteOff(key)
		return
	}
	v := s.pool.alloc()
	v.key = key
	v.buf = s.buf
	v.step = math.Pow(2, (float64(key)-float64(s.root))/12) * float64(s.buf.SampleRate) / s.sampleRate
	v.gain = s.gain * float64(velocity) / 127
	v.env = sustainEnvelope(s.release)
	v.env.trigger()
}

func (s *MelodicSampler) NoteOff(key uint8) { s.pool.release(key, false, s.sampleRate) }
func (s *MelodicSampler) AllNotesOff()      { s.pool.release(0, true, s.sampleRate) }
func (s *MelodicSampler) Reset()            { s.pool.reset() }
func (s *MelodicSampler) ActiveVoices() int { return s.pool.active() }

func (s *MelodicSampler) Render(l, r []float32) { s.pool.render(l, r, s.sampleRate) }

// Sampler plays its buffer once per note at its recorded pitch. Note off is
// ignored; the voice always runs to the end of the buffer.
type Sampler struct {
	sampleRate float64
	buf        *media.Buffer
	gain       float64
	pool       voicePool
}

func NewSampler(sampleRate int, buf *media.Buffer, p map[string]float64) *Sampler {
	return &Sampler{
		sampleRate: float64(sampleRate),
		buf:        buf,
		gain:       param(p, "gain", 1),
		pool:       newVoicePool(int(param(p, "polyphony", defaultSamplerVoices))),
	}
}

func (s *Sampler) Kind() model.InstrumentType { return model.InstrumentSampler }

func (s *Sampler) Handle(msg midi.Message) { dispatch(s, msg) }

func (s *Sampler) NoteOn(key, velocity uint8) {
	if velocity == 0 {
		return
	}
	v := s.pool.alloc()
	v.key = key
	v.buf = s.buf
	v.step = float64(s.buf.SampleRate) / s.sampleRate
	v.gain = s.gain * float64(velocity) / 127
	v.env = sustainEnvelope(0)
	v.env.trigger()
}

func (s *Sampler) NoteOff(uint8)         {}
func (s *Sampler) AllNotesOff()          { s.pool.release(0, true, s.sampleRate) }
func (s *Sampler) Reset()                { s.pool.reset() }
func (s *Sampler) ActiveVoices() int     { return s.pool.active() }
func (s *Sampler) Render(l, r []float32) { s.pool.render(l, r, s.sampleRate) }
