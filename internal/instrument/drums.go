package instrument

import (
	"math"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/mixcore-go/internal/media"
	"github.com/cbegin/mixcore-go/internal/model"
)

// General MIDI percussion keys the built-in kit answers to.
const (
	keyKick       = 36
	keyKickAlt    = 35
	keySnare      = 38
	keySnareAlt   = 40
	keyClap       = 39
	keyHatClosed  = 42
	keyHatPedal   = 44
	keyHatOpen    = 46
	keyCrash      = 49
	keyRide       = 51
	maxDrumVoices = 16
)

type drumKind int

const (
	drumKick drumKind = iota
	drumSnare
	drumHat
	drumCymbal
	drumTom
)

// synthDrum is one voice of the built-in kit.
type synthDrum struct {
	active bool
	key    uint8
	kind   drumKind
	t      float64 // seconds since trigger
	decay  float64
	freq   float64
	phase  float64
	gain   float64
	prev   float64 // previous noise sample for the hat highpass
	age    uint64
}

// DrumEngine maps keys to pad buffers. Keys without a pad fall back to a
// small synthesized kit, so a drum track sounds before samples are loaded.
type DrumEngine struct {
	sampleRate float64
	pads       map[uint8]*media.Buffer
	gain       float64
	pool       voicePool
	synth      []synthDrum
	noise      lfsr
	clock      uint64
}

func NewDrumEngine(sampleRate int, pads map[uint8]*media.Buffer, p map[string]float64) *DrumEngine {
	if pads == nil {
		pads = map[uint8]*media.Buffer{}
	}
	return &DrumEngine{
		sampleRate: float64(sampleRate),
		pads:       pads,
		gain:       param(p, "gain", 1),
		pool:       newVoicePool(maxDrumVoices),
		synth:      make([]synthDrum, maxDrumVoices),
	}
}

func (d *DrumEngine) Kind() model.InstrumentType { return model.InstrumentDrums }

func (d *DrumEngine) Handle(msg midi.Message) { dispatch(d, msg) }

// NoteOn triggers the pad for key. Drum hits always play out; note off only
// matters for the open hat, which the pedal and closed hat choke.
func (d *DrumEngine) NoteOn(key, velocity uint8) {
	if velocity == 0 {
		return
	}
	gain := d.gain * float64(velocity) / 127
	if key == keyHatClosed || key == keyHatPedal {
		d.choke(keyHatOpen)
	}
	if buf, ok := d.pads[key]; ok {
		v := d.pool.alloc()
		v.key = key
		v.buf = buf
		v.step = float64(buf.SampleRate) / d.sampleRate
		v.gain = gain
		v.env = sustainEnvelope(0.01)
		v.env.trigger()
		return
	}
	d.trigger(key, gain)
}

func (d *DrumEngine) NoteOff(uint8) {}

func (d *DrumEngine) AllNotesOff() {
	d.pool.release(0, true, d.sampleRate)
	for i := range d.synth {
		d.synth[i].active = false
	}
}

func (d *DrumEngine) Reset() {
	d.pool.reset()
	for i := range d.synth {
		d.synth[i] = synthDrum{}
	}
}

func (d *DrumEngine) ActiveVoices() int {
	n := d.pool.active()
	for i := range d.synth {
		if d.synth[i].active {
			n++
		}
	}
	return n
}

func (d *DrumEngine) choke(key uint8) {
	d.pool.release(key, false, d.sampleRate)
	for i := range d.synth {
		if d.synth[i].key == key {
			d.synth[i].active = false
		}
	}
}

func (d *DrumEngine) trigger(key uint8, gain float64) {
	d.clock++
	idx := 0
	for i := range d.synth {
		if !d.synth[i].active {
			idx = i
			break
		}
		if d.synth[i].age < d.synth[idx].age {
			idx = i
		}
	}
	v := synthDrum{active: true, key: key, gain: gain, age: d.clock}
	switch key {
	case keyKick, keyKickAlt:
		v.kind, v.decay, v.freq = drumKick, 0.35, 50
	case keySnare, keySnareAlt, keyClap:
		v.kind, v.decay, v.freq = drumSnare, 0.18, 185
	case keyHatClosed, keyHatPedal:
		v.kind, v.decay = drumHat, 0.05
	case keyHatOpen:
		v.kind, v.decay = drumHat, 0.35
	case keyCrash, keyRide:
		v.kind, v.decay = drumCymbal, 0.9
	default:
		v.kind, v.decay, v.freq = drumTom, 0.25, midiToFreq(float64(key)-12)
	}
	d.synth[idx] = v
}

func (d *DrumEngine) Render(l, r []float32) {
	d.pool.render(l, r, d.sampleRate)
	dt := 1 / d.sampleRate
	for i := range l {
		var out float64
		for vi := range d.synth {
			v := &d.synth[vi]
			if !v.active {
				continue
			}
			out += d.sample(v) * v.gain
			v.t += dt
			if v.t >= v.decay*6 {
				v.active = false
			}
		}
		s := float32(out)
		l[i] += s
		r[i] += s
	}
}

func (d *DrumEngine) sample(v *synthDrum) float64 {
	amp := math.Exp(-v.t / v.decay * 3)
	switch v.kind {
	case drumKick:
		// Pitch falls from three times the base frequency.
		f := v.freq * (1 + 2*math.Exp(-v.t*30))
		v.phase += twoPi * f / d.sampleRate
		return math.Sin(v.phase) * amp
	case drumSnare:
		v.phase += twoPi * v.freq / d.sampleRate
		return (0.4*math.Sin(v.phase) + 0.6*d.noise.next()) * amp
	case drumHat, drumCymbal:
		n := d.noise.next()
		hp := n - v.prev
		v.prev = n
		return 0.5 * hp * amp
	default:
		v.phase += twoPi * v.freq / d.sampleRate
		return math.Sin(v.phase) * amp
	}
}
