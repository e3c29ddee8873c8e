// Package instrument holds the voice-producing units MIDI tracks play
// through. Every unit is driven from the render goroutine and is not safe
// for concurrent use.
package instrument

import (
	"fmt"
	"math"

	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/mixcore-go/internal/graph"
	"github.com/cbegin/mixcore-go/internal/media"
	"github.com/cbegin/mixcore-go/internal/model"
)

const twoPi = 2 * math.Pi

// ccAllNotesOff is the channel mode message that releases every voice.
const ccAllNotesOff = 123

type Instrument interface {
	graph.Voicer
	NoteOn(key, velocity uint8)
	NoteOff(key uint8)
	AllNotesOff()
	Kind() model.InstrumentType
}

// precedence lists instrument types from most to least preferred when a
// track declares more than one.
var precedence = []model.InstrumentType{
	model.InstrumentSynth,
	model.InstrumentMelodicSampler,
	model.InstrumentDrums,
	model.InstrumentSampler,
}

// Resolve picks the single unit a track plays through. ok is false when no
// spec has a known type.
func Resolve(specs []model.InstrumentSpec) (spec model.InstrumentSpec, ok bool) {
	ordered := Ordered(specs)
	if len(ordered) == 0 {
		return model.InstrumentSpec{}, false
	}
	return ordered[0], true
}

// Ordered returns the specs with a known type, most preferred first. Callers
// that fail to build the first unit fall through to the next.
func Ordered(specs []model.InstrumentSpec) []model.InstrumentSpec {
	var out []model.InstrumentSpec
	for _, typ := range precedence {
		for _, s := range specs {
			if s.Type == typ {
				out = append(out, s)
			}
		}
	}
	return out
}

// New builds the unit for spec. Buffers are looked up in store.
func New(spec model.InstrumentSpec, sampleRate int, store *media.Store) (Instrument, error) {
	switch spec.Type {
	case model.InstrumentSynth:
		return NewPolySynth(sampleRate, SynthParamsFrom(spec.Params)), nil
	case model.InstrumentMelodicSampler:
		buf, err := lookup(store, spec.BufferID)
		if err != nil {
			return nil, fmt.Errorf("melodic sampler: %w", err)
		}
		root := spec.RootKey
		if root == 0 {
			root = 60
		}
		return NewMelodicSampler(sampleRate, buf, root, spec.Params), nil
	case model.InstrumentDrums:
		pads := make(map[uint8]*media.Buffer, len(spec.Pads))
		for key, id := range spec.Pads {
			buf, err := lookup(store, id)
			if err != nil {
				return nil, fmt.Errorf("drum pad %d: %w", key, err)
			}
			pads[key] = buf
		}
		return NewDrumEngine(sampleRate, pads, spec.Params), nil
	case model.InstrumentSampler:
		buf, err := lookup(store, spec.BufferID)
		if err != nil {
			return nil, fmt.Errorf("sampler: %w", err)
		}
		return NewSampler(sampleRate, buf, spec.Params), nil
	}
	return nil, fmt.Errorf("unknown instrument type %q", spec.Type)
}

func lookup(store *media.Store, id string) (*media.Buffer, error) {
	if store == nil {
		return nil, fmt.Errorf("buffer %q: %w", id, media.ErrBufferNotFound)
	}
	return store.Get(id)
}

// dispatch routes a channel message to the note API.
func dispatch(i Instrument, msg midi.Message) {
	var ch, key, vel, ctl, val uint8
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		i.NoteOn(key, vel)
	case msg.GetNoteEnd(&ch, &key):
		i.NoteOff(key)
	case msg.GetControlChange(&ch, &ctl, &val) && ctl == ccAllNotesOff:
		i.AllNotesOff()
	}
}

func midiToFreq(key float64) float64 {
	return 440 * math.Pow(2, (key-69)/12)
}

func velocityGain(vel uint8) float64 {
	return 0.2 + 0.8*float64(vel)/127
}

func param(p map[string]float64, key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

type envState int

const (
	envAttack envState = iota
	envDecay
	envSustain
	envRelease
	envOff
)

// adsr is a linear envelope. Times are in seconds; a zero time jumps.
type adsr struct {
	state   envState
	level   float64
	attack  float64
	decay   float64
	sustain float64
	release float64
	relStep float64
}

func (e *adsr) trigger() {
	e.state = envAttack
	e.level = 0
}

func (e *adsr) noteOff(sampleRate float64) {
	if e.state == envOff || e.state == envRelease {
		return
	}
	e.state = envRelease
	e.relStep = e.level
	if e.release > 0 {
		e.relStep = e.level / (e.release * sampleRate)
	}
}

func (e *adsr) next(sampleRate float64) float64 {
	switch e.state {
	case envAttack:
		step := 1.0
		if e.attack > 0 {
			step = 1 / (e.attack * sampleRate)
		}
		e.level += step
		if e.level >= 1 {
			e.level = 1
			e.state = envDecay
		}
	case envDecay:
		step := 1.0
		if e.decay > 0 {
			step = (1 - e.sustain) / (e.decay * sampleRate)
		}
		e.level -= step
		if e.level <= e.sustain {
			e.level = e.sustain
			e.state = envSustain
		}
	case envSustain:
	case envRelease:
		e.level -= e.relStep
		if e.level <= 0.0001 || e.relStep <= 0 {
			e.level = 0
			e.state = envOff
		}
	case envOff:
		e.level = 0
	}
	return e.level
}

func (e *adsr) done() bool { return e.state == envOff }

// lfsr is a 16-bit Galois noise generator.
type lfsr uint32

func (n *lfsr) next() float64 {
	if *n == 0 {
		*n = 0xACE1
	}
	v := uint32(*n)
	v = (v >> 1) ^ (-(v & 1) & 0xB400)
	*n = lfsr(v)
	return float64(v)/0xFFFF*2 - 1
}
