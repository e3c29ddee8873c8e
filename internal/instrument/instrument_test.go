package instrument

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/mixcore-go/internal/media"
	"github.com/cbegin/mixcore-go/internal/model"
)

const testRate = 48000

func render(i Instrument, frames int) ([]float32, []float32) {
	l := make([]float32, frames)
	r := make([]float32, frames)
	i.Render(l, r)
	return l, r
}

func peak(xs []float32) float64 {
	var p float64
	for _, x := range xs {
		p = math.Max(p, math.Abs(float64(x)))
	}
	return p
}

func rampBuffer(id string, frames int) *media.Buffer {
	b := media.NewBuffer(id, testRate, frames)
	for i := range b.L {
		b.L[i] = float32(i) / float32(frames)
		b.R[i] = -b.L[i]
	}
	return b
}

func TestResolvePrecedence(t *testing.T) {
	tests := []struct {
		name  string
		specs []model.InstrumentSpec
		want  model.InstrumentType
	}{
		{"synth wins", []model.InstrumentSpec{{Type: model.InstrumentSampler}, {Type: model.InstrumentDrums}, {Type: model.InstrumentSynth}}, model.InstrumentSynth},
		{"melodic over drums", []model.InstrumentSpec{{Type: model.InstrumentDrums}, {Type: model.InstrumentMelodicSampler}}, model.InstrumentMelodicSampler},
		{"drums over sampler", []model.InstrumentSpec{{Type: model.InstrumentSampler}, {Type: model.InstrumentDrums}}, model.InstrumentDrums},
		{"sampler alone", []model.InstrumentSpec{{Type: model.InstrumentSampler}}, model.InstrumentSampler},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Resolve(tt.specs)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.Type)
		})
	}
	_, ok := Resolve(nil)
	assert.False(t, ok)
}

func TestOrderedKeepsFallbacks(t *testing.T) {
	got := Ordered([]model.InstrumentSpec{
		{Type: model.InstrumentSampler, BufferID: "b"},
		{Type: "theremin"},
		{Type: model.InstrumentMelodicSampler, BufferID: "a"},
	})
	require.Len(t, got, 2)
	assert.Equal(t, model.InstrumentMelodicSampler, got[0].Type)
	assert.Equal(t, model.InstrumentSampler, got[1].Type)
	assert.Empty(t, Ordered(nil))
}

func TestNewLooksUpBuffers(t *testing.T) {
	store := media.NewStore()
	_, err := New(model.InstrumentSpec{Type: model.InstrumentSampler, BufferID: "missing"}, testRate, store)
	assert.ErrorIs(t, err, media.ErrBufferNotFound)

	store.Put(rampBuffer("pad", 100))
	inst, err := New(model.InstrumentSpec{Type: model.InstrumentDrums, Pads: map[uint8]string{36: "pad"}}, testRate, store)
	require.NoError(t, err)
	assert.Equal(t, model.InstrumentDrums, inst.Kind())

	inst, err = New(model.InstrumentSpec{Type: model.InstrumentSynth}, testRate, nil)
	require.NoError(t, err)
	assert.Equal(t, model.InstrumentSynth, inst.Kind())

	_, err = New(model.InstrumentSpec{Type: "theremin"}, testRate, store)
	assert.Error(t, err)
}

func TestPolySynthNoteLifecycle(t *testing.T) {
	p := DefaultSynthParams()
	p.Release = 0.05
	s := NewPolySynth(testRate, p)

	l, _ := render(s, 256)
	assert.Zero(t, peak(l))

	s.Handle(midi.NoteOn(0, 69, 100))
	l, r := render(s, testRate/10)
	assert.Greater(t, peak(l), 0.05)
	assert.Equal(t, l, r)
	assert.Equal(t, 1, s.ActiveVoices())

	s.Handle(midi.NoteOff(0, 69))
	render(s, testRate/10)
	assert.Zero(t, s.ActiveVoices())
	l, _ = render(s, 256)
	assert.Zero(t, peak(l))
}

func TestPolySynthZeroVelocityIsNoteOff(t *testing.T) {
	p := DefaultSynthParams()
	p.Release = 0
	s := NewPolySynth(testRate, p)
	s.NoteOn(60, 90)
	render(s, 64)
	s.NoteOn(60, 0)
	render(s, 64)
	assert.Zero(t, s.ActiveVoices())
}

func TestPolySynthStealsWhenFull(t *testing.T) {
	p := DefaultSynthParams()
	p.Polyphony = 4
	s := NewPolySynth(testRate, p)
	for k := uint8(60); k < 70; k++ {
		s.NoteOn(k, 100)
		render(s, 32)
	}
	assert.Equal(t, 4, s.ActiveVoices())

	keys := map[uint8]bool{}
	for _, v := range s.voices {
		keys[v.key] = true
	}
	assert.True(t, keys[69], "newest note keeps sounding")
	assert.False(t, keys[60], "oldest note was stolen")
}

func TestPolySynthAllNotesOffAndReset(t *testing.T) {
	p := DefaultSynthParams()
	p.Release = 0.01
	s := NewPolySynth(testRate, p)
	s.NoteOn(60, 100)
	s.NoteOn(64, 100)
	render(s, 64)

	s.Handle(midi.ControlChange(0, ccAllNotesOff, 0))
	render(s, testRate/20)
	assert.Zero(t, s.ActiveVoices())

	s.NoteOn(67, 100)
	s.Reset()
	assert.Zero(t, s.ActiveVoices())
}

func TestMelodicSamplerRepitches(t *testing.T) {
	buf := rampBuffer("tone", 1000)
	s := NewMelodicSampler(testRate, buf, 60, nil)

	s.NoteOn(60, 127)
	l, r := render(s, 10)
	assert.InDelta(t, buf.L[5], l[5], 1e-6)
	assert.InDelta(t, buf.R[5], r[5], 1e-6)
	s.Reset()

	// An octave up reads twice as fast and ends in half the time.
	s.NoteOn(72, 127)
	l, _ = render(s, 10)
	assert.InDelta(t, buf.L[10], l[5], 1e-6)
	render(s, 500)
	assert.Zero(t, s.ActiveVoices())
}

func TestMelodicSamplerReleaseFades(t *testing.T) {
	s := NewMelodicSampler(testRate, rampBuffer("tone", testRate), 60, map[string]float64{"release": 0.01})
	s.NoteOn(60, 127)
	render(s, 100)
	s.Handle(midi.NoteOff(0, 60))
	render(s, testRate/50)
	assert.Zero(t, s.ActiveVoices())
}

func TestSamplerIsOneShot(t *testing.T) {
	buf := rampBuffer("hit", 200)
	s := NewSampler(testRate, buf, nil)
	s.NoteOn(30, 127)
	s.NoteOff(30)
	l, _ := render(s, 100)
	assert.InDelta(t, buf.L[50], l[50], 1e-6, "pitch ignores the key")
	assert.Equal(t, 1, s.ActiveVoices())
	render(s, 200)
	assert.Zero(t, s.ActiveVoices())
}

func TestDrumEngineFallbackKit(t *testing.T) {
	d := NewDrumEngine(testRate, nil, nil)
	for _, key := range []uint8{keyKick, keySnare, keyHatClosed, keyCrash, 45} {
		d.Reset()
		d.NoteOn(key, 120)
		l, _ := render(d, 2048)
		assert.Greater(t, peak(l), 0.01, "key %d", key)
	}
	d.Reset()
	d.NoteOn(keyHatClosed, 120)
	render(d, testRate)
	assert.Zero(t, d.ActiveVoices())
}

func TestDrumEnginePadsAndChoke(t *testing.T) {
	pad := rampBuffer("kick", 400)
	d := NewDrumEngine(testRate, map[uint8]*media.Buffer{keyKick: pad}, nil)
	d.NoteOn(keyKick, 127)
	l, _ := render(d, 100)
	assert.InDelta(t, pad.L[40], l[40], 1e-6)

	d.Reset()
	d.NoteOn(keyHatOpen, 100)
	render(d, 64)
	require.Equal(t, 1, d.ActiveVoices())
	d.NoteOn(keyHatClosed, 100)
	for _, v := range d.synth {
		if v.active {
			assert.Equal(t, uint8(keyHatClosed), v.key)
		}
	}
}
