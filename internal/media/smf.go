package media

import (
	"fmt"
	"io"
	"sort"

	"github.com/cbegin/mixcore-go/internal/model"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

const defaultBPM = 120

// LoadMIDIClip reads a standard MIDI file into a note clip. All tracks and
// channels are merged; note times honor tempo changes.
func LoadMIDIClip(r io.Reader, clipID string) (*model.Clip, error) {
	s, err := smf.ReadFrom(r)
	if err != nil {
		return nil, fmt.Errorf("read midi: %w", err)
	}
	ticks, ok := s.TimeFormat.(smf.MetricTicks)
	if !ok || ticks == 0 {
		return nil, fmt.Errorf("read midi: unsupported time format %v", s.TimeFormat)
	}

	type rawEvent struct {
		tick int64
		msg  midi.Message
		bpm  float64
	}
	var events []rawEvent
	for _, tr := range s.Tracks {
		var abs int64
		for _, ev := range tr {
			abs += int64(ev.Delta)
			var bpm float64
			if ev.Message.GetMetaTempo(&bpm) {
				events = append(events, rawEvent{tick: abs, bpm: bpm})
				continue
			}
			events = append(events, rawEvent{tick: abs, msg: midi.Message(ev.Message)})
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].tick < events[j].tick })

	clip := &model.Clip{ID: clipID, Gain: 1}
	open := map[uint8][]int{}
	bpm := float64(defaultBPM)
	var lastTick int64
	var now float64
	for _, ev := range events {
		now += float64(ev.tick-lastTick) * 60 / (bpm * float64(ticks))
		lastTick = ev.tick
		if ev.bpm > 0 {
			bpm = ev.bpm
			continue
		}
		var ch, key, vel uint8
		switch {
		case ev.msg.GetNoteStart(&ch, &key, &vel):
			clip.Notes = append(clip.Notes, model.Note{Key: key, Velocity: vel, Start: now})
			open[key] = append(open[key], len(clip.Notes)-1)
		case ev.msg.GetNoteEnd(&ch, &key):
			if idx := open[key]; len(idx) > 0 {
				n := &clip.Notes[idx[0]]
				n.Duration = now - n.Start
				open[key] = idx[1:]
			}
		}
	}
	for _, idx := range open {
		for _, i := range idx {
			clip.Notes[i].Duration = now - clip.Notes[i].Start
		}
	}
	clip.Duration = now
	return clip, nil
}

// WriteMIDIClip writes a clip's notes as a single-track standard MIDI file
// at the given tempo.
func WriteMIDIClip(w io.Writer, clip *model.Clip, bpm float64) error {
	if bpm <= 0 {
		bpm = defaultBPM
	}
	const resolution = 960
	secToTick := func(sec float64) int64 { return int64(sec*bpm/60*resolution + 0.5) }

	type timed struct {
		tick int64
		msg  midi.Message
	}
	var evs []timed
	for _, n := range clip.Notes {
		evs = append(evs,
			timed{secToTick(n.Start), midi.NoteOn(0, n.Key, n.Velocity)},
			timed{secToTick(n.Start + n.Duration), midi.NoteOff(0, n.Key)},
		)
	}
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].tick < evs[j].tick })

	sm := smf.New()
	sm.TimeFormat = smf.MetricTicks(resolution)
	var tr smf.Track
	tr.Add(0, smf.MetaTempo(bpm))
	var last int64
	for _, e := range evs {
		tr.Add(uint32(e.tick-last), e.msg)
		last = e.tick
	}
	tr.Close(0)
	if err := sm.Add(tr); err != nil {
		return fmt.Errorf("write midi: %w", err)
	}
	_, err := sm.WriteTo(w)
	return err
}
