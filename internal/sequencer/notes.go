package sequencer

import (
	"sync"

	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/mixcore-go/internal/graph"
	"github.com/cbegin/mixcore-go/internal/logging"
	"github.com/cbegin/mixcore-go/internal/model"
)

// Instruments resolves the single instrument node a track plays through.
type Instruments interface {
	InstrumentFor(trackID string) (*graph.InstrumentNode, bool)
}

type noteRef struct {
	clip  string
	index int
}

type sentKey struct {
	generation uint64
	note       noteRef
}

type activeNote struct {
	inst *graph.InstrumentNode
	key  uint8
}

// NoteScheduler emits note on/off messages for MIDI clips to each track's
// instrument node.
type NoteScheduler struct {
	ctx         *graph.Context
	instruments Instruments
	log         *logrus.Entry

	mu      sync.Mutex
	sent    map[sentKey]struct{}
	active  map[noteRef]activeNote
	touched map[*graph.InstrumentNode]struct{}
	gen     uint64
	missing map[string]bool
}

func NewNoteScheduler(ctx *graph.Context, instruments Instruments) *NoteScheduler {
	return &NoteScheduler{
		ctx:         ctx,
		instruments: instruments,
		log:         logging.For("notes"),
		sent:        make(map[sentKey]struct{}),
		active:      make(map[noteRef]activeNote),
		touched:     make(map[*graph.InstrumentNode]struct{}),
		missing:     make(map[string]bool),
	}
}

func (s *NoteScheduler) Schedule(tracks []*model.Track, w Window) {
	s.mu.Lock()
	if w.Generation != s.gen {
		s.gen = w.Generation
		for k := range s.sent {
			if k.generation+1 < w.Generation {
				delete(s.sent, k)
			}
		}
	}
	s.mu.Unlock()

	for _, t := range tracks {
		if t.Mute || !t.Kind.MIDIBearing() {
			continue
		}
		hasNotes := false
		for i := range t.Clips {
			if len(t.Clips[i].Notes) > 0 {
				hasNotes = true
				break
			}
		}
		if !hasNotes {
			continue
		}
		inst, ok := s.instruments.InstrumentFor(t.ID)
		if !ok {
			s.warnOnce(t.ID)
			continue
		}
		for i := range t.Clips {
			c := &t.Clips[i]
			if c.Mute || len(c.Notes) == 0 {
				continue
			}
			guard(s.log, logrus.Fields{"track": t.ID, "clip": c.ID}, func() {
				s.scheduleClip(inst, c, w)
			})
		}
	}
}

func (s *NoteScheduler) scheduleClip(inst *graph.InstrumentNode, c *model.Clip, w Window) {
	clipEnd := w.limit(c.End())
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range c.Notes {
		on := c.Start + n.Start
		if n.Start >= c.Duration || on >= clipEnd {
			continue
		}
		off := min(on+n.Duration, clipEnd)
		ref := noteRef{clip: c.ID, index: i}

		if w.Contains(on) {
			k := sentKey{generation: w.Generation, note: ref}
			if _, dup := s.sent[k]; !dup {
				s.sent[k] = struct{}{}
				if prev, held := s.active[ref]; held {
					prev.inst.Schedule(w.ScheduleTime(on), midi.NoteOff(0, prev.key))
				}
				inst.Schedule(w.ScheduleTime(on), midi.NoteOn(0, n.Key, n.Velocity))
				s.active[ref] = activeNote{inst: inst, key: n.Key}
				s.touched[inst] = struct{}{}
			}
		}
		if w.containsRelease(off) {
			if a, held := s.active[ref]; held {
				a.inst.Schedule(w.ScheduleTime(off), midi.NoteOff(0, a.key))
				delete(s.active, ref)
			}
		}
	}
}

// ActiveNotes returns the number of notes started and not yet released.
func (s *NoteScheduler) ActiveNotes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// StopAll silences every instrument notes were sent to, release tails
// included, and forgets all emitted events.
func (s *NoteScheduler) StopAll() {
	s.mu.Lock()
	insts := s.touched
	s.touched = make(map[*graph.InstrumentNode]struct{})
	s.active = make(map[noteRef]activeNote)
	s.sent = make(map[sentKey]struct{})
	s.missing = make(map[string]bool)
	s.mu.Unlock()
	s.ctx.Update(func(*graph.Editor) {
		for n := range insts {
			n.Reset()
		}
	})
}

func (s *NoteScheduler) warnOnce(trackID string) {
	s.mu.Lock()
	seen := s.missing[trackID]
	s.missing[trackID] = true
	s.mu.Unlock()
	if !seen {
		s.log.WithField("track", trackID).Warn("track has no instrument, skipping notes")
	}
}
