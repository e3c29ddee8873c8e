package sequencer

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cbegin/mixcore-go/internal/graph"
	"github.com/cbegin/mixcore-go/internal/logging"
	"github.com/cbegin/mixcore-go/internal/media"
	"github.com/cbegin/mixcore-go/internal/model"
)

// endSlack absorbs rounding when comparing a voice end with a new start.
const endSlack = 1e-6

// TrackInputs resolves the node clip voices connect into.
type TrackInputs interface {
	InputNode(trackID string) (graph.NodeID, bool)
}

type clipVoice struct {
	node       graph.NodeID
	src        *graph.BufferSource
	trackID    string
	generation uint64
}

// ClipScheduler starts one buffer voice per audio clip. At most one voice
// per clip id is live at any instant. Schedule and StopAll are called from
// one goroutine at a time; voices end on the render goroutine.
type ClipScheduler struct {
	ctx    *graph.Context
	store  *media.Store
	inputs TrackInputs
	log    *logrus.Entry

	// OnVoiceEnded, when set, is called after a voice finishes naturally.
	// It runs on the render goroutine.
	OnVoiceEnded func(trackID, clipID string)

	mu      sync.Mutex
	voices  map[string]*clipVoice // newest voice per clip id
	live    map[*clipVoice]struct{}
	missing map[string]bool
}

func NewClipScheduler(ctx *graph.Context, store *media.Store, inputs TrackInputs) *ClipScheduler {
	return &ClipScheduler{
		ctx:     ctx,
		store:   store,
		inputs:  inputs,
		log:     logging.For("clips"),
		voices:  make(map[string]*clipVoice),
		live:    make(map[*clipVoice]struct{}),
		missing: make(map[string]bool),
	}
}

func (s *ClipScheduler) Schedule(tracks []*model.Track, w Window) {
	for _, t := range tracks {
		if t.Mute || !t.Kind.AudioBearing() || len(t.Clips) == 0 {
			continue
		}
		input, ok := s.inputs.InputNode(t.ID)
		if !ok {
			s.warnOnce("track:"+t.ID, logrus.Fields{"track": t.ID}, "track has no graph yet, skipping clips")
			continue
		}
		for i := range t.Clips {
			c := &t.Clips[i]
			if c.Mute || c.BufferID == "" || !c.Overlaps(w.Start, w.End) {
				continue
			}
			guard(s.log, logrus.Fields{"track": t.ID, "clip": c.ID}, func() {
				s.scheduleClip(t.ID, c, input, w)
			})
		}
	}
}

func (s *ClipScheduler) scheduleClip(trackID string, c *model.Clip, input graph.NodeID, w Window) {
	from := max(c.Start, w.Start)
	end := w.limit(c.End())
	duration := end - from
	if duration <= 0 {
		return
	}
	when := w.ScheduleTime(from)

	s.mu.Lock()
	prev, busy := s.voices[c.ID]
	s.mu.Unlock()
	if busy && !(prev.generation < w.Generation && prev.src.EndTime() <= when+endSlack) {
		return
	}

	buf, err := s.store.Get(c.BufferID)
	if err != nil {
		s.warnOnce("clip:"+c.ID, logrus.Fields{"track": trackID, "clip": c.ID, "buffer": c.BufferID}, "clip buffer missing, skipping")
		return
	}

	region := graph.Region{
		Start:   c.Offset,
		Length:  c.Duration,
		Reverse: c.Reverse,
		FadeIn:  c.FadeIn,
		FadeOut: c.FadeOut,
		Gain:    c.Gain,
	}
	src := graph.NewBufferSource(s.ctx, buf, region, when, from-c.Start, duration)
	v := &clipVoice{src: src, trackID: trackID, generation: w.Generation}
	clipID := c.ID
	src.OnEnded(func() { s.ended(clipID, v) })

	s.mu.Lock()
	s.voices[clipID] = v
	s.live[v] = struct{}{}
	s.mu.Unlock()

	var connErr error
	s.ctx.Update(func(e *graph.Editor) {
		v.node = e.Add("clip:"+clipID, src)
		if connErr = e.Connect(v.node, input); connErr != nil {
			e.Remove(v.node)
		}
	})
	if connErr != nil {
		s.mu.Lock()
		if s.voices[clipID] == v {
			delete(s.voices, clipID)
		}
		delete(s.live, v)
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{"track": trackID, "clip": clipID}).WithError(connErr).Warn("cannot connect clip voice")
		return
	}

	s.log.WithFields(logrus.Fields{
		"clip":       clipID,
		"when":       when,
		"offset":     from - c.Start,
		"duration":   duration,
		"generation": w.Generation,
	}).Debug("clip voice scheduled")
}

// ended unregisters v unless a newer voice already took its slot.
func (s *ClipScheduler) ended(clipID string, v *clipVoice) {
	s.mu.Lock()
	if s.voices[clipID] == v {
		delete(s.voices, clipID)
	}
	_, live := s.live[v]
	delete(s.live, v)
	s.mu.Unlock()
	if !live {
		return
	}
	if s.OnVoiceEnded != nil {
		s.OnVoiceEnded(v.trackID, clipID)
	}
}

func (s *ClipScheduler) StopAll() {
	s.mu.Lock()
	live := s.live
	s.voices = make(map[string]*clipVoice)
	s.live = make(map[*clipVoice]struct{})
	s.missing = make(map[string]bool)
	s.mu.Unlock()
	s.ctx.Update(func(e *graph.Editor) {
		for v := range live {
			e.Remove(v.node)
		}
	})
}

// StopTrack removes the voices of one track, used when a track is deleted
// or muted while playing.
func (s *ClipScheduler) StopTrack(trackID string) {
	s.mu.Lock()
	var nodes []graph.NodeID
	for v := range s.live {
		if v.trackID == trackID {
			nodes = append(nodes, v.node)
			delete(s.live, v)
		}
	}
	for id, v := range s.voices {
		if v.trackID == trackID {
			delete(s.voices, id)
		}
	}
	s.mu.Unlock()
	s.ctx.Update(func(e *graph.Editor) {
		for _, n := range nodes {
			e.Remove(n)
		}
	})
}

// ActiveVoices counts voices that have not finished yet.
func (s *ClipScheduler) ActiveVoices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *ClipScheduler) VoiceFor(clipID string) (*graph.BufferSource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.voices[clipID]
	if !ok {
		return nil, false
	}
	return v.src, true
}

func (s *ClipScheduler) warnOnce(key string, fields logrus.Fields, msg string) {
	s.mu.Lock()
	seen := s.missing[key]
	s.missing[key] = true
	s.mu.Unlock()
	if !seen {
		s.log.WithFields(fields).Warn(msg)
	}
}
