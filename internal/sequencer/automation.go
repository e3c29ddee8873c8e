package sequencer

import (
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cbegin/mixcore-go/internal/graph"
	"github.com/cbegin/mixcore-go/internal/logging"
	"github.com/cbegin/mixcore-go/internal/model"
)

// ParamResolver maps an automation target (volume, pan or
// plugin:<id>:<param>) on a track to its runtime param.
type ParamResolver interface {
	ParamFor(trackID, target string) (*graph.Param, bool)
}

// AutomationScheduler turns lane points into param events. The first window
// of each generation anchors every lane at its interpolated value, so loop
// restarts and fresh starts never ramp from a stale value.
type AutomationScheduler struct {
	params ParamResolver
	log    *logrus.Entry

	mu       sync.Mutex
	anchored bool
	gen      uint64
	touched  map[*graph.Param]struct{}
	missing  map[string]bool
}

func NewAutomationScheduler(params ParamResolver) *AutomationScheduler {
	return &AutomationScheduler{
		params:  params,
		log:     logging.For("automation"),
		touched: make(map[*graph.Param]struct{}),
		missing: make(map[string]bool),
	}
}

func (s *AutomationScheduler) Schedule(tracks []*model.Track, w Window) {
	s.mu.Lock()
	anchor := !s.anchored || s.gen != w.Generation
	s.anchored, s.gen = true, w.Generation
	s.mu.Unlock()

	for _, t := range tracks {
		for li := range t.Automation {
			lane := &t.Automation[li]
			if len(lane.Points) == 0 {
				continue
			}
			p, ok := s.resolve(t.ID, lane.Target)
			if !ok {
				continue
			}
			guard(s.log, logrus.Fields{"track": t.ID, "lane": lane.ID, "target": lane.Target}, func() {
				if anchor {
					s.anchor(p, lane, w)
				}
				s.scheduleLane(p, lane, w)
			})
		}
	}
}

func (s *AutomationScheduler) anchor(p *graph.Param, lane *model.AutomationLane, w Window) {
	v, _ := lane.ValueAt(w.Start)
	p.SetValueAtTime(v, w.Basis)
	if i := lane.Next(w.Start); i < len(lane.Points) {
		s.rampTo(p, lane, i, w)
	}
}

func (s *AutomationScheduler) scheduleLane(p *graph.Param, lane *model.AutomationLane, w Window) {
	pts := lane.Points
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Time >= w.Start })
	for ; i < len(pts) && pts[i].Time < w.End; i++ {
		if w.LoopEnd > 0 && pts[i].Time >= w.LoopEnd {
			break
		}
		p.SetValueAtTime(pts[i].Value, w.ScheduleTime(pts[i].Time))
		if i+1 < len(pts) {
			s.rampTo(p, lane, i+1, w)
		}
	}
}

// rampTo ramps toward point i, stopping at the loop end when the point lies
// beyond it.
func (s *AutomationScheduler) rampTo(p *graph.Param, lane *model.AutomationLane, i int, w Window) {
	target := lane.Points[i]
	if w.LoopEnd > 0 && target.Time > w.LoopEnd {
		v, _ := lane.ValueAt(w.LoopEnd)
		target = model.Point{Time: w.LoopEnd, Value: v}
	}
	p.LinearRampToValueAtTime(target.Value, w.ScheduleTime(target.Time))
}

// ApplyAt jumps every automated param to its lane value at project time t,
// cancelling anything scheduled. Used on seek and start.
func (s *AutomationScheduler) ApplyAt(tracks []*model.Track, t float64) {
	for _, tr := range tracks {
		for li := range tr.Automation {
			lane := &tr.Automation[li]
			v, ok := lane.ValueAt(t)
			if !ok {
				continue
			}
			if p, ok := s.resolve(tr.ID, lane.Target); ok {
				p.SetValue(v)
			}
		}
	}
}

// StopAll cancels every pending event; params keep their current value.
func (s *AutomationScheduler) StopAll() {
	s.mu.Lock()
	touched := s.touched
	s.touched = make(map[*graph.Param]struct{})
	s.missing = make(map[string]bool)
	s.anchored = false
	s.mu.Unlock()
	for p := range touched {
		p.CancelScheduledValues(math.Inf(-1))
	}
}

func (s *AutomationScheduler) resolve(trackID, target string) (*graph.Param, bool) {
	p, ok := s.params.ParamFor(trackID, target)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		key := trackID + "/" + target
		if !s.missing[key] {
			s.missing[key] = true
			s.log.WithFields(logrus.Fields{"track": trackID, "target": target}).Warn("automation target not found")
		}
		return nil, false
	}
	s.touched[p] = struct{}{}
	return p, true
}
