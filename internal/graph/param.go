package graph

import (
	"sort"
	"sync"
)

type paramEvent struct {
	time  float64
	value float64
	ramp  bool
}

// Param is an automatable value. Events are placed on the runtime timeline
// and evaluated per sample while rendering: a set event jumps at its time, a
// ramp event interpolates linearly from the previous event to its own time.
// Safe for concurrent use.
type Param struct {
	mu      sync.Mutex
	value   float64
	anchorT float64
	anchorV float64
	events  []paramEvent
	now     func() float64
}

func newParam(v float64, now func() float64) *Param {
	return &Param{value: v, anchorV: v, now: now}
}

// NewParam creates a standalone param with a fixed clock at zero.
func NewParam(v float64) *Param {
	return newParam(v, func() float64 { return 0 })
}

// Value returns the most recently rendered (or set) value.
func (p *Param) Value() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// SetValue cancels everything scheduled and jumps to v now.
func (p *Param) SetValue(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = p.events[:0]
	p.value = v
	p.anchorT, p.anchorV = p.now(), v
}

func (p *Param) SetValueAtTime(v, t float64) {
	p.insert(paramEvent{time: t, value: v})
}

// LinearRampToValueAtTime ramps from the preceding event (or the current
// value) to v, arriving at t.
func (p *Param) LinearRampToValueAtTime(v, t float64) {
	p.insert(paramEvent{time: t, value: v, ramp: true})
}

// CancelScheduledValues drops every event at or after t.
func (p *Param) CancelScheduledValues(t float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := sort.Search(len(p.events), func(i int) bool { return p.events[i].time >= t })
	p.events = p.events[:i]
}

// Scheduled returns the number of pending events.
func (p *Param) Scheduled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *Param) insert(e paramEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := sort.Search(len(p.events), func(i int) bool { return p.events[i].time > e.time })
	p.events = append(p.events, paramEvent{})
	copy(p.events[i+1:], p.events[i:])
	p.events[i] = e
}

// ValueAt evaluates the timeline at t without consuming events.
func (p *Param) ValueAt(t float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, at, av := p.value, p.anchorT, p.anchorV
	for _, e := range p.events {
		if e.time > t {
			if e.ramp && e.time > at && t >= at {
				return av + (e.value-av)*(t-at)/(e.time-at)
			}
			return v
		}
		v, at, av = e.value, e.time, e.value
	}
	return v
}

// fill writes the value for each sample of a block starting at t0.
func (p *Param) fill(dst []float32, t0, dt float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		v := float32(p.value)
		for i := range dst {
			dst[i] = v
		}
		return
	}
	for i := range dst {
		p.advance(t0 + float64(i)*dt)
		dst[i] = float32(p.value)
	}
}

// advance consumes events up to t and updates value.
func (p *Param) advance(t float64) {
	for len(p.events) > 0 {
		e := p.events[0]
		if e.time > t {
			if e.ramp && e.time > p.anchorT && t >= p.anchorT {
				p.value = p.anchorV + (e.value-p.anchorV)*(t-p.anchorT)/(e.time-p.anchorT)
			}
			return
		}
		p.value = e.value
		p.anchorT, p.anchorV = e.time, e.value
		p.events = p.events[1:]
	}
}

// Advance moves the param to time t, consuming past events. Used for
// control-rate params that are read once per block.
func (p *Param) Advance(t float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance(t)
	return p.value
}

// RampTo holds the value the timeline has at from, then ramps to v by to.
// Events after from are cancelled.
func (p *Param) RampTo(v, from, to float64) {
	cur := p.ValueAt(from)
	p.CancelScheduledValues(from)
	p.SetValueAtTime(cur, from)
	p.LinearRampToValueAtTime(v, to)
}
