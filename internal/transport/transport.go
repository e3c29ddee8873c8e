// Package transport runs the lookahead scheduling loop: it maps the runtime
// clock onto project time, cuts the span ahead of the clock into windows
// (splitting them at the loop end) and hands every window to the
// schedulers.
package transport

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cbegin/mixcore-go/internal/config"
	"github.com/cbegin/mixcore-go/internal/logging"
	"github.com/cbegin/mixcore-go/internal/model"
	"github.com/cbegin/mixcore-go/internal/sequencer"
)

// minLoop is the shortest loop that wraps; shorter loops play through.
const minLoop = 0.01

// Clock is the runtime clock in seconds.
type Clock interface {
	Now() float64
}

// Snapshotter applies parameter state at a project time immediately.
type Snapshotter interface {
	ApplyAt(tracks []*model.Track, t float64)
}

type Options struct {
	Timing config.Timing
	// OnWrap is called after a window crosses the loop end, with the new
	// generation.
	OnWrap func(generation uint64)
}

// anchor pins a project time to the runtime time it sounds at.
type anchor struct {
	runtime float64
	project float64
}

type Transport struct {
	clock      Clock
	schedulers []sequencer.Scheduler
	snap       Snapshotter
	opts       Options
	log        *logrus.Entry

	mu      sync.Mutex
	playing bool
	tracks  []*model.Track
	loop    model.Loop
	parked  float64
	gen     uint64

	anchors []anchor // ascending runtime; first one is at or before now
	until   float64  // runtime time scheduled up to
	cursor  float64  // project time at until
}

// New creates a stopped transport. Schedulers are called in order for every
// window; snap may be nil.
func New(clock Clock, snap Snapshotter, opts Options, schedulers ...sequencer.Scheduler) *Transport {
	if opts.Timing == (config.Timing{}) {
		opts.Timing = config.LatencyBalanced.Timing()
	}
	return &Transport{
		clock:      clock,
		schedulers: schedulers,
		snap:       snap,
		opts:       opts,
		log:        logging.For("transport"),
	}
}

func (t *Transport) loopActive() bool {
	return t.loop.Active() && t.loop.End-t.loop.Start >= minLoop
}

// SetTracks replaces the track snapshot used by following ticks.
func (t *Transport) SetTracks(tracks []*model.Track) {
	t.mu.Lock()
	t.tracks = tracks
	t.mu.Unlock()
}

func (t *Transport) SetLoop(start, end float64, enabled bool) {
	t.mu.Lock()
	t.loop = model.Loop{Enabled: enabled, Start: start, End: end}
	t.mu.Unlock()
}

func (t *Transport) Loop() model.Loop {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loop
}

func (t *Transport) Playing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playing
}

// Generation returns the current scheduling generation. It increases on
// every start, seek and loop wrap.
func (t *Transport) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// Start begins playback from project time offset, StartDelay after now.
// Starting while playing restarts from offset.
func (t *Transport) Start(offset float64, tracks []*model.Track) {
	t.mu.Lock()
	if t.playing {
		t.stopLocked()
	}
	t.tracks = tracks
	if t.loopActive() && offset >= t.loop.End {
		offset = t.loop.Start
	}
	offset = math.Max(0, offset)
	t.applyAt(offset)

	start := t.clock.Now() + t.opts.Timing.StartDelay.Seconds()
	t.anchors = []anchor{{runtime: start, project: offset}}
	t.until = start
	t.cursor = offset
	t.gen++
	t.playing = true
	t.parked = offset
	t.log.WithFields(logrus.Fields{"offset": offset, "generation": t.gen}).Info("transport started")
	wraps := t.scheduleLocked()
	t.mu.Unlock()
	t.notify(wraps)
}

// Stop silences every voice and note at once and parks at the current
// position.
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.playing {
		return
	}
	t.stopLocked()
	t.log.WithField("position", t.parked).Info("transport stopped")
}

func (t *Transport) stopLocked() {
	t.parked = t.currentLocked()
	t.playing = false
	t.anchors = nil
	for _, s := range t.schedulers {
		t.isolate("stop", func() { s.StopAll() })
	}
}

// Seek moves the playhead to project time pos: stop, park, snapshot
// automation, and resume when asked.
func (t *Transport) Seek(pos float64, tracks []*model.Track, resume bool) {
	t.mu.Lock()
	if t.playing {
		t.stopLocked()
	}
	pos = math.Max(0, pos)
	t.parked = pos
	t.tracks = tracks
	if !resume {
		t.applyAt(pos)
	}
	t.mu.Unlock()
	if resume {
		t.Start(pos, tracks)
	}
}

// CurrentTime returns the project position sounding now.
func (t *Transport) CurrentTime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentLocked()
}

// Pending returns how long until a just-started transport begins sounding,
// or zero when it is stopped or already past its start delay.
func (t *Transport) Pending() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.playing || len(t.anchors) == 0 {
		return 0
	}
	wait := t.anchors[0].runtime - t.clock.Now()
	if wait <= 0 {
		return 0
	}
	return time.Duration(wait * float64(time.Second))
}

func (t *Transport) currentLocked() float64 {
	if !t.playing || len(t.anchors) == 0 {
		return t.parked
	}
	now := t.clock.Now()
	i := 0
	for i+1 < len(t.anchors) && t.anchors[i+1].runtime <= now {
		i++
	}
	a := t.anchors[i]
	t.anchors = t.anchors[i:]
	if now < a.runtime {
		return a.project
	}
	pos := a.project + (now - a.runtime)
	if t.loopActive() && a.project < t.loop.End && pos >= t.loop.End {
		length := t.loop.End - t.loop.Start
		pos = t.loop.Start + math.Mod(pos-t.loop.Start, length)
	}
	return pos
}

// Tick schedules everything up to now plus the lookahead. It is what Run
// calls on every interval; offline rendering calls it directly.
func (t *Transport) Tick() {
	t.mu.Lock()
	wraps := t.scheduleLocked()
	t.mu.Unlock()
	t.notify(wraps)
}

func (t *Transport) scheduleLocked() []uint64 {
	if !t.playing {
		return nil
	}
	horizon := t.clock.Now() + t.opts.Timing.LookAhead.Seconds()
	var wraps []uint64
	for _, w := range t.windows(horizon, &wraps) {
		for _, s := range t.schedulers {
			t.isolate("schedule", func() { s.Schedule(t.tracks, w) })
		}
	}
	return wraps
}

// windows cuts [until, horizon) into project-time windows and advances the
// scheduling cursor. A window reaching the loop end stops there and the
// next one starts at the loop start in a new generation.
func (t *Transport) windows(horizon float64, wraps *[]uint64) []sequencer.Window {
	var out []sequencer.Window
	for t.until < horizon {
		w := sequencer.Window{
			Start:      t.cursor,
			End:        t.cursor + (horizon - t.until),
			Basis:      t.until,
			Generation: t.gen,
		}
		if !t.loopActive() || t.cursor >= t.loop.End {
			out = append(out, w)
			t.until, t.cursor = horizon, w.End
			break
		}
		w.LoopEnd = t.loop.End
		if w.End < t.loop.End {
			out = append(out, w)
			t.until, t.cursor = horizon, w.End
			break
		}
		w.End = t.loop.End
		if w.End > w.Start {
			out = append(out, w)
		}
		t.until += w.End - w.Start
		t.cursor = t.loop.Start
		t.gen++
		t.anchors = append(t.anchors, anchor{runtime: t.until, project: t.cursor})
		*wraps = append(*wraps, t.gen)
		t.log.WithFields(logrus.Fields{"at": t.until, "generation": t.gen}).Debug("loop wrap scheduled")
	}
	return out
}

func (t *Transport) applyAt(pos float64) {
	if t.snap == nil {
		return
	}
	t.isolate("snapshot", func() { t.snap.ApplyAt(t.tracks, pos) })
}

func (t *Transport) notify(wraps []uint64) {
	if t.opts.OnWrap == nil {
		return
	}
	for _, g := range wraps {
		t.opts.OnWrap(g)
	}
}

// isolate keeps a failing scheduler from taking the loop down.
func (t *Transport) isolate(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.log.WithField("op", op).Errorf("scheduler failed: %v", r)
		}
	}()
	fn()
}

// Run ticks every TickInterval until ctx is done.
func (t *Transport) Run(ctx context.Context) error {
	interval := t.opts.Timing.TickInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Tick()
		}
	}
}
