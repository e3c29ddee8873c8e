// Package sequencer turns session state into timed runtime events. Each
// scheduler receives the same lookahead windows from the transport and
// places clip voices, note messages and automation events at absolute
// runtime times.
package sequencer

import (
	"github.com/sirupsen/logrus"

	"github.com/cbegin/mixcore-go/internal/model"
)

// Window is one slice of project time [Start, End) being scheduled ahead.
// Basis is the runtime time at which Start sounds.
type Window struct {
	Start      float64
	End        float64
	Basis      float64
	Generation uint64
	// LoopEnd is the active loop end, or 0 when no loop is active. Voices
	// and notes scheduled in this generation stop there.
	LoopEnd float64
}

// ScheduleTime maps a project time in (or near) the window to runtime time.
func (w Window) ScheduleTime(t float64) float64 {
	return w.Basis + (t - w.Start)
}

func (w Window) Contains(t float64) bool {
	return t >= w.Start && t < w.End
}

// containsRelease is Contains, except that the window ending at the loop
// end also owns releases falling exactly on it.
func (w Window) containsRelease(t float64) bool {
	if w.Contains(t) {
		return true
	}
	return w.LoopEnd > 0 && w.End >= w.LoopEnd && t >= w.Start && t <= w.End
}

// limit returns end clamped to the loop end.
func (w Window) limit(end float64) float64 {
	if w.LoopEnd > 0 && end > w.LoopEnd {
		return w.LoopEnd
	}
	return end
}

// Scheduler is driven by the transport once per window.
type Scheduler interface {
	Schedule(tracks []*model.Track, w Window)
	// StopAll silences everything the scheduler started and forgets all
	// dedup state.
	StopAll()
}

// guard runs fn and logs instead of propagating a panic, so one bad event
// cannot stop the tick.
func guard(log *logrus.Entry, fields logrus.Fields, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(fields).Errorf("scheduling failed: %v", r)
		}
	}()
	fn()
}
