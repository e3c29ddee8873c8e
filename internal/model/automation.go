package model

import "sort"

type Point struct {
	Time  float64 `yaml:"time"`
	Value float64 `yaml:"value"`
}

// AutomationLane is an ordered list of control points for one target.
type AutomationLane struct {
	ID     string  `yaml:"id"`
	Target string  `yaml:"target"`
	Points []Point `yaml:"points"`
}

// ValueAt interpolates linearly between the points bracketing t. Outside the
// lane the first or last value is held. ok is false for an empty lane.
func (l *AutomationLane) ValueAt(t float64) (value float64, ok bool) {
	n := len(l.Points)
	if n == 0 {
		return 0, false
	}
	if t <= l.Points[0].Time {
		return l.Points[0].Value, true
	}
	if t >= l.Points[n-1].Time {
		return l.Points[n-1].Value, true
	}
	i := l.Next(t)
	a, b := l.Points[i-1], l.Points[i]
	span := b.Time - a.Time
	if span <= 0 {
		return b.Value, true
	}
	frac := (t - a.Time) / span
	return a.Value + (b.Value-a.Value)*frac, true
}

// Next returns the index of the first point strictly after t, or len(Points).
func (l *AutomationLane) Next(t float64) int {
	return sort.Search(len(l.Points), func(i int) bool { return l.Points[i].Time > t })
}
