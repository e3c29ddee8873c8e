// Package model holds the session data the engine consumes: tracks, clips,
// notes, plugin instances, automation lanes and sends.
package model

import (
	"fmt"
	"sort"
	"strings"
)

// MasterID names the master bus as an output destination.
const MasterID = "master"

type TrackKind string

const (
	KindAudio    TrackKind = "audio"
	KindMIDI     TrackKind = "midi"
	KindBus      TrackKind = "bus"
	KindSend     TrackKind = "send"
	KindSampler  TrackKind = "sampler"
	KindDrumRack TrackKind = "drum-rack"
)

// AudioBearing reports whether clips on this kind reference audio buffers.
func (k TrackKind) AudioBearing() bool {
	switch k {
	case KindAudio, KindSampler:
		return true
	}
	return false
}

// MIDIBearing reports whether clips on this kind carry notes.
func (k TrackKind) MIDIBearing() bool {
	switch k {
	case KindMIDI, KindSampler, KindDrumRack:
		return true
	}
	return false
}

// Bus reports whether other tracks may route into this kind.
func (k TrackKind) Bus() bool {
	return k == KindBus || k == KindSend
}

func (k TrackKind) Valid() bool {
	switch k {
	case KindAudio, KindMIDI, KindBus, KindSend, KindSampler, KindDrumRack:
		return true
	}
	return false
}

type Track struct {
	ID          string           `yaml:"id"`
	Name        string           `yaml:"name,omitempty"`
	Kind        TrackKind        `yaml:"kind"`
	Mute        bool             `yaml:"mute,omitempty"`
	Solo        bool             `yaml:"solo,omitempty"`
	Armed       bool             `yaml:"armed,omitempty"`
	Frozen      bool             `yaml:"frozen,omitempty"`
	Volume      float64          `yaml:"volume"`
	Pan         float64          `yaml:"pan,omitempty"`
	Output      string           `yaml:"output,omitempty"`
	Plugins     []PluginInstance `yaml:"plugins,omitempty"`
	Automation  []AutomationLane `yaml:"automation,omitempty"`
	Sends       []Send           `yaml:"sends,omitempty"`
	Clips       []Clip           `yaml:"clips,omitempty"`
	Instruments []InstrumentSpec `yaml:"instruments,omitempty"`
}

// Destination returns the output id, defaulting to the master bus.
func (t *Track) Destination() string {
	if t.Output == "" {
		return MasterID
	}
	return t.Output
}

// Lane returns the automation lane for target, or nil.
func (t *Track) Lane(target string) *AutomationLane {
	for i := range t.Automation {
		if t.Automation[i].Target == target {
			return &t.Automation[i]
		}
	}
	return nil
}

type Clip struct {
	ID       string  `yaml:"id"`
	Start    float64 `yaml:"start"`
	Duration float64 `yaml:"duration"`
	Offset   float64 `yaml:"offset,omitempty"`
	FadeIn   float64 `yaml:"fadeIn,omitempty"`
	FadeOut  float64 `yaml:"fadeOut,omitempty"`
	Gain     float64 `yaml:"gain"`
	Mute     bool    `yaml:"mute,omitempty"`
	Reverse  bool    `yaml:"reverse,omitempty"`
	BufferID string  `yaml:"buffer,omitempty"`
	Notes    []Note  `yaml:"notes,omitempty"`
}

func (c *Clip) End() float64 { return c.Start + c.Duration }

// Overlaps reports whether [Start, End) intersects [from, to).
func (c *Clip) Overlaps(from, to float64) bool {
	return c.Start < to && c.End() > from
}

// Note times are relative to the owning clip's start, in seconds.
type Note struct {
	Key      uint8   `yaml:"key"`
	Velocity uint8   `yaml:"velocity"`
	Start    float64 `yaml:"start"`
	Duration float64 `yaml:"duration"`
}

type PluginInstance struct {
	ID      string             `yaml:"id"`
	Type    string             `yaml:"type"`
	Enabled bool               `yaml:"enabled"`
	Params  map[string]float64 `yaml:"params,omitempty"`
}

// Send is a post-fader tap into a bus track.
type Send struct {
	Destination string  `yaml:"destination"`
	Level       float64 `yaml:"level"`
	Enabled     bool    `yaml:"enabled"`
}

type InstrumentType string

const (
	InstrumentSynth          InstrumentType = "synth"
	InstrumentMelodicSampler InstrumentType = "melodic-sampler"
	InstrumentDrums          InstrumentType = "drums"
	InstrumentSampler        InstrumentType = "sampler"
)

// InstrumentSpec describes a voice-producing unit owned by a track.
type InstrumentSpec struct {
	Type     InstrumentType     `yaml:"type"`
	Params   map[string]float64 `yaml:"params,omitempty"`
	BufferID string             `yaml:"buffer,omitempty"`
	RootKey  uint8              `yaml:"rootKey,omitempty"`
	Pads     map[uint8]string   `yaml:"pads,omitempty"`
}

type Loop struct {
	Enabled bool    `yaml:"enabled"`
	Start   float64 `yaml:"start"`
	End     float64 `yaml:"end"`
}

// Active reports whether the loop is enabled with a positive length.
func (l Loop) Active() bool {
	return l.Enabled && l.End > l.Start
}

type Session struct {
	Tempo  float64 `yaml:"tempo"`
	Loop   Loop    `yaml:"loop,omitempty"`
	Tracks []Track `yaml:"tracks"`
}

func (s *Session) Track(id string) *Track {
	for i := range s.Tracks {
		if s.Tracks[i].ID == id {
			return &s.Tracks[i]
		}
	}
	return nil
}

// BeatDuration returns seconds per quarter note.
func (s *Session) BeatDuration() float64 {
	if s.Tempo <= 0 {
		return 0.5
	}
	return 60 / s.Tempo
}

// Validate checks ids and ordering and fills defaults.
func (s *Session) Validate() error {
	if s.Tempo == 0 {
		s.Tempo = 120
	}
	if s.Tempo < 0 {
		return fmt.Errorf("tempo must be positive, got %v", s.Tempo)
	}
	if s.Loop.Enabled && s.Loop.End <= s.Loop.Start {
		return fmt.Errorf("loop end %v must be after start %v", s.Loop.End, s.Loop.Start)
	}
	seen := map[string]bool{MasterID: true}
	armed := ""
	for i := range s.Tracks {
		t := &s.Tracks[i]
		if t.ID == "" {
			return fmt.Errorf("track %d: missing id", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("track %q: duplicate id", t.ID)
		}
		seen[t.ID] = true
		if !t.Kind.Valid() {
			return fmt.Errorf("track %q: unknown kind %q", t.ID, t.Kind)
		}
		if t.Armed {
			if armed != "" {
				return fmt.Errorf("tracks %q and %q are both armed", armed, t.ID)
			}
			armed = t.ID
		}
		if err := t.normalize(); err != nil {
			return fmt.Errorf("track %q: %w", t.ID, err)
		}
	}
	return nil
}

func (t *Track) normalize() error {
	if t.Pan < -1 || t.Pan > 1 {
		return fmt.Errorf("pan %v out of range", t.Pan)
	}
	for i := range t.Clips {
		c := &t.Clips[i]
		if c.Duration < 0 {
			return fmt.Errorf("clip %q: negative duration", c.ID)
		}
		sort.SliceStable(c.Notes, func(a, b int) bool { return c.Notes[a].Start < c.Notes[b].Start })
	}
	for i := range t.Automation {
		lane := &t.Automation[i]
		if !ValidTarget(lane.Target) {
			return fmt.Errorf("lane %q: unsupported target %q", lane.ID, lane.Target)
		}
		sort.SliceStable(lane.Points, func(a, b int) bool { return lane.Points[a].Time < lane.Points[b].Time })
	}
	return nil
}

// PluginTarget builds the automation target name for a plugin parameter.
func PluginTarget(pluginID, param string) string {
	return "plugin:" + pluginID + ":" + param
}

// ParsePluginTarget splits a plugin automation target.
func ParsePluginTarget(target string) (pluginID, param string, ok bool) {
	rest, found := strings.CutPrefix(target, "plugin:")
	if !found {
		return "", "", false
	}
	pluginID, param, ok = strings.Cut(rest, ":")
	if !ok || pluginID == "" || param == "" {
		return "", "", false
	}
	return pluginID, param, true
}

const (
	TargetVolume = "volume"
	TargetPan    = "pan"
)

func ValidTarget(target string) bool {
	if target == TargetVolume || target == TargetPan {
		return true
	}
	_, _, ok := ParsePluginTarget(target)
	return ok
}
