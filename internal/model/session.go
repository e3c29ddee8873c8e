package model

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML defaults volume to unity when the key is absent.
func (t *Track) UnmarshalYAML(n *yaml.Node) error {
	type plain Track
	p := plain{Volume: 1}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*t = Track(p)
	return nil
}

// UnmarshalYAML defaults gain to unity when the key is absent.
func (c *Clip) UnmarshalYAML(n *yaml.Node) error {
	type plain Clip
	p := plain{Gain: 1}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*c = Clip(p)
	return nil
}

// UnmarshalYAML defaults an absent enabled key to true.
func (p *PluginInstance) UnmarshalYAML(n *yaml.Node) error {
	type plain PluginInstance
	v := plain{Enabled: true}
	if err := n.Decode(&v); err != nil {
		return err
	}
	*p = PluginInstance(v)
	return nil
}

// UnmarshalYAML defaults an absent enabled key to true.
func (s *Send) UnmarshalYAML(n *yaml.Node) error {
	type plain Send
	v := plain{Enabled: true}
	if err := n.Decode(&v); err != nil {
		return err
	}
	*s = Send(v)
	return nil
}

// LoadSession decodes and validates a YAML session document.
func LoadSession(r io.Reader) (*Session, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Session
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func LoadSessionFile(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadSession(f)
}

// Clone returns a deep copy so callers can mutate tracks without racing the
// engine's view of them.
func (t *Track) Clone() Track {
	out := *t
	out.Plugins = make([]PluginInstance, len(t.Plugins))
	for i, p := range t.Plugins {
		out.Plugins[i] = p
		if p.Params != nil {
			out.Plugins[i].Params = make(map[string]float64, len(p.Params))
			for k, v := range p.Params {
				out.Plugins[i].Params[k] = v
			}
		}
	}
	out.Automation = make([]AutomationLane, len(t.Automation))
	for i, l := range t.Automation {
		out.Automation[i] = l
		out.Automation[i].Points = append([]Point(nil), l.Points...)
	}
	out.Sends = append([]Send(nil), t.Sends...)
	out.Clips = make([]Clip, len(t.Clips))
	for i, c := range t.Clips {
		out.Clips[i] = c
		out.Clips[i].Notes = append([]Note(nil), c.Notes...)
	}
	out.Instruments = append([]InstrumentSpec(nil), t.Instruments...)
	return out
}

// CloneTracks deep-copies a track list.
func CloneTracks(tracks []Track) []Track {
	out := make([]Track, len(tracks))
	for i := range tracks {
		out[i] = tracks[i].Clone()
	}
	return out
}
