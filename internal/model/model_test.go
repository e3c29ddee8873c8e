package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneValueAt(t *testing.T) {
	lane := AutomationLane{ID: "vol", Target: TargetVolume, Points: []Point{{0, 0.5}, {2, 1.0}}}
	tests := []struct {
		at   float64
		want float64
	}{
		{-1, 0.5},
		{0, 0.5},
		{1, 0.75},
		{2, 1.0},
		{5, 1.0},
	}
	for _, tt := range tests {
		got, ok := lane.ValueAt(tt.at)
		require.True(t, ok)
		assert.InDelta(t, tt.want, got, 1e-9, "t=%v", tt.at)
	}
}

func TestLaneValueAtEmpty(t *testing.T) {
	var lane AutomationLane
	_, ok := lane.ValueAt(1)
	assert.False(t, ok)
}

func TestClipOverlaps(t *testing.T) {
	c := Clip{Start: 5, Duration: 3}
	assert.True(t, c.Overlaps(4, 6))
	assert.True(t, c.Overlaps(7.9, 9))
	assert.False(t, c.Overlaps(8, 9))
	assert.False(t, c.Overlaps(0, 5))
}

func TestParsePluginTarget(t *testing.T) {
	id, param, ok := ParsePluginTarget(PluginTarget("rev1", "mix"))
	require.True(t, ok)
	assert.Equal(t, "rev1", id)
	assert.Equal(t, "mix", param)

	for _, bad := range []string{"volume", "plugin:", "plugin:x", "plugin::mix"} {
		_, _, ok := ParsePluginTarget(bad)
		assert.False(t, ok, bad)
	}
}

const sessionYAML = `
tempo: 100
loop: {enabled: true, start: 0, end: 4}
tracks:
  - id: drums
    kind: audio
    clips:
      - {id: c1, start: 0, duration: 2, buffer: kick}
    plugins:
      - {id: r1, type: reverb, params: {mix: 0.3}}
    automation:
      - id: v
        target: volume
        points: [{time: 2, value: 1}, {time: 0, value: 0.5}]
  - id: fx
    kind: bus
    volume: 0.5
`

func TestLoadSessionDefaults(t *testing.T) {
	s, err := LoadSession(strings.NewReader(sessionYAML))
	require.NoError(t, err)
	assert.Equal(t, 100.0, s.Tempo)
	drums := s.Track("drums")
	require.NotNil(t, drums)
	assert.Equal(t, 1.0, drums.Volume)
	assert.Equal(t, 1.0, drums.Clips[0].Gain)
	assert.True(t, drums.Plugins[0].Enabled)
	assert.Equal(t, MasterID, drums.Destination())
	assert.Equal(t, 0.0, drums.Automation[0].Points[0].Time, "points sorted")
	assert.Equal(t, 0.5, s.Track("fx").Volume)
	assert.InDelta(t, 0.6, s.BeatDuration(), 1e-9)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		s    Session
	}{
		{"duplicate", Session{Tracks: []Track{{ID: "a", Kind: KindAudio}, {ID: "a", Kind: KindAudio}}}},
		{"master id", Session{Tracks: []Track{{ID: MasterID, Kind: KindBus}}}},
		{"kind", Session{Tracks: []Track{{ID: "a", Kind: "video"}}}},
		{"two armed", Session{Tracks: []Track{{ID: "a", Kind: KindAudio, Armed: true}, {ID: "b", Kind: KindAudio, Armed: true}}}},
		{"loop", Session{Loop: Loop{Enabled: true, Start: 2, End: 1}}},
		{"target", Session{Tracks: []Track{{ID: "a", Kind: KindAudio, Automation: []AutomationLane{{Target: "nope"}}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.s.Validate())
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := Track{ID: "a", Plugins: []PluginInstance{{ID: "p", Params: map[string]float64{"mix": 1}}}}
	c := orig.Clone()
	c.Plugins[0].Params["mix"] = 0
	assert.Equal(t, 1.0, orig.Plugins[0].Params["mix"])
}
