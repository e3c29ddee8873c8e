package mixer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbegin/mixcore-go/internal/effects"
	"github.com/cbegin/mixcore-go/internal/graph"
	"github.com/cbegin/mixcore-go/internal/instrument"
	"github.com/cbegin/mixcore-go/internal/model"
)

const (
	testRate  = 48000
	testBlock = 480
)

func newBuilder(t *testing.T) (*graph.Context, *Builder) {
	t.Helper()
	ctx := graph.NewContext(testRate, testBlock)
	b := New(ctx, Options{RebuildRamp: 15 * time.Millisecond})
	t.Cleanup(func() { _ = b.Close() })
	return ctx, b
}

func audioTrack(id string) *model.Track {
	return &model.Track{ID: id, Kind: model.KindAudio, Volume: 1}
}

func busTrack(id string) *model.Track {
	return &model.Track{ID: id, Kind: model.KindBus, Volume: 1}
}

func syncAll(b *Builder, tracks ...*model.Track) {
	b.Sync(tracks)
}

func TestEnsureTrackRoutesToMaster(t *testing.T) {
	ctx, b := newBuilder(t)
	tr := audioTrack("a")
	b.EnsureTrack(tr)
	b.EnsureTrack(tr)

	assert.Equal(t, []string{"a"}, b.Tracks())
	in, ok := b.InputNode("a")
	require.True(t, ok)
	assert.Equal(t, 1, ctx.Paths(in, b.Master().Input))
	assert.Equal(t, 1, ctx.Paths(b.Master().Input, ctx.Sink()))
}

func TestPluginChainSkipsDisabled(t *testing.T) {
	ctx, b := newBuilder(t)
	tr := audioTrack("a")
	tr.Plugins = []model.PluginInstance{
		{ID: "verb", Type: "reverb", Enabled: true},
		{ID: "echo", Type: "delay", Enabled: false},
		{ID: "gain", Type: "gain", Enabled: true},
	}
	syncAll(b, tr)

	in, _ := b.InputNode("a")
	out, _ := b.OutputNode("a")
	assert.Equal(t, 1, ctx.Paths(in, out), "exactly one path through the chain")

	_, verb, ok := b.Plugin("a", "verb")
	require.True(t, ok)
	_, echo, ok := b.Plugin("a", "echo")
	require.True(t, ok)
	assert.Equal(t, 1, ctx.Paths(in, verb))
	assert.Empty(t, ctx.Inputs(echo), "disabled plugin has no inputs")
	assert.Empty(t, ctx.Outputs(echo), "disabled plugin has no outputs")
}

func TestUnknownPluginStaysConnected(t *testing.T) {
	ctx, b := newBuilder(t)
	tr := audioTrack("a")
	tr.Plugins = []model.PluginInstance{{ID: "x", Type: "mystery-box", Enabled: false}}
	syncAll(b, tr)

	node, id, ok := b.Plugin("a", "x")
	require.True(t, ok)
	assert.IsType(t, &effects.Passthrough{}, node.Plugin())
	in, _ := b.InputNode("a")
	assert.Equal(t, 1, ctx.Paths(in, id))
}

func TestUpdateTrackIsIdempotent(t *testing.T) {
	ctx, b := newBuilder(t)
	tr := audioTrack("a")
	tr.Plugins = []model.PluginInstance{{ID: "verb", Type: "reverb", Enabled: true}}
	syncAll(b, tr)
	n1, id1, _ := b.Plugin("a", "verb")
	nodes := ctx.Len()

	b.UpdateTrack(tr, []*model.Track{tr})
	b.UpdateTrack(tr, []*model.Track{tr})

	n2, id2, _ := b.Plugin("a", "verb")
	assert.Same(t, n1, n2)
	assert.Equal(t, id1, id2)
	assert.Equal(t, nodes, ctx.Len())
}

func TestParamChangeReusesInstance(t *testing.T) {
	_, b := newBuilder(t)
	tr := audioTrack("a")
	tr.Plugins = []model.PluginInstance{{ID: "g", Type: "gain", Enabled: true, Params: map[string]float64{"gain": 0}}}
	syncAll(b, tr)
	n1, _, _ := b.Plugin("a", "g")

	next := tr.Clone()
	next.Plugins[0].Params["gain"] = -6
	b.UpdateTrack(&next, []*model.Track{&next})

	n2, _, _ := b.Plugin("a", "g")
	assert.Same(t, n1, n2)
	prm, ok := b.ParamFor("a", model.PluginTarget("g", "gain"))
	require.True(t, ok)
	assert.Equal(t, -6.0, prm.Value())
}

func TestParamUpdatesDuringRenderDoNotRace(t *testing.T) {
	ctx, b := newBuilder(t)
	tr := audioTrack("a")
	tr.Plugins = []model.PluginInstance{{ID: "verb", Type: "reverb", Enabled: true,
		Params: map[string]float64{"mix": 0.5}}}
	syncAll(b, tr)
	feed(ctx, b, "a", 0.1, testRate)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 50 {
			ctx.RenderBlock(testBlock)
		}
	}()
	for i := range 50 {
		next := tr.Clone()
		next.Plugins[0].Params = map[string]float64{
			"mix":    float64(i%10) / 10,
			"mode":   float64(i % 6),
			"freeze": float64(i % 2),
		}
		b.UpdateTrack(&next, []*model.Track{&next})
	}
	<-done

	node, _, ok := b.Plugin("a", "verb")
	require.True(t, ok)
	ctx.RenderBlock(testBlock)
	assert.Empty(t, node.Pending())
	assert.Equal(t, effects.ReverbMode(49%6), node.Plugin().(*effects.Reverb).Mode())
}

func TestTypeChangeReplacesInstance(t *testing.T) {
	ctx, b := newBuilder(t)
	tr := audioTrack("a")
	tr.Plugins = []model.PluginInstance{{ID: "p", Type: "reverb", Enabled: true}}
	syncAll(b, tr)
	_, old, _ := b.Plugin("a", "p")

	tr.Plugins[0].Type = "delay"
	b.UpdateTrack(tr, []*model.Track{tr})

	_, id, ok := b.Plugin("a", "p")
	require.True(t, ok)
	assert.NotEqual(t, old, id)
	assert.False(t, ctx.Exists(old))
}

func TestRemovedPluginIsDisposed(t *testing.T) {
	ctx, b := newBuilder(t)
	tr := audioTrack("a")
	tr.Plugins = []model.PluginInstance{{ID: "p", Type: "chorus", Enabled: true}}
	syncAll(b, tr)
	_, id, _ := b.Plugin("a", "p")

	tr.Plugins = nil
	b.UpdateTrack(tr, []*model.Track{tr})

	_, _, ok := b.Plugin("a", "p")
	assert.False(t, ok)
	assert.False(t, ctx.Exists(id))
	in, _ := b.InputNode("a")
	out, _ := b.OutputNode("a")
	assert.Equal(t, 1, ctx.Paths(in, out))
}

func TestDestinationRouting(t *testing.T) {
	ctx, b := newBuilder(t)
	bus := busTrack("bus")
	tr := audioTrack("a")
	tr.Output = "bus"
	syncAll(b, tr, bus)

	dest, _ := b.Destination("a")
	assert.Equal(t, "bus", dest)
	out, _ := b.OutputNode("a")
	busIn, _ := b.InputNode("bus")
	assert.Equal(t, 1, ctx.Paths(out, busIn))
	assert.Equal(t, 1, ctx.Paths(out, b.Master().Input))
}

func TestUnknownDestinationFallsBackToMaster(t *testing.T) {
	ctx, b := newBuilder(t)
	tr := audioTrack("a")
	tr.Output = "nowhere"
	other := audioTrack("b")
	syncAll(b, tr, other)

	dest, _ := b.Destination("a")
	assert.Equal(t, model.MasterID, dest)

	// Non-bus tracks are not valid destinations either.
	tr.Output = "b"
	b.UpdateTrack(tr, []*model.Track{tr, other})
	dest, _ = b.Destination("a")
	assert.Equal(t, model.MasterID, dest)
	out, _ := b.OutputNode("a")
	assert.Equal(t, 1, ctx.Paths(out, b.Master().Input))
}

func TestCyclicRoutingFallsBack(t *testing.T) {
	_, b := newBuilder(t)
	one := busTrack("one")
	two := busTrack("two")
	one.Output = "two"
	two.Output = "one"
	syncAll(b, one, two)

	d1, _ := b.Destination("one")
	d2, _ := b.Destination("two")
	assert.Contains(t, []string{d1, d2}, model.MasterID)
}

func TestSendsArePrunedAndDeduplicated(t *testing.T) {
	ctx, b := newBuilder(t)
	fx1, fx2 := busTrack("fx1"), busTrack("fx2")
	tr := audioTrack("a")
	tr.Sends = []model.Send{
		{Destination: "fx1", Level: 0.5, Enabled: true},
		{Destination: "fx1", Level: 0.2, Enabled: true},
		{Destination: "fx2", Level: 0.3, Enabled: true},
		{Destination: "missing", Level: 1, Enabled: true},
	}
	syncAll(b, tr, fx1, fx2)
	assert.Equal(t, []string{"fx1", "fx2"}, b.Sends("a"))

	out, _ := b.OutputNode("a")
	in2, _ := b.InputNode("fx2")
	assert.Equal(t, 1, ctx.Paths(out, in2))
	nodes := ctx.Len()

	tr.Sends = tr.Sends[:1]
	b.UpdateTrack(tr, []*model.Track{tr, fx1, fx2})
	assert.Equal(t, []string{"fx1"}, b.Sends("a"))
	assert.Equal(t, nodes-1, ctx.Len())
	assert.Zero(t, ctx.Paths(out, in2))
}

func TestRemoveTrackReroutesDependents(t *testing.T) {
	ctx, b := newBuilder(t)
	bus := busTrack("bus")
	tr := audioTrack("a")
	tr.Output = "bus"
	tr.Sends = []model.Send{{Destination: "bus", Level: 1, Enabled: true}}
	syncAll(b, tr, bus)
	busIn, _ := b.InputNode("bus")

	b.RemoveTrack("bus")

	assert.False(t, ctx.Exists(busIn))
	assert.Equal(t, []string{"a"}, b.Tracks())
	assert.Empty(t, b.Sends("a"))
	dest, _ := b.Destination("a")
	assert.Equal(t, model.MasterID, dest)
	out, _ := b.OutputNode("a")
	assert.Equal(t, 1, ctx.Paths(out, b.Master().Input))
}

func TestSyncRemovesStaleTracks(t *testing.T) {
	_, b := newBuilder(t)
	syncAll(b, audioTrack("a"), audioTrack("b"))
	syncAll(b, audioTrack("b"))
	assert.Equal(t, []string{"b"}, b.Tracks())
}

func TestParamFor(t *testing.T) {
	_, b := newBuilder(t)
	tr := audioTrack("a")
	tr.Volume = 0.5
	tr.Pan = -0.25
	tr.Plugins = []model.PluginInstance{{ID: "d", Type: "delay", Enabled: true, Params: map[string]float64{"mix": 0.3}}}
	syncAll(b, tr)

	vol, ok := b.ParamFor("a", model.TargetVolume)
	require.True(t, ok)
	assert.Equal(t, 0.5, vol.Value())
	pan, ok := b.ParamFor("a", model.TargetPan)
	require.True(t, ok)
	assert.Equal(t, -0.25, pan.Value())
	mix, ok := b.ParamFor("a", model.PluginTarget("d", "mix"))
	require.True(t, ok)
	assert.Equal(t, 0.3, mix.Value())

	_, ok = b.ParamFor("a", model.PluginTarget("nope", "mix"))
	assert.False(t, ok)
	_, ok = b.ParamFor("a", "width")
	assert.False(t, ok)
	_, ok = b.ParamFor("zz", model.TargetVolume)
	assert.False(t, ok)
}

func TestInstrumentWiring(t *testing.T) {
	ctx, b := newBuilder(t)
	midi := &model.Track{ID: "m", Kind: model.KindMIDI, Volume: 1}
	audio := audioTrack("a")
	syncAll(b, midi, audio)

	node, ok := b.InstrumentFor("m")
	require.True(t, ok)
	assert.NotNil(t, node)
	in, _ := b.InputNode("m")
	assert.Len(t, ctx.Inputs(in), 1)

	_, ok = b.InstrumentFor("a")
	assert.False(t, ok)

	midi.Instruments = []model.InstrumentSpec{{Type: model.InstrumentDrums}}
	b.UpdateTrack(midi, []*model.Track{midi, audio})
	next, ok := b.InstrumentFor("m")
	require.True(t, ok)
	assert.NotSame(t, node, next)
	assert.Len(t, ctx.Inputs(in), 1, "old unit removed")
}

func TestMissingInstrumentBufferLeavesNoUnit(t *testing.T) {
	ctx, b := newBuilder(t)
	tr := &model.Track{ID: "s", Kind: model.KindSampler, Volume: 1,
		Instruments: []model.InstrumentSpec{{Type: model.InstrumentSampler, BufferID: "gone"}}}
	syncAll(b, tr)
	_, ok := b.InstrumentFor("s")
	assert.False(t, ok)

	ctx.SetRunning(true)
	defer ctx.SetRunning(false)
	fader := b.tracks["s"].fader.Gain
	before := fader.Value()
	b.UpdateTrack(tr, []*model.Track{tr})
	assert.Zero(t, ctx.Pending(), "unchanged track is not rewired")
	assert.Zero(t, fader.Scheduled(), "fader untouched")
	assert.Equal(t, before, fader.Value())
}

func TestInstrumentFallsThroughPrecedence(t *testing.T) {
	_, b := newBuilder(t)
	tr := &model.Track{ID: "s", Kind: model.KindSampler, Volume: 1,
		Instruments: []model.InstrumentSpec{
			{Type: model.InstrumentMelodicSampler, BufferID: "gone"},
			{Type: model.InstrumentDrums},
		}}
	syncAll(b, tr)
	node, ok := b.InstrumentFor("s")
	require.True(t, ok)
	assert.Equal(t, model.InstrumentDrums, node.Voicer().(instrument.Instrument).Kind())
}

func feed(ctx *graph.Context, b *Builder, trackID string, v float32, frames int) {
	c := graph.NewCapture(frames)
	buf := make([]float32, 2*frames)
	for i := range buf {
		buf[i] = v
	}
	c.Push(buf)
	in, _ := b.InputNode(trackID)
	id := ctx.Add("feed", c)
	_ = ctx.Connect(id, in)
}

func renderPeak(ctx *graph.Context, blocks int) float32 {
	var peak float32
	for range blocks {
		out := ctx.RenderBlock(testBlock)
		peak = 0
		for i := range out.L {
			peak = max(peak, abs32(out.L[i]), abs32(out.R[i]))
		}
	}
	return peak
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func TestMuteAndSoloFader(t *testing.T) {
	ctx, b := newBuilder(t)
	a, other := audioTrack("a"), audioTrack("b")
	syncAll(b, a, other)
	feed(ctx, b, "a", 0.25, testRate)

	assert.Greater(t, renderPeak(ctx, 5), float32(0.1))
	lvl, ok := b.Meter("a")
	require.True(t, ok)
	assert.Greater(t, lvl.Peak, float32(0))

	other.Solo = true
	b.UpdateTrack(other, []*model.Track{a, other})
	assert.InDelta(t, 0, renderPeak(ctx, 20), 1e-4, "non-soloed track is silenced")

	other.Solo = false
	b.UpdateTrack(other, []*model.Track{a, other})
	assert.Greater(t, renderPeak(ctx, 5), float32(0.1))

	a.Mute = true
	b.UpdateTrack(a, []*model.Track{a, other})
	assert.InDelta(t, 0, renderPeak(ctx, 20), 1e-4)
	assert.Greater(t, b.Master().Level().Peak, float32(0), "peak meter decays slowly")
}

func TestSoloDoesNotSilenceBuses(t *testing.T) {
	ctx, b := newBuilder(t)
	bus := busTrack("bus")
	a := audioTrack("a")
	a.Output = "bus"
	a.Solo = true
	syncAll(b, a, bus)
	feed(ctx, b, "a", 0.25, testRate)
	assert.Greater(t, renderPeak(ctx, 5), float32(0.1))
}

func TestRebuildDefersRewireWhileRunning(t *testing.T) {
	ctx, b := newBuilder(t)
	tr := audioTrack("a")
	syncAll(b, tr)
	ctx.SetRunning(true)
	defer ctx.SetRunning(false)

	tr.Plugins = []model.PluginInstance{{ID: "c", Type: "compressor", Enabled: true}}
	b.UpdateTrack(tr, []*model.Track{tr})
	_, id, ok := b.Plugin("a", "c")
	require.True(t, ok)
	assert.True(t, ctx.Exists(id), "instance created up front")
	assert.Empty(t, ctx.Inputs(id), "wired only after the fade")
	assert.Equal(t, 1, ctx.Pending())

	renderPeak(ctx, 3)
	assert.Zero(t, ctx.Pending())
	in, _ := b.InputNode("a")
	assert.Equal(t, 1, ctx.Paths(in, id))
}

func TestPluginStats(t *testing.T) {
	ctx, b := newBuilder(t)
	tr := audioTrack("a")
	tr.Plugins = []model.PluginInstance{{ID: "g", Type: "gain", Enabled: true}}
	syncAll(b, tr)
	feed(ctx, b, "a", 0.1, testBlock*3)
	renderPeak(ctx, 3)
	stats := b.PluginStats("a")
	assert.Equal(t, uint64(3), stats["g"].Blocks)
	eq, lim := b.Master().Stats()
	assert.Equal(t, uint64(3), eq.Blocks)
	assert.Equal(t, uint64(3), lim.Blocks)
}
