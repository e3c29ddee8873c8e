package graph

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/mixcore-go/internal/effects"
	"github.com/cbegin/mixcore-go/internal/media"
)

const (
	testRate  = 1000
	testBlock = 100
)

type constSource struct{ v float32 }

func (s constSource) Process(p *Pass, _, out Block) {
	for i := 0; i < p.N; i++ {
		out.L[i], out.R[i] = s.v, s.v
	}
}

type countingNode struct{ calls int }

func (n *countingNode) Process(_ *Pass, in, out Block) {
	n.calls++
	out.copyFrom(in)
}

type panicNode struct{}

func (panicNode) Process(*Pass, Block, Block) { panic("boom") }

type panicPlugin struct{}

func (panicPlugin) Process(float32, float32) (float32, float32) { panic("boom") }
func (panicPlugin) Reset()                                      {}
func (panicPlugin) UpdateParams(effects.Params)                 {}
func (panicPlugin) Close() error                                { return nil }

type recordingPlugin struct {
	updates []effects.Params
}

func (p *recordingPlugin) Process(l, r float32) (float32, float32) { return l, r }
func (p *recordingPlugin) Reset()                                  {}
func (p *recordingPlugin) UpdateParams(ps effects.Params)          { p.updates = append(p.updates, ps) }
func (p *recordingPlugin) Close() error                            { return nil }

type levelVoicer struct {
	level   float32
	renders []int
}

func (v *levelVoicer) Handle(msg midi.Message) {
	var ch, key, vel uint8
	switch {
	case msg.GetNoteStart(&ch, &key, &vel):
		v.level = float32(vel) / 127
	case msg.GetNoteEnd(&ch, &key):
		v.level = 0
	}
}

func (v *levelVoicer) Render(l, r []float32) {
	v.renders = append(v.renders, len(l))
	for i := range l {
		l[i], r[i] = v.level, v.level
	}
}

func (v *levelVoicer) Reset() { v.level = 0 }

func rampBuffer(seconds int) *media.Buffer {
	b := media.NewBuffer("ramp", testRate, seconds*testRate)
	for i := range b.L {
		b.L[i] = float32(i) / 4000
		b.R[i] = b.L[i]
	}
	return b
}

func TestConnectRejectsCycles(t *testing.T) {
	c := NewContext(testRate, testBlock)
	a := c.Add("a", &Sum{})
	b := c.Add("b", &Sum{})
	require.NoError(t, c.Connect(a, b))
	require.NoError(t, c.Connect(b, c.Sink()))

	assert.ErrorIs(t, c.Connect(b, a), ErrCycle)
	assert.ErrorIs(t, c.Connect(a, a), ErrCycle)
	assert.ErrorIs(t, c.Connect(a, 999), ErrNodeNotFound)
	assert.NoError(t, c.Connect(a, b), "reconnecting an existing edge is a no-op")
	assert.Len(t, c.Outputs(a), 1)
}

func TestPathsCountsDistinctRoutes(t *testing.T) {
	c := NewContext(testRate, testBlock)
	a := c.Add("a", &Sum{})
	b := c.Add("b", &Sum{})
	require.NoError(t, c.Connect(a, b))
	require.NoError(t, c.Connect(b, c.Sink()))
	require.NoError(t, c.Connect(a, c.Sink()))

	assert.Equal(t, 2, c.Paths(a, c.Sink()))
	c.Disconnect(a, c.Sink())
	assert.Equal(t, 1, c.Paths(a, c.Sink()))
	c.Remove(b)
	assert.Equal(t, 0, c.Paths(a, c.Sink()))
	assert.Empty(t, c.Outputs(a))
}

func TestSinkCannotBeRemoved(t *testing.T) {
	c := NewContext(testRate, testBlock)
	c.Remove(c.Sink())
	assert.True(t, c.Exists(c.Sink()))
	assert.Equal(t, 1, c.Len())
}

func TestOnlyNodesReachingSinkRender(t *testing.T) {
	c := NewContext(testRate, testBlock)
	n := &countingNode{}
	id := c.Add("count", n)
	c.RenderBlock(testBlock)
	assert.Zero(t, n.calls)

	require.NoError(t, c.Connect(id, c.Sink()))
	c.RenderBlock(testBlock)
	assert.Equal(t, 1, n.calls)
}

func TestInputsAreSummed(t *testing.T) {
	c := NewContext(testRate, testBlock)
	a := c.Add("a", constSource{v: 0.25})
	b := c.Add("b", constSource{v: 0.5})
	require.NoError(t, c.Connect(a, c.Sink()))
	require.NoError(t, c.Connect(b, c.Sink()))

	out := c.RenderBlock(testBlock)
	assert.InDelta(t, 0.75, out.L[0], 1e-6)
	assert.InDelta(t, 0.75, out.R[testBlock-1], 1e-6)
	assert.InDelta(t, 0.1, c.Now(), 1e-9)
}

func TestProcessInterleaves(t *testing.T) {
	c := NewContext(testRate, testBlock)
	src := c.Add("src", constSource{v: 0.5})
	require.NoError(t, c.Connect(src, c.Sink()))

	dst := make([]float32, 2*250)
	c.Process(dst)
	assert.Equal(t, int64(250), c.Frames())
	for _, v := range dst {
		require.Equal(t, float32(0.5), v)
	}
}

func TestAtDefersToFirstBlockAtOrAfter(t *testing.T) {
	c := NewContext(testRate, testBlock)
	c.SetRunning(true)
	src := c.Add("src", constSource{v: 1})

	c.At(0.45, func(e *Editor) {
		require.NoError(t, e.Connect(src, c.Sink()))
	})
	require.Equal(t, 1, c.Pending())

	for i := 0; i < 5; i++ {
		out := c.RenderBlock(testBlock)
		assert.Zero(t, out.L[0], "block %d", i)
	}
	assert.Equal(t, 1, c.Pending())

	out := c.RenderBlock(testBlock)
	assert.Zero(t, c.Pending())
	assert.Equal(t, float32(1), out.L[0])
}

func TestAtRunsImmediatelyWhenStopped(t *testing.T) {
	c := NewContext(testRate, testBlock)
	ran := false
	c.At(10, func(*Editor) { ran = true })
	assert.True(t, ran)
	assert.Zero(t, c.Pending())
}

func TestFlushRunsPendingEdits(t *testing.T) {
	c := NewContext(testRate, testBlock)
	c.SetRunning(true)
	var order []int
	c.At(2, func(*Editor) { order = append(order, 2) })
	c.At(1, func(*Editor) { order = append(order, 1) })
	c.At(1, func(*Editor) { order = append(order, 3) })
	c.Flush()
	assert.Equal(t, []int{1, 3, 2}, order)
	assert.Zero(t, c.Pending())
}

func TestParamEventTimeline(t *testing.T) {
	p := NewParam(0)
	p.SetValueAtTime(1, 1)
	p.LinearRampToValueAtTime(3, 2)

	assert.InDelta(t, 0, p.ValueAt(0.5), 1e-9)
	assert.InDelta(t, 1, p.ValueAt(1), 1e-9)
	assert.InDelta(t, 2, p.ValueAt(1.5), 1e-9)
	assert.InDelta(t, 3, p.ValueAt(5), 1e-9)
	assert.Equal(t, 2, p.Scheduled())

	p.CancelScheduledValues(2)
	assert.Equal(t, 1, p.Scheduled())
	assert.InDelta(t, 1, p.ValueAt(5), 1e-9)
}

func TestParamRampFromCurrentValue(t *testing.T) {
	p := NewParam(0)
	p.LinearRampToValueAtTime(1, 2)
	assert.InDelta(t, 0.5, p.ValueAt(1), 1e-9)
}

func TestParamRampToHoldsTimelineValue(t *testing.T) {
	p := NewParam(0)
	p.LinearRampToValueAtTime(1, 1)
	p.RampTo(5, 0.5, 1.5)

	assert.InDelta(t, 0.5, p.ValueAt(0.5), 1e-9)
	assert.InDelta(t, 2.75, p.ValueAt(1), 1e-9)
	assert.InDelta(t, 5, p.ValueAt(2), 1e-9)
}

func TestParamAdvanceConsumesEvents(t *testing.T) {
	p := NewParam(0)
	p.SetValueAtTime(2, 1)
	assert.InDelta(t, 0, p.Advance(0.5), 1e-9)
	assert.InDelta(t, 2, p.Advance(1), 1e-9)
	assert.Zero(t, p.Scheduled())
	assert.InDelta(t, 2, p.Value(), 1e-9)

	p.SetValueAtTime(4, 3)
	p.SetValue(7)
	assert.Zero(t, p.Scheduled())
	assert.InDelta(t, 7, p.ValueAt(10), 1e-9)
}

func TestGainFollowsRamp(t *testing.T) {
	c := NewContext(testRate, testBlock)
	src := c.Add("src", constSource{v: 1})
	g := NewGain(c, 0)
	g.Gain.LinearRampToValueAtTime(1, 0.1)
	gid := c.Add("gain", g)
	require.NoError(t, c.Connect(src, gid))
	require.NoError(t, c.Connect(gid, c.Sink()))

	out := c.RenderBlock(testBlock)
	assert.InDelta(t, 0, out.L[0], 1e-6)
	assert.InDelta(t, 0.5, out.L[50], 1e-3)
	assert.Greater(t, out.L[99], out.L[98])
}

func TestPanIsEqualPower(t *testing.T) {
	for _, pos := range []float64{-1, -0.5, 0, 0.3, 1} {
		l, r := PanGains(pos)
		assert.InDelta(t, 1, l*l+r*r, 1e-9, "pos %v", pos)
	}
	l, r := PanGains(-1)
	assert.InDelta(t, 1, l, 1e-9)
	assert.InDelta(t, 0, r, 1e-9)
	l, r = PanGains(0)
	assert.InDelta(t, math.Sqrt2/2, l, 1e-9)
	assert.InDelta(t, math.Sqrt2/2, r, 1e-9)
}

func TestMeterTracksLevel(t *testing.T) {
	c := NewContext(testRate, testBlock)
	src := c.Add("src", constSource{v: 0.5})
	m := NewMeter(c)
	mid := c.Add("meter", m)
	require.NoError(t, c.Connect(src, mid))
	require.NoError(t, c.Connect(mid, c.Sink()))

	for i := 0; i < 20; i++ {
		c.RenderBlock(testBlock)
	}
	lv := m.Level()
	assert.InDelta(t, 0.5, lv.RMS, 0.01)
	assert.InDelta(t, 0.5, lv.Peak, 1e-6)

	m.Reset()
	assert.Zero(t, m.Level().RMS)
}

func TestBufferSourceMidClipStart(t *testing.T) {
	c := NewContext(testRate, testBlock)
	buf := rampBuffer(4)
	r := Region{Start: 0, Length: 3}

	// A voice scheduled one second after the basis plays from the region start.
	v := NewBufferSource(c, buf, r, 1.0, 0, 3)
	off, ok := v.BufferOffsetAt(1.0)
	require.True(t, ok)
	assert.InDelta(t, 0, off, 1e-9)
	off, ok = v.BufferOffsetAt(2.5)
	require.True(t, ok)
	assert.InDelta(t, 1.5, off, 1e-9)
	_, ok = v.BufferOffsetAt(4.0)
	assert.False(t, ok)
	_, ok = v.BufferOffsetAt(0.5)
	assert.False(t, ok)
	assert.InDelta(t, 4.0, v.EndTime(), 1e-9)

	// Starting one second into the clip reads from one second into the buffer.
	late := NewBufferSource(c, buf, r, 0, 1.0, 2)
	off, ok = late.BufferOffsetAt(0)
	require.True(t, ok)
	assert.InDelta(t, 1.0, off, 1e-9)

	id := c.Add("late", late)
	require.NoError(t, c.Connect(id, c.Sink()))
	out := c.RenderBlock(testBlock)
	assert.InDelta(t, 0.25, out.L[0], 1e-6)
}

func TestBufferSourceReverseAndFades(t *testing.T) {
	c := NewContext(testRate, testBlock)
	buf := rampBuffer(4)
	v := NewBufferSource(c, buf, Region{Start: 1, Length: 2, Reverse: true, FadeIn: 0.5}, 0, 0, 2)
	off, ok := v.BufferOffsetAt(0.5)
	require.True(t, ok)
	assert.InDelta(t, 2.5, off, 1e-9)

	id := c.Add("rev", v)
	require.NoError(t, c.Connect(id, c.Sink()))
	out := c.RenderBlock(testBlock)
	assert.Zero(t, out.L[0], "fade in starts silent")
	assert.Greater(t, out.L[50], float32(0))
}

func TestBufferSourceEndsAndIsRemoved(t *testing.T) {
	c := NewContext(testRate, testBlock)
	v := NewBufferSource(c, rampBuffer(1), Region{Length: 1}, 0, 0, 0.25)
	ended := 0
	v.OnEnded(func() { ended++ })
	id := c.Add("voice", v)
	require.NoError(t, c.Connect(id, c.Sink()))

	c.RenderBlock(testBlock)
	c.RenderBlock(testBlock)
	assert.True(t, c.Exists(id))
	out := c.RenderBlock(testBlock)
	assert.False(t, c.Exists(id))
	assert.Equal(t, 1, ended)
	assert.NotZero(t, out.L[49])
	assert.Zero(t, out.L[50])

	c.RenderBlock(testBlock)
	assert.Equal(t, 1, ended)
}

func TestBufferSourceStopAndReset(t *testing.T) {
	c := NewContext(testRate, testBlock)
	a := NewBufferSource(c, rampBuffer(2), Region{Length: 2}, 0, 0, 2)
	a.Stop(0.05)
	aid := c.Add("a", a)
	b := NewBufferSource(c, rampBuffer(2), Region{Length: 2}, 0, 0, 2)
	bid := c.Add("b", b)
	require.NoError(t, c.Connect(aid, c.Sink()))
	require.NoError(t, c.Connect(bid, c.Sink()))

	c.RenderBlock(testBlock)
	assert.False(t, c.Exists(aid))
	assert.True(t, c.Exists(bid))

	c.ResetAll()
	out := c.RenderBlock(testBlock)
	assert.False(t, c.Exists(bid))
	assert.Zero(t, out.L[0])
}

func TestInstrumentNodeSplitsBlockAtEvents(t *testing.T) {
	c := NewContext(testRate, testBlock)
	v := &levelVoicer{}
	inst := NewInstrumentNode(c, v)
	id := c.Add("inst", inst)
	require.NoError(t, c.Connect(id, c.Sink()))

	inst.Schedule(0.03, midi.NoteOn(0, 60, 127))
	inst.Schedule(0.15, midi.NoteOff(0, 60))
	out := c.RenderBlock(testBlock)
	assert.Equal(t, []int{30, 70}, v.renders)
	assert.Zero(t, out.L[29])
	assert.Equal(t, float32(1), out.L[30])
	assert.Equal(t, 1, inst.Pending())

	out = c.RenderBlock(testBlock)
	assert.Equal(t, float32(1), out.L[49])
	assert.Zero(t, out.L[50])
	assert.Zero(t, inst.Pending())
}

func TestInstrumentNodeResetDropsQueue(t *testing.T) {
	c := NewContext(testRate, testBlock)
	v := &levelVoicer{level: 1}
	inst := NewInstrumentNode(c, v)
	inst.Schedule(1, midi.NoteOn(0, 60, 100))
	inst.Reset()
	assert.Zero(t, inst.Pending())
	assert.Zero(t, v.level)
}

func TestFaultedPluginPassesThrough(t *testing.T) {
	c := NewContext(testRate, testBlock)
	var faults []string
	c.OnFault(func(_ NodeID, name string, err error) {
		faults = append(faults, name)
		assert.Error(t, err)
	})
	src := c.Add("src", constSource{v: 0.5})
	pid := c.Add("broken", NewPluginNode(c, panicPlugin{}))
	require.NoError(t, c.Connect(src, pid))
	require.NoError(t, c.Connect(pid, c.Sink()))

	out := c.RenderBlock(testBlock)
	assert.Equal(t, float32(0.5), out.L[0])
	assert.True(t, c.Faulted(pid))

	out = c.RenderBlock(testBlock)
	assert.Equal(t, float32(0.5), out.L[10])
	assert.Equal(t, []string{"broken"}, faults)
}

func TestFaultedNodeIsSilenced(t *testing.T) {
	c := NewContext(testRate, testBlock)
	src := c.Add("src", constSource{v: 0.5})
	bad := c.Add("bad", panicNode{})
	good := c.Add("good", constSource{v: 0.25})
	require.NoError(t, c.Connect(src, bad))
	require.NoError(t, c.Connect(bad, c.Sink()))
	require.NoError(t, c.Connect(good, c.Sink()))

	out := c.RenderBlock(testBlock)
	assert.Equal(t, float32(0.25), out.L[0])
	assert.True(t, c.Faulted(bad))
	assert.False(t, c.Faulted(good))
}

func TestPluginNodeAutomationUpdatesAtBlockRate(t *testing.T) {
	c := NewContext(testRate, testBlock)
	rec := &recordingPlugin{}
	pn := NewPluginNode(c, rec)
	mix := pn.Param("mix", 0)
	assert.Same(t, mix, pn.Param("mix", 0.7))
	mix.SetValueAtTime(1, 0.15)

	id := c.Add("fx", pn)
	require.NoError(t, c.Connect(id, c.Sink()))
	c.RenderBlock(testBlock)
	c.RenderBlock(testBlock)
	assert.Empty(t, rec.updates)
	c.RenderBlock(testBlock)
	require.Len(t, rec.updates, 1)
	assert.Equal(t, effects.Params{"mix": 1}, rec.updates[0])
	assert.Equal(t, uint64(3), pn.Stats().Blocks)

	pn.UpdateParams(effects.Params{"mix": 0.2})
	c.RenderBlock(testBlock)
	assert.Len(t, rec.updates, 2, "direct updates are not echoed by automation")
}

func TestPluginNodeDefersUpdatesToRender(t *testing.T) {
	c := NewContext(testRate, testBlock)
	rec := &recordingPlugin{}
	pn := NewPluginNode(c, rec)
	id := c.Add("fx", pn)
	require.NoError(t, c.Connect(id, c.Sink()))

	pn.UpdateParams(effects.Params{"mix": 0.2})
	pn.UpdateParams(effects.Params{"mix": 0.4, "time": 10})
	assert.Empty(t, rec.updates, "plugin untouched outside rendering")
	assert.Equal(t, effects.Params{"mix": 0.4, "time": 10}, pn.Pending())

	c.RenderBlock(testBlock)
	require.Len(t, rec.updates, 1)
	assert.Equal(t, effects.Params{"mix": 0.4, "time": 10}, rec.updates[0])
	assert.Empty(t, pn.Pending())
}

func TestCaptureKeepsNewestFrames(t *testing.T) {
	c := NewContext(testRate, 10)
	cp := NewCapture(4)
	cp.Push([]float32{1, -1, 2, -2, 3, -3, 4, -4, 5, -5, 6, -6})
	assert.Equal(t, 4, cp.Buffered())

	id := c.Add("capture", cp)
	require.NoError(t, c.Connect(id, c.Sink()))
	out := c.RenderBlock(10)
	assert.Equal(t, []float32{3, 4, 5, 6, 0, 0, 0, 0, 0, 0}, out.L)
	assert.Equal(t, float32(-6), out.R[3])
	assert.Zero(t, cp.Buffered())
}

func TestNodeNotFoundIsWrapped(t *testing.T) {
	c := NewContext(testRate, testBlock)
	err := c.Connect(42, c.Sink())
	assert.True(t, errors.Is(err, ErrNodeNotFound))
}
