// Package mixer builds and maintains the per-track processing graph:
// input, insert plugins, volume, pan, meter and an output fader routed to a
// bus or the master, plus post-fader sends and instrument units.
package mixer

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cbegin/mixcore-go/internal/effects"
	"github.com/cbegin/mixcore-go/internal/graph"
	"github.com/cbegin/mixcore-go/internal/instrument"
	"github.com/cbegin/mixcore-go/internal/logging"
	"github.com/cbegin/mixcore-go/internal/media"
	"github.com/cbegin/mixcore-go/internal/model"
)

var ErrUnknownDestination = errors.New("unknown destination")

const DefaultRebuildRamp = 15 * time.Millisecond

type Options struct {
	Registry    *effects.Registry
	Store       *media.Store
	RebuildRamp time.Duration
}

type pluginSlot struct {
	inst model.PluginInstance
	node *graph.PluginNode
	id   graph.NodeID
}

type sendTap struct {
	dest  string
	gain  *graph.Gain
	id    graph.NodeID
	level float64
}

// instrumentSlot records the specs last attempted for a track. node is nil
// when none of them could be built.
type instrumentSlot struct {
	want []model.InstrumentSpec
	spec model.InstrumentSpec
	node *graph.InstrumentNode
	id   graph.NodeID
}

type trackGraph struct {
	id string

	input, gainID, panID, meterID, outputID graph.NodeID

	gain  *graph.Gain
	pan   *graph.Pan
	meter *graph.Meter
	fader *graph.Gain

	target    atomic.Uint64 // fader target as float64 bits
	rebuilds  atomic.Int32  // rewires waiting for their ramp to end
	applied   *model.Track
	plugins   map[string]*pluginSlot
	chain     []string
	dest      string
	sends     map[string]*sendTap
	instr     *instrumentSlot
	destReady bool
}

func (tg *trackGraph) faderTarget() float64 { return math.Float64frombits(tg.target.Load()) }

// Builder owns every track graph. Its methods are safe for concurrent use.
// Deferred graph edits never take the builder lock, so the lock order is
// always builder then graph.
type Builder struct {
	ctx  *graph.Context
	opts Options
	log  *logrus.Entry
	rate int

	mu     sync.Mutex
	tracks map[string]*trackGraph
	master *Master
}

func New(ctx *graph.Context, opts Options) *Builder {
	if opts.Registry == nil {
		opts.Registry = effects.DefaultRegistry()
	}
	if opts.Store == nil {
		opts.Store = media.NewStore()
	}
	if opts.RebuildRamp <= 0 {
		opts.RebuildRamp = DefaultRebuildRamp
	}
	b := &Builder{
		ctx:    ctx,
		opts:   opts,
		log:    logging.For("mixer"),
		rate:   int(ctx.SampleRate()),
		tracks: make(map[string]*trackGraph),
	}
	b.master = newMaster(ctx, b.rate)
	return b
}

func (b *Builder) Master() *Master { return b.master }

func (b *Builder) ramp() float64 { return b.opts.RebuildRamp.Seconds() }

// EnsureTrack creates the persistent nodes of a track and routes it to the
// master. It is a no-op for a known track.
func (b *Builder) EnsureTrack(t *model.Track) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureLocked(t.ID)
}

func (b *Builder) ensureLocked(id string) *trackGraph {
	if tg, ok := b.tracks[id]; ok {
		return tg
	}
	tg := &trackGraph{
		id:      id,
		gain:    graph.NewGain(b.ctx, 1),
		pan:     graph.NewPan(b.ctx, 0),
		meter:   graph.NewMeter(b.ctx),
		fader:   graph.NewGain(b.ctx, 0),
		plugins: make(map[string]*pluginSlot),
		sends:   make(map[string]*sendTap),
		dest:    model.MasterID,
	}
	tg.target.Store(math.Float64bits(1))
	master := b.master.Input
	b.ctx.Update(func(e *graph.Editor) {
		tg.input = e.Add(id+"/input", graph.Sum{})
		tg.gainID = e.Add(id+"/gain", tg.gain)
		tg.panID = e.Add(id+"/pan", tg.pan)
		tg.meterID = e.Add(id+"/meter", tg.meter)
		tg.outputID = e.Add(id+"/output", tg.fader)
		mustConnect(e, tg.input, tg.gainID)
		mustConnect(e, tg.gainID, tg.panID)
		mustConnect(e, tg.panID, tg.meterID)
		mustConnect(e, tg.meterID, tg.outputID)
		mustConnect(e, tg.outputID, master)
	})
	b.tracks[id] = tg
	b.log.WithField("track", id).Debug("track graph created")
	return tg
}

// mustConnect wires fresh nodes that cannot form a cycle.
func mustConnect(e *graph.Editor, from, to graph.NodeID) {
	if err := e.Connect(from, to); err != nil {
		panic(fmt.Sprintf("mixer: %v", err))
	}
}

// UpdateTrack brings t's graph in line with its state. Calling it again with
// an unchanged track does nothing.
func (b *Builder) UpdateTrack(t *model.Track, all []*model.Track) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, other := range all {
		if other.Kind.Bus() {
			b.ensureLocked(other.ID)
		}
	}
	b.updateLocked(t, all)
	b.refreshFadersLocked(all)
}

// Sync applies a full track list: creates missing graphs, updates every
// track and removes graphs whose track is gone.
func (b *Builder) Sync(all []*model.Track) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keep := make(map[string]bool, len(all))
	for _, t := range all {
		keep[t.ID] = true
		b.ensureLocked(t.ID)
	}
	for _, id := range slices.Sorted(maps.Keys(b.tracks)) {
		if !keep[id] {
			b.removeLocked(id)
		}
	}
	for _, t := range all {
		b.updateLocked(t, all)
	}
	b.refreshFadersLocked(all)
}

func (b *Builder) updateLocked(t *model.Track, all []*model.Track) {
	tg := b.ensureLocked(t.ID)
	next := t.Clone()
	p := b.plan(tg, &next, all)
	b.pushParams(tg, &next, p)
	if p.topology(tg) || !tg.destReady {
		b.rewire(tg, p)
	}
	tg.applied = &next
}

func (b *Builder) plan(tg *trackGraph, next *model.Track, all []*model.Track) *plan {
	p := &plan{}
	p.add, p.remove, p.update, p.chain = diffPlugins(tg.plugins, next.Plugins, b.opts.Registry.Known)
	p.dest = b.resolveDest(next, all)
	seen := make(map[string]bool)
	for _, s := range next.Sends {
		if !s.Enabled || seen[s.Destination] {
			continue
		}
		if !b.validBus(next.ID, s.Destination, all) {
			b.log.WithFields(logrus.Fields{"track": next.ID, "destination": s.Destination}).
				Warn("send skipped: unknown or cyclic destination")
			continue
		}
		seen[s.Destination] = true
		p.sends = append(p.sends, s)
	}
	p.instrument = wantInstrument(next)
	p.instrumentChanged = instrumentChanged(tg.instr, p.instrument)
	return p
}

// resolveDest returns the bus t routes into, or the master when the output
// is unset, unknown, not a bus, or would loop back into t.
func (b *Builder) resolveDest(t *model.Track, all []*model.Track) string {
	d := t.Destination()
	if d == model.MasterID {
		return d
	}
	if !b.validBus(t.ID, d, all) {
		b.log.WithFields(logrus.Fields{"track": t.ID, "destination": d}).
			Warnf("routing to master: %v", ErrUnknownDestination)
		return model.MasterID
	}
	return d
}

func (b *Builder) validBus(self, dest string, all []*model.Track) bool {
	byID := make(map[string]*model.Track, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}
	bus, ok := byID[dest]
	if !ok || !bus.Kind.Bus() || dest == self {
		return false
	}
	if _, ok := b.tracks[dest]; !ok {
		return false
	}
	// Follow the bus's own routing to catch loops back into self.
	cur := bus
	for hops := 0; hops <= len(all); hops++ {
		d := cur.Destination()
		if d == self {
			return false
		}
		if d == model.MasterID {
			return true
		}
		next, ok := byID[d]
		if !ok {
			return true
		}
		cur = next
	}
	return false
}

// pushParams applies the parameter-only part of a change.
func (b *Builder) pushParams(tg *trackGraph, next *model.Track, p *plan) {
	now := b.ctx.Now()
	prev := tg.applied
	ramp := b.ramp()
	if prev == nil {
		ramp = 0
	}
	if next.Lane(model.TargetVolume) == nil && (prev == nil || prev.Volume != next.Volume) {
		b.fade(tg.gain.Gain, next.Volume, now, ramp)
	}
	if next.Lane(model.TargetPan) == nil && (prev == nil || prev.Pan != next.Pan) {
		b.fade(tg.pan.Pan, next.Pan, now, ramp)
	}
	for id, changed := range p.update {
		slot := tg.plugins[id]
		slot.node.UpdateParams(changed)
		for k, v := range changed {
			if slot.inst.Params == nil {
				slot.inst.Params = make(map[string]float64)
			}
			slot.inst.Params[k] = v
		}
	}
	for _, s := range p.sends {
		if tap, ok := tg.sends[s.Destination]; ok && tap.level != s.Level {
			b.fade(tap.gain.Gain, s.Level, now, b.ramp())
			tap.level = s.Level
		}
	}
}

// fade moves prm to v over ramp seconds, or at once when ramp is zero or
// nothing is rendering.
func (b *Builder) fade(prm *graph.Param, v, now, ramp float64) {
	if ramp <= 0 || !b.ctx.Running() {
		prm.SetValue(v)
		return
	}
	prm.RampTo(v, now, now+ramp)
}

// rewire fades the track out, swaps its chain, routing, sends and
// instrument at the end of the fade, then fades back in.
func (b *Builder) rewire(tg *trackGraph, p *plan) {
	log := b.log.WithField("track", tg.id)

	var closers []*graph.PluginNode
	var drop []graph.NodeID
	for _, id := range p.remove {
		if slot, ok := tg.plugins[id]; ok {
			closers = append(closers, slot.node)
			drop = append(drop, slot.id)
			delete(tg.plugins, id)
		}
	}
	for _, inst := range p.add {
		params := effects.Params(maps.Clone(inst.Params))
		plug, err := b.opts.Registry.New(inst.Type, b.rate, params)
		if err != nil {
			log.WithField("plugin", inst.ID).Warnf("passthrough in place of plugin: %v", err)
		}
		slot := &pluginSlot{inst: inst, node: graph.NewPluginNode(b.ctx, plug)}
		slot.inst.Params = maps.Clone(inst.Params)
		slot.id = b.ctx.Add(tg.id+"/plugin/"+inst.ID, slot.node)
		tg.plugins[inst.ID] = slot
	}
	owned := make([]graph.NodeID, 0, len(tg.plugins))
	for _, slot := range tg.plugins {
		owned = append(owned, slot.id)
	}
	chain := make([]graph.NodeID, 0, len(p.chain))
	for _, id := range p.chain {
		chain = append(chain, tg.plugins[id].id)
	}
	tg.chain = p.chain

	type tapEdge struct {
		id, dest graph.NodeID
	}
	wanted := make(map[string]bool, len(p.sends))
	var taps []tapEdge
	for _, s := range p.sends {
		wanted[s.Destination] = true
		tap, ok := tg.sends[s.Destination]
		if !ok {
			tap = &sendTap{dest: s.Destination, gain: graph.NewGain(b.ctx, s.Level), level: s.Level}
			tap.id = b.ctx.Add(tg.id+"/send/"+s.Destination, tap.gain)
			tg.sends[s.Destination] = tap
		}
		taps = append(taps, tapEdge{id: tap.id, dest: b.tracks[s.Destination].input})
	}
	for dest, tap := range tg.sends {
		if !wanted[dest] {
			drop = append(drop, tap.id)
			delete(tg.sends, dest)
		}
	}

	destNode := b.master.Input
	if p.dest != model.MasterID {
		destNode = b.tracks[p.dest].input
	}
	tg.dest = p.dest
	tg.destReady = true

	var newInstr, oldInstr graph.NodeID
	if p.instrumentChanged {
		if tg.instr != nil {
			oldInstr = tg.instr.id
			tg.instr = nil
		}
		if len(p.instrument) > 0 {
			tg.instr = b.newInstrument(tg.id, p.instrument, log)
			newInstr = tg.instr.id
		}
	}

	input, gainID, outputID, master := tg.input, tg.gainID, tg.outputID, b.master.Input
	ramp := b.ramp()
	if !b.ctx.Running() {
		ramp = 0
	}
	now := b.ctx.Now()
	end := now + ramp
	tg.rebuilds.Add(1)
	b.fade(tg.fader.Gain, 0, now, ramp)
	b.ctx.At(end, func(e *graph.Editor) {
		e.DisconnectOutputs(input)
		for _, id := range owned {
			e.DisconnectOutputs(id)
		}
		prev := input
		for _, id := range chain {
			if err := e.Connect(prev, id); err != nil {
				log.Errorf("chain plugin: %v", err)
				continue
			}
			prev = id
		}
		if err := e.Connect(prev, gainID); err != nil {
			log.Errorf("chain to gain: %v", err)
		}

		e.DisconnectOutputs(outputID)
		if err := e.Connect(outputID, destNode); err != nil {
			log.Warnf("routing to master: %v", err)
			_ = e.Connect(outputID, master)
		}
		for _, t := range taps {
			if err := e.Connect(outputID, t.id); err != nil {
				log.Warnf("send tap: %v", err)
				continue
			}
			e.DisconnectOutputs(t.id)
			if err := e.Connect(t.id, t.dest); err != nil {
				log.Warnf("send skipped: %v", err)
				e.Disconnect(outputID, t.id)
			}
		}

		if oldInstr != 0 {
			e.Remove(oldInstr)
		}
		if newInstr != 0 {
			if err := e.Connect(newInstr, input); err != nil {
				log.Errorf("instrument: %v", err)
			}
		}
		for _, id := range drop {
			e.Remove(id)
		}
		for _, n := range closers {
			if err := n.Close(); err != nil {
				log.Warnf("close plugin: %v", err)
			}
		}

		if tg.rebuilds.Add(-1) == 0 {
			if ramp <= 0 {
				tg.fader.Gain.SetValue(tg.faderTarget())
			} else {
				t0 := e.Now()
				tg.fader.Gain.RampTo(tg.faderTarget(), t0, t0+ramp)
			}
		}
	})
}

// newInstrument builds the first spec in want that succeeds. The returned
// slot is never nil; its node is nil when every spec failed.
func (b *Builder) newInstrument(trackID string, want []model.InstrumentSpec, log *logrus.Entry) *instrumentSlot {
	slot := &instrumentSlot{want: want}
	for _, spec := range want {
		inst, err := instrument.New(spec, b.rate, b.opts.Store)
		if err != nil {
			log.WithField("instrument", spec.Type).Warnf("instrument unavailable: %v", err)
			continue
		}
		slot.spec = spec
		slot.node = graph.NewInstrumentNode(b.ctx, inst)
		slot.id = b.ctx.Add(trackID+"/instrument/"+string(spec.Type), slot.node)
		return slot
	}
	return slot
}

// refreshFadersLocked recomputes mute and solo for every track.
func (b *Builder) refreshFadersLocked(all []*model.Track) {
	soloed := false
	for _, t := range all {
		if t.Solo {
			soloed = true
			break
		}
	}
	now := b.ctx.Now()
	for _, t := range all {
		tg, ok := b.tracks[t.ID]
		if !ok {
			continue
		}
		target := 1.0
		if t.Mute || (soloed && !t.Solo && !t.Kind.Bus()) {
			target = 0
		}
		if tg.faderTarget() == target {
			continue
		}
		tg.target.Store(math.Float64bits(target))
		if tg.rebuilds.Load() == 0 {
			b.fade(tg.fader.Gain, target, now, b.ramp())
		}
	}
}

// RemoveTrack fades the track out and disposes its nodes. Tracks routed or
// sending into it fall back to the master.
func (b *Builder) RemoveTrack(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Builder) removeLocked(id string) {
	tg, ok := b.tracks[id]
	if !ok {
		return
	}
	delete(b.tracks, id)

	nodes := []graph.NodeID{tg.input, tg.gainID, tg.panID, tg.meterID, tg.outputID}
	var closers []*graph.PluginNode
	for _, slot := range tg.plugins {
		nodes = append(nodes, slot.id)
		closers = append(closers, slot.node)
	}
	for _, tap := range tg.sends {
		nodes = append(nodes, tap.id)
	}
	if tg.instr != nil && tg.instr.node != nil {
		nodes = append(nodes, tg.instr.id)
	}
	var reroute []graph.NodeID
	for _, other := range b.tracks {
		if other.dest == id {
			other.dest = model.MasterID
			reroute = append(reroute, other.outputID)
		}
		if tap, ok := other.sends[id]; ok {
			nodes = append(nodes, tap.id)
			delete(other.sends, id)
		}
	}

	master := b.master.Input
	log := b.log.WithField("track", id)
	now := b.ctx.Now()
	end := now + b.ramp()
	b.fade(tg.fader.Gain, 0, now, b.ramp())
	b.ctx.At(end, func(e *graph.Editor) {
		for _, n := range nodes {
			e.Remove(n)
		}
		for _, out := range reroute {
			if err := e.Connect(out, master); err != nil {
				log.Errorf("reroute to master: %v", err)
			}
		}
		for _, n := range closers {
			if err := n.Close(); err != nil {
				log.Warnf("close plugin: %v", err)
			}
		}
	})
	log.Debug("track graph removed")
}

func (b *Builder) InputNode(trackID string) (graph.NodeID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tg, ok := b.tracks[trackID]
	if !ok {
		return 0, false
	}
	return tg.input, true
}

func (b *Builder) InstrumentFor(trackID string) (*graph.InstrumentNode, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tg, ok := b.tracks[trackID]
	if !ok || tg.instr == nil || tg.instr.node == nil {
		return nil, false
	}
	return tg.instr.node, true
}

// ParamFor resolves an automation target: volume, pan or
// plugin:<id>:<param>.
func (b *Builder) ParamFor(trackID, target string) (*graph.Param, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tg, ok := b.tracks[trackID]
	if !ok {
		return nil, false
	}
	switch target {
	case model.TargetVolume:
		return tg.gain.Gain, true
	case model.TargetPan:
		return tg.pan.Pan, true
	}
	pluginID, name, ok := model.ParsePluginTarget(target)
	if !ok {
		return nil, false
	}
	slot, ok := tg.plugins[pluginID]
	if !ok {
		return nil, false
	}
	return slot.node.Param(name, slot.inst.Params[name]), true
}

func (b *Builder) Meter(trackID string) (graph.Level, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tg, ok := b.tracks[trackID]
	if !ok {
		return graph.Level{}, false
	}
	return tg.meter.Level(), true
}

// Plugin returns the node hosting a track's plugin instance.
func (b *Builder) Plugin(trackID, pluginID string) (*graph.PluginNode, graph.NodeID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tg, ok := b.tracks[trackID]
	if !ok {
		return nil, 0, false
	}
	slot, ok := tg.plugins[pluginID]
	if !ok {
		return nil, 0, false
	}
	return slot.node, slot.id, true
}

// OutputNode returns the track's output fader node.
func (b *Builder) OutputNode(trackID string) (graph.NodeID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tg, ok := b.tracks[trackID]
	if !ok {
		return 0, false
	}
	return tg.outputID, true
}

// Destination returns the track id (or master) the track is routed into.
func (b *Builder) Destination(trackID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tg, ok := b.tracks[trackID]
	if !ok {
		return "", false
	}
	return tg.dest, true
}

// Sends lists the destinations of the track's live send taps.
func (b *Builder) Sends(trackID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	tg, ok := b.tracks[trackID]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(tg.sends))
}

// PluginStats reports processing cost per plugin instance of a track.
func (b *Builder) PluginStats(trackID string) map[string]graph.PluginStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	tg, ok := b.tracks[trackID]
	if !ok {
		return nil
	}
	out := make(map[string]graph.PluginStats, len(tg.plugins))
	for id, slot := range tg.plugins {
		out[id] = slot.node.Stats()
	}
	return out
}

// Tracks returns the ids of every track graph.
func (b *Builder) Tracks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.tracks))
}

// Close disposes every plugin instance.
func (b *Builder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, tg := range b.tracks {
		for _, slot := range tg.plugins {
			errs = append(errs, slot.node.Close())
		}
	}
	errs = append(errs, b.master.close())
	return errors.Join(errs...)
}
