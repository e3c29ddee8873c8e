package mixer

import (
	"maps"
	"reflect"
	"slices"

	"github.com/cbegin/mixcore-go/internal/effects"
	"github.com/cbegin/mixcore-go/internal/instrument"
	"github.com/cbegin/mixcore-go/internal/model"
)

// plan is the difference between a track's applied graph and its next
// state.
type plan struct {
	add    []model.PluginInstance    // instances to create
	remove []string                  // instance ids to dispose
	update map[string]effects.Params // reused instances: changed keys only
	chain  []string                  // connected instance ids in order
	dest   string                    // resolved destination track id
	sends  []model.Send              // resolved sends, one per destination

	instrument        []model.InstrumentSpec
	instrumentChanged bool
}

// topology reports whether applying the plan requires rewiring.
func (p *plan) topology(tg *trackGraph) bool {
	if len(p.add) > 0 || len(p.remove) > 0 || p.instrumentChanged {
		return true
	}
	if !slices.Equal(p.chain, tg.chain) || p.dest != tg.dest {
		return true
	}
	if len(p.sends) != len(tg.sends) {
		return true
	}
	for _, s := range p.sends {
		if _, ok := tg.sends[s.Destination]; !ok {
			return true
		}
	}
	return false
}

// diffPlugins compares the instances a track has with the ones it wants.
// An instance is reused when its id and type are unchanged. Unknown types
// stay in the chain even when disabled so it never breaks.
func diffPlugins(have map[string]*pluginSlot, want []model.PluginInstance, known func(string) bool) (add []model.PluginInstance, remove []string, update map[string]effects.Params, chain []string) {
	update = make(map[string]effects.Params)
	seen := make(map[string]bool, len(want))
	for _, inst := range want {
		seen[inst.ID] = true
		slot, ok := have[inst.ID]
		switch {
		case !ok:
			add = append(add, inst)
		case slot.inst.Type != inst.Type:
			remove = append(remove, inst.ID)
			add = append(add, inst)
		default:
			if changed := changedParams(slot.inst.Params, inst.Params); len(changed) > 0 {
				update[inst.ID] = changed
			}
		}
		if inst.Enabled || !known(inst.Type) {
			chain = append(chain, inst.ID)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(have)) {
		if !seen[id] {
			remove = append(remove, id)
		}
	}
	return add, remove, update, chain
}

func changedParams(prev, next map[string]float64) effects.Params {
	var out effects.Params
	for k, v := range next {
		if old, ok := prev[k]; ok && old == v {
			continue
		}
		if out == nil {
			out = effects.Params{}
		}
		out[k] = v
	}
	return out
}

// wantInstrument returns the units a track could play through, most
// preferred first. Tracks without an explicit unit get a kind default.
func wantInstrument(t *model.Track) []model.InstrumentSpec {
	if !t.Kind.MIDIBearing() {
		return nil
	}
	if specs := instrument.Ordered(t.Instruments); len(specs) > 0 {
		return specs
	}
	switch t.Kind {
	case model.KindMIDI:
		return []model.InstrumentSpec{{Type: model.InstrumentSynth}}
	case model.KindDrumRack:
		return []model.InstrumentSpec{{Type: model.InstrumentDrums}}
	}
	return nil
}

// instrumentChanged compares against what was last attempted, so a unit
// that failed to build is not retried until its specs change.
func instrumentChanged(slot *instrumentSlot, want []model.InstrumentSpec) bool {
	switch {
	case slot == nil && len(want) == 0:
		return false
	case slot == nil || len(want) == 0:
		return true
	}
	return !reflect.DeepEqual(slot.want, want)
}
