package graph

import (
	"maps"
	"sync"
	"time"

	"github.com/cbegin/mixcore-go/internal/effects"
)

// PluginStats reports processing cost for one plugin node.
type PluginStats struct {
	Blocks      uint64
	AverageTime time.Duration
	LastTime    time.Duration
}

// PluginNode hosts an effects.Plugin. Automated parameters are read at block
// rate and pushed through UpdateParams, where the plugin smooths them. The
// plugin itself is only touched from the render goroutine.
type PluginNode struct {
	plugin effects.Plugin

	mu      sync.Mutex
	params  map[string]*Param
	pushed  map[string]float64
	pending effects.Params
	now     func() float64

	blocks uint64
	total  time.Duration
	last   time.Duration
}

func NewPluginNode(c *Context, p effects.Plugin) *PluginNode {
	return &PluginNode{
		plugin: p,
		params: make(map[string]*Param),
		pushed: make(map[string]float64),
		now:    c.Now,
	}
}

func (n *PluginNode) Plugin() effects.Plugin { return n.plugin }

// Param returns the automatable param for name, creating it at initial the
// first time it is requested.
func (n *PluginNode) Param(name string, initial float64) *Param {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.params[name]; ok {
		return p
	}
	p := newParam(initial, n.now)
	n.params[name] = p
	n.pushed[name] = initial
	return p
}

// UpdateParams queues values for the plugin; they are applied at the start
// of the next block. Automated params are realigned with them.
func (n *PluginNode) UpdateParams(p effects.Params) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending == nil {
		n.pending = effects.Params{}
	}
	for k, v := range p {
		n.pending[k] = v
		if prm, ok := n.params[k]; ok {
			prm.SetValue(v)
			n.pushed[k] = v
		}
	}
}

// Pending returns the queued values not yet applied.
func (n *PluginNode) Pending() effects.Params {
	n.mu.Lock()
	defer n.mu.Unlock()
	return maps.Clone(n.pending)
}

func (n *PluginNode) Process(p *Pass, in, out Block) {
	start := time.Now()
	n.mu.Lock()
	changed := n.pending
	n.pending = nil
	for name, prm := range n.params {
		v := prm.Advance(p.Time(0))
		if v != n.pushed[name] {
			if changed == nil {
				changed = effects.Params{}
			}
			changed[name] = v
			n.pushed[name] = v
		}
	}
	n.mu.Unlock()
	if changed != nil {
		n.plugin.UpdateParams(changed)
	}
	for i := 0; i < p.N; i++ {
		out.L[i], out.R[i] = n.plugin.Process(in.L[i], in.R[i])
	}
	el := time.Since(start)
	n.mu.Lock()
	n.blocks++
	n.total += el
	n.last = el
	n.mu.Unlock()
}

func (n *PluginNode) Stats() PluginStats {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := PluginStats{Blocks: n.blocks, LastTime: n.last}
	if n.blocks > 0 {
		s.AverageTime = n.total / time.Duration(n.blocks)
	}
	return s
}

// Reset clears the plugin's internal state (delay lines, tails).
func (n *PluginNode) Reset() { n.plugin.Reset() }

func (n *PluginNode) Close() error { return n.plugin.Close() }
