package mixer

import (
	"errors"

	"github.com/cbegin/mixcore-go/internal/effects"
	"github.com/cbegin/mixcore-go/internal/graph"
)

// Master is the final bus: input, 5-band EQ, limiter, meter, then the
// runtime output.
type Master struct {
	Input graph.NodeID

	EQ      *effects.EQ5Band
	Limiter *effects.Limiter

	eqNode, limNode *graph.PluginNode
	meter           *graph.Meter
	meterID         graph.NodeID
}

func newMaster(ctx *graph.Context, rate int) *Master {
	m := &Master{
		EQ:      effects.NewEQ5Band(rate, nil),
		Limiter: effects.NewLimiter(rate, nil),
		meter:   graph.NewMeter(ctx),
	}
	m.eqNode = graph.NewPluginNode(ctx, m.EQ)
	m.limNode = graph.NewPluginNode(ctx, m.Limiter)
	ctx.Update(func(e *graph.Editor) {
		m.Input = e.Add("master/input", graph.Sum{})
		eq := e.Add("master/eq", m.eqNode)
		lim := e.Add("master/limiter", m.limNode)
		m.meterID = e.Add("master/meter", m.meter)
		mustConnect(e, m.Input, eq)
		mustConnect(e, eq, lim)
		mustConnect(e, lim, m.meterID)
		mustConnect(e, m.meterID, ctx.Sink())
	})
	return m
}

func (m *Master) Level() graph.Level { return m.meter.Level() }

// UpdateEQ and UpdateLimiter push partial parameter changes to the inserts.
func (m *Master) UpdateEQ(p effects.Params)      { m.eqNode.UpdateParams(p) }
func (m *Master) UpdateLimiter(p effects.Params) { m.limNode.UpdateParams(p) }

func (m *Master) Stats() (eq, limiter graph.PluginStats) {
	return m.eqNode.Stats(), m.limNode.Stats()
}

func (m *Master) close() error {
	return errors.Join(m.eqNode.Close(), m.limNode.Close())
}
