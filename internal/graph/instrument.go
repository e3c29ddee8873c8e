package graph

import (
	"math"
	"sort"
	"sync"

	"gitlab.com/gomidi/midi/v2"
)

// Voicer is a voice-producing unit driven by MIDI messages.
type Voicer interface {
	Handle(msg midi.Message)
	// Render overwrites l and r with the next len(l) frames.
	Render(l, r []float32)
	// Reset silences every voice immediately.
	Reset()
}

type timedMessage struct {
	frame int64
	seq   uint64
	msg   midi.Message
}

// InstrumentNode renders a Voicer and applies scheduled messages at their
// exact frames by splitting the block around them.
type InstrumentNode struct {
	v    Voicer
	rate float64

	mu    sync.Mutex
	queue []timedMessage
	seq   uint64
}

func NewInstrumentNode(c *Context, v Voicer) *InstrumentNode {
	return &InstrumentNode{v: v, rate: c.SampleRate()}
}

func (n *InstrumentNode) Voicer() Voicer { return n.v }

// Schedule queues msg for runtime time t. Messages at the same frame keep
// their scheduling order.
func (n *InstrumentNode) Schedule(t float64, msg midi.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	tm := timedMessage{frame: int64(math.Round(t * n.rate)), seq: n.seq, msg: msg}
	i := sort.Search(len(n.queue), func(i int) bool {
		q := n.queue[i]
		return q.frame > tm.frame || (q.frame == tm.frame && q.seq > tm.seq)
	})
	n.queue = append(n.queue, timedMessage{})
	copy(n.queue[i+1:], n.queue[i:])
	n.queue[i] = tm
}

// Pending returns the number of queued messages.
func (n *InstrumentNode) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

func (n *InstrumentNode) Process(p *Pass, _, out Block) {
	n.mu.Lock()
	end := p.Frame + int64(p.N)
	k := 0
	for k < len(n.queue) && n.queue[k].frame < end {
		k++
	}
	due := append([]timedMessage(nil), n.queue[:k]...)
	n.queue = n.queue[k:]
	n.mu.Unlock()

	pos := 0
	for _, m := range due {
		at := int(max(m.frame-p.Frame, 0))
		if at > pos {
			n.v.Render(out.L[pos:at], out.R[pos:at])
			pos = at
		}
		n.v.Handle(m.msg)
	}
	if pos < p.N {
		n.v.Render(out.L[pos:p.N], out.R[pos:p.N])
	}
}

// Reset drops queued messages and silences the instrument.
func (n *InstrumentNode) Reset() {
	n.mu.Lock()
	n.queue = n.queue[:0]
	n.mu.Unlock()
	n.v.Reset()
}
