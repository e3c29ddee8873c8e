// Package graph is the audio runtime the schedulers drive: a directed graph
// of processing nodes with stable ids, rendered block by block against a
// sample clock. Events are placed at absolute runtime times and resolved to
// sample frames during rendering, so callers can schedule ahead with coarse
// timers and still land on exact samples.
package graph

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/viterin/vek/vek32"
)

var (
	ErrNodeNotFound = errors.New("node not found")
	ErrCycle        = errors.New("connection would create a cycle")
)

type NodeID uint64

// Block is one planar stereo buffer.
type Block struct {
	L, R []float32
}

func newBlock(n int) Block {
	return Block{L: make([]float32, n), R: make([]float32, n)}
}

func (b Block) slice(n int) Block { return Block{L: b.L[:n], R: b.R[:n]} }

func (b Block) zero() {
	clear(b.L)
	clear(b.R)
}

func (b Block) copyFrom(src Block) {
	copy(b.L, src.L)
	copy(b.R, src.R)
}

// Pass describes the block being rendered.
type Pass struct {
	Frame      int64 // first frame of the block
	N          int
	SampleRate float64
}

// Time returns the runtime time of sample i in the block.
func (p *Pass) Time(i int) float64 {
	return float64(p.Frame+int64(i)) / p.SampleRate
}

// Processor renders one block. in holds the sum of all connected inputs;
// out must be fully written.
type Processor interface {
	Process(p *Pass, in, out Block)
}

// Finisher is implemented by nodes with a natural end. Finished nodes are
// removed after the block and their ended callback runs outside the lock.
type Finisher interface {
	Finished(until float64) bool
	Ended()
}

// Resetter is implemented by nodes that hold playing state which a global
// stop must silence synchronously.
type Resetter interface {
	Reset()
}

// FaultFunc reports a node that panicked during rendering.
type FaultFunc func(id NodeID, name string, err error)

type node struct {
	id          NodeID
	name        string
	proc        Processor
	inputs      []NodeID
	outputs     []NodeID
	in, out     Block
	faulted     bool
	passOnFault bool
}

type deferred struct {
	frame int64
	seq   uint64
	fn    func(*Editor)
}

// Context owns the node graph and the sample clock. All graph edits and
// rendering are serialized by one mutex; the clock is readable lock-free.
type Context struct {
	mu         sync.Mutex
	sampleRate float64
	blockSize  int
	frame      atomic.Int64
	running    atomic.Bool

	nodes  map[NodeID]*node
	nextID NodeID
	sink   NodeID
	order  []*node
	dirty  bool

	queue []deferred
	seq   uint64

	onFault FaultFunc
	ended   []Finisher
	faults  []faultReport
}

type faultReport struct {
	id   NodeID
	name string
	err  error
}

// NewContext creates a context whose sink is a summing node; connect to
// Sink() to be heard.
func NewContext(sampleRate, blockSize int) *Context {
	if blockSize <= 0 {
		blockSize = 256
	}
	c := &Context{
		sampleRate: float64(sampleRate),
		blockSize:  blockSize,
		nodes:      make(map[NodeID]*node),
		dirty:      true,
	}
	c.sink = c.addLocked("sink", &Sum{}, false)
	return c
}

func (c *Context) SampleRate() float64 { return c.sampleRate }
func (c *Context) BlockSize() int      { return c.blockSize }
func (c *Context) Sink() NodeID        { return c.sink }

// Now returns the runtime clock in seconds: frames rendered so far.
func (c *Context) Now() float64 {
	return float64(c.frame.Load()) / c.sampleRate
}

// Frames returns the number of frames rendered so far.
func (c *Context) Frames() int64 { return c.frame.Load() }

// SetRunning marks whether blocks are being rendered. While not running,
// deferred edits apply immediately.
func (c *Context) SetRunning(on bool) { c.running.Store(on) }

func (c *Context) Running() bool { return c.running.Load() }

func (c *Context) OnFault(f FaultFunc) {
	c.mu.Lock()
	c.onFault = f
	c.mu.Unlock()
}

// FrameOf converts a runtime time to the nearest frame.
func (c *Context) FrameOf(t float64) int64 {
	return int64(math.Round(t * c.sampleRate))
}

// NewParam creates an automatable value bound to this context's clock.
func (c *Context) NewParam(v float64) *Param {
	return newParam(v, c.Now)
}

// Update runs fn with exclusive access to the graph. Edits made in one
// Update become visible to the renderer together.
func (c *Context) Update(fn func(*Editor)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&Editor{c: c})
}

// At defers fn to the first block starting at or after runtime time t. When
// the context is not running, or t has already passed, fn runs now.
func (c *Context) At(t float64, fn func(*Editor)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.FrameOf(t)
	if !c.running.Load() || f <= c.frame.Load() {
		fn(&Editor{c: c})
		return
	}
	c.seq++
	d := deferred{frame: f, seq: c.seq, fn: fn}
	i := sort.Search(len(c.queue), func(i int) bool {
		q := c.queue[i]
		return q.frame > f || (q.frame == f && q.seq > d.seq)
	})
	c.queue = append(c.queue, deferred{})
	copy(c.queue[i+1:], c.queue[i:])
	c.queue[i] = d
}

// Flush runs every pending deferred edit regardless of its time.
func (c *Context) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue
	c.queue = nil
	for _, d := range q {
		d.fn(&Editor{c: c})
	}
}

// Pending returns the number of deferred edits not yet applied.
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Add, Remove, Connect and Disconnect are single-edit shorthands for Update.

func (c *Context) Add(name string, p Processor) NodeID {
	var id NodeID
	c.Update(func(e *Editor) { id = e.Add(name, p) })
	return id
}

func (c *Context) Remove(id NodeID) {
	c.Update(func(e *Editor) { e.Remove(id) })
}

func (c *Context) Connect(from, to NodeID) error {
	var err error
	c.Update(func(e *Editor) { err = e.Connect(from, to) })
	return err
}

func (c *Context) Disconnect(from, to NodeID) {
	c.Update(func(e *Editor) { e.Disconnect(from, to) })
}

func (c *Context) Exists(id NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.nodes[id]
	return ok
}

func (c *Context) Inputs(id NodeID) []NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id]; ok {
		return append([]NodeID(nil), n.inputs...)
	}
	return nil
}

func (c *Context) Outputs(id NodeID) []NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id]; ok {
		return append([]NodeID(nil), n.outputs...)
	}
	return nil
}

// Paths counts distinct directed paths from one node to another.
func (c *Context) Paths(from, to NodeID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	memo := make(map[NodeID]int)
	return c.countPaths(from, to, memo)
}

func (c *Context) countPaths(from, to NodeID, memo map[NodeID]int) int {
	if from == to {
		return 1
	}
	if v, ok := memo[from]; ok {
		return v
	}
	n, ok := c.nodes[from]
	if !ok {
		return 0
	}
	total := 0
	for _, o := range n.outputs {
		total += c.countPaths(o, to, memo)
	}
	memo[from] = total
	return total
}

// Len returns the number of nodes, the sink included.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Faulted reports whether a node has been silenced after a panic.
func (c *Context) Faulted(id NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	return ok && n.faulted
}

// ResetAll calls Reset on every node that holds playing state.
func (c *Context) ResetAll() {
	c.Update(func(e *Editor) {
		for _, n := range c.nodes {
			if r, ok := n.proc.(Resetter); ok {
				r.Reset()
			}
		}
	})
}

// Editor mutates the graph while the context lock is held.
type Editor struct {
	c *Context
}

// Now returns the runtime clock.
func (e *Editor) Now() float64 { return e.c.Now() }

func (e *Editor) Add(name string, p Processor) NodeID {
	_, pass := p.(*PluginNode)
	return e.c.addLocked(name, p, pass)
}

func (c *Context) addLocked(name string, p Processor, passOnFault bool) NodeID {
	c.nextID++
	id := c.nextID
	c.nodes[id] = &node{
		id:          id,
		name:        name,
		proc:        p,
		in:          newBlock(c.blockSize),
		out:         newBlock(c.blockSize),
		passOnFault: passOnFault,
	}
	c.dirty = true
	return id
}

// Remove deletes a node and every edge touching it. The sink cannot be
// removed.
func (e *Editor) Remove(id NodeID) {
	c := e.c
	n, ok := c.nodes[id]
	if !ok || id == c.sink {
		return
	}
	for _, in := range n.inputs {
		if src, ok := c.nodes[in]; ok {
			src.outputs = without(src.outputs, id)
		}
	}
	for _, out := range n.outputs {
		if dst, ok := c.nodes[out]; ok {
			dst.inputs = without(dst.inputs, id)
		}
	}
	delete(c.nodes, id)
	c.dirty = true
}

func (e *Editor) Node(id NodeID) (Processor, bool) {
	n, ok := e.c.nodes[id]
	if !ok {
		return nil, false
	}
	return n.proc, true
}

func (e *Editor) Exists(id NodeID) bool {
	_, ok := e.c.nodes[id]
	return ok
}

// Connect adds an edge. Connecting an existing edge is a no-op.
func (e *Editor) Connect(from, to NodeID) error {
	c := e.c
	src, ok := c.nodes[from]
	if !ok {
		return fmt.Errorf("connect %d: %w", from, ErrNodeNotFound)
	}
	dst, ok := c.nodes[to]
	if !ok {
		return fmt.Errorf("connect to %d: %w", to, ErrNodeNotFound)
	}
	for _, o := range src.outputs {
		if o == to {
			return nil
		}
	}
	if from == to || c.reaches(to, from) {
		return fmt.Errorf("connect %s -> %s: %w", src.name, dst.name, ErrCycle)
	}
	src.outputs = append(src.outputs, to)
	dst.inputs = append(dst.inputs, from)
	c.dirty = true
	return nil
}

func (e *Editor) Disconnect(from, to NodeID) {
	c := e.c
	if src, ok := c.nodes[from]; ok {
		src.outputs = without(src.outputs, to)
	}
	if dst, ok := c.nodes[to]; ok {
		dst.inputs = without(dst.inputs, from)
	}
	c.dirty = true
}

// DisconnectOutputs removes every outgoing edge of id.
func (e *Editor) DisconnectOutputs(id NodeID) {
	c := e.c
	n, ok := c.nodes[id]
	if !ok {
		return
	}
	for _, o := range n.outputs {
		if dst, ok := c.nodes[o]; ok {
			dst.inputs = without(dst.inputs, id)
		}
	}
	n.outputs = nil
	c.dirty = true
}

func (e *Editor) Outputs(id NodeID) []NodeID {
	if n, ok := e.c.nodes[id]; ok {
		return append([]NodeID(nil), n.outputs...)
	}
	return nil
}

func (c *Context) reaches(from, to NodeID) bool {
	seen := map[NodeID]bool{}
	stack := []NodeID{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if n, ok := c.nodes[id]; ok {
			stack = append(stack, n.outputs...)
		}
	}
	return false
}

func without(ids []NodeID, id NodeID) []NodeID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// schedule returns the nodes that can reach the sink, inputs first. Nodes
// with no path to the sink are not rendered at all.
func (c *Context) schedule() []*node {
	if !c.dirty {
		return c.order
	}
	live := map[NodeID]bool{}
	stack := []NodeID{c.sink}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if live[id] {
			continue
		}
		live[id] = true
		if n, ok := c.nodes[id]; ok {
			stack = append(stack, n.inputs...)
		}
	}
	indeg := make(map[NodeID]int, len(live))
	ids := make([]NodeID, 0, len(live))
	for id := range live {
		ids = append(ids, id)
		for _, in := range c.nodes[id].inputs {
			if live[in] {
				indeg[id]++
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var ready []NodeID
	for _, id := range ids {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	order := make([]*node, 0, len(ids))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		n := c.nodes[id]
		order = append(order, n)
		for _, o := range n.outputs {
			if !live[o] {
				continue
			}
			indeg[o]--
			if indeg[o] == 0 {
				ready = append(ready, o)
			}
		}
	}
	c.order = order
	c.dirty = false
	return order
}

// Process renders len(dst)/2 interleaved stereo frames from the sink.
func (c *Context) Process(dst []float32) {
	frames := len(dst) / 2
	for off := 0; off < frames; {
		n := min(c.blockSize, frames-off)
		out := c.renderBlock(n)
		for i := 0; i < n; i++ {
			dst[2*(off+i)] = out.L[i]
			dst[2*(off+i)+1] = out.R[i]
		}
		off += n
	}
}

// RenderBlock renders one block of n frames (n <= block size) and returns
// the sink output. The slices are reused by the next call.
func (c *Context) RenderBlock(n int) Block {
	if n > c.blockSize {
		n = c.blockSize
	}
	return c.renderBlock(n)
}

func (c *Context) renderBlock(n int) Block {
	c.mu.Lock()
	start := c.frame.Load()
	for len(c.queue) > 0 && c.queue[0].frame <= start {
		d := c.queue[0]
		c.queue = c.queue[1:]
		d.fn(&Editor{c: c})
	}

	pass := Pass{Frame: start, N: n, SampleRate: c.sampleRate}
	for _, nd := range c.schedule() {
		in, out := nd.in.slice(n), nd.out.slice(n)
		in.zero()
		for _, src := range nd.inputs {
			s, ok := c.nodes[src]
			if !ok {
				continue
			}
			vek32.Add_Inplace(in.L, s.out.L[:n])
			vek32.Add_Inplace(in.R, s.out.R[:n])
		}
		c.processNode(nd, &pass, in, out)
	}

	until := float64(start+int64(n)) / c.sampleRate
	for id, nd := range c.nodes {
		if f, ok := nd.proc.(Finisher); ok && f.Finished(until) {
			(&Editor{c: c}).Remove(id)
			c.ended = append(c.ended, f)
		}
	}

	sink := c.nodes[c.sink].out.slice(n)
	c.frame.Add(int64(n))
	ended, faults, onFault := c.ended, c.faults, c.onFault
	c.ended, c.faults = nil, nil
	c.mu.Unlock()

	for _, f := range ended {
		f.Ended()
	}
	if onFault != nil {
		for _, f := range faults {
			onFault(f.id, f.name, f.err)
		}
	}
	return sink
}

func (c *Context) processNode(nd *node, p *Pass, in, out Block) {
	if nd.faulted {
		c.faultOutput(nd, in, out)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			nd.faulted = true
			c.faults = append(c.faults, faultReport{id: nd.id, name: nd.name, err: fmt.Errorf("panic: %v", r)})
			c.faultOutput(nd, in, out)
		}
	}()
	nd.proc.Process(p, in, out)
}

// faultOutput silences a faulted node, or passes its input through for
// plugin nodes so a broken effect drops out of the chain instead of
// muting the track.
func (c *Context) faultOutput(nd *node, in, out Block) {
	if nd.passOnFault {
		out.copyFrom(in)
		return
	}
	out.zero()
}
