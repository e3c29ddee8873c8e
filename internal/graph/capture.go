package graph

import "sync"

// Capture is a source fed from outside the render goroutine, typically a
// capture device. It plays whatever has arrived, in order, and drops the
// oldest audio when the ring overflows.
type Capture struct {
	mu    sync.Mutex
	l, r  []float32
	read  int
	count int
}

// NewCapture holds up to capacity frames of backlog.
func NewCapture(capacity int) *Capture {
	if capacity < 1 {
		capacity = 1
	}
	return &Capture{l: make([]float32, capacity), r: make([]float32, capacity)}
}

// Push appends interleaved stereo frames.
func (c *Capture) Push(interleaved []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.l)
	for i := 0; i+1 < len(interleaved); i += 2 {
		w := (c.read + c.count) % n
		c.l[w] = interleaved[i]
		c.r[w] = interleaved[i+1]
		if c.count == n {
			c.read = (c.read + 1) % n
		} else {
			c.count++
		}
	}
}

// Buffered returns the number of frames waiting.
func (c *Capture) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Capture) Process(p *Pass, _, out Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.l)
	i := 0
	for ; i < p.N && c.count > 0; i++ {
		out.L[i] = c.l[c.read]
		out.R[i] = c.r[c.read]
		c.read = (c.read + 1) % n
		c.count--
	}
	clear(out.L[i:p.N])
	clear(out.R[i:p.N])
}

func (c *Capture) Reset() {
	c.mu.Lock()
	c.read, c.count = 0, 0
	c.mu.Unlock()
}
