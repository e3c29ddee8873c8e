// Package media holds decoded audio buffers and converts between them and
// file formats.
package media

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrBufferNotFound = errors.New("buffer not found")
	ErrDecode         = errors.New("decode failed")
)

// Buffer is planar stereo audio. Mono sources are duplicated into both
// channels on load.
type Buffer struct {
	ID         string
	L, R       []float32
	SampleRate int
}

func NewBuffer(id string, sampleRate, frames int) *Buffer {
	return &Buffer{ID: id, L: make([]float32, frames), R: make([]float32, frames), SampleRate: sampleRate}
}

// FromInterleaved builds a buffer from interleaved samples with 1 or 2
// channels.
func FromInterleaved(id string, sampleRate, channels int, data []float32) (*Buffer, error) {
	switch channels {
	case 1:
		b := NewBuffer(id, sampleRate, len(data))
		copy(b.L, data)
		copy(b.R, data)
		return b, nil
	case 2:
		frames := len(data) / 2
		b := NewBuffer(id, sampleRate, frames)
		for i := 0; i < frames; i++ {
			b.L[i] = data[2*i]
			b.R[i] = data[2*i+1]
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: unsupported channel count %d", ErrDecode, channels)
}

func (b *Buffer) Frames() int { return len(b.L) }

func (b *Buffer) Duration() float64 {
	if b.SampleRate == 0 {
		return 0
	}
	return float64(len(b.L)) / float64(b.SampleRate)
}

// Interleaved returns L/R interleaved samples.
func (b *Buffer) Interleaved() []float32 {
	out := make([]float32, 2*len(b.L))
	for i := range b.L {
		out[2*i] = b.L[i]
		out[2*i+1] = b.R[i]
	}
	return out
}

// At returns the linearly interpolated frame at a fractional index. Out of
// range positions are silent.
func (b *Buffer) At(pos float64) (float32, float32) {
	n := len(b.L)
	if pos < 0 || n == 0 || pos > float64(n-1) {
		return 0, 0
	}
	i := int(pos)
	frac := float32(pos - float64(i))
	if i >= n-1 {
		return b.L[n-1], b.R[n-1]
	}
	return b.L[i] + (b.L[i+1]-b.L[i])*frac, b.R[i] + (b.R[i+1]-b.R[i])*frac
}

// Resample converts to rate with linear interpolation. A buffer already at
// rate is returned as is.
func (b *Buffer) Resample(rate int) *Buffer {
	if b.SampleRate == rate || b.SampleRate == 0 || rate <= 0 {
		return b
	}
	ratio := float64(b.SampleRate) / float64(rate)
	frames := int(float64(len(b.L)) / ratio)
	out := NewBuffer(b.ID, rate, frames)
	for i := 0; i < frames; i++ {
		out.L[i], out.R[i] = b.At(float64(i) * ratio)
	}
	return out
}

// Store is a concurrent map of buffers by id.
type Store struct {
	mu      sync.RWMutex
	buffers map[string]*Buffer
}

func NewStore() *Store {
	return &Store{buffers: make(map[string]*Buffer)}
}

func (s *Store) Put(b *Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[b.ID] = b
}

func (s *Store) Get(id string) (*Buffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBufferNotFound, id)
	}
	return b, nil
}

func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, id)
}

func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
