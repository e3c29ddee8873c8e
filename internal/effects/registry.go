package effects

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownPlugin is reported, never returned as fatal, when a plugin type
// has no factory.
var ErrUnknownPlugin = errors.New("unknown plugin type")

// Factory builds a plugin for a sample rate with initial parameters.
type Factory func(sampleRate int, p Params) Plugin

// Registry maps plugin type tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in plugins.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("reverb", func(sr int, p Params) Plugin { return NewReverb(sr, p) })
	r.Register("delay", func(sr int, p Params) Plugin { return NewDelay(sr, p) })
	r.Register("chorus", func(sr int, p Params) Plugin { return NewChorus(sr, p) })
	r.Register("distortion", func(sr int, p Params) Plugin { return NewDistortion(sr, p) })
	r.Register("compressor", func(sr int, p Params) Plugin { return NewCompressor(sr, p) })
	r.Register("eq3", func(sr int, p Params) Plugin { return NewEQ3Band(sr, p) })
	r.Register("eq5", func(sr int, p Params) Plugin { return NewEQ5Band(sr, p) })
	r.Register("limiter", func(sr int, p Params) Plugin { return NewLimiter(sr, p) })
	r.Register("gain", func(sr int, p Params) Plugin { return NewUtility(sr, p) })
	return r
}

func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

func (r *Registry) Known(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// Types lists registered type tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// New instantiates typ. Unknown types yield a Passthrough together with an
// error wrapping ErrUnknownPlugin so callers can log it; the returned plugin
// is always usable.
func (r *Registry) New(typ string, sampleRate int, p Params) (Plugin, error) {
	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return &Passthrough{Type: typ}, fmt.Errorf("%w: %q", ErrUnknownPlugin, typ)
	}
	return f(sampleRate, p), nil
}
