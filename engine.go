// Package mixcore is a real-time multitrack audio engine: lookahead
// transport scheduling of clips, notes and automation into a per-track
// processing graph with insert plugins, buses, sends and recording.
package mixcore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	intaudio "github.com/cbegin/mixcore-go/internal/audio"
	"github.com/cbegin/mixcore-go/internal/config"
	intfx "github.com/cbegin/mixcore-go/internal/effects"
	"github.com/cbegin/mixcore-go/internal/graph"
	"github.com/cbegin/mixcore-go/internal/logging"
	"github.com/cbegin/mixcore-go/internal/media"
	"github.com/cbegin/mixcore-go/internal/mixer"
	"github.com/cbegin/mixcore-go/internal/model"
	"github.com/cbegin/mixcore-go/internal/recording"
	intseq "github.com/cbegin/mixcore-go/internal/sequencer"
	"github.com/cbegin/mixcore-go/internal/transport"
)

const armTimeout = 5 * time.Second

var (
	ErrNotInitialized = errors.New("engine not initialized")
	ErrUnknownTrack   = errors.New("unknown track")
)

// EventKind classifies events delivered through Watch.
type EventKind int

const (
	EventVoiceEnded EventKind = iota
	EventLoopWrapped
	EventPluginFault
	EventTakeFinalized
)

func (k EventKind) String() string {
	switch k {
	case EventVoiceEnded:
		return "voice-ended"
	case EventLoopWrapped:
		return "loop-wrapped"
	case EventPluginFault:
		return "plugin-fault"
	case EventTakeFinalized:
		return "take-finalized"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event carries engine notifications from Watch().
type Event struct {
	Kind       EventKind
	TrackID    string
	ClipID     string
	Node       string // faulted node name
	Generation uint64 // new generation after a loop wrap
	Clip       *model.Clip
	Err        error
}

type Option func(*engineConfig)

type engineConfig struct {
	capture    recording.Device
	registry   *intfx.Registry
	store      *media.Store
	headless   bool
	manualTick bool
	sampleTap  func([]float32)
	clock      transport.Clock
	timing     *config.Timing
}

// WithCaptureDevice replaces the capture device used for recording.
func WithCaptureDevice(d recording.Device) Option {
	return func(cfg *engineConfig) {
		cfg.capture = d
	}
}

func WithPluginRegistry(r *intfx.Registry) Option {
	return func(cfg *engineConfig) {
		cfg.registry = r
	}
}

// WithStore shares a buffer store with the engine.
func WithStore(s *media.Store) Option {
	return func(cfg *engineConfig) {
		cfg.store = s
	}
}

// WithHeadless skips the output device; the caller pulls audio with
// Process.
func WithHeadless() Option {
	return func(cfg *engineConfig) {
		cfg.headless = true
	}
}

// WithSampleTap installs a callback invoked with each rendered stereo buffer.
// The callback runs on the audio thread; keep work brief and non-blocking.
func WithSampleTap(tap func([]float32)) Option {
	return func(cfg *engineConfig) {
		cfg.sampleTap = tap
	}
}

// WithClock drives the transport from c instead of the graph's frame clock.
func WithClock(c transport.Clock) Option {
	return func(cfg *engineConfig) {
		cfg.clock = c
	}
}

// withManualTick leaves ticking to the caller, for offline rendering.
func withManualTick() Option {
	return func(cfg *engineConfig) {
		cfg.manualTick = true
	}
}

func withTiming(t config.Timing) Option {
	return func(cfg *engineConfig) {
		cfg.timing = &t
	}
}

type Engine struct {
	cfg  config.Config
	ecfg engineConfig
	log  *logrus.Entry
	rate int

	ctx       *graph.Context
	store     *media.Store
	mixer     *mixer.Builder
	clips     *intseq.ClipScheduler
	notes     *intseq.NoteScheduler
	auto      *intseq.AutomationScheduler
	transport *transport.Transport
	recorder  *recording.Recorder

	mu      sync.Mutex
	tracks  []*model.Track
	tempo   float64
	backend intaudio.Backend
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	eventChMu sync.Mutex
	eventCh   chan Event
}

// NewEngine wires an engine from cfg. Nothing plays until Init.
func NewEngine(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var ecfg engineConfig
	for _, opt := range opts {
		opt(&ecfg)
	}
	timing := cfg.Timing()
	if ecfg.timing != nil {
		timing = *ecfg.timing
	}
	if ecfg.store == nil {
		ecfg.store = media.NewStore()
	}
	if ecfg.registry == nil {
		ecfg.registry = intfx.DefaultRegistry()
	}
	if ecfg.capture == nil {
		ecfg.capture = recording.DefaultDevice()
	}

	e := &Engine{
		cfg:   cfg,
		ecfg:  ecfg,
		log:   logging.For("engine"),
		rate:  cfg.SampleRate,
		ctx:   graph.NewContext(cfg.SampleRate, timing.BlockSize),
		store: ecfg.store,
		tempo: 120,
	}
	e.mixer = mixer.New(e.ctx, mixer.Options{
		Registry:    ecfg.registry,
		Store:       ecfg.store,
		RebuildRamp: cfg.RebuildRamp(),
	})
	e.clips = intseq.NewClipScheduler(e.ctx, e.store, e.mixer)
	e.clips.OnVoiceEnded = func(trackID, clipID string) {
		e.sendEvent(Event{Kind: EventVoiceEnded, TrackID: trackID, ClipID: clipID})
	}
	e.notes = intseq.NewNoteScheduler(e.ctx, e.mixer)
	e.auto = intseq.NewAutomationScheduler(e.mixer)

	var clock transport.Clock = e.ctx
	if ecfg.clock != nil {
		clock = ecfg.clock
	}
	e.transport = transport.New(clock, e.auto, transport.Options{
		Timing: timing,
		OnWrap: func(gen uint64) {
			e.sendEvent(Event{Kind: EventLoopWrapped, Generation: gen})
		},
	}, e.clips, e.notes, e.auto)

	e.recorder = recording.New(e.ctx, e.mixer, ecfg.capture, e.store, recording.Options{
		DeviceID:     cfg.InputDevice,
		Retries:      cfg.Recording.ArmRetries,
		Backoff:      cfg.ArmBackoff(),
		InputLatency: durationMs(cfg.Recording.InputLatencyMs),
	})

	e.ctx.OnFault(func(_ graph.NodeID, name string, err error) {
		trackID, _, _ := strings.Cut(name, "/")
		e.log.WithFields(logrus.Fields{"node": name, "track": trackID}).Errorf("node faulted: %v", err)
		e.sendEvent(Event{Kind: EventPluginFault, TrackID: trackID, Node: name, Err: err})
	})
	return e, nil
}

// Init starts rendering: the output device (unless headless) and the
// transport loop.
func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if !e.ecfg.headless {
		id := e.cfg.OutputDevice
		if id == "" {
			id = e.cfg.Backend
		}
		backend, err := intaudio.Open(id, e.rate, e)
		if err != nil {
			return fmt.Errorf("open output: %w", err)
		}
		e.backend = backend
	}
	e.ctx.SetRunning(true)
	if !e.ecfg.manualTick {
		runCtx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.done = make(chan struct{})
		go func() {
			defer close(e.done)
			_ = e.transport.Run(runCtx)
		}()
	}
	if e.backend != nil {
		e.backend.Play()
	}
	e.running = true
	e.log.WithFields(logrus.Fields{"sampleRate": e.rate, "latency": e.cfg.Latency, "headless": e.ecfg.headless}).Info("engine initialized")
	return nil
}

// Shutdown stops playback and recording, closes the device and disposes
// every plugin.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel, done, backend := e.cancel, e.done, e.backend
	e.cancel, e.done, e.backend = nil, nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	e.transport.Stop()
	e.recorder.Disarm()
	var errs []error
	if backend != nil {
		errs = append(errs, backend.Close())
	}
	e.ctx.SetRunning(false)
	errs = append(errs, e.mixer.Close())
	e.log.Info("engine shut down")
	return errors.Join(errs...)
}

// Process renders interleaved stereo frames. The output device calls it;
// headless callers call it themselves.
func (e *Engine) Process(dst []float32) {
	e.ctx.Process(dst)
	if tap := e.ecfg.sampleTap; tap != nil {
		tap(dst)
	}
}

// LoadSession replaces tempo, loop and tracks.
func (e *Engine) LoadSession(s *model.Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	e.SetTempo(s.Tempo)
	e.SetLoop(s.Loop.Start, s.Loop.End, s.Loop.Enabled)
	e.SetTracks(s.Tracks)
	return nil
}

// SetTracks replaces the whole track list, creating, updating and removing
// track graphs as needed.
func (e *Engine) SetTracks(tracks []model.Track) {
	next := make([]*model.Track, len(tracks))
	keep := make(map[string]bool, len(tracks))
	for i := range tracks {
		t := tracks[i].Clone()
		next[i] = &t
		keep[t.ID] = true
	}
	e.mu.Lock()
	prev := e.tracks
	e.tracks = next
	e.mu.Unlock()

	for _, t := range prev {
		if !keep[t.ID] {
			e.dropTrack(t.ID)
		}
	}
	e.mixer.Sync(next)
	e.transport.SetTracks(next)
	e.applyArmed(armedID(prev), armedID(next))
}

// UpdateTrack applies a new state for one track. It is idempotent and cheap
// when nothing changed; unknown tracks are added.
func (e *Engine) UpdateTrack(track model.Track) {
	t := track.Clone()
	e.mu.Lock()
	next := slices.Clone(e.tracks)
	wasArmed := false
	i := slices.IndexFunc(next, func(x *model.Track) bool { return x.ID == t.ID })
	if i < 0 {
		next = append(next, &t)
	} else {
		wasArmed = next[i].Armed
		next[i] = &t
	}
	e.tracks = next
	e.mu.Unlock()

	e.mixer.EnsureTrack(&t)
	e.mixer.UpdateTrack(&t, next)
	e.transport.SetTracks(next)
	switch {
	case t.Armed && !wasArmed:
		e.applyArmed("", t.ID)
	case !t.Armed && wasArmed:
		e.applyArmed(t.ID, "")
	}
}

func armedID(tracks []*model.Track) string {
	for _, t := range tracks {
		if t.Armed {
			return t.ID
		}
	}
	return ""
}

// applyArmed follows a change of the tracks' Armed flags, then rewrites the
// flags to match what the recorder actually holds.
func (e *Engine) applyArmed(prev, next string) {
	switch {
	case next != "" && next != e.recorder.ArmedTrack():
		ctx, cancel := context.WithTimeout(context.Background(), armTimeout)
		err := e.recorder.Arm(ctx, next)
		cancel()
		if err != nil {
			e.log.WithField("track", next).Warnf("arm from track state: %v", err)
		}
	case next == "" && prev != "" && e.recorder.ArmedTrack() == prev:
		e.recorder.Disarm()
	}
	e.syncArmed()
}

// syncArmed sets Armed on the recorder's track only.
func (e *Engine) syncArmed() {
	armed := e.recorder.ArmedTrack()
	e.mu.Lock()
	defer e.mu.Unlock()
	var next []*model.Track
	for i, t := range e.tracks {
		if t.Armed == (t.ID == armed) {
			continue
		}
		if next == nil {
			next = slices.Clone(e.tracks)
		}
		c := t.Clone()
		c.Armed = !c.Armed
		next[i] = &c
	}
	if next != nil {
		e.tracks = next
	}
}

func (e *Engine) RemoveTrack(id string) error {
	e.mu.Lock()
	i := slices.IndexFunc(e.tracks, func(x *model.Track) bool { return x.ID == id })
	if i < 0 {
		e.mu.Unlock()
		return fmt.Errorf("remove %q: %w", id, ErrUnknownTrack)
	}
	next := slices.Delete(slices.Clone(e.tracks), i, i+1)
	e.tracks = next
	e.mu.Unlock()

	e.dropTrack(id)
	e.mixer.Sync(next)
	e.transport.SetTracks(next)
	return nil
}

func (e *Engine) dropTrack(id string) {
	e.clips.StopTrack(id)
	if e.recorder.ArmedTrack() == id {
		e.recorder.Disarm()
	}
	e.mixer.RemoveTrack(id)
}

// Tracks returns a copy of the current track list.
func (e *Engine) Tracks() []model.Track {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Track, len(e.tracks))
	for i, t := range e.tracks {
		out[i] = t.Clone()
	}
	return out
}

func (e *Engine) snapshot() []*model.Track {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracks
}

func (e *Engine) SetTempo(bpm float64) {
	if bpm <= 0 {
		return
	}
	e.mu.Lock()
	e.tempo = bpm
	e.mu.Unlock()
}

func (e *Engine) Tempo() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tempo
}

func (e *Engine) SetLoop(start, end float64, enabled bool) {
	e.transport.SetLoop(start, end, enabled)
}

// Start begins playback at project time offset.
func (e *Engine) Start(offset float64) {
	e.transport.Start(offset, e.snapshot())
}

func (e *Engine) Stop() { e.transport.Stop() }

// Seek moves the playhead, resuming playback when resume is set.
func (e *Engine) Seek(t float64, resume bool) {
	e.transport.Seek(t, e.snapshot(), resume)
}

func (e *Engine) CurrentTime() float64 { return e.transport.CurrentTime() }
func (e *Engine) Playing() bool        { return e.transport.Playing() }

func (e *Engine) Meter(trackID string) (graph.Level, bool) { return e.mixer.Meter(trackID) }
func (e *Engine) MasterMeter() graph.Level                 { return e.mixer.Master().Level() }

// PluginStats reports processing cost per plugin instance of a track.
func (e *Engine) PluginStats(trackID string) map[string]graph.PluginStats {
	return e.mixer.PluginStats(trackID)
}

// SetEQBand sets the gain for a master EQ band (0-4). 1.0 = unity.
// Band frequencies: 0=<200Hz, 1=200-800Hz, 2=800-2.5kHz, 3=2.5-8kHz, 4=>8kHz.
// This takes effect immediately on the audio thread (lock-free).
func (e *Engine) SetEQBand(band int, gain float32) {
	e.mixer.Master().EQ.SetGain(band, gain)
}

func (e *Engine) EQBand(band int) float32 {
	return e.mixer.Master().EQ.Gain(band)
}

// LoadBuffer decodes audio data and registers it under id. Decode failures
// are returned and nothing is stored.
func (e *Engine) LoadBuffer(id string, data []byte) error {
	buf, err := media.Decode(id, data, e.rate)
	if err != nil {
		e.log.WithField("buffer", id).Warnf("decode failed: %v", err)
		return err
	}
	e.store.Put(buf)
	return nil
}

// Buffers lists the registered buffer ids.
func (e *Engine) Buffers() []string { return e.store.IDs() }

func (e *Engine) Store() *media.Store { return e.store }

// ArmTrack arms trackID for recording, disarming any other track.
func (e *Engine) ArmTrack(ctx context.Context, trackID string) error {
	if !slices.ContainsFunc(e.snapshot(), func(t *model.Track) bool { return t.ID == trackID }) {
		return fmt.Errorf("arm %q: %w", trackID, ErrUnknownTrack)
	}
	err := e.recorder.Arm(ctx, trackID)
	e.syncArmed()
	return err
}

func (e *Engine) DisarmTrack() {
	e.recorder.Disarm()
	e.syncArmed()
}

func (e *Engine) RecordingState() recording.State { return e.recorder.State() }
func (e *Engine) ArmedTrack() string              { return e.recorder.ArmedTrack() }

// StartRecording begins a take at the playhead. A stopped transport is
// started there first; audio captured during its start delay is dropped.
func (e *Engine) StartRecording() error {
	if e.recorder.State() == recording.Disarmed {
		return recording.ErrNotArmed
	}
	if !e.Playing() {
		e.Start(e.CurrentTime())
	}
	return e.recorder.StartAfter(e.CurrentTime(), e.transport.Pending())
}

func (e *Engine) Recorder() *recording.Recorder   { return e.recorder }
func (e *Engine) Transport() *transport.Transport { return e.transport }
func (e *Engine) Mixer() *mixer.Builder           { return e.mixer }

// StopRecording finalizes the take, appends its clip to the armed track and
// returns it. An empty take yields a nil clip.
func (e *Engine) StopRecording() (*model.Clip, error) {
	trackID := e.recorder.ArmedTrack()
	clip, err := e.recorder.Stop()
	if clip == nil {
		return nil, err
	}
	e.mu.Lock()
	i := slices.IndexFunc(e.tracks, func(x *model.Track) bool { return x.ID == trackID })
	var updated *model.Track
	if i >= 0 {
		t := e.tracks[i].Clone()
		t.Clips = append(t.Clips, *clip)
		updated = &t
	}
	e.mu.Unlock()
	if updated != nil {
		e.UpdateTrack(*updated)
	}
	e.sendEvent(Event{Kind: EventTakeFinalized, TrackID: trackID, ClipID: clip.ID, Clip: clip})
	return clip, err
}

// Watch returns a channel that receives engine events. The channel is
// buffered (cap 64) and events are dropped when it is full. Only the most
// recent Watch() channel receives events.
func (e *Engine) Watch() <-chan Event {
	ch := make(chan Event, 64)
	e.eventChMu.Lock()
	e.eventCh = ch
	e.eventChMu.Unlock()
	return ch
}

func (e *Engine) sendEvent(ev Event) {
	e.eventChMu.Lock()
	ch := e.eventCh
	e.eventChMu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
		}
	}
}

func durationMs(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
