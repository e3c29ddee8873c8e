// Package recording arms a track on a capture device, monitors the input
// through the track's graph and turns captured audio into clips.
package recording

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cbegin/mixcore-go/internal/graph"
	"github.com/cbegin/mixcore-go/internal/logging"
	"github.com/cbegin/mixcore-go/internal/media"
	"github.com/cbegin/mixcore-go/internal/model"
)

var (
	ErrTrackNotReady = errors.New("track input not ready")
	ErrNotArmed      = errors.New("no track armed")
	ErrNotRecording  = errors.New("not recording")
)

type State int

const (
	Disarmed State = iota
	Armed
	Recording
)

func (s State) String() string {
	switch s {
	case Disarmed:
		return "disarmed"
	case Armed:
		return "armed"
	case Recording:
		return "recording"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Inputs resolves a track's input node.
type Inputs interface {
	InputNode(trackID string) (graph.NodeID, bool)
}

type Options struct {
	DeviceID     string
	Retries      int
	Backoff      time.Duration
	InputLatency time.Duration
}

// Recorder owns at most one armed track. Arm and Disarm are serialized;
// the capture callback only takes the state lock.
type Recorder struct {
	ctx    *graph.Context
	inputs Inputs
	dev    Device
	store  *media.Store
	opts   Options
	log    *logrus.Entry
	rate   int

	armMu sync.Mutex

	mu        sync.Mutex
	state     State
	track     string
	input     graph.NodeID
	stream    Stream
	capture   *graph.Capture
	captureID graph.NodeID
	take      []float32
	start     float64
	preroll   time.Duration
}

func New(ctx *graph.Context, inputs Inputs, dev Device, store *media.Store, opts Options) *Recorder {
	if opts.Retries <= 0 {
		opts.Retries = 5
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 40 * time.Millisecond
	}
	if opts.DeviceID == "" {
		opts.DeviceID = "default"
	}
	return &Recorder{
		ctx:    ctx,
		inputs: inputs,
		dev:    dev,
		store:  store,
		opts:   opts,
		log:    logging.For("recording"),
		rate:   int(ctx.SampleRate()),
	}
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ArmedTrack returns the armed track id, or "" when disarmed.
func (r *Recorder) ArmedTrack() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.track
}

// Arm opens a capture stream for trackID and monitors it through the
// track's input. Any previously armed track is disarmed first and an
// unfinished take is discarded. The track input is polled with doubling
// backoff while the graph catches up.
func (r *Recorder) Arm(ctx context.Context, trackID string) error {
	r.armMu.Lock()
	defer r.armMu.Unlock()

	if r.ArmedTrack() == trackID {
		return nil
	}
	r.disarm()

	log := r.log.WithField("track", trackID)
	input, err := r.waitForInput(ctx, trackID)
	if err != nil {
		log.Warnf("arm failed: %v", err)
		return err
	}
	if err := r.open(trackID, input); err != nil {
		log.Warnf("arm failed: %v", err)
		return err
	}
	log.WithField("device", r.opts.DeviceID).Info("track armed")
	return nil
}

func (r *Recorder) waitForInput(ctx context.Context, trackID string) (graph.NodeID, error) {
	backoff := r.opts.Backoff
	for attempt := 0; ; attempt++ {
		if id, ok := r.inputs.InputNode(trackID); ok {
			return id, nil
		}
		if attempt >= r.opts.Retries {
			return 0, fmt.Errorf("arm %s after %d attempts: %w", trackID, attempt+1, ErrTrackNotReady)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// open starts a fresh stream and capture node feeding input.
func (r *Recorder) open(trackID string, input graph.NodeID) error {
	capture := graph.NewCapture(r.rate)
	stream, err := r.dev.Open(r.opts.DeviceID, r.rate, r.onSamples)
	if err != nil {
		return err
	}
	var connErr error
	var id graph.NodeID
	r.ctx.Update(func(e *graph.Editor) {
		id = e.Add(trackID+"/monitor", capture)
		if connErr = e.Connect(id, input); connErr != nil {
			e.Remove(id)
		}
	})
	if connErr != nil {
		_ = stream.Close()
		return fmt.Errorf("monitor %s: %w", trackID, connErr)
	}

	r.mu.Lock()
	r.state = Armed
	r.track = trackID
	r.input = input
	r.stream = stream
	r.capture = capture
	r.captureID = id
	r.take = nil
	r.mu.Unlock()
	return nil
}

func (r *Recorder) onSamples(buf []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capture == nil {
		return
	}
	r.capture.Push(buf)
	if r.state == Recording {
		r.take = append(r.take, buf...)
	}
}

// Disarm closes the stream and removes the monitor. Unfinished takes are
// discarded.
func (r *Recorder) Disarm() {
	r.armMu.Lock()
	defer r.armMu.Unlock()
	r.disarm()
}

func (r *Recorder) disarm() {
	r.mu.Lock()
	stream, node, track := r.stream, r.captureID, r.track
	r.state = Disarmed
	r.track = ""
	r.stream = nil
	r.capture = nil
	r.captureID = 0
	r.take = nil
	r.mu.Unlock()

	if stream == nil {
		return
	}
	r.release(stream, node)
	r.log.WithField("track", track).Info("track disarmed")
}

func (r *Recorder) release(stream Stream, node graph.NodeID) {
	if err := stream.Close(); err != nil {
		r.log.Warnf("close capture stream: %v", err)
	}
	r.ctx.Remove(node)
}

// Start begins a take whose clip will start at project time recordStart.
func (r *Recorder) Start(recordStart float64) error {
	return r.StartAfter(recordStart, 0)
}

// StartAfter begins a take whose first preroll of audio is captured before
// the transport reaches recordStart; that part is dropped on finalize.
func (r *Recorder) StartAfter(recordStart float64, preroll time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case Disarmed:
		return ErrNotArmed
	case Recording:
		return nil
	}
	r.state = Recording
	r.take = nil
	r.start = recordStart
	r.preroll = max(preroll, 0)
	r.log.WithFields(logrus.Fields{"track": r.track, "start": recordStart, "preroll": r.preroll}).Info("recording started")
	return nil
}

// Stop finalizes the take into a buffer registered in the store and returns
// a clip referencing it, or nil when nothing was captured. The stream is
// reopened either way so the track stays armed.
func (r *Recorder) Stop() (*model.Clip, error) {
	r.armMu.Lock()
	defer r.armMu.Unlock()

	r.mu.Lock()
	if r.state != Recording {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	take, start, preroll := r.take, r.start, r.preroll
	stream, node, track, input := r.stream, r.captureID, r.track, r.input
	r.take = nil
	r.state = Armed
	r.capture = nil
	r.mu.Unlock()

	r.release(stream, node)
	clip := r.finalize(track, take, start, preroll)
	if err := r.open(track, input); err != nil {
		r.mu.Lock()
		r.state, r.track, r.stream = Disarmed, "", nil
		r.mu.Unlock()
		return clip, fmt.Errorf("re-arm %s: %w", track, err)
	}
	return clip, nil
}

func (r *Recorder) finalize(track string, take []float32, start float64, preroll time.Duration) *model.Clip {
	skip := 2 * int(math.Round((r.opts.InputLatency+preroll).Seconds()*float64(r.rate)))
	if len(take) <= skip+1 {
		r.log.WithField("track", track).Info("empty take discarded")
		return nil
	}
	bufID := uuid.NewString()
	buf, err := media.FromInterleaved(bufID, r.rate, 2, take[skip:])
	if err != nil {
		r.log.WithField("track", track).Errorf("finalize take: %v", err)
		return nil
	}
	r.store.Put(buf)
	clip := &model.Clip{
		ID:       uuid.NewString(),
		Start:    start,
		Duration: buf.Duration(),
		Gain:     1,
		BufferID: bufID,
	}
	r.log.WithFields(logrus.Fields{"track": track, "clip": clip.ID, "duration": clip.Duration}).Info("take finalized")
	return clip
}
