package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/cbegin/mixcore-go"
	intaudio "github.com/cbegin/mixcore-go/internal/audio"
	"github.com/cbegin/mixcore-go/internal/config"
	"github.com/cbegin/mixcore-go/internal/logging"
	"github.com/cbegin/mixcore-go/internal/media"
	"github.com/cbegin/mixcore-go/internal/model"
	"github.com/cbegin/mixcore-go/internal/recording"
)

var log = logging.For("cli")

func outputDevices() []string  { return intaudio.Devices() }
func captureDevices() []string { return recording.Devices() }

type RenderCmd struct {
	Session  string  `arg:"" type:"existingfile" help:"Session YAML file"`
	Out      string  `short:"o" help:"Output WAV path (default: session name with .wav)"`
	Duration float64 `short:"d" default:"10" help:"Seconds to render"`
	Start    float64 `help:"Project time to start from"`
	Float    bool    `help:"Write 32-bit float samples instead of 16-bit PCM"`
}

func (r *RenderCmd) Run(cli *CLI, cfg config.Config) error {
	session, err := model.LoadSessionFile(r.Session)
	if err != nil {
		return err
	}
	store := media.NewStore()
	if err := cli.loadBuffers(store, cfg.SampleRate); err != nil {
		return err
	}
	started := time.Now()
	out, err := mixcore.RenderOffline(session, store, mixcore.RenderOptions{
		SampleRate: cfg.SampleRate,
		Duration:   r.Duration,
		Start:      r.Start,
		Latency:    cfg.Latency,
	})
	if err != nil {
		return err
	}
	path := r.Out
	if path == "" {
		path = trimExt(r.Session) + ".wav"
	}
	if r.Float {
		err = os.WriteFile(path, mixcore.EncodeWAVFloat32LE(out, cfg.SampleRate, 2), 0o644)
	} else {
		err = writeWAV(path, "render", cfg.SampleRate, out)
	}
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"out": path, "seconds": r.Duration, "took": time.Since(started)}).Info("rendered")
	return nil
}

func writeWAV(path, id string, rate int, interleaved []float32) error {
	buf, err := media.FromInterleaved(id, rate, 2, interleaved)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := media.WriteWAV(f, buf, 16); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type PlayCmd struct {
	Session  string        `arg:"" type:"existingfile" help:"Session YAML file"`
	Start    float64       `help:"Project time to start from"`
	Duration time.Duration `help:"Stop after this long (0 plays until interrupted)"`
	NoWatch  bool          `help:"Do not reload the session when the file changes"`
}

func (p *PlayCmd) Run(cli *CLI, cfg config.Config) error {
	session, err := model.LoadSessionFile(p.Session)
	if err != nil {
		return err
	}
	e, err := newEngine(cli, cfg)
	if err != nil {
		return err
	}
	defer e.Shutdown()
	if err := e.LoadSession(session); err != nil {
		return err
	}
	ctx, stop := runContext(p.Duration)
	defer stop()

	if !p.NoWatch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer w.Close()
		// Watch the directory; editors replace files on save.
		if err := w.Add(filepath.Dir(p.Session)); err != nil {
			return err
		}
		go reload(ctx, w, p.Session, e)
	}

	if err := e.Init(); err != nil {
		return err
	}
	e.Start(p.Start)
	events := e.Watch()
	for {
		select {
		case <-ctx.Done():
			e.Stop()
			return nil
		case ev := <-events:
			logEvent(ev)
		}
	}
}

func reload(ctx context.Context, w *fsnotify.Watcher, path string, e *mixcore.Engine) {
	target, _ := filepath.Abs(path)
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warnf("watch: %v", err)
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			name, _ := filepath.Abs(ev.Name)
			if name != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			s, err := model.LoadSessionFile(path)
			if err != nil {
				log.Warnf("reload %s: %v", path, err)
				continue
			}
			e.SetTempo(s.Tempo)
			e.SetLoop(s.Loop.Start, s.Loop.End, s.Loop.Enabled)
			e.SetTracks(s.Tracks)
			log.WithField("tracks", len(s.Tracks)).Info("session reloaded")
		}
	}
}

type RecordCmd struct {
	Session  string        `arg:"" type:"existingfile" help:"Session YAML file"`
	Track    string        `arg:"" help:"Track to record onto"`
	Input    string        `short:"i" help:"Capture device id (file:<path> replays a file)"`
	Duration time.Duration `short:"d" default:"5s" help:"Length of the take"`
	At       float64       `help:"Project time the take starts at"`
	Out      string        `short:"o" help:"Write the take to this WAV file"`
	Save     string        `help:"Write the session with the new clip to this YAML file"`
}

func (r *RecordCmd) Run(cli *CLI, cfg config.Config) error {
	session, err := model.LoadSessionFile(r.Session)
	if err != nil {
		return err
	}
	if r.Input != "" {
		cfg.InputDevice = r.Input
	}
	e, err := newEngine(cli, cfg)
	if err != nil {
		return err
	}
	defer e.Shutdown()
	if err := e.LoadSession(session); err != nil {
		return err
	}
	if err := e.Init(); err != nil {
		return err
	}

	armCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = e.ArmTrack(armCtx, r.Track)
	cancel()
	if err != nil {
		return err
	}
	e.Start(r.At)
	if err := e.StartRecording(); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"track": r.Track, "duration": r.Duration}).Info("recording")

	ctx, stop := runContext(r.Duration)
	<-ctx.Done()
	stop()

	clip, err := e.StopRecording()
	e.Stop()
	if err != nil {
		return err
	}
	if clip == nil {
		return errors.New("nothing was recorded")
	}
	fmt.Printf("clip %s at %.3fs, %.3fs long\n", clip.ID, clip.Start, clip.Duration)

	if r.Out != "" {
		buf, err := e.Store().Get(clip.BufferID)
		if err != nil {
			return err
		}
		if err := writeWAV(r.Out, clip.BufferID, buf.SampleRate, buf.Interleaved()); err != nil {
			return err
		}
	}
	if r.Save != "" {
		session.Tracks = e.Tracks()
		data, err := yaml.Marshal(session)
		if err != nil {
			return err
		}
		return os.WriteFile(r.Save, data, 0o644)
	}
	return nil
}

func newEngine(cli *CLI, cfg config.Config) (*mixcore.Engine, error) {
	store := media.NewStore()
	if err := cli.loadBuffers(store, cfg.SampleRate); err != nil {
		return nil, err
	}
	return mixcore.NewEngine(cfg, mixcore.WithStore(store))
}

// runContext ends on SIGINT/SIGTERM, or after d when d is positive.
func runContext(d time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if d <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, d)
	return tctx, func() {
		cancel()
		stop()
	}
}

func logEvent(ev mixcore.Event) {
	entry := log.WithField("event", ev.Kind.String())
	switch ev.Kind {
	case mixcore.EventVoiceEnded:
		entry.WithFields(logrus.Fields{"track": ev.TrackID, "clip": ev.ClipID}).Debug("voice ended")
	case mixcore.EventLoopWrapped:
		entry.WithField("generation", ev.Generation).Info("loop wrapped")
	case mixcore.EventPluginFault:
		entry.WithFields(logrus.Fields{"track": ev.TrackID, "node": ev.Node}).Errorf("plugin fault: %v", ev.Err)
	case mixcore.EventTakeFinalized:
		entry.WithFields(logrus.Fields{"track": ev.TrackID, "clip": ev.ClipID}).Info("take finalized")
	}
}
