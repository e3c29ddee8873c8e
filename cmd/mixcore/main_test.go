package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbegin/mixcore-go/internal/config"
	"github.com/cbegin/mixcore-go/internal/media"
)

const session = `
tempo: 120
tracks:
  - id: lead
    kind: midi
    clips:
      - id: c1
        start: 0
        duration: 1
        notes: [{key: 69, velocity: 100, start: 0, duration: 0.5}]
`

func writeSession(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "song.yaml")
	require.NoError(t, os.WriteFile(path, []byte(session), 0o644))
	return path
}

func TestRenderCommandWritesWAV(t *testing.T) {
	path := writeSession(t)
	cfg := config.Default()
	cfg.SampleRate = 8000

	cmd := &RenderCmd{Session: path, Duration: 0.5}
	require.NoError(t, cmd.Run(&CLI{}, cfg))

	data, err := os.ReadFile(trimExt(path) + ".wav")
	require.NoError(t, err)
	buf, err := media.Decode("out", data, 8000)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, buf.Duration(), 1e-3)
}

func TestRenderCommandFloat(t *testing.T) {
	path := writeSession(t)
	out := filepath.Join(t.TempDir(), "f.wav")
	cfg := config.Default()
	cfg.SampleRate = 8000

	cmd := &RenderCmd{Session: path, Out: out, Duration: 0.25, Float: true}
	require.NoError(t, cmd.Run(&CLI{}, cfg))
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, int64(44+2000*2*4), info.Size())
}

func TestLoadBuffersRejectsMissingFile(t *testing.T) {
	cli := &CLI{Buffers: map[string]string{"kick": filepath.Join(t.TempDir(), "nope.wav")}}
	assert.Error(t, cli.loadBuffers(media.NewStore(), 8000))
}

func TestCLIOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	cli := &CLI{Latency: "low", LogLevel: "debug"}
	cfg, err := cli.load()
	require.NoError(t, err)
	assert.Equal(t, config.LatencyLow, cfg.Latency)
	assert.Equal(t, "debug", cfg.Logging.Level)

	_, err = (&CLI{Latency: "turbo"}).load()
	assert.Error(t, err)
}

func TestTrimExt(t *testing.T) {
	assert.Equal(t, "dir/song", trimExt("dir/song.yaml"))
	assert.Equal(t, ".hidden", trimExt(".hidden"))
}
