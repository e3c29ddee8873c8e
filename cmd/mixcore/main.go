package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/cbegin/mixcore-go/internal/config"
	"github.com/cbegin/mixcore-go/internal/logging"
	"github.com/cbegin/mixcore-go/internal/media"
)

var version = "0.1.0"

// CLI defines the command-line interface.
type CLI struct {
	Config   string            `short:"c" type:"path" help:"Path to YAML config file (optional)"`
	Latency  string            `short:"l" help:"Latency mode: low|balanced|high (overrides config)"`
	Buffers  map[string]string `short:"b" help:"Audio buffers to load as id=path" mapsep:","`
	LogLevel string            `help:"Log level (overrides config)"`
	Version  kong.VersionFlag  `short:"v" help:"Show version information"`

	Render  RenderCmd  `cmd:"" help:"Render a session to a WAV file"`
	Play    PlayCmd    `cmd:"" help:"Play a session, reloading it when the file changes"`
	Record  RecordCmd  `cmd:"" help:"Record a take onto a track"`
	Devices DevicesCmd `cmd:"" help:"List output and capture devices"`
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("mixcore"),
		kong.Description("Multitrack audio engine"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	cfg, err := cli.load()
	ctx.FatalIfErrorf(err)
	closer, err := logging.Configure(cfg.Logging)
	ctx.FatalIfErrorf(err)
	err = ctx.Run(cli, cfg)
	closer.Close()
	ctx.FatalIfErrorf(err)
}

func (c *CLI) load() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return cfg, err
	}
	if c.Latency != "" {
		if cfg.Latency, err = config.ParseLatencyMode(c.Latency); err != nil {
			return cfg, err
		}
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
	return cfg, nil
}

// loadBuffers decodes every -b id=path pair into store.
func (c *CLI) loadBuffers(store *media.Store, rate int) error {
	for id, path := range c.Buffers {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		buf, err := media.Decode(id, data, rate)
		if err != nil {
			return err
		}
		store.Put(buf)
	}
	return nil
}

type DevicesCmd struct{}

func (DevicesCmd) Run(*CLI, config.Config) error {
	fmt.Println("output:")
	for _, d := range outputDevices() {
		fmt.Println("  " + d)
	}
	fmt.Println("capture:")
	for _, d := range captureDevices() {
		fmt.Println("  " + d)
	}
	return nil
}

func trimExt(path string) string {
	if i := strings.LastIndexByte(path, '.'); i > 0 {
		return path[:i]
	}
	return path
}
