package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbegin/mixcore-go/internal/config"
)

func restore(t *testing.T) {
	level, formatter, out := logrus.GetLevel(), logrus.StandardLogger().Formatter, logrus.StandardLogger().Out
	t.Cleanup(func() {
		logrus.SetLevel(level)
		logrus.SetFormatter(formatter)
		logrus.SetOutput(out)
	})
}

func TestConfigureLevelAndFormat(t *testing.T) {
	restore(t)
	_, err := Configure(config.Logging{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())

	var buf bytes.Buffer
	logrus.SetOutput(&buf)
	For("mixer").Info("hidden")
	assert.Zero(t, buf.Len())
	For("mixer").WithField("track", "t1").Warn("shown")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "mixer", rec["component"])
	assert.Equal(t, "t1", rec["track"])
}

func TestConfigureRejectsUnknown(t *testing.T) {
	restore(t)
	_, err := Configure(config.Logging{Level: "loud"})
	assert.Error(t, err)
	_, err = Configure(config.Logging{Format: "xml"})
	assert.Error(t, err)
}

func TestConfigureFile(t *testing.T) {
	restore(t)
	path := filepath.Join(t.TempDir(), "mixcore.log")
	closer, err := Configure(config.Logging{Level: "info", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	For("engine").Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
