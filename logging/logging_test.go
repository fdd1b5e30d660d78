package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"gomicropay/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"WARN":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewWritesFile(t *testing.T) {
	var cfg config.Configuration
	cfg.Log.File = filepath.Join(t.TempDir(), "logs", "oracle.log")
	cfg.Log.Level = "info"

	log, err := New(&cfg)
	require.NoError(t, err)
	log.Debug("hidden")
	log.Info("swap confirmed")
	_ = log.Sync()

	data, err := os.ReadFile(cfg.Log.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"swap confirmed"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestNewRejectsBadLevel(t *testing.T) {
	var cfg config.Configuration
	cfg.Log.Level = "chatty"
	_, err := New(&cfg)
	assert.Error(t, err)
}
