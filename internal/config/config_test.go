package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "visiondash.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(nil)
	require.NoError(t, err)

	d := DefaultConfig()
	require.Equal(t, d.Server.Addr, cfg.Server.Addr)
	require.Equal(t, d.Loop.RefreshRate, cfg.Loop.RefreshRate)
	require.Equal(t, 15*time.Second, cfg.Loop.ErrorLogInterval)
	require.Equal(t, "static", cfg.Models.Backend)
	require.Len(t, cfg.Models.Static.Detections, 2)
	require.Equal(t, "cat", cfg.Models.Static.Detections[0].Label)
	require.True(t, cfg.Camera.WaitForModels)
}

func TestLoadPrecedence(t *testing.T) {
	chdir(t, t.TempDir())
	path := writeConfig(t, `
server:
  addr: ":7000"
loop:
  refresh_rate: 10
  inference_timeout: 750ms
camera:
  source: file
  path: /tmp/still.png
models:
  static:
    detections:
      - label: bird
        confidence: 0.4
`)

	t.Setenv("VISIONDASH_LOOP_REFRESH_RATE", "20")

	cfg, err := Load([]string{"-config", path})
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Server.Addr)
	require.Equal(t, 20.0, cfg.Loop.RefreshRate)
	require.Equal(t, 750*time.Millisecond, cfg.Loop.InferenceTimeout)
	require.Equal(t, "file", cfg.Camera.Source)
	require.Len(t, cfg.Models.Static.Detections, 1)
	require.Equal(t, "bird", cfg.Models.Static.Detections[0].Label)

	cfg, err = Load([]string{"-config", path, "-refresh-rate", "5", "-http", ":9000"})
	require.NoError(t, err)
	require.Equal(t, 5.0, cfg.Loop.RefreshRate)
	require.Equal(t, ":9000", cfg.Server.Addr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := Load([]string{"-backend", "onnx"})
	require.Error(t, err)

	_, err = Load([]string{"-source", "file"})
	require.ErrorContains(t, err, "camera.path")

	_, err = Load([]string{"-facing", "sideways"})
	require.Error(t, err)
}
