package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	lvl, err := ParseLevel("loud")
	require.Error(t, err)
	require.Equal(t, INFO, lvl)
}

func TestLevelFilteringAndModule(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("Loop", "hidden %d", 1)
	require.Empty(t, buf.String())

	l.Warn("Loop", "stalled after %dms", 250)
	out := buf.String()
	require.Contains(t, out, "WARN")
	require.Contains(t, out, "Loop")
	require.Contains(t, out, "stalled after 250ms")

	buf.Reset()
	l.SetLevel(SILENT)
	l.Error("Loop", "never printed")
	require.Empty(t, strings.TrimSpace(buf.String()))
}

func TestLevelString(t *testing.T) {
	require.Equal(t, "DEBUG", DEBUG.String())
	require.Equal(t, "UNKNOWN", LogLevel(42).String())
}
