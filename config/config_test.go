package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	d, err := Load(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:3000", d.Listen)
	require.Equal(t, "neuragrid.db", d.DBPath)
	require.Equal(t, "dashboard/dist", d.StaticDir)
	require.Equal(t, 100, d.OutboundQueue)
	require.Equal(t, 5*time.Second, d.PingEvery())
	require.Zero(t, d.RequeueEvery())
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	override := "listen: \"127.0.0.1:8080\"\nrequeue_after: \"2m\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(override), 0o644))

	d, err := Load(dir)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:8080", d.Listen)
	require.Equal(t, 2*time.Minute, d.RequeueEvery())
	// Untouched fields keep their defaults.
	require.Equal(t, "neuragrid.db", d.DBPath)
	require.Equal(t, 100, d.OutboundQueue)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen: [unclosed"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestDurationFallbacks(t *testing.T) {
	require.Equal(t, 5*time.Second, Data{PingInterval: "not a duration"}.PingEvery())
	require.Equal(t, 5*time.Second, Data{}.PingEvery())
	require.Zero(t, Data{RequeueAfter: "garbage"}.RequeueEvery())
}
