package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMergesOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
nodeId: cp-1
dataDir: /tmp/loom
builds:
  registry: registry.example.com
  workers: 4
budget:
  defaultCap: 250
  caps:
    t1: 100
`))
	require.NoError(t, err)

	assert.Equal(t, "cp-1", cfg.NodeID)
	assert.Equal(t, "registry.example.com", cfg.Builds.Registry)
	assert.Equal(t, 4, cfg.Builds.Workers)
	assert.Equal(t, 250.0, cfg.Budget.DefaultCap)
	assert.Equal(t, 100.0, cfg.Budget.Caps["t1"])

	// Unset sections keep their defaults.
	assert.Equal(t, 2*time.Second, cfg.Reconcile.TickInterval)
	assert.Equal(t, 3, cfg.Builds.MaxAttempts)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.Events)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestParseEmptyYieldsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("nodeId: cp-1\ndataDir: /tmp/loom\nbogus: true\n"))
	require.Error(t, err)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad log level",
			yaml: "log:\n  level: loud\n",
			want: "invalid config",
		},
		{
			name: "bad orchestrator mode",
			yaml: "orchestrator:\n  mode: nomad\n",
			want: "invalid config",
		},
		{
			name: "duplicate region",
			yaml: "regions:\n  - name: us-east\n    endpoint: http://east.example.com\n  - name: us-east\n    endpoint: http://east2.example.com\n",
			want: "declared twice",
		},
		{
			name: "negative cap",
			yaml: "budget:\n  caps:\n    t1: -5\n",
			want: "negative budget cap",
		},
		{
			name: "region without endpoint",
			yaml: "regions:\n  - name: us-east\n",
			want: "invalid config",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodeId: cp-1\ndataDir: /tmp/loom\n"), 0o644))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("nodeId: cp-2\ndataDir: /tmp/loom\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "cp-2", cfg.NodeID)
	case <-time.After(5 * time.Second):
		t.Fatal("config change never observed")
	}
}

func TestWatcherKeepsPreviousOnInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodeId: cp-1\ndataDir: /tmp/loom\n"), 0o644))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	// Broken edit: rejected, callback never fires.
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644))

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config was accepted: %+v", cfg)
	case <-time.After(time.Second):
	}

	// A following valid edit still lands.
	require.NoError(t, os.WriteFile(path, []byte("nodeId: cp-3\ndataDir: /tmp/loom\n"), 0o644))
	select {
	case cfg := <-reloaded:
		assert.Equal(t, "cp-3", cfg.NodeID)
	case <-time.After(5 * time.Second):
		t.Fatal("valid edit never observed")
	}
}
