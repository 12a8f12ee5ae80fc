package controlplane

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/storage"
	"github.com/loomhq/loom/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = "cp-test"
	cfg.DataDir = t.TempDir()
	cfg.Cluster.BindAddr = "127.0.0.1:0"
	cfg.HTTP.Addr = "127.0.0.1:0"
	return cfg
}

func TestDaemonBecomesLeaderAndServesHealth(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer func() { require.NoError(t, d.Shutdown()) }()

	require.Eventually(t, d.IsLeader, 10*time.Second, 50*time.Millisecond,
		"single node never won its own election")

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.leader != nil
	}, 5*time.Second, 50*time.Millisecond, "control loops never started")

	resp, err := http.Get(fmt.Sprintf("http://%s/readyz", d.HTTPAddr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(fmt.Sprintf("http://%s/metrics", d.HTTPAddr()))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestApplyConfigSwapsBudgetCaps(t *testing.T) {
	caps := NewRuntimeCaps(config.Budget{DefaultCap: 100, Caps: map[string]float64{"t1": 50}})

	assert.Equal(t, 50.0, caps.Cap("t1"))
	assert.Equal(t, 100.0, caps.Cap("t2"))

	caps.Update(config.Budget{DefaultCap: 200, Caps: map[string]float64{"t1": 75}})
	assert.Equal(t, 75.0, caps.Cap("t1"))
	assert.Equal(t, 200.0, caps.Cap("t2"))
}

func TestJanitorSweepsAgedRows(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC()

	old := &types.Event{ID: "01AN4Z07BY79KA1307SR9X4MV0", Type: "test", Timestamp: now.Add(-40 * 24 * time.Hour)}
	fresh := &types.Event{ID: "01BN4Z07BY79KA1307SR9X4MV1", Type: "test", Timestamp: now.Add(-time.Hour)}
	require.NoError(t, store.AppendEvent(old))
	require.NoError(t, store.AppendEvent(fresh))

	oldBuild := &types.Build{
		ID: uuid.New().String(), TenantID: "t1", RepoURL: "https://git.example.com/a.git",
		CommitSHA: "aaa", Key: "k-old", Status: types.BuildPending, CreatedAt: now.Add(-60 * 24 * time.Hour),
	}
	_, _, err = store.CreateBuildIdempotent(oldBuild)
	require.NoError(t, err)
	_, err = store.MutateBuild(oldBuild.ID, func(b *types.Build) error {
		b.Status = types.BuildSucceeded
		b.CompletedAt = now.Add(-45 * 24 * time.Hour)
		return nil
	})
	require.NoError(t, err)

	activeBuild := &types.Build{
		ID: uuid.New().String(), TenantID: "t1", RepoURL: "https://git.example.com/b.git",
		CommitSHA: "bbb", Key: "k-active", Status: types.BuildPending, CreatedAt: now.Add(-60 * 24 * time.Hour),
	}
	_, _, err = store.CreateBuildIdempotent(activeBuild)
	require.NoError(t, err)

	j := newJanitor(store, config.Retention{
		Events: 30 * 24 * time.Hour,
		Builds: 30 * 24 * time.Hour,
		Sweep:  time.Hour,
	})
	j.now = func() time.Time { return now }
	j.Sweep()

	_, err = store.GetEvent(old.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetEvent(fresh.ID)
	assert.NoError(t, err)

	_, err = store.GetBuild(oldBuild.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Pending builds are never swept regardless of age.
	_, err = store.GetBuild(activeBuild.ID)
	assert.NoError(t, err)
}
