package cluster

import (
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inmemElector(t *testing.T, nodeID string) *Elector {
	t.Helper()
	_, transport := raft.NewInmemTransport(raft.ServerAddress(nodeID))
	e, err := newElector(
		Config{NodeID: nodeID, BindAddr: string(transport.LocalAddr()), DataDir: t.TempDir()},
		transport,
		raft.NewInmemStore(),
		raft.NewInmemStore(),
		raft.NewInmemSnapshotStore(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { e.Shutdown() })
	return e
}

func TestSingleNodeBootstrapBecomesLeader(t *testing.T) {
	e := inmemElector(t, "node-1")
	require.NoError(t, e.Bootstrap())

	require.Eventually(t, e.IsLeader, 5*time.Second, 50*time.Millisecond)

	select {
	case gained := <-e.LeadershipChanges():
		assert.True(t, gained)
	case <-time.After(5 * time.Second):
		t.Fatal("no leadership notification")
	}

	servers, err := e.Servers()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, raft.ServerID("node-1"), servers[0].ID)

	stats := e.Stats()
	assert.Equal(t, "Leader", stats["state"])
}

func TestFollowerRejectsMembershipChanges(t *testing.T) {
	e := inmemElector(t, "node-2")
	// Never bootstrapped: the node stays a follower with no leader.

	err := e.AddVoter("node-3", "127.0.0.1:0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not the leader")

	err = e.RemoveServer("node-3")
	require.Error(t, err)
}
