package cluster

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/loomhq/loom/pkg/log"
)

// Config holds the cluster membership settings for one control-plane node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Elector provides raft-backed leader election for the control plane.
// Election is the only thing replicated: control loops (reconciler, build
// queue workers, dispatcher) run on the leader, while durable state lives in
// each node's store and the per-resource leases.
type Elector struct {
	cfg       Config
	raft      *raft.Raft
	transport raft.Transport
	notifyCh  chan bool
}

// New creates an elector bound to the node's TCP address, with bolt-backed
// raft log and stable stores under DataDir.
func New(cfg Config) (*Elector, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	return newElector(cfg, transport, logStore, stableStore, snapshots)
}

func newElector(cfg Config, transport raft.Transport, logStore raft.LogStore, stableStore raft.StableStore, snapshots raft.SnapshotStore) (*Elector, error) {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.NodeID)
	rc.LogOutput = io.Discard

	// Tightened from the WAN-oriented defaults; failover inside a few seconds.
	rc.HeartbeatTimeout = 500 * time.Millisecond
	rc.ElectionTimeout = 500 * time.Millisecond
	rc.CommitTimeout = 50 * time.Millisecond
	rc.LeaderLeaseTimeout = 250 * time.Millisecond

	notifyCh := make(chan bool, 8)
	rc.NotifyCh = notifyCh

	r, err := raft.NewRaft(rc, &electionFSM{}, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}

	return &Elector{cfg: cfg, raft: r, transport: transport, notifyCh: notifyCh}, nil
}

// Bootstrap initializes a single-node cluster with this node as the only
// voter. Only called on a fresh data directory.
func (e *Elector) Bootstrap() error {
	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(e.cfg.NodeID), Address: e.transport.LocalAddr()},
		},
	}
	if err := e.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	logger := log.WithComponent("cluster")
	logger.Info().
		Str("node", e.cfg.NodeID).
		Str("addr", string(e.transport.LocalAddr())).
		Msg("Cluster bootstrapped")
	return nil
}

// AddVoter adds a node to the voter set. Leader only.
func (e *Elector) AddVoter(nodeID, address string) error {
	if !e.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", e.LeaderAddr())
	}
	if err := e.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("add voter %s: %w", nodeID, err)
	}
	logger := log.WithComponent("cluster")
	logger.Info().
		Str("node", nodeID).
		Str("addr", address).
		Msg("Voter added")
	return nil
}

// RemoveServer removes a node from the cluster. Leader only.
func (e *Elector) RemoveServer(nodeID string) error {
	if !e.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	if err := e.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("remove server %s: %w", nodeID, err)
	}
	return nil
}

// Servers returns the current cluster membership.
func (e *Elector) Servers() ([]raft.Server, error) {
	future := e.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently leads.
func (e *Elector) IsLeader() bool {
	return e.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's transport address.
func (e *Elector) LeaderAddr() string {
	addr, _ := e.raft.LeaderWithID()
	return string(addr)
}

// LeadershipChanges delivers true on gaining and false on losing leadership.
// The channel is buffered; consumers must drain it promptly.
func (e *Elector) LeadershipChanges() <-chan bool {
	return e.notifyCh
}

// Stats returns raft statistics for diagnostics.
func (e *Elector) Stats() map[string]string {
	stats := e.raft.Stats()
	stats["leader"] = e.LeaderAddr()
	return stats
}

// Shutdown stops raft. The elector is unusable afterwards.
func (e *Elector) Shutdown() error {
	if err := e.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("shutdown raft: %w", err)
	}
	return nil
}

// electionFSM is deliberately empty: raft replicates only membership and
// leadership here, never control-plane data.
type electionFSM struct{}

func (f *electionFSM) Apply(l *raft.Log) interface{} { return nil }

func (f *electionFSM) Snapshot() (raft.FSMSnapshot, error) { return &electionSnapshot{}, nil }

func (f *electionFSM) Restore(rc io.ReadCloser) error { return rc.Close() }

type electionSnapshot struct{}

func (s *electionSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }

func (s *electionSnapshot) Release() {}
