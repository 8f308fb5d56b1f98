package raft

import "time"

// Role is the consensus role a node currently plays.
type Role uint8

// Node roles.
const (
	Follower Role = iota
	Candidate
	Leader
)

// String returns the string representation of a role.
func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// DefaultSnapshotChunkSize is the payload size of one InstallSnapshot chunk.
const DefaultSnapshotChunkSize = 64 * 1024

// NodeConfig holds configuration for a consensus node.
type NodeConfig struct {
	ID                NodeID        // Unique node ID
	ElectionTimeout   time.Duration // Lower bound of the randomized election timeout
	HeartbeatTimeout  time.Duration // Heartbeat interval
	RequestTimeout    time.Duration // Deadline of a single outgoing RPC
	SnapshotChunkSize int           // InstallSnapshot chunk size
	StaleReads        bool          // Serve read-only commands on any role

	// ElectionTimer and HeartbeatTimer replace the default timers when set.
	ElectionTimer  Timer
	HeartbeatTimer Timer
}

// DefaultNodeConfig returns default configuration.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ElectionTimeout:   300 * time.Millisecond,
		HeartbeatTimeout:  100 * time.Millisecond,
		RequestTimeout:    time.Second,
		SnapshotChunkSize: DefaultSnapshotChunkSize,
	}
}

// Validate checks if the configuration is valid.
func (c *NodeConfig) Validate() error {
	if c.ID < 0 {
		return ErrInvalidConfig
	}
	if c.ElectionTimer == nil && c.ElectionTimeout <= 0 {
		return ErrInvalidConfig
	}
	if c.HeartbeatTimer == nil && c.HeartbeatTimeout <= 0 {
		return ErrInvalidConfig
	}
	if c.ElectionTimer == nil && c.HeartbeatTimer == nil && c.HeartbeatTimeout >= c.ElectionTimeout {
		return ErrInvalidConfig
	}
	if c.RequestTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// role is one variant of the node's state machine. Every method runs with
// the node mutex held.
type role interface {
	Role() Role

	// init subscribes the role to its timer and starts its background tasks.
	init()
	// dispose cancels everything init started. It never waits.
	dispose()

	handleRequestVote(req *RequestVoteRequest) *RequestVoteResponse
	handleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse
	// acceptSnapshot decides whether a snapshot transfer may proceed and
	// returns the term to answer with.
	acceptSnapshot(req *InstallSnapshotRequest) (bool, Term)
}

// tryUpdateState installs next if prev is still the active role. onInstall
// runs after next becomes active and before prev is disposed. Callers hold
// n.mu.
func (n *Node) tryUpdateState(prev, next role, onInstall func()) bool {
	if n.stopped || n.state != prev {
		return false
	}

	n.state = next
	if onInstall != nil {
		onInstall()
	}
	prev.dispose()
	next.init()

	n.logger.Info("role changed",
		"from", prev.Role().String(),
		"to", next.Role().String(),
		"term", n.persistence.CurrentTerm(),
	)
	return true
}

// becomeFollower adopts term when it is newer and installs a follower in
// place of prev. Callers hold n.mu.
func (n *Node) becomeFollower(prev role, term Term) bool {
	if n.stopped || n.state != prev {
		return false
	}
	if term > n.persistence.CurrentTerm() {
		if err := n.persistence.UpdateState(term, NoVote); err != nil {
			n.logger.Error("failed to persist term", "term", term, "error", err)
			return false
		}
	}

	return n.tryUpdateState(prev, newFollower(n), func() {
		n.heartbeatTimer.Stop()
		n.electionTimer.Start()
	})
}
