package raft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/KilimcininKorOglu/taskflux/internal/logging"
)

// Node is the consensus module of one cluster member. It owns the active
// role, the election and heartbeat timers and the application, and is the
// entry point for inbound RPCs and client commands.
type Node struct {
	// Configuration
	id  NodeID
	cfg NodeConfig

	// Components
	persistence *Persistence
	peers       *PeerGroup
	app         Application
	logger      logging.Logger

	// Timers
	electionTimer  Timer
	heartbeatTimer Timer

	// mu guards the role and everything below it. RPC handling, timer
	// callbacks and role transitions all run under it.
	mu          sync.Mutex
	state       role
	leaderID    NodeID
	lastApplied int64
	pending     map[int64]chan []byte
	started     bool
	stopped     bool

	// snapshotMu serializes snapshot writers.
	snapshotMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a consensus node over persistence, talking to peers and
// driving app.
func NewNode(cfg NodeConfig, persistence *Persistence, peers *PeerGroup, app Application, logger logging.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if persistence == nil || app == nil {
		return nil, ErrInvalidConfig
	}
	if peers == nil {
		peers = NewPeerGroup()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.SnapshotChunkSize <= 0 {
		cfg.SnapshotChunkSize = DefaultSnapshotChunkSize
	}

	electionTimer := cfg.ElectionTimer
	if electionTimer == nil {
		electionTimer = NewRandomizedTimer(cfg.ElectionTimeout, 2*cfg.ElectionTimeout)
	}
	heartbeatTimer := cfg.HeartbeatTimer
	if heartbeatTimer == nil {
		heartbeatTimer = NewConstantTimer(cfg.HeartbeatTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		id:             cfg.ID,
		cfg:            cfg,
		persistence:    persistence,
		peers:          peers,
		app:            app,
		logger:         logger.WithFields("node", cfg.ID),
		electionTimer:  electionTimer,
		heartbeatTimer: heartbeatTimer,
		leaderID:       NoVote,
		lastApplied:    TombIndex,
		pending:        make(map[int64]chan []byte),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// ID returns the node ID.
func (n *Node) ID() NodeID {
	return n.id
}

// Start restores the application from the snapshot and the committed log,
// then begins as a follower.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped {
		return ErrNodeStopped
	}
	if n.started {
		return nil
	}

	if err := n.restore(); err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	n.started = true
	n.state = newFollower(n)
	n.state.init()
	n.electionTimer.Start()

	n.logger.Info("node started",
		"term", n.persistence.CurrentTerm(),
		"lastApplied", n.lastApplied,
		"peers", len(n.peers.Peers()),
	)
	return nil
}

// restore rebuilds the application from durable state.
func (n *Node) restore() error {
	data, pos, ok, err := n.persistence.ReadSnapshot()
	if err != nil {
		return err
	}
	if ok {
		if err := n.app.Restore(data); err != nil {
			return err
		}
		n.lastApplied = pos.Index
	}

	delta, err := n.persistence.ReadCommittedDeltaFromPreviousSnapshot()
	if err != nil {
		return err
	}
	for _, cmd := range delta {
		n.app.ApplyNoResponse(cmd)
	}
	n.lastApplied = n.persistence.CommitIndex()

	n.logger.Debug("application restored", "snapshot", ok, "replayed", len(delta))
	return nil
}

// Stop disposes the active role and waits for background tasks.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.electionTimer.Stop()
	n.heartbeatTimer.Stop()
	if n.state != nil {
		n.state.dispose()
	}
	n.cancel()
	n.mu.Unlock()

	n.wg.Wait()
	n.logger.Info("node stopped")
}

func (n *Node) checkRunning() error {
	if n.stopped || n.state == nil {
		return ErrNodeStopped
	}
	return nil
}

// HandleRequestVote processes an inbound RequestVote.
func (n *Node) HandleRequestVote(req *RequestVoteRequest) (*RequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	return n.state.handleRequestVote(req), nil
}

// HandleAppendEntries processes an inbound AppendEntries.
func (n *Node) HandleAppendEntries(req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	return n.state.handleAppendEntries(req), nil
}

// HandleInstallSnapshot processes an inbound snapshot transfer. Chunks are
// read from src and acknowledged one by one; the returned response is the
// final acknowledgement, sent once the application was restored. The
// transfer is abandoned as soon as the node leaves the follower role or term
// that accepted it.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest, src SnapshotChunkSource) (*InstallSnapshotResponse, error) {
	n.mu.Lock()
	if err := n.checkRunning(); err != nil {
		n.mu.Unlock()
		return nil, err
	}
	ok, term := n.state.acceptSnapshot(req)
	accepted := n.state
	n.mu.Unlock()

	if !ok {
		return &InstallSnapshotResponse{Term: term}, nil
	}

	n.snapshotMu.Lock()
	defer n.snapshotMu.Unlock()

	installer, err := n.persistence.CreateSnapshot(req.LastIncluded)
	if err != nil {
		return nil, err
	}

	chunks := 0
	for {
		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			installer.Discard()
			return nil, err
		}
		if err := installer.InstallChunk(ctx, chunk); err != nil {
			installer.Discard()
			return nil, err
		}

		n.mu.Lock()
		current, still := n.stillAccepting(accepted, term)
		if still {
			n.electionTimer.Start()
		}
		n.mu.Unlock()
		if !still {
			installer.Discard()
			n.logger.Info("snapshot transfer abandoned", "leader", req.LeaderID, "term", current)
			return &InstallSnapshotResponse{Term: current}, nil
		}

		if err := src.Ack(term); err != nil {
			installer.Discard()
			return nil, err
		}
		chunks++
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if current, still := n.stillAccepting(accepted, term); !still {
		installer.Discard()
		n.logger.Info("snapshot transfer abandoned", "leader", req.LeaderID, "term", current)
		return &InstallSnapshotResponse{Term: current}, nil
	}
	if err := installer.Commit(); err != nil {
		return nil, err
	}
	if err := n.restoreFromSnapshot(); err != nil {
		return nil, err
	}

	n.logger.Info("snapshot received",
		"leader", req.LeaderID,
		"lastIncluded", req.LastIncluded.String(),
		"chunks", chunks,
	)
	return &InstallSnapshotResponse{Term: n.persistence.CurrentTerm()}, nil
}

// stillAccepting reports whether the role that accepted a snapshot in term
// is still active, along with the current term. Callers hold n.mu.
func (n *Node) stillAccepting(accepted role, term Term) (Term, bool) {
	current := n.persistence.CurrentTerm()
	return current, !n.stopped && n.state == accepted && current == term
}

// restoreFromSnapshot replaces the application state with the stored
// snapshot, unless the application already moved past it. Callers hold n.mu.
func (n *Node) restoreFromSnapshot() error {
	data, pos, ok, err := n.persistence.ReadSnapshot()
	if err != nil {
		return err
	}
	if !ok {
		return ErrSnapshotCorrupted
	}
	if pos.Index <= n.lastApplied {
		return nil
	}
	if err := n.app.Restore(data); err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}
	n.lastApplied = pos.Index
	n.applyCommitted()
	return nil
}

// Submit replicates cmd and returns the application's result. Read-only
// commands are applied locally on the leader, or on any role when stale
// reads are enabled.
func (n *Node) Submit(ctx context.Context, cmd []byte) ([]byte, error) {
	n.mu.Lock()
	if err := n.checkRunning(); err != nil {
		n.mu.Unlock()
		return nil, err
	}

	if c, ok := n.app.(ReadOnlyClassifier); ok && c.IsReadOnly(cmd) {
		defer n.mu.Unlock()
		if n.state.Role() == Leader || n.cfg.StaleReads {
			return n.app.Apply(cmd), nil
		}
		return nil, ErrNotLeader
	}

	l, ok := n.state.(*leader)
	n.mu.Unlock()
	if !ok {
		return nil, ErrNotLeader
	}
	return l.submit(ctx, cmd)
}

// commitAndApply commits up to index and applies what became committed.
// Callers hold n.mu.
func (n *Node) commitAndApply(index int64) {
	if err := n.persistence.Commit(index); err != nil {
		n.logger.Error("failed to commit", "index", index, "error", err)
		return
	}
	n.applyCommitted()
}

// applyCommitted applies committed entries after lastApplied in order.
// Entries with a waiting submitter get their result delivered. Callers hold
// n.mu.
func (n *Node) applyCommitted() {
	commit := n.persistence.CommitIndex()
	if commit <= n.lastApplied {
		return
	}

	entries, err := n.persistence.ReadCommitted(n.lastApplied+1, commit)
	if err != nil {
		n.logger.Error("failed to read committed entries",
			"from", n.lastApplied+1,
			"to", commit,
			"error", err,
		)
		return
	}

	for i, e := range entries {
		index := n.lastApplied + 1 + int64(i)
		if ch, ok := n.pending[index]; ok {
			ch <- n.app.Apply(e.Data)
			delete(n.pending, index)
			continue
		}
		n.app.ApplyNoResponse(e.Data)
	}
	n.lastApplied = commit

	n.maybeSnapshot()
}

// maybeSnapshot compacts the log up to lastApplied once enough committed
// segments accumulated. Callers hold n.mu.
func (n *Node) maybeSnapshot() {
	if !n.persistence.ShouldCreateSnapshot() {
		return
	}
	if !n.snapshotMu.TryLock() {
		return
	}
	defer n.snapshotMu.Unlock()

	pos, ok := n.persistence.EntryInfo(n.lastApplied)
	if !ok {
		return
	}

	data, err := n.app.Snapshot()
	if err != nil {
		n.logger.Error("failed to snapshot application", "error", err)
		return
	}

	installer, err := n.persistence.CreateSnapshot(pos)
	if err != nil {
		n.logger.Error("failed to create snapshot", "error", err)
		return
	}
	if err := installer.InstallChunk(n.ctx, data); err != nil {
		installer.Discard()
		n.logger.Error("failed to write snapshot", "error", err)
		return
	}
	if err := installer.Commit(); err != nil {
		n.logger.Error("failed to commit snapshot", "error", err)
		return
	}

	n.logger.Info("log compacted", "lastIncluded", pos.String(), "size", len(data))
}

// Role returns the active role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == nil {
		return Follower
	}
	return n.state.Role()
}

// IsLeader reports whether this node is the leader.
func (n *Node) IsLeader() bool {
	return n.Role() == Leader
}

// CurrentTerm returns the persisted current term.
func (n *Node) CurrentTerm() Term {
	return n.persistence.CurrentTerm()
}

// LeaderID returns the last known leader, or NoVote.
func (n *Node) LeaderID() NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

// CommitIndex returns the commit index.
func (n *Node) CommitIndex() int64 {
	return n.persistence.CommitIndex()
}

// LastApplied returns the index of the last applied entry.
func (n *Node) LastApplied() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastApplied
}
