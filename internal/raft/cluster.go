package raft

import (
	"errors"
	"fmt"

	"github.com/KilimcininKorOglu/taskflux/internal/config"
	"github.com/KilimcininKorOglu/taskflux/internal/logging"
)

// Status is a point-in-time view of a node.
type Status struct {
	ID           NodeID `json:"id"`
	Role         string `json:"role"`
	Term         Term   `json:"term"`
	LeaderID     NodeID `json:"leaderId"`
	CommitIndex  int64  `json:"commitIndex"`
	LastApplied  int64  `json:"lastApplied"`
	LastLogIndex int64  `json:"lastLogIndex"`
	LastLogTerm  Term   `json:"lastLogTerm"`
	ClusterSize  int    `json:"clusterSize"`
}

// Status returns the node status.
func (n *Node) Status() Status {
	n.mu.Lock()
	role := Follower
	if n.state != nil {
		role = n.state.Role()
	}
	leaderID := n.leaderID
	lastApplied := n.lastApplied
	n.mu.Unlock()

	last := n.persistence.LastEntry()
	return Status{
		ID:           n.id,
		Role:         role.String(),
		Term:         n.persistence.CurrentTerm(),
		LeaderID:     leaderID,
		CommitIndex:  n.persistence.CommitIndex(),
		LastApplied:  lastApplied,
		LastLogIndex: last.Index,
		LastLogTerm:  last.Term,
		ClusterSize:  n.peers.Size(),
	}
}

// Cluster wires a node to its durable state and the TCP transport.
type Cluster struct {
	node        *Node
	persistence *Persistence
	server      *TCPServer
	peers       []*TCPPeer
	logger      logging.Logger
}

// NewCluster builds a node from cfg around app.
func NewCluster(cfg *config.Config, app Application, logger logging.Logger) (*Cluster, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	persistence, err := OpenPersistence(cfg.Storage.DataDir, PersistenceOptions{
		MaxSegmentSize:         cfg.Storage.MaxSegmentSizeBytes(),
		SegmentsBeforeSnapshot: cfg.Storage.SegmentsBeforeSnapshot,
	}, logger.WithSource("persistence"))
	if err != nil {
		return nil, err
	}

	self := NodeID(cfg.Node.ID)
	peerCfg := TCPPeerConfig{
		RequestTimeout:    cfg.Cluster.RequestTimeout,
		ReconnectDelay:    cfg.Cluster.ReconnectDelay,
		SnapshotChunkSize: cfg.Cluster.SnapshotChunkSizeBytes(),
	}

	var tcpPeers []*TCPPeer
	var peers []Peer
	var ids []NodeID
	for _, p := range cfg.Node.Peers {
		id := NodeID(p.ID)
		if id == self {
			continue
		}
		tp := NewTCPPeer(self, id, p.Address, peerCfg, logger.WithSource("transport"))
		tcpPeers = append(tcpPeers, tp)
		peers = append(peers, tp)
		ids = append(ids, id)
	}

	node, err := NewNode(NodeConfig{
		ID:                self,
		ElectionTimeout:   cfg.Cluster.ElectionTimeout,
		HeartbeatTimeout:  cfg.Cluster.HeartbeatTimeout,
		RequestTimeout:    cfg.Cluster.RequestTimeout,
		SnapshotChunkSize: cfg.Cluster.SnapshotChunkSizeBytes(),
		StaleReads:        cfg.Cluster.StaleReads,
	}, persistence, NewPeerGroup(peers...), app, logger.WithSource("raft"))
	if err != nil {
		persistence.Close()
		return nil, fmt.Errorf("create node: %w", err)
	}

	return &Cluster{
		node:        node,
		persistence: persistence,
		server:      NewTCPServer(cfg.Node.PeerAddress, node, ids, logger.WithSource("transport")),
		peers:       tcpPeers,
		logger:      logger,
	}, nil
}

// Node returns the consensus node.
func (c *Cluster) Node() *Node {
	return c.node
}

// PeerAddr returns the address the peer server listens on.
func (c *Cluster) PeerAddr() string {
	return c.server.Addr()
}

// Start restores the node and begins serving peers.
func (c *Cluster) Start() error {
	if err := c.node.Start(); err != nil {
		return err
	}
	if err := c.server.Start(); err != nil {
		c.node.Stop()
		return fmt.Errorf("start peer server: %w", err)
	}
	return nil
}

// Stop shuts everything down and closes the stores.
func (c *Cluster) Stop() error {
	c.server.Close()
	c.node.Stop()
	for _, p := range c.peers {
		p.Close()
	}
	return c.persistence.Close()
}
