package raft

import (
	"context"
	"io"
)

// Peer is the client side of the consensus RPCs to one cluster member.
// A returned error means the peer did not answer.
type Peer interface {
	ID() NodeID
	SendRequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error)
	SendAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	// SendInstallSnapshot streams the snapshot payload from r and returns
	// the final acknowledgement. A response whose term is above req.Term
	// aborts the transfer.
	SendInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest, r io.Reader) (*InstallSnapshotResponse, error)
}

// PeerGroup is the set of other cluster members.
type PeerGroup struct {
	peers []Peer
}

// NewPeerGroup returns a group over peers.
func NewPeerGroup(peers ...Peer) *PeerGroup {
	return &PeerGroup{peers: peers}
}

// Peers returns the members, excluding the local node.
func (g *PeerGroup) Peers() []Peer {
	return g.peers
}

// Size returns the cluster size including the local node.
func (g *PeerGroup) Size() int {
	return len(g.peers) + 1
}

// Majority returns floor(n/2)+1 for the cluster size n.
func (g *PeerGroup) Majority() int {
	return g.Size()/2 + 1
}

// IsMajority reports whether count nodes, the local node included, form a
// quorum.
func (g *PeerGroup) IsMajority(count int) bool {
	return count >= g.Majority()
}
