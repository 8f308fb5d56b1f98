package raft

import "context"

// leader accepts commands and drives one replicator per peer.
type leader struct {
	n    *Node
	term Term

	ctx         context.Context
	cancel      context.CancelFunc
	replicators []*replicator
}

func newLeader(n *Node, term Term) *leader {
	return &leader{n: n, term: term}
}

func (l *leader) Role() Role { return Leader }

func (l *leader) init() {
	n := l.n
	l.ctx, l.cancel = context.WithCancel(n.ctx)
	n.leaderID = n.id
	n.heartbeatTimer.Subscribe(l.onHeartbeat)

	next := n.persistence.LastEntry().Index + 1
	l.replicators = make([]*replicator, 0, len(n.peers.Peers()))
	for _, p := range n.peers.Peers() {
		r := newReplicator(l, p, next)
		l.replicators = append(l.replicators, r)
		n.wg.Add(1)
		go r.run()
	}

	l.onHeartbeat()
}

func (l *leader) dispose() {
	l.cancel()
	l.n.heartbeatTimer.Unsubscribe()

	// Waiting submitters observe l.ctx and report lost leadership.
	clear(l.n.pending)
}

// onHeartbeat wakes every replicator; an idle one sends an empty
// AppendEntries.
func (l *leader) onHeartbeat() {
	if l.ctx.Err() != nil {
		return
	}
	for _, r := range l.replicators {
		r.notify()
	}
}

func (l *leader) stepDown(term Term) {
	n := l.n
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.becomeFollower(l, term) {
		n.logger.Info("stepped down", "term", term)
	}
}

func (l *leader) handleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	n := l.n
	if req.Term > l.term && n.becomeFollower(l, req.Term) {
		return n.state.handleRequestVote(req)
	}
	return &RequestVoteResponse{VoteGranted: false, Term: n.persistence.CurrentTerm()}
}

func (l *leader) handleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	n := l.n
	if req.Term > l.term && n.becomeFollower(l, req.Term) {
		return n.state.handleAppendEntries(req)
	}
	return &AppendEntriesResponse{Success: false, Term: n.persistence.CurrentTerm()}
}

func (l *leader) acceptSnapshot(req *InstallSnapshotRequest) (bool, Term) {
	n := l.n
	if req.Term > l.term && n.becomeFollower(l, req.Term) {
		return n.state.acceptSnapshot(req)
	}
	return false, n.persistence.CurrentTerm()
}
