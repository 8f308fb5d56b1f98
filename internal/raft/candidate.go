package raft

import "context"

// candidate campaigns for leadership in its term.
type candidate struct {
	n    *Node
	term Term

	ctx    context.Context
	cancel context.CancelFunc
}

func newCandidate(n *Node, term Term) *candidate {
	return &candidate{n: n, term: term}
}

func (c *candidate) Role() Role { return Candidate }

func (c *candidate) init() {
	c.ctx, c.cancel = context.WithCancel(c.n.ctx)
	c.n.electionTimer.Subscribe(c.onElectionTimeout)

	c.n.wg.Add(1)
	go c.runElection()
}

func (c *candidate) dispose() {
	c.cancel()
	c.n.electionTimer.Unsubscribe()
}

// onElectionTimeout abandons the current election and campaigns again in
// the next term.
func (c *candidate) onElectionTimeout() {
	n := c.n
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped || n.state != c {
		return
	}
	n.logger.Debug("election timed out", "term", c.term)
	n.startElection(c)
}

func (c *candidate) handleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	n := c.n
	if req.Term > c.term && n.becomeFollower(c, req.Term) {
		return n.state.handleRequestVote(req)
	}
	return &RequestVoteResponse{VoteGranted: false, Term: n.persistence.CurrentTerm()}
}

func (c *candidate) handleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	n := c.n
	if req.Term >= c.term && n.becomeFollower(c, req.Term) {
		return n.state.handleAppendEntries(req)
	}
	return &AppendEntriesResponse{Success: false, Term: n.persistence.CurrentTerm()}
}

func (c *candidate) acceptSnapshot(req *InstallSnapshotRequest) (bool, Term) {
	n := c.n
	if req.Term >= c.term && n.becomeFollower(c, req.Term) {
		return n.state.acceptSnapshot(req)
	}
	return false, n.persistence.CurrentTerm()
}

// startElection votes for the local node in the next term and installs a
// candidate in place of prev. Callers hold n.mu.
func (n *Node) startElection(prev role) bool {
	term := n.persistence.CurrentTerm().Next()
	if err := n.persistence.UpdateState(term, n.id); err != nil {
		n.logger.Error("failed to persist election term", "term", term, "error", err)
		return false
	}

	return n.tryUpdateState(prev, newCandidate(n, term), func() {
		n.leaderID = NoVote
		n.electionTimer.Stop()
		n.electionTimer.Start()
	})
}
