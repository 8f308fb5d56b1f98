package raft

// follower replicates the leader's log and votes in elections.
type follower struct {
	n *Node
}

func newFollower(n *Node) *follower {
	return &follower{n: n}
}

func (f *follower) Role() Role { return Follower }

func (f *follower) init() {
	f.n.electionTimer.Subscribe(f.onElectionTimeout)
}

func (f *follower) dispose() {
	f.n.electionTimer.Unsubscribe()
}

// onElectionTimeout starts an election in the next term.
func (f *follower) onElectionTimeout() {
	n := f.n
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.stopped || n.state != f {
		return
	}
	n.startElection(f)
}

func (f *follower) handleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	n := f.n
	term := n.persistence.CurrentTerm()

	if req.Term < term {
		return &RequestVoteResponse{VoteGranted: false, Term: term}
	}
	if req.Term > term {
		if err := n.persistence.UpdateState(req.Term, NoVote); err != nil {
			n.logger.Error("failed to persist term", "term", req.Term, "error", err)
			return &RequestVoteResponse{VoteGranted: false, Term: term}
		}
		term = req.Term
		n.leaderID = NoVote
	}

	votedFor := n.persistence.VotedFor()
	if votedFor != NoVote && votedFor != req.CandidateID {
		return &RequestVoteResponse{VoteGranted: false, Term: term}
	}
	if !n.persistence.IsUpToDate(req.LastLog) {
		n.logger.Debug("vote refused, candidate log behind",
			"candidate", req.CandidateID,
			"candidateLast", req.LastLog.String(),
		)
		return &RequestVoteResponse{VoteGranted: false, Term: term}
	}

	if err := n.persistence.UpdateState(term, req.CandidateID); err != nil {
		n.logger.Error("failed to persist vote", "candidate", req.CandidateID, "error", err)
		return &RequestVoteResponse{VoteGranted: false, Term: term}
	}
	n.electionTimer.Start()

	n.logger.Debug("vote granted", "candidate", req.CandidateID, "term", term)
	return &RequestVoteResponse{VoteGranted: true, Term: term}
}

func (f *follower) handleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	n := f.n
	term := n.persistence.CurrentTerm()

	if req.Term < term {
		return &AppendEntriesResponse{Success: false, Term: term}
	}
	n.electionTimer.Start()

	if req.Term > term {
		if err := n.persistence.UpdateState(req.Term, NoVote); err != nil {
			n.logger.Error("failed to persist term", "term", req.Term, "error", err)
			return &AppendEntriesResponse{Success: false, Term: term}
		}
		term = req.Term
	}
	n.leaderID = req.LeaderID

	if !n.persistence.PrefixMatch(req.PrevLog) {
		n.logger.Debug("log mismatch", "prev", req.PrevLog.String())
		return &AppendEntriesResponse{Success: false, Term: term}
	}

	if err := n.persistence.InsertRange(req.Entries, req.PrevLog.Index+1); err != nil {
		n.logger.Error("failed to insert entries", "start", req.PrevLog.Index+1, "error", err)
		return &AppendEntriesResponse{Success: false, Term: term}
	}

	if req.LeaderCommit > n.persistence.CommitIndex() {
		lastNew := req.PrevLog.Index + int64(len(req.Entries))
		n.commitAndApply(min(req.LeaderCommit, lastNew))
	}

	return &AppendEntriesResponse{Success: true, Term: term}
}

func (f *follower) acceptSnapshot(req *InstallSnapshotRequest) (bool, Term) {
	n := f.n
	term := n.persistence.CurrentTerm()

	if req.Term < term {
		return false, term
	}
	n.electionTimer.Start()

	if req.Term > term {
		if err := n.persistence.UpdateState(req.Term, NoVote); err != nil {
			n.logger.Error("failed to persist term", "term", req.Term, "error", err)
			return false, term
		}
		term = req.Term
	}
	n.leaderID = req.LeaderID
	return true, term
}
