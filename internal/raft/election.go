package raft

import (
	"context"
	"time"
)

type voteResult struct {
	peer Peer
	resp *RequestVoteResponse
	err  error
}

// runElection gathers votes in rounds. Each round asks only the peers that
// have not answered yet, and responses are counted as they arrive. When all
// peers answered without a majority the candidate idles until its election
// timer fires.
func (c *candidate) runElection() {
	n := c.n
	defer n.wg.Done()

	grants := 0
	if n.peers.IsMajority(grants + 1) {
		c.becomeLeader()
		return
	}

	silent := append([]Peer(nil), n.peers.Peers()...)
	for len(silent) > 0 {
		if c.ctx.Err() != nil {
			return
		}

		req := &RequestVoteRequest{
			CandidateID: n.id,
			Term:        c.term,
			LastLog:     n.persistence.LastEntry(),
		}

		roundCtx, cancel := context.WithTimeout(c.ctx, n.cfg.RequestTimeout)
		results := make(chan voteResult, len(silent))
		for _, p := range silent {
			go func(p Peer) {
				resp, err := p.SendRequestVote(roundCtx, req)
				results <- voteResult{peer: p, resp: resp, err: err}
			}(p)
		}

		var next []Peer
		for range silent {
			res := <-results
			if res.err != nil || res.resp == nil {
				next = append(next, res.peer)
				continue
			}
			if res.resp.Term > c.term {
				cancel()
				c.stepDown(res.resp.Term)
				return
			}
			if res.resp.VoteGranted {
				grants++
				if n.peers.IsMajority(grants + 1) {
					cancel()
					c.becomeLeader()
					return
				}
			}
		}
		cancel()

		if len(next) == len(silent) {
			// Nobody answered; give the network a beat before the next round.
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(n.cfg.HeartbeatTimeout):
			}
		}
		silent = next
	}

	n.logger.Debug("election round finished without quorum", "term", c.term, "grants", grants)
}

func (c *candidate) becomeLeader() {
	n := c.n
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.tryUpdateState(c, newLeader(n, c.term), func() {
		n.electionTimer.Stop()
		n.heartbeatTimer.Start()
	}) {
		n.logger.Info("became leader", "term", c.term)
	}
}

func (c *candidate) stepDown(term Term) {
	n := c.n
	n.mu.Lock()
	defer n.mu.Unlock()
	n.becomeFollower(c, term)
}
