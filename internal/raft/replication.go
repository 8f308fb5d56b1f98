package raft

import (
	"cmp"
	"context"
	"slices"
	"sync/atomic"
)

// maxAppendEntries caps the entries carried by one AppendEntries.
const maxAppendEntries = 512

// replicator owns the replication state of one peer. It sleeps until woken
// by a heartbeat or a new entry, then sends AppendEntries until the peer
// holds the leader's whole log or stops answering.
type replicator struct {
	l    *leader
	peer Peer
	wake chan struct{}

	nextIndex  int64
	matchIndex atomic.Int64
}

func newReplicator(l *leader, peer Peer, nextIndex int64) *replicator {
	r := &replicator{
		l:         l,
		peer:      peer,
		wake:      make(chan struct{}, 1),
		nextIndex: nextIndex,
	}
	r.matchIndex.Store(TombIndex)
	return r
}

// notify wakes the replicator. Wakeups coalesce, so it never blocks.
func (r *replicator) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *replicator) run() {
	defer r.l.n.wg.Done()

	for {
		select {
		case <-r.l.ctx.Done():
			return
		case <-r.wake:
			if !r.replicate() {
				return
			}
		}
	}
}

// replicate sends AppendEntries until the peer caught up with the leader's
// log. An unreachable peer is retried on the next wakeup. It returns false
// once the replicator must stop.
func (r *replicator) replicate() bool {
	l := r.l
	n := l.n

	for {
		if l.ctx.Err() != nil {
			return false
		}

		req, ok := r.buildRequest()
		if !ok {
			if !r.sendSnapshot() {
				return l.ctx.Err() == nil
			}
			l.advanceCommit()
			continue
		}

		ctx, cancel := context.WithTimeout(l.ctx, n.cfg.RequestTimeout)
		resp, err := r.peer.SendAppendEntries(ctx, req)
		cancel()
		if err != nil || resp == nil {
			return l.ctx.Err() == nil
		}

		if resp.Term > l.term {
			l.stepDown(resp.Term)
			return false
		}

		if !resp.Success {
			if r.nextIndex > 0 {
				r.nextIndex--
			}
			n.logger.Debug("peer log mismatch",
				"peer", r.peer.ID(),
				"nextIndex", r.nextIndex,
			)
			continue
		}

		match := req.PrevLog.Index + int64(len(req.Entries))
		advanced := match > r.matchIndex.Load()
		r.matchIndex.Store(match)
		r.nextIndex = match + 1
		if advanced {
			l.advanceCommit()
		}

		if r.nextIndex > n.persistence.LastEntry().Index {
			return true
		}
	}
}

// buildRequest reads the entries from nextIndex onwards. It reports false
// when they were compacted into the snapshot.
func (r *replicator) buildRequest() (*AppendEntriesRequest, bool) {
	l := r.l
	p := l.n.persistence

	entries, ok := p.TryGetFrom(r.nextIndex, maxAppendEntries)
	if !ok {
		return nil, false
	}
	prev, ok := p.EntryInfo(r.nextIndex - 1)
	if !ok {
		return nil, false
	}

	return &AppendEntriesRequest{
		Term:         l.term,
		LeaderID:     l.n.id,
		LeaderCommit: p.CommitIndex(),
		PrevLog:      prev,
		Entries:      entries,
	}, true
}

// sendSnapshot transfers the stored snapshot and moves nextIndex past it.
func (r *replicator) sendSnapshot() bool {
	l := r.l
	n := l.n

	pos, payload, err := n.persistence.OpenSnapshot()
	if err != nil {
		n.logger.Error("no snapshot to send", "peer", r.peer.ID(), "nextIndex", r.nextIndex, "error", err)
		r.nextIndex = n.persistence.LastEntry().Index + 1
		return false
	}
	defer payload.Close()

	n.logger.Info("sending snapshot", "peer", r.peer.ID(), "lastIncluded", pos.String())

	resp, err := r.peer.SendInstallSnapshot(l.ctx, &InstallSnapshotRequest{
		Term:         l.term,
		LeaderID:     n.id,
		LastIncluded: pos,
	}, payload)
	if err != nil || resp == nil {
		n.logger.Warn("snapshot transfer failed", "peer", r.peer.ID(), "error", err)
		return false
	}
	if resp.Term > l.term {
		l.stepDown(resp.Term)
		return false
	}

	r.matchIndex.Store(pos.Index)
	r.nextIndex = pos.Index + 1
	return true
}

// advanceCommit commits the highest index stored by a majority, counting
// the leader itself, provided that entry belongs to the leader's term.
func (l *leader) advanceCommit() {
	n := l.n
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != l {
		return
	}
	l.advanceCommitLocked()
}

func (l *leader) advanceCommitLocked() {
	n := l.n
	p := n.persistence

	matched := make([]int64, 0, len(l.replicators)+1)
	matched = append(matched, p.LastEntry().Index)
	for _, r := range l.replicators {
		matched = append(matched, r.matchIndex.Load())
	}
	slices.SortFunc(matched, func(a, b int64) int { return cmp.Compare(b, a) })

	index := matched[n.peers.Majority()-1]
	if index <= p.CommitIndex() {
		return
	}
	// Entries of earlier terms commit only under one of the current term.
	if pos, ok := p.EntryInfo(index); !ok || pos.Term != l.term {
		return
	}
	n.commitAndApply(index)
}

// submit appends cmd and waits until it was committed and applied. Callers
// must not hold n.mu.
func (l *leader) submit(ctx context.Context, cmd []byte) ([]byte, error) {
	n := l.n

	n.mu.Lock()
	if n.state != l {
		n.mu.Unlock()
		return nil, ErrNotLeader
	}
	index := n.persistence.Append(LogEntry{Term: l.term, Data: cmd})
	result := make(chan []byte, 1)
	n.pending[index] = result
	// A single-node cluster commits right away.
	l.advanceCommitLocked()
	n.mu.Unlock()

	for _, r := range l.replicators {
		r.notify()
	}

	select {
	case res := <-result:
		return res, nil
	case <-ctx.Done():
		n.mu.Lock()
		if n.pending[index] == result {
			delete(n.pending, index)
		}
		n.mu.Unlock()
		return nil, ctx.Err()
	case <-l.ctx.Done():
		select {
		case res := <-result:
			return res, nil
		default:
		}
		return nil, ErrLeadershipLost
	}
}
