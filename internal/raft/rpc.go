package raft

import (
	"context"
	"io"
)

// RequestVoteRequest is sent by candidates to gather votes.
type RequestVoteRequest struct {
	CandidateID NodeID
	Term        Term
	LastLog     LogPosition
}

// RequestVoteResponse is the answer to RequestVote.
type RequestVoteResponse struct {
	VoteGranted bool
	Term        Term
}

// AppendEntriesRequest is sent by the leader to replicate entries.
// An empty Entries slice is a heartbeat.
type AppendEntriesRequest struct {
	Term         Term
	LeaderID     NodeID
	LeaderCommit int64
	PrevLog      LogPosition
	Entries      []LogEntry
}

// AppendEntriesResponse is the answer to AppendEntries.
type AppendEntriesResponse struct {
	Success bool
	Term    Term
}

// InstallSnapshotRequest starts a snapshot transfer. The payload follows as
// a stream of chunks.
type InstallSnapshotRequest struct {
	Term         Term
	LeaderID     NodeID
	LastIncluded LogPosition
}

// InstallSnapshotResponse acknowledges a chunk, or the whole transfer when
// it is the final response.
type InstallSnapshotResponse struct {
	Term Term
}

// SnapshotChunkSource yields the payload chunks of an incoming snapshot
// transfer. Next returns io.EOF after the last chunk. Ack acknowledges the
// chunk most recently returned by Next.
type SnapshotChunkSource interface {
	Next(ctx context.Context) ([]byte, error)
	Ack(term Term) error
}

// readerChunkSource adapts an io.Reader to SnapshotChunkSource.
type readerChunkSource struct {
	r    io.Reader
	size int
	acks func(Term)
}

// NewReaderChunkSource returns a chunk source reading chunkSize bytes at a
// time from r. onAck, when non-nil, observes every acknowledgement.
func NewReaderChunkSource(r io.Reader, chunkSize int, onAck func(Term)) SnapshotChunkSource {
	if chunkSize <= 0 {
		chunkSize = DefaultSnapshotChunkSize
	}
	return &readerChunkSource{r: r, size: chunkSize, acks: onAck}
}

func (s *readerChunkSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, s.size)
	n, err := io.ReadFull(s.r, buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return nil, err
}

func (s *readerChunkSource) Ack(term Term) error {
	if s.acks != nil {
		s.acks(term)
	}
	return nil
}
