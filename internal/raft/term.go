package raft

import "fmt"

// Term is the logical clock that partitions time into at-most-one-leader epochs.
type Term int32

// StartTerm is the term of a freshly initialized node.
const StartTerm Term = 1

// Next returns the following term.
func (t Term) Next() Term {
	return t + 1
}

// NodeID identifies a cluster member.
type NodeID int32

// NoVote marks the absence of a vote in the current term.
const NoVote NodeID = -1

// TombIndex is the index of the sentinel position that precedes the first entry.
const TombIndex int64 = -1

// LogPosition identifies a single log entry by term and index.
type LogPosition struct {
	Term  Term
	Index int64
}

// TombPosition denotes an empty log.
var TombPosition = LogPosition{Term: StartTerm, Index: TombIndex}

// IsTomb reports whether p is the empty-log sentinel.
func (p LogPosition) IsTomb() bool {
	return p.Index == TombIndex
}

func (p LogPosition) String() string {
	if p.IsTomb() {
		return "tomb"
	}
	return fmt.Sprintf("%d@%d", p.Index, p.Term)
}

// AtLeastAsUpToDate reports whether other is at least as up to date as p,
// comparing by last term and then by last index.
func (p LogPosition) AtLeastAsUpToDate(other LogPosition) bool {
	if p.Term != other.Term {
		return p.Term < other.Term
	}
	return p.Index <= other.Index
}
