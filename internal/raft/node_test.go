package raft

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockApplication records every applied command.
type mockApplication struct {
	mu       sync.Mutex
	applied  [][]byte
	restored []byte
	restores int
}

func newMockApplication() *mockApplication {
	return &mockApplication{}
}

func (m *mockApplication) Apply(cmd []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isReadOnly(cmd) {
		m.applied = append(m.applied, append([]byte(nil), cmd...))
	}
	return append([]byte("ok:"), cmd...)
}

func (m *mockApplication) ApplyNoResponse(cmd []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, append([]byte(nil), cmd...))
}

// Snapshot covers the restored state followed by every applied command.
func (m *mockApplication) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var parts [][]byte
	if len(m.restored) > 0 {
		parts = append(parts, m.restored)
	}
	parts = append(parts, m.applied...)
	return bytes.Join(parts, []byte(",")), nil
}

func (m *mockApplication) Restore(snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restored = append([]byte(nil), snapshot...)
	m.applied = nil
	m.restores++
	return nil
}

func (m *mockApplication) IsReadOnly(cmd []byte) bool {
	return m.isReadOnly(cmd)
}

func (m *mockApplication) isReadOnly(cmd []byte) bool {
	return bytes.HasPrefix(cmd, []byte("get"))
}

func (m *mockApplication) Applied() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.applied))
	for i, c := range m.applied {
		out[i] = string(c)
	}
	return out
}

func (m *mockApplication) Restored() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restored
}

// mockPeer answers RPCs with scripted functions. A nil vote function never
// answers; a nil append function always succeeds.
type mockPeer struct {
	id       NodeID
	onVote   func(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error)
	onAppend func(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error)

	voteCalls   atomic.Int32
	appendCalls atomic.Int32
}

func silent(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func grantVote(_ context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	return &RequestVoteResponse{VoteGranted: true, Term: req.Term}, nil
}

func (p *mockPeer) ID() NodeID { return p.id }

func (p *mockPeer) SendRequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	p.voteCalls.Add(1)
	if p.onVote == nil {
		return nil, silent(ctx)
	}
	return p.onVote(ctx, req)
}

func (p *mockPeer) SendAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	p.appendCalls.Add(1)
	if p.onAppend == nil {
		return &AppendEntriesResponse{Success: true, Term: req.Term}, nil
	}
	return p.onAppend(ctx, req)
}

func (p *mockPeer) SendInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest, r io.Reader) (*InstallSnapshotResponse, error) {
	io.Copy(io.Discard, r)
	return &InstallSnapshotResponse{Term: req.Term}, nil
}

type testNode struct {
	*Node
	app       *mockApplication
	election  *manualTimer
	heartbeat *manualTimer
	dir       string
}

func newTestNodeInDir(t *testing.T, dir string, staleReads bool, peers ...Peer) *testNode {
	t.Helper()

	p, err := OpenPersistence(dir, DefaultPersistenceOptions(), nil)
	if err != nil {
		t.Fatalf("OpenPersistence failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	tn := &testNode{
		app:       newMockApplication(),
		election:  newManualTimer(),
		heartbeat: newManualTimer(),
		dir:       dir,
	}
	n, err := NewNode(NodeConfig{
		ID:               1,
		HeartbeatTimeout: 10 * time.Millisecond,
		RequestTimeout:   100 * time.Millisecond,
		StaleReads:       staleReads,
		ElectionTimer:    tn.election,
		HeartbeatTimer:   tn.heartbeat,
	}, p, NewPeerGroup(peers...), tn.app, nil)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	tn.Node = n
	t.Cleanup(n.Stop)

	if err := n.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return tn
}

func newTestNode(t *testing.T, peers ...Peer) *testNode {
	return newTestNodeInDir(t, t.TempDir(), false, peers...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNodeStartsAsFollower(t *testing.T) {
	n := newTestNode(t)

	if n.Role() != Follower {
		t.Errorf("Role = %v, want follower", n.Role())
	}
	if n.CurrentTerm() != StartTerm {
		t.Errorf("CurrentTerm = %d, want %d", n.CurrentTerm(), StartTerm)
	}
	if !n.election.Running() {
		t.Error("election timer should run on a follower")
	}
	if n.heartbeat.Running() {
		t.Error("heartbeat timer should not run on a follower")
	}
}

func TestSingleNodeBecomesLeader(t *testing.T) {
	n := newTestNode(t)

	n.election.Fire()
	waitFor(t, "leadership", n.IsLeader)

	if n.CurrentTerm() != 2 {
		t.Errorf("CurrentTerm = %d, want 2", n.CurrentTerm())
	}
	if n.LeaderID() != n.ID() {
		t.Errorf("LeaderID = %d, want %d", n.LeaderID(), n.ID())
	}
	if n.election.Running() || !n.heartbeat.Running() {
		t.Error("leader should run only the heartbeat timer")
	}

	res, err := n.Submit(context.Background(), []byte("put"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if string(res) != "ok:put" {
		t.Errorf("result = %q", res)
	}
	if n.CommitIndex() != 0 || n.LastApplied() != 0 {
		t.Errorf("commit=%d applied=%d, want 0 0", n.CommitIndex(), n.LastApplied())
	}
}

func TestElectionWithOneGrantAndOneSilentPeer(t *testing.T) {
	granting := &mockPeer{id: 2, onVote: grantVote}
	silentPeer := &mockPeer{id: 3}
	n := newTestNode(t, granting, silentPeer)

	n.election.Fire()
	waitFor(t, "leadership", n.IsLeader)

	if n.CurrentTerm() != 2 {
		t.Errorf("CurrentTerm = %d, want 2", n.CurrentTerm())
	}
	if granting.voteCalls.Load() != 1 {
		t.Errorf("granting peer asked %d times, want 1", granting.voteCalls.Load())
	}
	if n.persistence.VotedFor() != n.ID() {
		t.Errorf("VotedFor = %d, want self", n.persistence.VotedFor())
	}
}

func TestElectionRetriesOnlySilentPeers(t *testing.T) {
	var refusals atomic.Int32
	refusing := &mockPeer{id: 2, onVote: func(_ context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
		refusals.Add(1)
		return &RequestVoteResponse{VoteGranted: false, Term: req.Term}, nil
	}}
	var attempts atomic.Int32
	flaky := &mockPeer{id: 3, onVote: func(_ context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
		if attempts.Add(1) < 3 {
			return nil, ErrConnectFailed
		}
		return &RequestVoteResponse{VoteGranted: true, Term: req.Term}, nil
	}}
	n := newTestNode(t, refusing, flaky)

	n.election.Fire()
	waitFor(t, "leadership", n.IsLeader)

	if refusals.Load() != 1 {
		t.Errorf("peer that answered was asked %d times, want 1", refusals.Load())
	}
	if attempts.Load() != 3 {
		t.Errorf("silent peer asked %d times, want 3", attempts.Load())
	}
}

func TestElectionWithoutQuorumIdles(t *testing.T) {
	refuse := func(_ context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
		return &RequestVoteResponse{VoteGranted: false, Term: req.Term}, nil
	}
	p2 := &mockPeer{id: 2, onVote: refuse}
	p3 := &mockPeer{id: 3, onVote: refuse}
	n := newTestNode(t, p2, p3)

	n.election.Fire()
	waitFor(t, "both answers", func() bool { return p2.voteCalls.Load() == 1 && p3.voteCalls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)

	if n.Role() != Candidate {
		t.Errorf("Role = %v, want candidate", n.Role())
	}
	if p2.voteCalls.Load() != 1 || p3.voteCalls.Load() != 1 {
		t.Error("peers that answered must not be asked again in the same term")
	}

	// The next timeout starts a new election in a new term.
	n.election.Fire()
	waitFor(t, "second round", func() bool { return p2.voteCalls.Load() == 2 })
	if n.CurrentTerm() != 3 {
		t.Errorf("CurrentTerm = %d, want 3", n.CurrentTerm())
	}
}

func TestElectionHigherTermResponse(t *testing.T) {
	p2 := &mockPeer{id: 2, onVote: func(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error) {
		return &RequestVoteResponse{VoteGranted: false, Term: 5}, nil
	}}
	p3 := &mockPeer{id: 3}
	n := newTestNode(t, p2, p3)

	n.election.Fire()
	waitFor(t, "step down", func() bool { return n.Role() == Follower && n.CurrentTerm() == 5 })

	if n.persistence.VotedFor() != NoVote {
		t.Errorf("VotedFor = %d, want none", n.persistence.VotedFor())
	}
}

func TestFollowerRequestVote(t *testing.T) {
	n := newTestNode(t)

	steps := []struct {
		name    string
		req     RequestVoteRequest
		granted bool
		term    Term
	}{
		{"stale term", RequestVoteRequest{CandidateID: 2, Term: 0, LastLog: TombPosition}, false, 1},
		{"grant", RequestVoteRequest{CandidateID: 2, Term: 2, LastLog: TombPosition}, true, 2},
		{"second candidate same term", RequestVoteRequest{CandidateID: 3, Term: 2, LastLog: TombPosition}, false, 2},
		{"same candidate again", RequestVoteRequest{CandidateID: 2, Term: 2, LastLog: TombPosition}, true, 2},
		{"new term resets vote", RequestVoteRequest{CandidateID: 3, Term: 3, LastLog: TombPosition}, true, 3},
	}

	for _, step := range steps {
		resp, err := n.HandleRequestVote(&step.req)
		if err != nil {
			t.Fatalf("%s: HandleRequestVote failed: %v", step.name, err)
		}
		if resp.VoteGranted != step.granted || resp.Term != step.term {
			t.Errorf("%s: got granted=%v term=%d, want %v %d",
				step.name, resp.VoteGranted, resp.Term, step.granted, step.term)
		}
	}
}

func TestFollowerRefusesVoteForStaleLog(t *testing.T) {
	n := newTestNode(t)

	_, err := n.HandleAppendEntries(&AppendEntriesRequest{
		Term:         2,
		LeaderID:     2,
		LeaderCommit: TombIndex,
		PrevLog:      TombPosition,
		Entries:      []LogEntry{{Term: 2}, {Term: 2}},
	})
	if err != nil {
		t.Fatalf("HandleAppendEntries failed: %v", err)
	}

	resp, _ := n.HandleRequestVote(&RequestVoteRequest{CandidateID: 3, Term: 3, LastLog: LogPosition{Term: 2, Index: 0}})
	if resp.VoteGranted {
		t.Error("vote granted to a candidate with a shorter log")
	}
	if n.CurrentTerm() != 3 {
		t.Errorf("CurrentTerm = %d, want 3", n.CurrentTerm())
	}

	resp, _ = n.HandleRequestVote(&RequestVoteRequest{CandidateID: 3, Term: 3, LastLog: LogPosition{Term: 2, Index: 1}})
	if !resp.VoteGranted {
		t.Error("vote refused to a candidate with an equal log")
	}
}

func TestFollowerAppendEntriesPrevMismatch(t *testing.T) {
	n := newTestNode(t)

	resp, err := n.HandleAppendEntries(&AppendEntriesRequest{
		Term:         1,
		LeaderID:     2,
		LeaderCommit: 3,
		PrevLog:      LogPosition{Term: 1, Index: 3},
		Entries:      []LogEntry{{Term: 1, Data: []byte("x")}},
	})
	if err != nil {
		t.Fatalf("HandleAppendEntries failed: %v", err)
	}
	if resp.Success {
		t.Error("append with unknown prev position succeeded")
	}
	if got := n.persistence.LastEntry(); got != TombPosition {
		t.Errorf("log changed: LastEntry = %v", got)
	}
}

func TestFollowerAppendEntriesCommitClamp(t *testing.T) {
	n := newTestNode(t)

	resp, err := n.HandleAppendEntries(&AppendEntriesRequest{
		Term:         2,
		LeaderID:     2,
		LeaderCommit: 10,
		PrevLog:      TombPosition,
		Entries:      []LogEntry{{Term: 2, Data: []byte("a")}, {Term: 2, Data: []byte("b")}},
	})
	if err != nil {
		t.Fatalf("HandleAppendEntries failed: %v", err)
	}
	if !resp.Success || resp.Term != 2 {
		t.Errorf("response = %+v", resp)
	}
	if n.CommitIndex() != 1 {
		t.Errorf("CommitIndex = %d, want 1", n.CommitIndex())
	}
	if got := n.app.Applied(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("applied = %v", got)
	}
	if n.LeaderID() != 2 {
		t.Errorf("LeaderID = %d, want 2", n.LeaderID())
	}
}

func TestFollowerHeartbeatCommitStopsAtPrev(t *testing.T) {
	n := newTestNode(t)

	// Four entries of a deposed leader, none committed.
	resp, _ := n.HandleAppendEntries(&AppendEntriesRequest{
		Term: 1, LeaderID: 2, LeaderCommit: TombIndex, PrevLog: TombPosition,
		Entries: testEntries(1, 4),
	})
	if !resp.Success {
		t.Fatal("initial append failed")
	}

	// The new leader only vouches for the log up to index 1; entries 2 and 3
	// may not exist in its log even though its commit index is past them.
	resp, _ = n.HandleAppendEntries(&AppendEntriesRequest{
		Term: 2, LeaderID: 3, LeaderCommit: 3, PrevLog: LogPosition{Term: 1, Index: 1},
	})
	if !resp.Success {
		t.Fatal("heartbeat failed")
	}
	if n.CommitIndex() != 1 {
		t.Errorf("CommitIndex = %d, want 1", n.CommitIndex())
	}
	if got := n.app.Applied(); len(got) != 2 || got[1] != "cmd-1" {
		t.Errorf("applied = %v, want [cmd-0 cmd-1]", got)
	}
	if last := n.persistence.LastEntry(); last.Index != 3 {
		t.Errorf("LastEntry = %v, uncommitted suffix should stay pending", last)
	}
}

func TestFollowerAppendEntriesReplication(t *testing.T) {
	n := newTestNode(t)
	starts := n.election.starts.Load()

	// Uncommitted entries stay pending.
	resp, _ := n.HandleAppendEntries(&AppendEntriesRequest{
		Term: 2, LeaderID: 2, LeaderCommit: TombIndex, PrevLog: TombPosition,
		Entries: []LogEntry{{Term: 2, Data: []byte("a")}, {Term: 2, Data: []byte("b")}},
	})
	if !resp.Success {
		t.Fatal("first append failed")
	}
	if n.CommitIndex() != TombIndex || len(n.app.Applied()) != 0 {
		t.Error("entries applied before commit")
	}
	if n.election.starts.Load() <= starts {
		t.Error("append did not restart the election timer")
	}

	// A new leader overwrites the uncommitted suffix.
	resp, _ = n.HandleAppendEntries(&AppendEntriesRequest{
		Term: 3, LeaderID: 3, LeaderCommit: 1, PrevLog: LogPosition{Term: 2, Index: 0},
		Entries: []LogEntry{{Term: 3, Data: []byte("c")}},
	})
	if !resp.Success || resp.Term != 3 {
		t.Fatalf("second append = %+v", resp)
	}
	if got := n.app.Applied(); len(got) != 2 || got[1] != "c" {
		t.Errorf("applied = %v, want [a c]", got)
	}

	// Heartbeat from the deposed leader is refused.
	resp, _ = n.HandleAppendEntries(&AppendEntriesRequest{
		Term: 2, LeaderID: 2, LeaderCommit: 1, PrevLog: LogPosition{Term: 2, Index: 1},
	})
	if resp.Success || resp.Term != 3 {
		t.Errorf("stale append = %+v", resp)
	}
}

func TestCandidateStepsDownOnAppendEntries(t *testing.T) {
	n := newTestNode(t, &mockPeer{id: 2}, &mockPeer{id: 3})

	n.election.Fire()
	waitFor(t, "candidacy", func() bool { return n.Role() == Candidate })

	resp, err := n.HandleAppendEntries(&AppendEntriesRequest{
		Term: n.CurrentTerm(), LeaderID: 2, LeaderCommit: TombIndex, PrevLog: TombPosition,
	})
	if err != nil {
		t.Fatalf("HandleAppendEntries failed: %v", err)
	}
	if !resp.Success {
		t.Error("append from the legitimate leader failed")
	}
	if n.Role() != Follower {
		t.Errorf("Role = %v, want follower", n.Role())
	}
}

func TestCandidateRefusesEqualTermVote(t *testing.T) {
	n := newTestNode(t, &mockPeer{id: 2}, &mockPeer{id: 3})

	n.election.Fire()
	waitFor(t, "candidacy", func() bool { return n.Role() == Candidate })

	resp, _ := n.HandleRequestVote(&RequestVoteRequest{CandidateID: 2, Term: n.CurrentTerm(), LastLog: TombPosition})
	if resp.VoteGranted {
		t.Error("candidate granted a vote in its own term")
	}
	if n.Role() != Candidate {
		t.Errorf("Role = %v, want candidate", n.Role())
	}

	resp, _ = n.HandleRequestVote(&RequestVoteRequest{CandidateID: 2, Term: 9, LastLog: TombPosition})
	if !resp.VoteGranted || resp.Term != 9 {
		t.Errorf("higher term vote = %+v", resp)
	}
	if n.Role() != Follower {
		t.Errorf("Role = %v, want follower", n.Role())
	}
}

func TestFollowerInstallSnapshot(t *testing.T) {
	n := newTestNode(t)

	var acks atomic.Int32
	src := NewReaderChunkSource(bytes.NewReader([]byte("snapshot-state")), 4, func(Term) { acks.Add(1) })
	resp, err := n.HandleInstallSnapshot(context.Background(), &InstallSnapshotRequest{
		Term:         2,
		LeaderID:     2,
		LastIncluded: LogPosition{Term: 2, Index: 5},
	}, src)
	if err != nil {
		t.Fatalf("HandleInstallSnapshot failed: %v", err)
	}
	if resp.Term != 2 {
		t.Errorf("response term = %d, want 2", resp.Term)
	}
	if acks.Load() != 4 {
		t.Errorf("acks = %d, want 4", acks.Load())
	}

	if string(n.app.Restored()) != "snapshot-state" {
		t.Errorf("restored = %q", n.app.Restored())
	}
	if n.LastApplied() != 5 || n.CommitIndex() != 5 {
		t.Errorf("applied=%d commit=%d, want 5 5", n.LastApplied(), n.CommitIndex())
	}
	if _, ok := n.persistence.TryGetFrom(0, 0); ok {
		t.Error("log still reachable from index 0")
	}
	if entries, ok := n.persistence.TryGetFrom(6, 0); !ok || len(entries) != 0 {
		t.Errorf("log should start empty at 6: %v %v", entries, ok)
	}

	// Replication continues after the snapshot.
	ae, _ := n.HandleAppendEntries(&AppendEntriesRequest{
		Term: 2, LeaderID: 2, LeaderCommit: 6, PrevLog: LogPosition{Term: 2, Index: 5},
		Entries: []LogEntry{{Term: 2, Data: []byte("after")}},
	})
	if !ae.Success {
		t.Fatal("append after snapshot failed")
	}
	if got := n.app.Applied(); len(got) != 1 || got[0] != "after" {
		t.Errorf("applied = %v", got)
	}
}

func TestInstallSnapshotStaleTerm(t *testing.T) {
	n := newTestNode(t)
	n.HandleRequestVote(&RequestVoteRequest{CandidateID: 2, Term: 4, LastLog: TombPosition})

	resp, err := n.HandleInstallSnapshot(context.Background(), &InstallSnapshotRequest{
		Term: 3, LeaderID: 3, LastIncluded: LogPosition{Term: 3, Index: 9},
	}, NewReaderChunkSource(bytes.NewReader([]byte("old")), 0, nil))
	if err != nil {
		t.Fatalf("HandleInstallSnapshot failed: %v", err)
	}
	if resp.Term != 4 {
		t.Errorf("response term = %d, want 4", resp.Term)
	}
	if n.app.Restored() != nil {
		t.Error("stale snapshot restored")
	}
	if _, ok := n.persistence.TryGetSnapshot(); ok {
		t.Error("stale snapshot stored")
	}
}

func TestInstallSnapshotFailedSourceDiscards(t *testing.T) {
	n := newTestNode(t)

	src := &failingChunkSource{after: 1}
	_, err := n.HandleInstallSnapshot(context.Background(), &InstallSnapshotRequest{
		Term: 2, LeaderID: 2, LastIncluded: LogPosition{Term: 2, Index: 3},
	}, src)
	if err == nil {
		t.Fatal("expected error from failing source")
	}
	if _, ok := n.persistence.TryGetSnapshot(); ok {
		t.Error("partial snapshot was committed")
	}
	if n.CommitIndex() != TombIndex {
		t.Errorf("CommitIndex = %d after failed transfer", n.CommitIndex())
	}
}

type failingChunkSource struct {
	after int
	calls int
}

func (f *failingChunkSource) Next(context.Context) ([]byte, error) {
	f.calls++
	if f.calls > f.after {
		return nil, errors.New("connection reset")
	}
	return []byte("chunk"), nil
}

func (f *failingChunkSource) Ack(Term) error { return nil }

// scriptedChunkSource serves fixed chunks and runs before ahead of each one.
type scriptedChunkSource struct {
	chunks [][]byte
	before func(i int)
	next   int
	acks   int
}

func (s *scriptedChunkSource) Next(context.Context) ([]byte, error) {
	if s.next >= len(s.chunks) {
		return nil, io.EOF
	}
	if s.before != nil {
		s.before(s.next)
	}
	chunk := s.chunks[s.next]
	s.next++
	return chunk, nil
}

func (s *scriptedChunkSource) Ack(Term) error {
	s.acks++
	return nil
}

func TestInstallSnapshotKeepsElectionTimerAlive(t *testing.T) {
	n := newTestNode(t)
	base := n.election.starts.Load()

	src := &scriptedChunkSource{
		chunks: [][]byte{[]byte("aa"), []byte("bb"), []byte("cc")},
	}
	// Accepting the transfer restarts the timer once, then every stored
	// chunk restarts it again.
	src.before = func(i int) {
		if got := n.election.starts.Load() - base; got != int32(i+1) {
			t.Errorf("before chunk %d: %d timer restarts, want %d", i, got, i+1)
		}
	}

	resp, err := n.HandleInstallSnapshot(context.Background(), &InstallSnapshotRequest{
		Term: 2, LeaderID: 2, LastIncluded: LogPosition{Term: 2, Index: 4},
	}, src)
	if err != nil {
		t.Fatalf("HandleInstallSnapshot failed: %v", err)
	}
	if resp.Term != 2 {
		t.Errorf("response term = %d, want 2", resp.Term)
	}
	if got := n.election.starts.Load() - base; got != 4 {
		t.Errorf("timer restarts = %d, want 4", got)
	}
	if string(n.app.Restored()) != "aabbcc" {
		t.Errorf("restored = %q", n.app.Restored())
	}
}

func TestInstallSnapshotAbandonedOnRoleChange(t *testing.T) {
	tests := []struct {
		name     string
		interfere func(n *testNode)
		wantTerm Term
		wantRole Role
	}{
		{
			name: "higher term vote",
			interfere: func(n *testNode) {
				n.HandleRequestVote(&RequestVoteRequest{CandidateID: 3, Term: 7, LastLog: TombPosition})
			},
			wantTerm: 7,
			wantRole: Follower,
		},
		{
			name:     "election timeout",
			interfere: func(n *testNode) { n.election.Fire() },
			wantTerm: 3,
			wantRole: Leader,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNode(t)

			src := &scriptedChunkSource{
				chunks: [][]byte{[]byte("aa"), []byte("bb"), []byte("cc")},
			}
			src.before = func(i int) {
				if i == 1 {
					tt.interfere(n)
				}
			}

			resp, err := n.HandleInstallSnapshot(context.Background(), &InstallSnapshotRequest{
				Term: 2, LeaderID: 2, LastIncluded: LogPosition{Term: 2, Index: 4},
			}, src)
			if err != nil {
				t.Fatalf("HandleInstallSnapshot failed: %v", err)
			}
			if resp.Term != tt.wantTerm {
				t.Errorf("response term = %d, want %d", resp.Term, tt.wantTerm)
			}
			if src.acks != 1 {
				t.Errorf("acks = %d, want 1", src.acks)
			}
			if _, ok := n.persistence.TryGetSnapshot(); ok {
				t.Error("abandoned snapshot was committed")
			}
			if n.app.Restored() != nil {
				t.Error("abandoned snapshot was restored")
			}
			waitFor(t, tt.wantRole.String(), func() bool { return n.Role() == tt.wantRole })
		})
	}
}

func TestInstallSnapshotOlderThanStored(t *testing.T) {
	n := newTestNode(t)

	install := func(index int64, data string) *InstallSnapshotResponse {
		t.Helper()
		resp, err := n.HandleInstallSnapshot(context.Background(), &InstallSnapshotRequest{
			Term: 2, LeaderID: 2, LastIncluded: LogPosition{Term: 2, Index: index},
		}, NewReaderChunkSource(bytes.NewReader([]byte(data)), 0, nil))
		if err != nil {
			t.Fatalf("HandleInstallSnapshot(%d) failed: %v", index, err)
		}
		return resp
	}

	install(8, "state@8")
	if resp := install(3, "state@3"); resp.Term != 2 {
		t.Errorf("response term = %d, want 2", resp.Term)
	}

	if string(n.app.Restored()) != "state@8" {
		t.Errorf("restored = %q, want state@8", n.app.Restored())
	}
	if pos, ok := n.persistence.TryGetSnapshot(); !ok || pos.Index != 8 {
		t.Errorf("stored snapshot = %v, %v", pos, ok)
	}
	if n.LastApplied() != 8 {
		t.Errorf("LastApplied = %d, want 8", n.LastApplied())
	}
}

func TestSubmitOnFollower(t *testing.T) {
	n := newTestNode(t)

	if _, err := n.Submit(context.Background(), []byte("put")); !errors.Is(err, ErrNotLeader) {
		t.Errorf("write error = %v, want ErrNotLeader", err)
	}
	if _, err := n.Submit(context.Background(), []byte("get")); !errors.Is(err, ErrNotLeader) {
		t.Errorf("read error = %v, want ErrNotLeader", err)
	}
}

func TestStaleReadsOnFollower(t *testing.T) {
	n := newTestNodeInDir(t, t.TempDir(), true)

	res, err := n.Submit(context.Background(), []byte("get"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if string(res) != "ok:get" {
		t.Errorf("result = %q", res)
	}
	if n.persistence.LastEntry() != TombPosition {
		t.Error("read-only command was appended to the log")
	}
}

func TestLeaderReplicatesToMajority(t *testing.T) {
	var mu sync.Mutex
	var received []LogEntry
	p2 := &mockPeer{id: 2, onVote: grantVote, onAppend: func(_ context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		if int64(len(received)) >= req.PrevLog.Index+1 {
			received = append(received[:req.PrevLog.Index+1], req.Entries...)
		}
		return &AppendEntriesResponse{Success: true, Term: req.Term}, nil
	}}
	p3 := &mockPeer{id: 3}
	p3.onAppend = func(ctx context.Context, _ *AppendEntriesRequest) (*AppendEntriesResponse, error) {
		return nil, silent(ctx)
	}
	n := newTestNode(t, p2, p3)

	n.election.Fire()
	waitFor(t, "leadership", n.IsLeader)

	for _, cmd := range []string{"one", "two", "three"} {
		res, err := n.Submit(context.Background(), []byte(cmd))
		if err != nil {
			t.Fatalf("Submit(%s) failed: %v", cmd, err)
		}
		if string(res) != "ok:"+cmd {
			t.Errorf("result = %q", res)
		}
	}

	if n.CommitIndex() != 2 {
		t.Errorf("CommitIndex = %d, want 2", n.CommitIndex())
	}
	if got := n.app.Applied(); len(got) != 3 || got[2] != "three" {
		t.Errorf("applied = %v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 || string(received[0].Data) != "one" {
		t.Errorf("peer received %v", received)
	}
}

// flakyPeer fails AppendEntries while down and records the highest commit
// index it was told about.
func flakyPeer(id NodeID, down *atomic.Bool, commit *atomic.Int64) *mockPeer {
	return &mockPeer{id: id, onVote: grantVote, onAppend: func(_ context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
		if down.Load() {
			return nil, ErrConnectFailed
		}
		for {
			cur := commit.Load()
			if req.LeaderCommit <= cur || commit.CompareAndSwap(cur, req.LeaderCommit) {
				break
			}
		}
		return &AppendEntriesResponse{Success: true, Term: req.Term}, nil
	}}
}

func TestLeaderCommitsAfterSubmitterGaveUp(t *testing.T) {
	var down atomic.Bool
	var commit2, commit3 atomic.Int64
	commit2.Store(TombIndex)
	commit3.Store(TombIndex)
	n := newTestNode(t, flakyPeer(2, &down, &commit2), flakyPeer(3, &down, &commit3))

	n.election.Fire()
	waitFor(t, "leadership", n.IsLeader)

	down.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := n.Submit(ctx, []byte("late")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit error = %v, want deadline exceeded", err)
	}
	if n.CommitIndex() != TombIndex {
		t.Fatalf("CommitIndex = %d without a majority", n.CommitIndex())
	}

	down.Store(false)
	n.heartbeat.Fire()
	waitFor(t, "leader commit", func() bool { return n.CommitIndex() == 0 })
	if got := n.app.Applied(); len(got) != 1 || got[0] != "late" {
		t.Errorf("applied = %v", got)
	}

	n.heartbeat.Fire()
	waitFor(t, "followers learn the commit", func() bool {
		return commit2.Load() == 0 && commit3.Load() == 0
	})
}

func TestSubmitNotBlockedByDownFollower(t *testing.T) {
	p2 := &mockPeer{id: 2, onVote: grantVote}
	p3 := &mockPeer{id: 3, onAppend: func(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error) {
		return nil, ErrConnectFailed
	}}
	n := newTestNode(t, p2, p3)

	n.election.Fire()
	waitFor(t, "leadership", n.IsLeader)

	for i := 0; i < 100; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := n.Submit(ctx, []byte(fmt.Sprintf("cmd-%d", i)))
		cancel()
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	if n.CommitIndex() != 99 {
		t.Errorf("CommitIndex = %d, want 99", n.CommitIndex())
	}
}

func TestLeaderBacktracksOnMismatch(t *testing.T) {
	// The peer only holds the first entry of the leader's log.
	var prevSeen []int64
	var mu sync.Mutex
	p2 := &mockPeer{id: 2, onVote: grantVote, onAppend: func(_ context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
		mu.Lock()
		prevSeen = append(prevSeen, req.PrevLog.Index)
		mu.Unlock()
		if req.PrevLog.Index > 0 {
			return &AppendEntriesResponse{Success: false, Term: req.Term}, nil
		}
		return &AppendEntriesResponse{Success: true, Term: req.Term}, nil
	}}

	dir := t.TempDir()
	p, err := OpenPersistence(dir, DefaultPersistenceOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	appendAll(p, testEntries(1, 3))
	p.Commit(2)
	p.Close()

	n := newTestNodeInDir(t, dir, false, p2)
	n.election.Fire()
	waitFor(t, "leadership", n.IsLeader)

	if _, err := n.Submit(context.Background(), []byte("four")); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// nextIndex starts after the last entry (3) and walks back to 1.
	want := []int64{2, 1, 0}
	if len(prevSeen) < len(want) {
		t.Fatalf("prev indices = %v", prevSeen)
	}
	for i, w := range want {
		if prevSeen[i] != w {
			t.Errorf("prev indices = %v, want prefix %v", prevSeen, want)
			break
		}
	}
}

func TestLeaderStepsDownOnHigherTermResponse(t *testing.T) {
	p2 := &mockPeer{id: 2, onVote: grantVote, onAppend: func(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error) {
		return &AppendEntriesResponse{Success: false, Term: 9}, nil
	}}
	n := newTestNode(t, p2)

	n.election.Fire()
	waitFor(t, "step down", func() bool { return n.Role() == Follower && n.CurrentTerm() == 9 })

	if n.heartbeat.Running() {
		t.Error("heartbeat timer still running after step down")
	}
	if !n.election.Running() {
		t.Error("election timer not restarted after step down")
	}
}

func TestSubmitLeadershipLost(t *testing.T) {
	blocked := func(ctx context.Context, _ *AppendEntriesRequest) (*AppendEntriesResponse, error) {
		return nil, silent(ctx)
	}
	p2 := &mockPeer{id: 2, onVote: grantVote, onAppend: blocked}
	p3 := &mockPeer{id: 3, onAppend: blocked}
	n := newTestNode(t, p2, p3)

	n.election.Fire()
	waitFor(t, "leadership", n.IsLeader)

	errc := make(chan error, 1)
	go func() {
		_, err := n.Submit(context.Background(), []byte("never"))
		errc <- err
	}()

	waitFor(t, "pending submission", func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return len(n.pending) == 1
	})

	resp, _ := n.HandleAppendEntries(&AppendEntriesRequest{
		Term: 5, LeaderID: 3, LeaderCommit: TombIndex, PrevLog: TombPosition,
	})
	if !resp.Success {
		t.Error("append from new leader failed")
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrLeadershipLost) {
			t.Errorf("Submit error = %v, want ErrLeadershipLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after losing leadership")
	}
}

func TestNodeRestoresOnStart(t *testing.T) {
	dir := t.TempDir()

	p, err := OpenPersistence(dir, DefaultPersistenceOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	appendAll(p, testEntries(1, 3))
	p.Commit(2)
	installSnapshot(t, p, LogPosition{Term: 1, Index: 0}, []byte("base"))
	p.Close()

	n := newTestNodeInDir(t, dir, false)

	if string(n.app.Restored()) != "base" {
		t.Errorf("restored = %q, want base", n.app.Restored())
	}
	if got := n.app.Applied(); len(got) != 2 || got[0] != "cmd-1" || got[1] != "cmd-2" {
		t.Errorf("replayed = %v", got)
	}
	if n.LastApplied() != 2 {
		t.Errorf("LastApplied = %d, want 2", n.LastApplied())
	}
}

func TestNodeStopped(t *testing.T) {
	n := newTestNode(t)
	n.Stop()

	if _, err := n.HandleRequestVote(&RequestVoteRequest{Term: 5}); !errors.Is(err, ErrNodeStopped) {
		t.Errorf("HandleRequestVote error = %v, want ErrNodeStopped", err)
	}
	if _, err := n.Submit(context.Background(), []byte("x")); !errors.Is(err, ErrNodeStopped) {
		t.Errorf("Submit error = %v, want ErrNodeStopped", err)
	}
	if n.election.Fire() {
		t.Error("election timer still running after Stop")
	}
}

func TestNodeStatus(t *testing.T) {
	n := newTestNode(t, &mockPeer{id: 2}, &mockPeer{id: 3})

	n.HandleAppendEntries(&AppendEntriesRequest{
		Term: 2, LeaderID: 3, LeaderCommit: 0, PrevLog: TombPosition,
		Entries: []LogEntry{{Term: 2, Data: []byte("a")}},
	})

	st := n.Status()
	want := Status{
		ID:           1,
		Role:         "follower",
		Term:         2,
		LeaderID:     3,
		CommitIndex:  0,
		LastApplied:  0,
		LastLogIndex: 0,
		LastLogTerm:  2,
		ClusterSize:  3,
	}
	if st != want {
		t.Errorf("Status = %+v, want %+v", st, want)
	}
}

func TestPeerGroupMajority(t *testing.T) {
	tests := []struct {
		peers    int
		majority int
	}{
		{0, 1},
		{1, 2},
		{2, 2},
		{3, 3},
		{4, 3},
	}
	for _, tt := range tests {
		peers := make([]Peer, tt.peers)
		for i := range peers {
			peers[i] = &mockPeer{id: NodeID(i + 2)}
		}
		g := NewPeerGroup(peers...)
		if g.Majority() != tt.majority {
			t.Errorf("%d peers: Majority = %d, want %d", tt.peers, g.Majority(), tt.majority)
		}
		if g.IsMajority(tt.majority-1) || !g.IsMajority(tt.majority) {
			t.Errorf("%d peers: IsMajority boundary wrong", tt.peers)
		}
	}
}
