package raft

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// recordingHandler answers RPCs and keeps what it received.
type recordingHandler struct {
	mu        sync.Mutex
	votes     []*RequestVoteRequest
	appends   []*AppendEntriesRequest
	snapshot  bytes.Buffer
	chunks    int
	refuseAt  Term
	snapTerm  Term
	installed chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{installed: make(chan struct{}, 1)}
}

func (h *recordingHandler) HandleRequestVote(req *RequestVoteRequest) (*RequestVoteResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.votes = append(h.votes, req)
	return &RequestVoteResponse{VoteGranted: true, Term: req.Term}, nil
}

func (h *recordingHandler) HandleAppendEntries(req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appends = append(h.appends, req)
	return &AppendEntriesResponse{Success: true, Term: req.Term}, nil
}

func (h *recordingHandler) HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest, src SnapshotChunkSource) (*InstallSnapshotResponse, error) {
	if h.refuseAt != 0 {
		return &InstallSnapshotResponse{Term: h.refuseAt}, nil
	}

	for {
		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.snapshot.Write(chunk)
		h.chunks++
		h.mu.Unlock()
		if err := src.Ack(req.Term); err != nil {
			return nil, err
		}
	}

	h.mu.Lock()
	h.snapTerm = req.Term
	h.mu.Unlock()
	h.installed <- struct{}{}
	return &InstallSnapshotResponse{Term: req.Term}, nil
}

func startTestServer(t *testing.T, handler RPCHandler, known ...NodeID) *TCPServer {
	t.Helper()
	s := NewTCPServer("127.0.0.1:0", handler, known, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPeer(t *testing.T, self NodeID, addr string, chunkSize int) *TCPPeer {
	t.Helper()
	p := NewTCPPeer(self, 2, addr, TCPPeerConfig{
		RequestTimeout:    time.Second,
		SnapshotChunkSize: chunkSize,
	}, nil)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestTCPRoundTrip(t *testing.T) {
	h := newRecordingHandler()
	s := startTestServer(t, h, 1)
	p := newTestPeer(t, 1, s.Addr(), 0)
	ctx := context.Background()

	vote, err := p.SendRequestVote(ctx, &RequestVoteRequest{CandidateID: 1, Term: 3, LastLog: TombPosition})
	if err != nil {
		t.Fatalf("SendRequestVote failed: %v", err)
	}
	if !vote.VoteGranted || vote.Term != 3 {
		t.Errorf("vote = %+v", vote)
	}

	// The second request reuses the connection.
	app, err := p.SendAppendEntries(ctx, &AppendEntriesRequest{
		Term:         3,
		LeaderID:     1,
		LeaderCommit: 0,
		PrevLog:      TombPosition,
		Entries:      []LogEntry{{Term: 3, Data: []byte("first")}, {Term: 3, Data: []byte("second")}},
	})
	if err != nil {
		t.Fatalf("SendAppendEntries failed: %v", err)
	}
	if !app.Success {
		t.Errorf("append = %+v", app)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.votes) != 1 || h.votes[0].CandidateID != 1 {
		t.Errorf("votes = %v", h.votes)
	}
	if len(h.appends) != 1 {
		t.Fatalf("appends = %d, want 1", len(h.appends))
	}
	got := h.appends[0]
	if got.PrevLog != TombPosition || len(got.Entries) != 2 || string(got.Entries[1].Data) != "second" {
		t.Errorf("append request = %+v", got)
	}
}

func TestTCPHandshakeRefusesUnknownPeer(t *testing.T) {
	s := startTestServer(t, newRecordingHandler(), 1)
	p := newTestPeer(t, 7, s.Addr(), 0)

	_, err := p.SendRequestVote(context.Background(), &RequestVoteRequest{CandidateID: 7, Term: 2})
	if !errors.Is(err, ErrConnectFailed) {
		t.Errorf("error = %v, want ErrConnectFailed", err)
	}
}

func TestTCPPeerUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	p := newTestPeer(t, 1, addr, 0)
	_, err = p.SendAppendEntries(context.Background(), &AppendEntriesRequest{Term: 1, PrevLog: TombPosition})
	if !errors.Is(err, ErrConnectFailed) {
		t.Errorf("error = %v, want ErrConnectFailed", err)
	}
}

func TestTCPPeerClosed(t *testing.T) {
	s := startTestServer(t, newRecordingHandler(), 1)
	p := newTestPeer(t, 1, s.Addr(), 0)
	p.Close()

	_, err := p.SendRequestVote(context.Background(), &RequestVoteRequest{Term: 2})
	if !errors.Is(err, ErrTransportClosed) {
		t.Errorf("error = %v, want ErrTransportClosed", err)
	}
}

func TestTCPRequestCancelled(t *testing.T) {
	blocking := &blockingHandler{release: make(chan struct{})}
	s := startTestServer(t, blocking, 1)
	defer close(blocking.release)
	p := newTestPeer(t, 1, s.Addr(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := p.SendRequestVote(ctx, &RequestVoteRequest{Term: 2}); err == nil {
		t.Fatal("expected error from an unanswered request")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("cancellation took %v", elapsed)
	}
}

type blockingHandler struct {
	recordingHandler
	release chan struct{}
}

func (h *blockingHandler) HandleRequestVote(req *RequestVoteRequest) (*RequestVoteResponse, error) {
	<-h.release
	return &RequestVoteResponse{Term: req.Term}, nil
}

func TestTCPSnapshotStream(t *testing.T) {
	h := newRecordingHandler()
	s := startTestServer(t, h, 1)
	p := newTestPeer(t, 1, s.Addr(), 1024)

	payload := bytes.Repeat([]byte("snapshot-"), 1000)
	resp, err := p.SendInstallSnapshot(context.Background(), &InstallSnapshotRequest{
		Term:         4,
		LeaderID:     1,
		LastIncluded: LogPosition{Term: 3, Index: 120},
	}, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("SendInstallSnapshot failed: %v", err)
	}
	if resp.Term != 4 {
		t.Errorf("final term = %d, want 4", resp.Term)
	}

	select {
	case <-h.installed:
	case <-time.After(time.Second):
		t.Fatal("snapshot was not installed")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !bytes.Equal(h.snapshot.Bytes(), payload) {
		t.Errorf("received %d bytes, want %d", h.snapshot.Len(), len(payload))
	}
	if want := (len(payload) + 1023) / 1024; h.chunks != want {
		t.Errorf("chunks = %d, want %d", h.chunks, want)
	}
}

func TestTCPSnapshotRefused(t *testing.T) {
	h := newRecordingHandler()
	h.refuseAt = 9
	s := startTestServer(t, h, 1)
	p := newTestPeer(t, 1, s.Addr(), 16)

	resp, err := p.SendInstallSnapshot(context.Background(), &InstallSnapshotRequest{
		Term:         2,
		LeaderID:     1,
		LastIncluded: LogPosition{Term: 2, Index: 10},
	}, bytes.NewReader(bytes.Repeat([]byte("x"), 100)))
	if err != nil {
		t.Fatalf("SendInstallSnapshot failed: %v", err)
	}
	if resp.Term != 9 {
		t.Errorf("term = %d, want 9", resp.Term)
	}

	// The aborted transfer closed the connection; the next request redials.
	vote, err := p.SendRequestVote(context.Background(), &RequestVoteRequest{CandidateID: 1, Term: 9})
	if err != nil {
		t.Fatalf("SendRequestVote after refusal failed: %v", err)
	}
	if !vote.VoteGranted {
		t.Error("vote not granted after reconnect")
	}
}

func TestTCPServerDropsCorruptedPacket(t *testing.T) {
	s := startTestServer(t, newRecordingHandler(), 1)

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if err := WritePacket(conn, &ConnectRequest{NodeID: 1}); err != nil {
		t.Fatal(err)
	}
	msg, err := ReadPacket(conn)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if resp, ok := msg.(*ConnectResponse); !ok || !resp.Success {
		t.Fatalf("handshake response = %+v", msg)
	}

	buf, err := EncodePacket(&AppendEntriesRequest{
		Term:    2,
		PrevLog: TombPosition,
		Entries: []LogEntry{{Term: 2, Data: []byte("payload")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	buf[len(buf)-6] ^= 0xFF
	if _, err := conn.Write(buf); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadPacket(conn); err == nil {
		t.Error("server answered a corrupted packet")
	}
}

func TestInMemoryNetwork(t *testing.T) {
	network := NewInMemoryNetwork()
	h := newRecordingHandler()
	network.Register(2, h)
	p := network.Peer(1, 2)
	ctx := context.Background()

	if p.ID() != 2 {
		t.Errorf("ID = %d, want 2", p.ID())
	}
	if _, err := p.SendRequestVote(ctx, &RequestVoteRequest{CandidateID: 1, Term: 2}); err != nil {
		t.Fatalf("SendRequestVote failed: %v", err)
	}

	network.Disconnect(2)
	if _, err := p.SendAppendEntries(ctx, &AppendEntriesRequest{Term: 2}); !errors.Is(err, ErrConnectFailed) {
		t.Errorf("error while disconnected = %v, want ErrConnectFailed", err)
	}

	network.Reconnect(2)
	resp, err := p.SendInstallSnapshot(ctx, &InstallSnapshotRequest{Term: 2, LeaderID: 1}, bytes.NewReader([]byte("state")))
	if err != nil {
		t.Fatalf("SendInstallSnapshot failed: %v", err)
	}
	if resp.Term != 2 {
		t.Errorf("term = %d, want 2", resp.Term)
	}

	if _, err := network.Peer(1, 3).SendRequestVote(ctx, &RequestVoteRequest{Term: 2}); !errors.Is(err, ErrConnectFailed) {
		t.Errorf("unknown node error = %v, want ErrConnectFailed", err)
	}
}
