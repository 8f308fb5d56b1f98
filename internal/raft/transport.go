package raft

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/KilimcininKorOglu/taskflux/internal/logging"
)

// RPCHandler serves the consensus RPCs. *Node implements it.
type RPCHandler interface {
	HandleRequestVote(req *RequestVoteRequest) (*RequestVoteResponse, error)
	HandleAppendEntries(req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest, src SnapshotChunkSource) (*InstallSnapshotResponse, error)
}

// TCPServer accepts peer connections and dispatches their packets.
//
// A connection starts with ConnectRequest/ConnectResponse; an unknown node
// ID is refused and the connection closed. A snapshot transfer is an
// InstallSnapshotRequest followed by chunks, each acknowledged with an
// InstallSnapshotResponse, and an empty chunk answered by the final
// response.
type TCPServer struct {
	addr    string
	handler RPCHandler
	known   map[NodeID]bool
	logger  logging.Logger

	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	mu       sync.Mutex
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTCPServer creates a server accepting the given peers.
func NewTCPServer(addr string, handler RPCHandler, peers []NodeID, logger logging.Logger) *TCPServer {
	if logger == nil {
		logger = logging.NewNop()
	}
	known := make(map[NodeID]bool, len(peers))
	for _, id := range peers {
		known[id] = true
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		addr:    addr,
		handler: handler,
		known:   known,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins listening.
func (s *TCPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("peer server listening", "address", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listening address.
func (s *TCPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *TCPServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	br := bufio.NewReader(conn)

	peer, ok := s.handshake(conn, br)
	if !ok {
		return
	}
	logger := s.logger.WithFields("peer", peer)

	for {
		msg, err := ReadPacket(br)
		if err != nil {
			if errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrInvalidPacket) {
				logger.Error("dropping connection after corrupted packet", "error", err)
			}
			return
		}

		var resp any
		switch m := msg.(type) {
		case *RequestVoteRequest:
			resp, err = s.handler.HandleRequestVote(m)
		case *AppendEntriesRequest:
			resp, err = s.handler.HandleAppendEntries(m)
		case *InstallSnapshotRequest:
			resp, err = s.serveSnapshot(conn, br, m)
		default:
			logger.Warn("unexpected packet", "type", fmt.Sprintf("%T", msg))
			return
		}
		if err != nil {
			logger.Debug("request failed", "error", err)
			return
		}

		if err := WritePacket(conn, resp); err != nil {
			return
		}
	}
}

func (s *TCPServer) handshake(conn net.Conn, br *bufio.Reader) (NodeID, bool) {
	msg, err := ReadPacket(br)
	if err != nil {
		return 0, false
	}
	req, ok := msg.(*ConnectRequest)
	if !ok {
		s.logger.Warn("connection did not start with a handshake", "remote", conn.RemoteAddr().String())
		return 0, false
	}

	if !s.known[req.NodeID] {
		s.logger.Warn("refusing unknown peer", "peer", req.NodeID, "remote", conn.RemoteAddr().String())
		WritePacket(conn, &ConnectResponse{Success: false})
		return 0, false
	}
	if err := WritePacket(conn, &ConnectResponse{Success: true}); err != nil {
		return 0, false
	}
	return req.NodeID, true
}

func (s *TCPServer) serveSnapshot(conn net.Conn, br *bufio.Reader, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	src := &connChunkSource{r: br, w: conn}
	resp, err := s.handler.HandleInstallSnapshot(s.ctx, req, src)
	if err != nil {
		return nil, err
	}

	// A refused transfer still consumes the stream so the connection stays
	// in step; the sender aborts on the first ack carrying a newer term.
	for !src.done {
		if _, err := src.Next(s.ctx); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if !src.done {
			if err := src.Ack(resp.Term); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}

// connChunkSource reads snapshot chunks from a peer connection.
type connChunkSource struct {
	r    io.Reader
	w    io.Writer
	done bool
}

func (c *connChunkSource) Next(ctx context.Context) ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := ReadPacket(c.r)
	if err != nil {
		return nil, err
	}
	chunk, ok := msg.(*SnapshotChunk)
	if !ok {
		return nil, fmt.Errorf("%w: expected snapshot chunk, got %T", ErrInvalidPacket, msg)
	}
	if len(chunk.Data) == 0 {
		c.done = true
		return nil, io.EOF
	}
	return chunk.Data, nil
}

func (c *connChunkSource) Ack(term Term) error {
	return WritePacket(c.w, &InstallSnapshotResponse{Term: term})
}

// Close stops accepting and closes every connection.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// TCPPeerConfig configures an outgoing peer connection.
type TCPPeerConfig struct {
	RequestTimeout    time.Duration
	ReconnectDelay    time.Duration
	SnapshotChunkSize int
}

// TCPPeer is a lazily dialed connection to one peer. Requests are sent one
// at a time.
type TCPPeer struct {
	self   NodeID
	id     NodeID
	addr   string
	cfg    TCPPeerConfig
	logger logging.Logger

	mu     sync.Mutex
	conn   net.Conn
	br     *bufio.Reader
	closed bool
}

// NewTCPPeer creates a peer for node id at addr; self is sent in the
// handshake.
func NewTCPPeer(self, id NodeID, addr string, cfg TCPPeerConfig, logger logging.Logger) *TCPPeer {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = time.Second
	}
	if cfg.SnapshotChunkSize <= 0 {
		cfg.SnapshotChunkSize = DefaultSnapshotChunkSize
	}
	return &TCPPeer{
		self:   self,
		id:     id,
		addr:   addr,
		cfg:    cfg,
		logger: logger.WithFields("peer", id),
	}
}

// ID returns the remote node ID.
func (p *TCPPeer) ID() NodeID {
	return p.id
}

// connect dials and performs the handshake. Callers hold p.mu.
func (p *TCPPeer) connect(ctx context.Context) error {
	if p.closed {
		return ErrTransportClosed
	}
	if p.conn != nil {
		return nil
	}

	d := net.Dialer{Timeout: p.cfg.RequestTimeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		p.backoff(ctx)
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	conn.SetDeadline(time.Now().Add(p.cfg.RequestTimeout))
	br := bufio.NewReader(conn)
	if err := WritePacket(conn, &ConnectRequest{NodeID: p.self}); err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	msg, err := ReadPacket(br)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if resp, ok := msg.(*ConnectResponse); !ok || !resp.Success {
		conn.Close()
		p.backoff(ctx)
		return fmt.Errorf("%w: handshake refused by %d", ErrConnectFailed, p.id)
	}
	conn.SetDeadline(time.Time{})

	p.conn = conn
	p.br = br
	p.logger.Debug("connected", "address", p.addr)
	return nil
}

func (p *TCPPeer) backoff(ctx context.Context) {
	if p.cfg.ReconnectDelay <= 0 {
		return
	}
	t := time.NewTimer(p.cfg.ReconnectDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// drop closes the connection. Callers hold p.mu.
func (p *TCPPeer) drop() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
		p.br = nil
	}
}

func (p *TCPPeer) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(p.cfg.RequestTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

func (p *TCPPeer) roundTrip(ctx context.Context, msg any) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connect(ctx); err != nil {
		return nil, err
	}

	conn := p.conn
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	conn.SetDeadline(p.deadline(ctx))
	if err := WritePacket(conn, msg); err != nil {
		p.drop()
		return nil, err
	}
	resp, err := ReadPacket(p.br)
	if err != nil {
		p.drop()
		return nil, err
	}
	return resp, nil
}

// SendRequestVote sends a RequestVote.
func (p *TCPPeer) SendRequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	msg, err := p.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*RequestVoteResponse)
	if !ok {
		p.mu.Lock()
		p.drop()
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: unexpected %T", ErrInvalidPacket, msg)
	}
	return resp, nil
}

// SendAppendEntries sends an AppendEntries.
func (p *TCPPeer) SendAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	msg, err := p.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*AppendEntriesResponse)
	if !ok {
		p.mu.Lock()
		p.drop()
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: unexpected %T", ErrInvalidPacket, msg)
	}
	return resp, nil
}

// SendInstallSnapshot streams a snapshot read from r in chunks.
func (p *TCPPeer) SendInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest, r io.Reader) (*InstallSnapshotResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connect(ctx); err != nil {
		return nil, err
	}

	conn := p.conn
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	fail := func(err error) (*InstallSnapshotResponse, error) {
		p.drop()
		return nil, err
	}

	conn.SetDeadline(p.deadline(ctx))
	if err := WritePacket(conn, req); err != nil {
		return fail(err)
	}

	buf := make([]byte, p.cfg.SnapshotChunkSize)
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			conn.SetDeadline(p.deadline(ctx))
			if err := WritePacket(conn, &SnapshotChunk{Data: buf[:n]}); err != nil {
				return fail(err)
			}
			ack, err := p.readSnapshotResponse()
			if err != nil {
				return fail(err)
			}
			if ack.Term > req.Term {
				p.drop()
				return ack, nil
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fail(rerr)
		}
	}

	conn.SetDeadline(p.deadline(ctx))
	if err := WritePacket(conn, &SnapshotChunk{}); err != nil {
		return fail(err)
	}
	resp, err := p.readSnapshotResponse()
	if err != nil {
		return fail(err)
	}
	return resp, nil
}

func (p *TCPPeer) readSnapshotResponse() (*InstallSnapshotResponse, error) {
	msg, err := ReadPacket(p.br)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(*InstallSnapshotResponse)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %T", ErrInvalidPacket, msg)
	}
	return resp, nil
}

// Close closes the connection; later requests fail.
func (p *TCPPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.drop()
	return nil
}

// unreachableDelay is how long an in-memory request to a disconnected node
// takes to fail.
const unreachableDelay = 10 * time.Millisecond

// InMemoryNetwork connects nodes of one process, for tests.
type InMemoryNetwork struct {
	mu       sync.RWMutex
	handlers map[NodeID]RPCHandler
	down     map[NodeID]bool
}

// NewInMemoryNetwork creates a new in-memory network.
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{
		handlers: make(map[NodeID]RPCHandler),
		down:     make(map[NodeID]bool),
	}
}

// Register attaches the handler serving id.
func (n *InMemoryNetwork) Register(id NodeID, handler RPCHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = handler
}

// Disconnect isolates id: its requests and requests to it fail.
func (n *InMemoryNetwork) Disconnect(id NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = true
}

// Reconnect undoes Disconnect.
func (n *InMemoryNetwork) Reconnect(id NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, id)
}

// Peer returns the view of node to as seen from node from.
func (n *InMemoryNetwork) Peer(from, to NodeID) Peer {
	return &inMemoryPeer{network: n, from: from, to: to}
}

func (n *InMemoryNetwork) route(ctx context.Context, from, to NodeID) (RPCHandler, error) {
	n.mu.RLock()
	handler := n.handlers[to]
	unreachable := n.down[from] || n.down[to] || handler == nil
	n.mu.RUnlock()

	if unreachable {
		t := time.NewTimer(unreachableDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		return nil, ErrConnectFailed
	}
	return handler, nil
}

type inMemoryPeer struct {
	network  *InMemoryNetwork
	from, to NodeID
}

func (p *inMemoryPeer) ID() NodeID { return p.to }

func (p *inMemoryPeer) SendRequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	h, err := p.network.route(ctx, p.from, p.to)
	if err != nil {
		return nil, err
	}
	return h.HandleRequestVote(req)
}

func (p *inMemoryPeer) SendAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	h, err := p.network.route(ctx, p.from, p.to)
	if err != nil {
		return nil, err
	}
	return h.HandleAppendEntries(req)
}

func (p *inMemoryPeer) SendInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest, r io.Reader) (*InstallSnapshotResponse, error) {
	h, err := p.network.route(ctx, p.from, p.to)
	if err != nil {
		return nil, err
	}
	return h.HandleInstallSnapshot(ctx, req, NewReaderChunkSource(r, DefaultSnapshotChunkSize, nil))
}
