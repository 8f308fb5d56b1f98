package raft

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// PacketType is the first byte of every packet on the peer connection.
type PacketType uint8

// Packet types.
const (
	PacketConnectRequest PacketType = iota + 1
	PacketConnectResponse
	PacketRequestVoteRequest
	PacketRequestVoteResponse
	PacketAppendEntriesRequest
	PacketAppendEntriesResponse
	PacketInstallSnapshotRequest
	PacketInstallSnapshotChunk
	PacketInstallSnapshotResponse
)

// String returns the packet type name.
func (t PacketType) String() string {
	switch t {
	case PacketConnectRequest:
		return "ConnectRequest"
	case PacketConnectResponse:
		return "ConnectResponse"
	case PacketRequestVoteRequest:
		return "RequestVoteRequest"
	case PacketRequestVoteResponse:
		return "RequestVoteResponse"
	case PacketAppendEntriesRequest:
		return "AppendEntriesRequest"
	case PacketAppendEntriesResponse:
		return "AppendEntriesResponse"
	case PacketInstallSnapshotRequest:
		return "InstallSnapshotRequest"
	case PacketInstallSnapshotChunk:
		return "InstallSnapshotChunk"
	case PacketInstallSnapshotResponse:
		return "InstallSnapshotResponse"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// ConnectRequest opens a peer connection and names the dialing node.
type ConnectRequest struct {
	NodeID NodeID
}

// ConnectResponse accepts or refuses a peer connection.
type ConnectResponse struct {
	Success bool
}

// SnapshotChunk carries a piece of snapshot payload. An empty chunk ends
// the transfer.
type SnapshotChunk struct {
	Data []byte
}

const (
	// packetHeaderSize is [type:1][bodyLength:4].
	packetHeaderSize = 5
	// maxPacketSize caps the body of a single packet.
	maxPacketSize = 64 * 1024 * 1024
	crcSize       = 4
)

// Packet layout (big-endian): [type:1][bodyLength:4][body]. Integer fields
// in the body are 4 bytes wide. The body of an AppendEntriesRequest ends
// with a CRC32 (IEEE) of every preceding byte of the packet.

type packetWriter struct {
	buf []byte
}

func (w *packetWriter) int32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *packetWriter) bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *packetWriter) bytes(b []byte) {
	w.int32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

type packetReader struct {
	buf []byte
	off int
	err error
}

func (r *packetReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: short body", ErrInvalidPacket)
		return false
	}
	return true
}

func (r *packetReader) int32() int32 {
	if !r.need(4) {
		return 0
	}
	v := int32(binary.BigEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return v
}

func (r *packetReader) bool() bool {
	if !r.need(1) {
		return false
	}
	v := r.buf[r.off] != 0
	r.off++
	return v
}

func (r *packetReader) bytes() []byte {
	n := int(r.int32())
	if !r.need(n) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+n])
	r.off += n
	return b
}

// EncodePacket serializes msg, which must be one of the request, response,
// connect or chunk types of this package.
func EncodePacket(msg any) ([]byte, error) {
	w := &packetWriter{buf: make([]byte, packetHeaderSize, 64)}

	var t PacketType
	switch m := msg.(type) {
	case *ConnectRequest:
		t = PacketConnectRequest
		w.int32(int32(m.NodeID))
	case *ConnectResponse:
		t = PacketConnectResponse
		w.bool(m.Success)
	case *RequestVoteRequest:
		t = PacketRequestVoteRequest
		w.int32(int32(m.CandidateID))
		w.int32(int32(m.Term))
		w.int32(int32(m.LastLog.Term))
		w.int32(int32(m.LastLog.Index))
	case *RequestVoteResponse:
		t = PacketRequestVoteResponse
		w.bool(m.VoteGranted)
		w.int32(int32(m.Term))
	case *AppendEntriesRequest:
		t = PacketAppendEntriesRequest
		w.int32(int32(m.Term))
		w.int32(int32(m.LeaderID))
		w.int32(int32(m.LeaderCommit))
		w.int32(int32(m.PrevLog.Term))
		w.int32(int32(m.PrevLog.Index))
		w.int32(int32(len(m.Entries)))
		for _, e := range m.Entries {
			w.int32(int32(e.Term))
			w.bytes(e.Data)
		}
	case *AppendEntriesResponse:
		t = PacketAppendEntriesResponse
		w.bool(m.Success)
		w.int32(int32(m.Term))
	case *InstallSnapshotRequest:
		t = PacketInstallSnapshotRequest
		w.int32(int32(m.Term))
		w.int32(int32(m.LeaderID))
		w.int32(int32(m.LastIncluded.Index))
		w.int32(int32(m.LastIncluded.Term))
	case *SnapshotChunk:
		t = PacketInstallSnapshotChunk
		w.buf = append(w.buf, m.Data...)
	case *InstallSnapshotResponse:
		t = PacketInstallSnapshotResponse
		w.int32(int32(m.Term))
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrInvalidPacket, msg)
	}

	bodyLen := len(w.buf) - packetHeaderSize
	if t == PacketAppendEntriesRequest {
		bodyLen += crcSize
	}
	if bodyLen > maxPacketSize {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds limit", ErrInvalidPacket, bodyLen)
	}

	w.buf[0] = byte(t)
	binary.BigEndian.PutUint32(w.buf[1:packetHeaderSize], uint32(bodyLen))
	if t == PacketAppendEntriesRequest {
		w.buf = binary.BigEndian.AppendUint32(w.buf, crc32.ChecksumIEEE(w.buf))
	}
	return w.buf, nil
}

// WritePacket encodes msg and writes it to w.
func WritePacket(w io.Writer, msg any) error {
	buf, err := EncodePacket(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadPacket reads and decodes one packet. A corrupted AppendEntriesRequest
// yields ErrChecksumMismatch.
func ReadPacket(r io.Reader) (any, error) {
	header := make([]byte, packetHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	t := PacketType(header[0])
	bodyLen := binary.BigEndian.Uint32(header[1:])
	if bodyLen > maxPacketSize {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds limit", ErrInvalidPacket, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return decodePacket(t, header, body)
}

func decodePacket(t PacketType, header, body []byte) (any, error) {
	if t == PacketAppendEntriesRequest {
		if len(body) < crcSize {
			return nil, fmt.Errorf("%w: missing checksum", ErrInvalidPacket)
		}
		payload := body[:len(body)-crcSize]
		want := binary.BigEndian.Uint32(body[len(body)-crcSize:])
		crc := crc32.Update(crc32.ChecksumIEEE(header), crc32.IEEETable, payload)
		if crc != want {
			return nil, ErrChecksumMismatch
		}
		body = payload
	}

	r := &packetReader{buf: body}
	var msg any

	switch t {
	case PacketConnectRequest:
		msg = &ConnectRequest{NodeID: NodeID(r.int32())}
	case PacketConnectResponse:
		msg = &ConnectResponse{Success: r.bool()}
	case PacketRequestVoteRequest:
		m := &RequestVoteRequest{}
		m.CandidateID = NodeID(r.int32())
		m.Term = Term(r.int32())
		m.LastLog.Term = Term(r.int32())
		m.LastLog.Index = int64(r.int32())
		msg = m
	case PacketRequestVoteResponse:
		m := &RequestVoteResponse{}
		m.VoteGranted = r.bool()
		m.Term = Term(r.int32())
		msg = m
	case PacketAppendEntriesRequest:
		m := &AppendEntriesRequest{}
		m.Term = Term(r.int32())
		m.LeaderID = NodeID(r.int32())
		m.LeaderCommit = int64(r.int32())
		m.PrevLog.Term = Term(r.int32())
		m.PrevLog.Index = int64(r.int32())
		count := int(r.int32())
		if count < 0 || count > len(body) {
			return nil, fmt.Errorf("%w: bad entry count %d", ErrInvalidPacket, count)
		}
		if count > 0 {
			m.Entries = make([]LogEntry, 0, count)
		}
		for i := 0; i < count && r.err == nil; i++ {
			term := Term(r.int32())
			data := r.bytes()
			m.Entries = append(m.Entries, LogEntry{Term: term, Data: data})
		}
		msg = m
	case PacketAppendEntriesResponse:
		m := &AppendEntriesResponse{}
		m.Success = r.bool()
		m.Term = Term(r.int32())
		msg = m
	case PacketInstallSnapshotRequest:
		m := &InstallSnapshotRequest{}
		m.Term = Term(r.int32())
		m.LeaderID = NodeID(r.int32())
		m.LastIncluded.Index = int64(r.int32())
		m.LastIncluded.Term = Term(r.int32())
		msg = m
	case PacketInstallSnapshotChunk:
		msg = &SnapshotChunk{Data: body}
		r.off = len(body)
	case PacketInstallSnapshotResponse:
		msg = &InstallSnapshotResponse{Term: Term(r.int32())}
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrInvalidPacket, uint8(t))
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(r.buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes in %s", ErrInvalidPacket, len(r.buf)-r.off, t)
	}
	return msg, nil
}
