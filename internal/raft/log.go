package raft

import (
	"encoding/binary"
	"fmt"
)

// LogEntry is one replicated command. Data is opaque to the consensus layer.
type LogEntry struct {
	Term Term
	Data []byte
}

func (e LogEntry) String() string {
	return fmt.Sprintf("entry(term=%d, %d bytes)", e.Term, len(e.Data))
}

// On-disk log file layout (little-endian):
//
//	header: [magic:4][version:4]
//	record: [term:4][length:4][payload:length]
const (
	logFileMagic      uint32 = 0x54464C47
	logFileVersion    uint32 = 1
	logHeaderSize            = 8
	recordHeaderSize         = 8
	maxLogRecordBytes        = 64 * 1024 * 1024
)

func encodeLogHeader() []byte {
	buf := make([]byte, logHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], logFileMagic)
	binary.LittleEndian.PutUint32(buf[4:8], logFileVersion)
	return buf
}

func checkLogHeader(buf []byte) error {
	if len(buf) < logHeaderSize {
		return fmt.Errorf("%w: short header", ErrLogCorrupted)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != logFileMagic {
		return fmt.Errorf("%w: bad magic %#x", ErrLogCorrupted, magic)
	}
	if version := binary.LittleEndian.Uint32(buf[4:8]); version != logFileVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrLogCorrupted, version)
	}
	return nil
}

// appendRecord appends the encoded form of e to dst.
func appendRecord(dst []byte, e LogEntry) []byte {
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(e.Term))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(e.Data)))
	dst = append(dst, hdr[:]...)
	return append(dst, e.Data...)
}

func decodeRecordHeader(buf []byte) (Term, int32) {
	return Term(int32(binary.LittleEndian.Uint32(buf[0:4]))), int32(binary.LittleEndian.Uint32(buf[4:8]))
}
