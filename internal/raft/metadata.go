package raft

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// Metadata file layout (little-endian): [magic:4][term:4][votedFor:4]
const (
	metadataMagic    uint32 = 0x54464D44
	metadataSize            = 12
	metadataFileName        = "raft.metadata"
)

// MetadataFile durably stores the current term and the vote cast in it.
type MetadataFile struct {
	file     *os.File
	term     Term
	votedFor NodeID
}

// OpenMetadataFile opens or creates the metadata file in dir.
// A new file starts at StartTerm with no vote.
func OpenMetadataFile(dir string) (*MetadataFile, error) {
	path := filepath.Join(dir, metadataFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	m := &MetadataFile{file: f, term: StartTerm, votedFor: NoVote}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := m.Update(StartTerm, NoVote); err != nil {
			f.Close()
			return nil, err
		}
		return m, nil
	}

	buf := make([]byte, metadataSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrMetadataCorrupted, err)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != metadataMagic {
		f.Close()
		return nil, fmt.Errorf("%w: bad magic %#x", ErrMetadataCorrupted, magic)
	}
	m.term = Term(int32(binary.LittleEndian.Uint32(buf[4:8])))
	m.votedFor = NodeID(int32(binary.LittleEndian.Uint32(buf[8:12])))
	return m, nil
}

// Term returns the stored term.
func (m *MetadataFile) Term() Term {
	return m.term
}

// VotedFor returns the stored vote or NoVote.
func (m *MetadataFile) VotedFor() NodeID {
	return m.votedFor
}

// Update overwrites the term and vote and syncs the file before returning.
func (m *MetadataFile) Update(term Term, votedFor NodeID) error {
	buf := make([]byte, metadataSize)
	binary.LittleEndian.PutUint32(buf[0:4], metadataMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(term))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(votedFor))

	if _, err := m.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("sync metadata: %w", err)
	}
	m.term = term
	m.votedFor = votedFor
	return nil
}

// Close closes the file.
func (m *MetadataFile) Close() error {
	return m.file.Close()
}
