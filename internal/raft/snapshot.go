package raft

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Snapshot file layout (little-endian):
//
//	[magic:4][lastIncludedIndex:8][lastIncludedTerm:4][payload...]
const (
	snapshotMagic      uint32 = 0x54465350
	snapshotHeaderSize        = 16
	snapshotFileName          = "raft.snapshot"
	snapshotTempSuffix        = ".tmp"
)

// SnapshotFile is the durable container of the latest compacted application state.
type SnapshotFile struct {
	path         string
	lastIncluded LogPosition
	exists       bool
}

// OpenSnapshotFile loads the snapshot header from dir, if a snapshot exists.
// A leftover temporary file from an interrupted write is removed.
func OpenSnapshotFile(dir string) (*SnapshotFile, error) {
	s := &SnapshotFile{path: filepath.Join(dir, snapshotFileName)}

	if err := os.Remove(s.path + snapshotTempSuffix); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return s, nil
	}

	pos, err := readSnapshotHeader(f)
	if err != nil {
		return nil, err
	}
	s.lastIncluded = pos
	s.exists = true
	return s, nil
}

func encodeSnapshotHeader(pos LogPosition) []byte {
	buf := make([]byte, snapshotHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], snapshotMagic)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(pos.Index))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(pos.Term))
	return buf
}

func readSnapshotHeader(r io.Reader) (LogPosition, error) {
	buf := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return LogPosition{}, fmt.Errorf("%w: read header: %v", ErrSnapshotCorrupted, err)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != snapshotMagic {
		return LogPosition{}, fmt.Errorf("%w: bad magic %#x", ErrSnapshotCorrupted, magic)
	}
	return LogPosition{
		Index: int64(binary.LittleEndian.Uint64(buf[4:12])),
		Term:  Term(int32(binary.LittleEndian.Uint32(buf[12:16]))),
	}, nil
}

// LastIncluded returns the position covered by the snapshot.
func (s *SnapshotFile) LastIncluded() (LogPosition, bool) {
	return s.lastIncluded, s.exists
}

// OpenPayload returns a reader over the snapshot payload.
func (s *SnapshotFile) OpenPayload() (io.ReadCloser, error) {
	if !s.exists {
		return nil, os.ErrNotExist
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(snapshotHeaderSize, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// ReadPayload reads the whole snapshot payload.
func (s *SnapshotFile) ReadPayload() ([]byte, error) {
	r, err := s.OpenPayload()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// createTemp starts a new snapshot in the temporary file.
func (s *SnapshotFile) createTemp(pos LogPosition) (*snapshotWriter, error) {
	tmp := s.path + snapshotTempSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(encodeSnapshotHeader(pos)); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}
	return &snapshotWriter{parent: s, file: f, pos: pos}, nil
}

// snapshotWriter fills the temporary snapshot file; Save publishes it with
// a rename so a reader never observes a partial snapshot.
type snapshotWriter struct {
	parent *SnapshotFile
	file   *os.File
	pos    LogPosition
	done   bool
}

func (w *snapshotWriter) writeChunk(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := w.file.Write(chunk)
	return err
}

func (w *snapshotWriter) save() error {
	if w.done {
		return ErrSnapshotFailed
	}
	w.done = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.file.Name())
		return err
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.file.Name())
		return err
	}
	if err := os.Rename(w.file.Name(), w.parent.path); err != nil {
		os.Remove(w.file.Name())
		return err
	}

	w.parent.lastIncluded = w.pos
	w.parent.exists = true
	return nil
}

func (w *snapshotWriter) discard() {
	if w.done {
		return
	}
	w.done = true
	w.file.Close()
	os.Remove(w.file.Name())
}
