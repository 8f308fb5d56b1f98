package raft

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/KilimcininKorOglu/taskflux/internal/logging"
)

const (
	segmentExt     = ".log"
	segmentTempExt = ".tmp"
)

// recordInfo locates one record inside a segment file.
type recordInfo struct {
	term   Term
	offset int64 // offset of the payload
	length int32
}

type segment struct {
	startIndex int64
	path       string
	file       *os.File
	records    []recordInfo
	size       int64
}

func (s *segment) lastIndex() int64 {
	return s.startIndex + int64(len(s.records)) - 1
}

func (s *segment) contains(index int64) bool {
	return index >= s.startIndex && index <= s.lastIndex()
}

// SegmentedLog is the durable part of the replicated log. Entries are stored in
// rotated segment files named after the index of their first entry; an in-memory
// index of every record is rebuilt by scanning the files on open.
type SegmentedLog struct {
	dir            string
	maxSegmentSize int64
	segments       []*segment
	logger         logging.Logger
}

// OpenSegmentedLog opens or creates the log stored in dir.
// Any structural damage, including a partially written trailing record,
// results in ErrLogCorrupted.
func OpenSegmentedLog(dir string, maxSegmentSize int64, logger logging.Logger) (*SegmentedLog, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	l := &SegmentedLog{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		logger:         logger,
	}

	starts, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	for i, start := range starts {
		seg, err := openSegment(dir, start, i == len(starts)-1)
		if err != nil {
			l.Close()
			return nil, err
		}
		if n := len(l.segments); n > 0 {
			prev := l.segments[n-1]
			// A rewrite of prev's suffix finished but prev itself was not removed.
			if seg.startIndex > prev.startIndex && seg.startIndex <= prev.lastIndex() && seg.lastIndex() == prev.lastIndex() {
				prev.file.Close()
				if err := os.Remove(prev.path); err != nil {
					seg.file.Close()
					l.Close()
					return nil, err
				}
				l.segments = l.segments[:n-1]
			} else if prev.lastIndex()+1 != seg.startIndex {
				seg.file.Close()
				l.Close()
				return nil, fmt.Errorf("%w: gap between segment %d and %d",
					ErrLogCorrupted, prev.startIndex, seg.startIndex)
			}
		}
		l.segments = append(l.segments, seg)
	}

	if len(l.segments) == 0 {
		seg, err := createSegment(dir, 0)
		if err != nil {
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}

	logger.Debug("log opened",
		"segments", len(l.segments),
		"start", l.StartIndex(),
		"last", l.LastIndex(),
	)
	return l, nil
}

func segmentName(start int64) string {
	return fmt.Sprintf("%020d%s", start, segmentExt)
}

func listSegments(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var starts []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		// A rewrite interrupted before its rename leaves a partial copy.
		if strings.HasSuffix(name, segmentExt+segmentTempExt) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return nil, err
			}
			continue
		}
		if !strings.HasSuffix(name, segmentExt) {
			continue
		}
		start, err := strconv.ParseInt(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			continue
		}
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}

func createSegment(dir string, start int64) (*segment, error) {
	return createSegmentFile(filepath.Join(dir, segmentName(start)), start)
}

func createSegmentFile(path string, start int64) (*segment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteAt(encodeLogHeader(), 0); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	return &segment{startIndex: start, path: path, file: f, size: logHeaderSize}, nil
}

// openSegment opens the segment starting at start. The tail segment may have
// been cut while its header was written; such a segment holds no records and
// gets a fresh header.
func openSegment(dir string, start int64, tail bool) (*segment, error) {
	path := filepath.Join(dir, segmentName(start))
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	seg := &segment{startIndex: start, path: path, file: f}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if tail && info.Size() < logHeaderSize {
		if err := repairHeader(f); err != nil {
			f.Close()
			return nil, err
		}
	}

	if err := seg.scan(); err != nil {
		f.Close()
		return nil, fmt.Errorf("segment %s: %w", filepath.Base(path), err)
	}
	return seg, nil
}

func repairHeader(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(encodeLogHeader(), 0); err != nil {
		return err
	}
	return f.Sync()
}

// scan rebuilds the record index of the segment.
func (s *segment) scan() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(s.file)

	header := make([]byte, logHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("%w: read header: %v", ErrLogCorrupted, err)
	}
	if err := checkLogHeader(header); err != nil {
		return err
	}

	offset := int64(logHeaderSize)
	var hdr [recordHeaderSize]byte
	for {
		_, err := io.ReadFull(r, hdr[:])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: truncated record header at offset %d", ErrLogCorrupted, offset)
		}

		term, length := decodeRecordHeader(hdr[:])
		if length < 0 || length > maxLogRecordBytes {
			return fmt.Errorf("%w: invalid record length %d at offset %d", ErrLogCorrupted, length, offset)
		}
		if n, err := r.Discard(int(length)); err != nil || n != int(length) {
			return fmt.Errorf("%w: truncated record payload at offset %d", ErrLogCorrupted, offset)
		}

		s.records = append(s.records, recordInfo{
			term:   term,
			offset: offset + recordHeaderSize,
			length: length,
		})
		offset += recordHeaderSize + int64(length)
	}

	s.size = offset
	return nil
}

func (s *segment) read(index int64) (LogEntry, error) {
	rec := s.records[index-s.startIndex]
	data := make([]byte, rec.length)
	if _, err := s.file.ReadAt(data, rec.offset); err != nil {
		return LogEntry{}, fmt.Errorf("read entry %d: %w", index, err)
	}
	return LogEntry{Term: rec.term, Data: data}, nil
}

func (l *SegmentedLog) tail() *segment {
	return l.segments[len(l.segments)-1]
}

// StartIndex returns the index of the first entry the log can hold.
func (l *SegmentedLog) StartIndex() int64 {
	return l.segments[0].startIndex
}

// LastIndex returns the index of the last stored entry, or StartIndex()-1 when empty.
func (l *SegmentedLog) LastIndex() int64 {
	return l.tail().lastIndex()
}

// Len returns the number of stored entries.
func (l *SegmentedLog) Len() int64 {
	return l.LastIndex() - l.StartIndex() + 1
}

// LastPosition returns the position of the last stored entry.
func (l *SegmentedLog) LastPosition() (LogPosition, bool) {
	last := l.LastIndex()
	term, ok := l.TermAt(last)
	if !ok {
		return LogPosition{}, false
	}
	return LogPosition{Term: term, Index: last}, true
}

func (l *SegmentedLog) find(index int64) *segment {
	i := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].lastIndex() >= index
	})
	if i == len(l.segments) || !l.segments[i].contains(index) {
		return nil
	}
	return l.segments[i]
}

// TermAt returns the term of the entry at index.
func (l *SegmentedLog) TermAt(index int64) (Term, bool) {
	seg := l.find(index)
	if seg == nil {
		return 0, false
	}
	return seg.records[index-seg.startIndex].term, true
}

// EntryAt reads the entry at index.
func (l *SegmentedLog) EntryAt(index int64) (LogEntry, error) {
	seg := l.find(index)
	if seg == nil {
		return LogEntry{}, ErrLogIndexOutOfRange
	}
	return seg.read(index)
}

// ReadRange reads the entries in [from, to].
func (l *SegmentedLog) ReadRange(from, to int64) ([]LogEntry, error) {
	if from > to {
		return nil, nil
	}
	if from < l.StartIndex() || to > l.LastIndex() {
		return nil, ErrLogIndexOutOfRange
	}

	entries := make([]LogEntry, 0, to-from+1)
	for i := from; i <= to; i++ {
		e, err := l.EntryAt(i)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *segment) append(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var buf []byte
	records := make([]recordInfo, 0, len(entries))
	offset := s.size
	for _, e := range entries {
		buf = appendRecord(buf, e)
		records = append(records, recordInfo{
			term:   e.Term,
			offset: offset + recordHeaderSize,
			length: int32(len(e.Data)),
		})
		offset += recordHeaderSize + int64(len(e.Data))
	}

	if _, err := s.file.WriteAt(buf, s.size); err != nil {
		return fmt.Errorf("write segment: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	s.records = append(s.records, records...)
	s.size = offset
	return nil
}

// Append writes entries after the last stored entry and syncs the segment.
// A new segment is started once the tail grows past the size limit.
func (l *SegmentedLog) Append(entries []LogEntry) error {
	seg := l.tail()
	if err := seg.append(entries); err != nil {
		return err
	}

	if l.maxSegmentSize > 0 && seg.size >= l.maxSegmentSize {
		next, err := createSegment(l.dir, seg.lastIndex()+1)
		if err != nil {
			return fmt.Errorf("rotate segment: %w", err)
		}
		l.segments = append(l.segments, next)
		l.logger.Debug("log segment rotated", "start", next.startIndex)
	}
	return nil
}

// SegmentsBefore returns the number of sealed segments whose entries all lie
// at or below index.
func (l *SegmentedLog) SegmentsBefore(index int64) int {
	count := 0
	for _, seg := range l.segments[:len(l.segments)-1] {
		if seg.lastIndex() <= index {
			count++
		}
	}
	return count
}

// DeleteUntil removes every entry at or below index. Afterwards the log
// starts at index+1; a segment straddling the boundary is rewritten.
func (l *SegmentedLog) DeleteUntil(index int64) error {
	if index < l.StartIndex() {
		return nil
	}

	var keep []*segment
	var straddling *segment
	for _, seg := range l.segments {
		switch {
		case seg.lastIndex() <= index:
			seg.file.Close()
			if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
				return err
			}
		case seg.startIndex <= index:
			straddling = seg
		default:
			keep = append(keep, seg)
		}
	}

	if straddling != nil {
		seg, err := l.rewriteFrom(straddling, index+1)
		if err != nil {
			return err
		}
		keep = append([]*segment{seg}, keep...)
	}

	if len(keep) == 0 {
		seg, err := createSegment(l.dir, index+1)
		if err != nil {
			return err
		}
		keep = []*segment{seg}
	}
	l.segments = keep
	return nil
}

// rewriteFrom copies the entries of old starting at start into a new segment.
// The copy is completed under a temporary name before old is removed.
func (l *SegmentedLog) rewriteFrom(old *segment, start int64) (*segment, error) {
	remaining := make([]LogEntry, 0, old.lastIndex()-start+1)
	for i := start; i <= old.lastIndex(); i++ {
		e, err := old.read(i)
		if err != nil {
			return nil, err
		}
		remaining = append(remaining, e)
	}

	final := filepath.Join(l.dir, segmentName(start))
	seg, err := createSegmentFile(final+segmentTempExt, start)
	if err != nil {
		return nil, err
	}
	if err := seg.append(remaining); err != nil {
		seg.file.Close()
		os.Remove(seg.path)
		return nil, err
	}
	if err := os.Rename(seg.path, final); err != nil {
		seg.file.Close()
		os.Remove(seg.path)
		return nil, err
	}
	seg.path = final

	old.file.Close()
	if err := os.Remove(old.path); err != nil {
		return nil, err
	}
	return seg, nil
}

// Close releases all segment files.
func (l *SegmentedLog) Close() error {
	var firstErr error
	for _, seg := range l.segments {
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
