package raft

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/KilimcininKorOglu/taskflux/internal/logging"
)

// PersistenceOptions configures the durable stores.
type PersistenceOptions struct {
	// MaxSegmentSize is the size at which the tail log segment is sealed.
	MaxSegmentSize int64
	// SegmentsBeforeSnapshot is the number of sealed, committed segments
	// that makes ShouldCreateSnapshot report true.
	SegmentsBeforeSnapshot int
}

// DefaultPersistenceOptions returns the default store settings.
func DefaultPersistenceOptions() PersistenceOptions {
	return PersistenceOptions{
		MaxSegmentSize:         16 * 1024 * 1024,
		SegmentsBeforeSnapshot: 5,
	}
}

// Persistence is the single mutation path to durable consensus state: the
// segmented log, the metadata file and the snapshot file. Appended entries
// stay in an in-memory pending buffer until Commit moves them into the log,
// so the durable log holds exactly the committed prefix.
type Persistence struct {
	mu sync.Mutex

	log      *SegmentedLog
	metadata *MetadataFile
	snapshot *SnapshotFile

	// pending holds entries at indices commitIndex+1 onwards.
	pending     []LogEntry
	commitIndex int64

	opts   PersistenceOptions
	logger logging.Logger
}

// OpenPersistence opens (or initializes) the stores under dataDir.
func OpenPersistence(dataDir string, opts PersistenceOptions, logger logging.Logger) (*Persistence, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	metadata, err := OpenMetadataFile(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}

	snapshot, err := OpenSnapshotFile(dataDir)
	if err != nil {
		metadata.Close()
		return nil, fmt.Errorf("open snapshot: %w", err)
	}

	log, err := OpenSegmentedLog(filepath.Join(dataDir, "log"), opts.MaxSegmentSize, logger)
	if err != nil {
		metadata.Close()
		return nil, fmt.Errorf("open log: %w", err)
	}

	p := &Persistence{
		log:      log,
		metadata: metadata,
		snapshot: snapshot,
		opts:     opts,
		logger:   logger,
	}

	if err := p.reconcileSnapshot(); err != nil {
		p.Close()
		return nil, err
	}
	p.commitIndex = p.log.LastIndex()

	logger.Info("persistence opened",
		"term", metadata.Term(),
		"commitIndex", p.commitIndex,
		"logStart", p.log.StartIndex(),
	)
	return p, nil
}

// reconcileSnapshot finishes a compaction interrupted between saving the
// snapshot and trimming the log, and rejects a log that does not line up
// with the snapshot.
func (p *Persistence) reconcileSnapshot() error {
	pos, ok := p.snapshot.LastIncluded()
	if !ok {
		if p.log.StartIndex() != 0 {
			return fmt.Errorf("%w: log starts at %d without a snapshot", ErrLogCorrupted, p.log.StartIndex())
		}
		return nil
	}

	start := p.log.StartIndex()
	if start > pos.Index+1 {
		return fmt.Errorf("%w: log starts at %d after snapshot index %d", ErrLogCorrupted, start, pos.Index)
	}
	if start <= pos.Index {
		p.logger.Info("trimming log covered by snapshot", "snapshotIndex", pos.Index, "logStart", start)
		return p.log.DeleteUntil(pos.Index)
	}
	return nil
}

// CurrentTerm returns the persisted term.
func (p *Persistence) CurrentTerm() Term {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadata.Term()
}

// VotedFor returns the persisted vote for the current term.
func (p *Persistence) VotedFor() NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadata.VotedFor()
}

// UpdateState durably records a new term and vote.
func (p *Persistence) UpdateState(term Term, votedFor NodeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadata.Update(term, votedFor)
}

// CommitIndex returns the index of the last committed entry, or TombIndex.
func (p *Persistence) CommitIndex() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commitIndex
}

// LastEntry returns the position of the last entry including pending entries
// and the snapshot boundary.
func (p *Persistence) LastEntry() LogPosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastEntryLocked()
}

func (p *Persistence) lastEntryLocked() LogPosition {
	if n := len(p.pending); n > 0 {
		return LogPosition{Term: p.pending[n-1].Term, Index: p.commitIndex + int64(n)}
	}
	if pos, ok := p.log.LastPosition(); ok {
		return pos
	}
	if pos, ok := p.snapshot.LastIncluded(); ok {
		return pos
	}
	return TombPosition
}

func (p *Persistence) lastIndexLocked() int64 {
	return p.commitIndex + int64(len(p.pending))
}

func (p *Persistence) termAtLocked(index int64) (Term, bool) {
	if index < 0 {
		return 0, false
	}
	if index > p.commitIndex {
		off := index - p.commitIndex - 1
		if off >= int64(len(p.pending)) {
			return 0, false
		}
		return p.pending[off].Term, true
	}
	if term, ok := p.log.TermAt(index); ok {
		return term, true
	}
	if pos, ok := p.snapshot.LastIncluded(); ok && pos.Index == index {
		return pos.Term, true
	}
	return 0, false
}

// EntryInfo returns the position of the entry at index. TombIndex yields
// TombPosition.
func (p *Persistence) EntryInfo(index int64) (LogPosition, bool) {
	if index == TombIndex {
		return TombPosition, true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	term, ok := p.termAtLocked(index)
	if !ok {
		return LogPosition{}, false
	}
	return LogPosition{Term: term, Index: index}, true
}

// IsUpToDate reports whether a log ending at prefix is at least as up to
// date as this one.
func (p *Persistence) IsUpToDate(prefix LogPosition) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastEntryLocked().AtLeastAsUpToDate(prefix)
}

// PrefixMatch reports whether this log contains an entry matching prefix.
// The tomb position matches only a log that still starts at index 0.
func (p *Persistence) PrefixMatch(prefix LogPosition) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if term, ok := p.termAtLocked(prefix.Index); ok {
		return term == prefix.Term
	}
	if prefix.IsTomb() {
		return p.log.StartIndex() == 0
	}
	// Positions compacted into the snapshot are committed and therefore
	// match any legitimate leader's log.
	return prefix.Index < p.log.StartIndex()
}

// Append adds an entry to the pending buffer and returns its index.
func (p *Persistence) Append(entry LogEntry) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, entry)
	index := p.lastIndexLocked()
	p.logger.Debug("entry appended", "index", index, "term", entry.Term)
	return index
}

// InsertRange writes entries starting at startIndex, discarding pending
// entries at and after that point. Committed entries are never replaced;
// the part of entries that overlaps the committed prefix is skipped.
func (p *Persistence) InsertRange(entries []LogEntry, startIndex int64) error {
	if len(entries) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if startIndex <= p.commitIndex {
		skip := p.commitIndex + 1 - startIndex
		if skip >= int64(len(entries)) {
			return nil
		}
		entries = entries[skip:]
		startIndex = p.commitIndex + 1
	}

	off := startIndex - p.commitIndex - 1
	if off > int64(len(p.pending)) {
		return fmt.Errorf("%w: insert at %d beyond last index %d",
			ErrLogIndexOutOfRange, startIndex, p.lastIndexLocked())
	}

	pending := make([]LogEntry, 0, off+int64(len(entries)))
	pending = append(pending, p.pending[:off]...)
	p.pending = append(pending, entries...)

	p.logger.Debug("entries inserted", "start", startIndex, "count", len(entries))
	return nil
}

// TryGetFrom returns up to limit entries starting at index. It reports false
// when index precedes the log start, meaning the entries only survive in the
// snapshot.
func (p *Persistence) TryGetFrom(index int64, limit int) ([]LogEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < p.log.StartIndex() {
		return nil, false
	}

	last := p.lastIndexLocked()
	if index > last {
		return nil, true
	}
	end := last
	if limit > 0 && end-index+1 > int64(limit) {
		end = index + int64(limit) - 1
	}

	entries := make([]LogEntry, 0, end-index+1)
	if index <= p.commitIndex {
		to := p.commitIndex
		if end < to {
			to = end
		}
		durable, err := p.log.ReadRange(index, to)
		if err != nil {
			p.logger.Error("failed to read log range", "from", index, "to", to, "error", err)
			return nil, true
		}
		entries = append(entries, durable...)
	}
	for i := max(index, p.commitIndex+1); i <= end; i++ {
		entries = append(entries, p.pending[i-p.commitIndex-1])
	}
	return entries, true
}

// ReadCommitted returns the committed entries in [from, to].
func (p *Persistence) ReadCommitted(from, to int64) ([]LogEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if to > p.commitIndex {
		return nil, ErrLogIndexOutOfRange
	}
	return p.log.ReadRange(from, to)
}

// Commit makes every pending entry at or below index durable. An index
// beyond the last entry commits everything that is pending.
func (p *Persistence) Commit(index int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index <= p.commitIndex {
		return nil
	}
	if last := p.lastIndexLocked(); index > last {
		index = last
	}

	n := index - p.commitIndex
	if err := p.log.Append(p.pending[:n]); err != nil {
		return fmt.Errorf("commit %d: %w", index, err)
	}

	rest := make([]LogEntry, len(p.pending)-int(n))
	copy(rest, p.pending[n:])
	p.pending = rest
	p.commitIndex = index
	return nil
}

// ShouldCreateSnapshot reports whether enough committed segments accumulated
// since the last snapshot to warrant compaction.
func (p *Persistence) ShouldCreateSnapshot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.SegmentsBeforeSnapshot <= 0 {
		return false
	}
	return p.log.SegmentsBefore(p.commitIndex) >= p.opts.SegmentsBeforeSnapshot
}

// TryGetSnapshot returns the position covered by the stored snapshot.
func (p *Persistence) TryGetSnapshot() (LogPosition, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot.LastIncluded()
}

// OpenSnapshot returns the stored snapshot position and a payload reader.
func (p *Persistence) OpenSnapshot() (LogPosition, io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.snapshot.LastIncluded()
	if !ok {
		return LogPosition{}, nil, os.ErrNotExist
	}
	r, err := p.snapshot.OpenPayload()
	if err != nil {
		return LogPosition{}, nil, err
	}
	return pos, r, nil
}

// ReadSnapshot returns the stored snapshot payload.
func (p *Persistence) ReadSnapshot() ([]byte, LogPosition, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.snapshot.LastIncluded()
	if !ok {
		return nil, LogPosition{}, false, nil
	}
	data, err := p.snapshot.ReadPayload()
	if err != nil {
		return nil, LogPosition{}, false, err
	}
	return data, pos, true, nil
}

// ReadCommittedDeltaFromPreviousSnapshot returns the payloads of committed
// entries that follow the snapshot, in log order.
func (p *Persistence) ReadCommittedDeltaFromPreviousSnapshot() ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.commitIndex == TombIndex {
		return nil, nil
	}

	start := p.log.StartIndex()
	if pos, ok := p.snapshot.LastIncluded(); ok && pos.Index+1 > start {
		start = pos.Index + 1
	}
	if p.commitIndex < start {
		return nil, nil
	}

	entries, err := p.log.ReadRange(start, p.commitIndex)
	if err != nil {
		return nil, err
	}
	data := make([][]byte, len(entries))
	for i, e := range entries {
		data[i] = e.Data
	}
	return data, nil
}

// CreateSnapshot starts writing a snapshot that covers the log up to and
// including lastIncluded.
func (p *Persistence) CreateSnapshot(lastIncluded LogPosition) (*SnapshotInstaller, error) {
	p.mu.Lock()
	w, err := p.snapshot.createTemp(lastIncluded)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}

	p.logger.Debug("snapshot started", "lastIncluded", lastIncluded.String())
	return &SnapshotInstaller{parent: p, writer: w}, nil
}

// SnapshotInstaller writes a snapshot in two phases: chunks go to a temporary
// file, Commit publishes it and compacts the log, Discard throws it away.
type SnapshotInstaller struct {
	parent *Persistence
	writer *snapshotWriter
}

// InstallChunk appends a chunk of snapshot payload.
func (i *SnapshotInstaller) InstallChunk(ctx context.Context, chunk []byte) error {
	if err := i.writer.writeChunk(ctx, chunk); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}
	return nil
}

// Commit atomically replaces the stored snapshot and deletes the log prefix
// it covers. When the snapshot reaches past the local commit index the local
// log is reset to start right after it. A snapshot that does not move past
// the stored one is discarded and the stored state is left untouched.
func (i *SnapshotInstaller) Commit() error {
	p := i.parent
	p.mu.Lock()
	defer p.mu.Unlock()

	pos := i.writer.pos
	if stored, ok := p.snapshot.LastIncluded(); ok && pos.Index <= stored.Index {
		i.writer.discard()
		p.logger.Debug("stale snapshot ignored",
			"lastIncluded", pos.String(),
			"stored", stored.String(),
		)
		return nil
	}

	if err := i.writer.save(); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotFailed, err)
	}

	if pos.Index > p.commitIndex {
		off := pos.Index - p.commitIndex - 1
		if off < int64(len(p.pending)) && p.pending[off].Term == pos.Term {
			rest := make([]LogEntry, int64(len(p.pending))-off-1)
			copy(rest, p.pending[off+1:])
			p.pending = rest
		} else {
			p.pending = nil
		}
		p.commitIndex = pos.Index
	}

	if err := p.log.DeleteUntil(pos.Index); err != nil {
		return fmt.Errorf("compact log: %w", err)
	}

	p.logger.Info("snapshot installed",
		"lastIncluded", pos.String(),
		"logStart", p.log.StartIndex(),
	)
	return nil
}

// Discard removes the temporary snapshot file.
func (i *SnapshotInstaller) Discard() {
	i.parent.mu.Lock()
	defer i.parent.mu.Unlock()
	i.writer.discard()
}

// Close closes all files.
func (p *Persistence) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	if err := p.log.Close(); err != nil {
		firstErr = err
	}
	if err := p.metadata.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
