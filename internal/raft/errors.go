package raft

import "errors"

// Raft errors.
var (
	// ErrNotLeader is returned when a write command is submitted to a non-leader node.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrLeadershipLost is returned to a waiting submitter when the node stops
	// being leader before its command was committed.
	ErrLeadershipLost = errors.New("raft: leadership lost")

	// ErrNodeStopped is returned when an operation is attempted on a stopped node.
	ErrNodeStopped = errors.New("raft: node stopped")

	// ErrLogCorrupted is returned when a log segment fails validation.
	ErrLogCorrupted = errors.New("raft: log corrupted")

	// ErrLogIndexOutOfRange is returned when accessing an invalid log index.
	ErrLogIndexOutOfRange = errors.New("raft: log index out of range")

	// ErrMetadataCorrupted is returned when the metadata file fails validation.
	ErrMetadataCorrupted = errors.New("raft: metadata corrupted")

	// ErrSnapshotCorrupted is returned when the snapshot file fails validation.
	ErrSnapshotCorrupted = errors.New("raft: snapshot corrupted")

	// ErrSnapshotFailed is returned when writing a snapshot fails.
	ErrSnapshotFailed = errors.New("raft: snapshot failed")

	// ErrRestoreFailed is returned when the application cannot be restored.
	ErrRestoreFailed = errors.New("raft: restore failed")

	// ErrChecksumMismatch is returned when a received packet fails its CRC check.
	ErrChecksumMismatch = errors.New("raft: packet checksum mismatch")

	// ErrInvalidPacket is returned when a packet cannot be decoded.
	ErrInvalidPacket = errors.New("raft: invalid packet")

	// ErrTransportClosed is returned when the transport is closed.
	ErrTransportClosed = errors.New("raft: transport closed")

	// ErrConnectFailed is returned when connecting to a peer fails.
	ErrConnectFailed = errors.New("raft: connection failed")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("raft: invalid configuration")
)
