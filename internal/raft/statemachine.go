package raft

// Application is the replicated state machine driven by the committed log.
// Commands and results are opaque to the consensus layer.
type Application interface {
	// Apply executes a command and returns its encoded result.
	Apply(cmd []byte) []byte

	// ApplyNoResponse executes a command whose result nobody waits for,
	// during replay or on followers.
	ApplyNoResponse(cmd []byte)

	// Snapshot serializes the whole application state.
	Snapshot() ([]byte, error)

	// Restore replaces the application state with a snapshot.
	Restore(snapshot []byte) error
}

// ReadOnlyClassifier is implemented by applications that can tell read-only
// commands apart. Read-only commands are applied locally without being
// appended to the log.
type ReadOnlyClassifier interface {
	IsReadOnly(cmd []byte) bool
}
