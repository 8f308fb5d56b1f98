// Package logging provides structured logging for the taskflux node.
//
// Loggers are built on log/slog handlers and exposed through the small Logger
// interface so that every subsystem receives its logger explicitly:
//
//	logger := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "stdout",
//	})
//	raftLogger := logger.WithSource("raft").WithFields("node", 1)
//
// Tests use logging.NewNop.
package logging
