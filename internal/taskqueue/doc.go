// Package taskqueue is the replicated application run by every taskflux
// node: a set of named priority queues mutated only through commands that
// went through the consensus log.
//
// Commands and results travel as compact big-endian byte strings. The first
// byte of a command names its type:
//
//	1 CreateQueue   name, maxSize, maxPayloadSize, priority range
//	2 DeleteQueue   name
//	3 Enqueue       name, priority, payload
//	4 Dequeue       name
//	5 Count         name        (read-only)
//	6 ListQueues                (read-only)
//
// Application implements raft.Application. Its snapshot is an Avro record
// holding every queue and its items in dequeue order, optionally compressed
// with zstd.
package taskqueue
