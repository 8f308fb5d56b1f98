// Package raft implements the consensus core of taskflux: a replicated log
// and role state machine that lets a small fixed cluster agree on an ordered
// sequence of commands and apply them to an Application.
//
// # Architecture
//
// A Node owns exactly one active role (follower, candidate or leader). Roles
// are swapped with a compare-and-install step, so a background task that
// belongs to a replaced role can never install over its successor. Every
// role has its own cancellation scope which is cancelled on disposal.
//
//   - Followers accept AppendEntries and InstallSnapshot from the leader and
//     vote in elections.
//   - Candidates run scatter/gather RequestVote rounds and only re-ask peers
//     that did not answer.
//   - Leaders drive one replicator per peer. Replicators are woken by
//     heartbeats and new entries and never block a submitter. The leader
//     commits the highest index a majority stored once it belongs to the
//     current term; a submitted command returns once it was applied.
//
// # Persistence
//
// Persistence is the only mutation path to durable state:
//
//	<dataDir>/raft.metadata   current term and vote
//	<dataDir>/raft.snapshot   compacted application state
//	<dataDir>/log/*.log       committed entries, in rotated segments
//
// Entries are appended to an in-memory pending buffer and move to the
// segmented log when committed, so the log on disk holds exactly the
// committed prefix. A truncated or partial record found on startup is
// reported as ErrLogCorrupted.
//
// # Usage
//
//	p, _ := raft.OpenPersistence(dir, raft.DefaultPersistenceOptions(), logger)
//	node, _ := raft.NewNode(cfg, p, raft.NewPeerGroup(peers...), app, logger)
//	node.Start()
//	result, err := node.Submit(ctx, cmd)
//
// Peers talk over TCP with a big-endian packet format (see EncodePacket);
// InMemoryNetwork connects nodes of one process in tests.
package raft
