// Package discovery publishes the current leader's client address to
// ZooKeeper.
//
// While a node is the leader it holds the ephemeral znode <root>/leader
// containing its HTTP address. The node is removed when leadership is lost
// and expires with the ZooKeeper session if the process dies, so clients can
// always find the active leader by reading a single path.
package discovery
