package raft

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"
)

// clusterMember is one node of an in-memory test cluster.
type clusterMember struct {
	id          NodeID
	dir         string
	node        *Node
	app         *mockApplication
	persistence *Persistence
}

type testCluster struct {
	t       *testing.T
	network *InMemoryNetwork
	opts    PersistenceOptions
	members map[NodeID]*clusterMember
	ids     []NodeID
}

func newTestCluster(t *testing.T, size int, opts PersistenceOptions) *testCluster {
	t.Helper()

	c := &testCluster{
		t:       t,
		network: NewInMemoryNetwork(),
		opts:    opts,
		members: make(map[NodeID]*clusterMember),
	}
	for i := 1; i <= size; i++ {
		c.ids = append(c.ids, NodeID(i))
	}
	for _, id := range c.ids {
		c.members[id] = &clusterMember{id: id, dir: t.TempDir()}
		c.startMember(id)
	}
	t.Cleanup(c.stop)
	return c
}

func (c *testCluster) startMember(id NodeID) {
	c.t.Helper()
	m := c.members[id]

	p, err := OpenPersistence(m.dir, c.opts, nil)
	if err != nil {
		c.t.Fatalf("node %d: OpenPersistence failed: %v", id, err)
	}

	var peers []Peer
	for _, other := range c.ids {
		if other != id {
			peers = append(peers, c.network.Peer(id, other))
		}
	}

	app := newMockApplication()
	n, err := NewNode(NodeConfig{
		ID:               id,
		ElectionTimeout:  60 * time.Millisecond,
		HeartbeatTimeout: 15 * time.Millisecond,
		RequestTimeout:   50 * time.Millisecond,
	}, p, NewPeerGroup(peers...), app, nil)
	if err != nil {
		c.t.Fatalf("node %d: NewNode failed: %v", id, err)
	}
	c.network.Register(id, n)
	if err := n.Start(); err != nil {
		c.t.Fatalf("node %d: Start failed: %v", id, err)
	}

	m.node = n
	m.app = app
	m.persistence = p
}

func (c *testCluster) stopMember(id NodeID) {
	m := c.members[id]
	if m.node == nil {
		return
	}
	m.node.Stop()
	m.persistence.Close()
	m.node = nil
}

func (c *testCluster) stop() {
	for _, id := range c.ids {
		c.stopMember(id)
	}
}

// waitForLeader returns the only leader among connected running nodes.
func (c *testCluster) waitForLeader(exclude ...NodeID) *clusterMember {
	c.t.Helper()

	skip := make(map[NodeID]bool)
	for _, id := range exclude {
		skip[id] = true
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var leaders []*clusterMember
		for _, id := range c.ids {
			m := c.members[id]
			if skip[id] || m.node == nil {
				continue
			}
			if m.node.IsLeader() {
				leaders = append(leaders, m)
			}
		}
		if len(leaders) == 1 {
			return leaders[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatal("no single leader elected")
	return nil
}

// submit retries cmd on whichever node currently leads.
func (c *testCluster) submit(cmd string, exclude ...NodeID) []byte {
	c.t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		leader := c.waitForLeader(exclude...)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		res, err := leader.node.Submit(ctx, []byte(cmd))
		cancel()
		if err == nil {
			return res
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatalf("command %q was never committed", cmd)
	return nil
}

// appState returns the commands reflected in the application state,
// including the ones restored from a snapshot.
func appState(app *mockApplication) []string {
	var out []string
	if restored := app.Restored(); len(restored) > 0 {
		for _, cmd := range bytes.Split(restored, []byte(",")) {
			out = append(out, string(cmd))
		}
	}
	return append(out, app.Applied()...)
}

func (c *testCluster) waitForState(id NodeID, want []string) {
	c.t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	var got []string
	for time.Now().Before(deadline) {
		got = appState(c.members[id].app)
		if equalStrings(got, want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("node %d state = %v, want %v", id, got, want)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestClusterLeaderElection(t *testing.T) {
	c := newTestCluster(t, 3, DefaultPersistenceOptions())

	leader := c.waitForLeader()
	term := leader.node.CurrentTerm()

	waitFor(t, "followers to learn the leader", func() bool {
		for _, id := range c.ids {
			n := c.members[id].node
			if n.LeaderID() != leader.id || n.CurrentTerm() != term {
				return false
			}
		}
		return true
	})
}

func TestClusterLogReplication(t *testing.T) {
	c := newTestCluster(t, 3, DefaultPersistenceOptions())

	var want []string
	for i := 0; i < 5; i++ {
		cmd := fmt.Sprintf("set-%d", i)
		if res := c.submit(cmd); string(res) != "ok:"+cmd {
			t.Errorf("result = %q", res)
		}
		want = append(want, cmd)
	}

	for _, id := range c.ids {
		c.waitForState(id, want)
	}
}

func TestClusterLeaderFailover(t *testing.T) {
	c := newTestCluster(t, 3, DefaultPersistenceOptions())

	c.submit("before")
	old := c.waitForLeader()
	oldTerm := old.node.CurrentTerm()

	c.network.Disconnect(old.id)
	next := c.waitForLeader(old.id)
	if next.node.CurrentTerm() <= oldTerm {
		t.Errorf("new leader term %d not above %d", next.node.CurrentTerm(), oldTerm)
	}

	c.submit("after", old.id)

	c.network.Reconnect(old.id)
	for _, id := range c.ids {
		c.waitForState(id, []string{"before", "after"})
	}
}

func TestClusterMinorityCannotCommit(t *testing.T) {
	c := newTestCluster(t, 3, DefaultPersistenceOptions())

	leader := c.waitForLeader()
	for _, id := range c.ids {
		if id != leader.id {
			c.network.Disconnect(id)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := leader.node.Submit(ctx, []byte("lonely")); err == nil {
		t.Fatal("command committed without a majority")
	}
	if got := leader.app.Applied(); len(got) != 0 {
		t.Errorf("applied = %v", got)
	}
}

func TestClusterRestart(t *testing.T) {
	c := newTestCluster(t, 3, DefaultPersistenceOptions())

	want := []string{"a", "b", "c"}
	for _, cmd := range want {
		c.submit(cmd)
	}
	for _, id := range c.ids {
		c.waitForState(id, want)
	}

	c.stop()
	for _, id := range c.ids {
		c.startMember(id)
	}

	// Everything a node persisted as committed is replayed on start; the
	// rest arrives from the new leader.
	c.submit("d")
	for _, id := range c.ids {
		c.waitForState(id, append(want, "d"))
	}
}

func TestClusterSnapshotCatchUp(t *testing.T) {
	c := newTestCluster(t, 3, PersistenceOptions{
		MaxSegmentSize:         64,
		SegmentsBeforeSnapshot: 1,
	})

	leader := c.waitForLeader()
	var lagging NodeID
	for _, id := range c.ids {
		if id != leader.id {
			lagging = id
			break
		}
	}
	c.network.Disconnect(lagging)

	var want []string
	for i := 0; i < 20; i++ {
		cmd := fmt.Sprintf("entry-%02d", i)
		c.submit(cmd, lagging)
		want = append(want, cmd)
	}

	waitFor(t, "log compaction", func() bool {
		for _, id := range c.ids {
			if id == lagging {
				continue
			}
			if _, ok := c.members[id].persistence.TryGetSnapshot(); !ok {
				return false
			}
		}
		return true
	})

	c.network.Reconnect(lagging)
	c.waitForState(lagging, want)

	if c.members[lagging].app.Restored() == nil {
		t.Error("lagging node caught up without a snapshot")
	}
}

func TestClusterDownFollowerDoesNotStallLeader(t *testing.T) {
	c := newTestCluster(t, 3, DefaultPersistenceOptions())

	leader := c.waitForLeader()
	var down NodeID
	for _, id := range c.ids {
		if id != leader.id {
			down = id
			break
		}
	}
	c.network.Disconnect(down)

	var want []string
	for i := 0; i < 50; i++ {
		cmd := fmt.Sprintf("cmd-%02d", i)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		res, err := leader.node.Submit(ctx, []byte(cmd))
		cancel()
		if err != nil {
			t.Fatalf("Submit %d with one follower down failed: %v", i, err)
		}
		if string(res) != "ok:"+cmd {
			t.Errorf("result = %q", res)
		}
		want = append(want, cmd)
	}

	c.network.Reconnect(down)
	c.submit("tail")
	want = append(want, "tail")
	for _, id := range c.ids {
		c.waitForState(id, want)
	}
}
