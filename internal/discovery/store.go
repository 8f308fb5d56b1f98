package discovery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

var (
	// ErrNodeExists is returned when creating a path that already exists.
	ErrNodeExists = errors.New("discovery: node already exists")
	// ErrNoNode is returned when a path does not exist.
	ErrNoNode = errors.New("discovery: node does not exist")
	// ErrNoLeader is returned when no leader is published.
	ErrNoLeader = errors.New("discovery: no leader published")
	// ErrNotConnected is returned when the session never came up.
	ErrNotConnected = errors.New("discovery: not connected")
)

// Store is the part of a coordination service the announcer needs.
type Store interface {
	Exists(path string) (bool, error)
	Get(path string) ([]byte, error)
	Create(path string, data []byte, ephemeral bool) error
	Delete(path string) error
	Close()
}

// ZKStore is a Store backed by a ZooKeeper session.
type ZKStore struct {
	conn *zk.Conn
}

// DialZK opens a ZooKeeper session and waits until it is usable.
func DialZK(servers []string, sessionTimeout time.Duration) (*ZKStore, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	s := &ZKStore{conn: conn}
	if err := s.waitConnected(sessionTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *ZKStore) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := s.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s, state=%v", ErrNotConnected, timeout, st)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Exists reports whether path exists.
func (s *ZKStore) Exists(path string) (bool, error) {
	ok, _, err := s.conn.Exists(path)
	return ok, err
}

// Get returns the data stored at path.
func (s *ZKStore) Get(path string) ([]byte, error) {
	data, _, err := s.conn.Get(path)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, ErrNoNode
	}
	return data, err
}

// Create creates path with data. Ephemeral nodes vanish with the session.
func (s *ZKStore) Create(path string, data []byte, ephemeral bool) error {
	var flags int32
	if ephemeral {
		flags = zk.FlagEphemeral
	}
	_, err := s.conn.Create(path, data, flags, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		return ErrNodeExists
	}
	return err
}

// Delete removes path regardless of its version.
func (s *ZKStore) Delete(path string) error {
	err := s.conn.Delete(path, -1)
	if errors.Is(err, zk.ErrNoNode) {
		return ErrNoNode
	}
	return err
}

// Close ends the session.
func (s *ZKStore) Close() {
	s.conn.Close()
}

// ensurePath creates every persistent component of path.
func ensurePath(store Store, path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, err := store.Exists(cur)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := store.Create(cur, nil, false); err != nil && !errors.Is(err, ErrNodeExists) {
			return err
		}
	}
	return nil
}
