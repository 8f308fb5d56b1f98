package discovery

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/KilimcininKorOglu/taskflux/internal/logging"
)

// LeaderPath returns the znode holding the leader address under root.
func LeaderPath(root string) string {
	return path.Join("/", root, "leader")
}

// LeaderSource reports whether the local node leads the cluster.
type LeaderSource interface {
	IsLeader() bool
}

// Announcer keeps the leader znode in line with the local role.
type Announcer struct {
	store    Store
	root     string
	address  string
	source   LeaderSource
	interval time.Duration
	logger   logging.Logger

	announced bool
}

// NewAnnouncer creates an announcer publishing address under root whenever
// source is the leader. The role is polled every interval.
func NewAnnouncer(store Store, root, address string, source LeaderSource, interval time.Duration, logger logging.Logger) *Announcer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Announcer{
		store:    store,
		root:     root,
		address:  address,
		source:   source,
		interval: interval,
		logger:   logger.WithSource("discovery"),
	}
}

// Run polls the role until ctx is done, then withdraws the announcement.
func (a *Announcer) Run(ctx context.Context) error {
	if err := ensurePath(a.store, path.Join("/", a.root)); err != nil {
		return fmt.Errorf("ensure root path: %w", err)
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		a.sync()

		select {
		case <-ctx.Done():
			a.withdraw()
			return nil
		case <-ticker.C:
		}
	}
}

// sync creates or removes the leader znode after a role change.
func (a *Announcer) sync() {
	leader := a.source.IsLeader()
	switch {
	case leader && !a.announced:
		a.announce()
	case !leader && a.announced:
		a.withdraw()
	}
}

func (a *Announcer) announce() {
	p := LeaderPath(a.root)
	err := a.store.Create(p, []byte(a.address), true)
	switch {
	case err == nil:
		a.announced = true
		a.logger.Info("leader announced", "path", p, "address", a.address)
	case errors.Is(err, ErrNodeExists):
		// The previous leader's session has not expired yet.
		a.logger.Debug("leader node still held", "path", p)
	default:
		a.logger.Warn("failed to announce leader", "path", p, "error", err)
	}
}

func (a *Announcer) withdraw() {
	if !a.announced {
		return
	}
	p := LeaderPath(a.root)
	if err := a.store.Delete(p); err != nil && !errors.Is(err, ErrNoNode) {
		a.logger.Warn("failed to withdraw leader", "path", p, "error", err)
		return
	}
	a.announced = false
	a.logger.Info("leader withdrawn", "path", p)
}

// Leader returns the published leader address.
func Leader(store Store, root string) (string, error) {
	data, err := store.Get(LeaderPath(root))
	if errors.Is(err, ErrNoNode) {
		return "", ErrNoLeader
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
