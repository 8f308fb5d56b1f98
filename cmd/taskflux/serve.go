package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/KilimcininKorOglu/taskflux/internal/config"
	"github.com/KilimcininKorOglu/taskflux/internal/discovery"
	"github.com/KilimcininKorOglu/taskflux/internal/logging"
	"github.com/KilimcininKorOglu/taskflux/internal/raft"
	"github.com/KilimcininKorOglu/taskflux/internal/rest"
	"github.com/KilimcininKorOglu/taskflux/internal/taskqueue"
)

// Server errors.
var (
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrServerNotRunning     = errors.New("server is not running")
)

// NodeServer runs one cluster member: the queue application, the consensus
// node, the client API and the optional leader announcement.
type NodeServer struct {
	config  *config.Config
	logger  logging.Logger
	app     *taskqueue.Application
	cluster *raft.Cluster
	rest    *rest.Server

	zk        discovery.Store
	announcer *discovery.Announcer

	running bool
	mu      sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewServer creates a node from cfg. Nothing listens until Start.
func NewServer(cfg *config.Config) (*NodeServer, error) {
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	return newServer(cfg, logger)
}

func newServer(cfg *config.Config, logger logging.Logger) (*NodeServer, error) {
	app, err := taskqueue.NewApplication(taskqueue.Options{
		CompressSnapshots: cfg.Storage.CompressSnapshots,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	cluster, err := raft.NewCluster(cfg, app, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create cluster node: %w", err)
	}

	rest.Version = version
	restServer := rest.NewServer(&rest.ServerConfig{
		Address:        cfg.HTTP.Address,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    2 * cfg.HTTP.ReadTimeout,
		RequestTimeout: cfg.HTTP.WriteTimeout,
	}, cluster.Node(), logger)

	return &NodeServer{
		config:  cfg,
		logger:  logger,
		app:     app,
		cluster: cluster,
		rest:    restServer,
	}, nil
}

// Start brings up consensus, then the client API, then discovery.
func (s *NodeServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrServerAlreadyRunning
	}

	sysLogger := s.logger.WithSource("system")

	if err := s.cluster.Start(); err != nil {
		return fmt.Errorf("failed to start cluster node: %w", err)
	}
	sysLogger.Info("cluster node started",
		"id", s.config.Node.ID,
		"peerAddress", s.cluster.PeerAddr(),
		"peers", len(s.config.Node.Peers),
	)

	if err := s.rest.Start(); err != nil {
		s.cluster.Stop()
		return fmt.Errorf("failed to start REST server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.config.Discovery.Enabled {
		if err := s.startDiscovery(ctx); err != nil {
			// The cluster works without announcements.
			sysLogger.Warn("discovery disabled", "error", err)
		}
	}

	s.running = true
	return nil
}

func (s *NodeServer) startDiscovery(ctx context.Context) error {
	d := s.config.Discovery
	store, err := discovery.DialZK(d.Servers, d.SessionTimeout)
	if err != nil {
		return err
	}
	s.zk = store
	s.announcer = discovery.NewAnnouncer(store, d.RootPath, s.rest.Addr(), s.cluster.Node(),
		s.config.Cluster.HeartbeatTimeout, s.logger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.announcer.Run(ctx); err != nil {
			s.logger.WithSource("system").Error("leader announcer stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts down in reverse start order.
func (s *NodeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrServerNotRunning
	}
	s.running = false

	s.cancel()
	s.wg.Wait()
	if s.zk != nil {
		s.zk.Close()
	}

	var errs []error
	if err := s.rest.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop REST server: %w", err))
	}
	if err := s.cluster.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop cluster node: %w", err))
	}
	s.app.Close()

	s.logger.WithSource("system").Info("server stopped")
	return errors.Join(errs...)
}

// loadServeConfig resolves the configuration for serve: file or defaults,
// then environment, then flags.
func loadServeConfig(configFile string) (*config.Config, error) {
	if configFile != "" {
		return config.LoadConfig(configFile)
	}
	cfg := config.DefaultConfig()
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serveCmd handles the serve command.
func serveCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	nodeID := fs.Int("node-id", -1, "Node ID (overrides config)")
	peerAddress := fs.String("peer-address", "", "Peer listen address (overrides config)")
	httpAddress := fs.String("http-address", "", "Client API listen address (overrides config)")
	dataDir := fs.String("data-dir", "", "Data directory path (overrides config)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printServeUsage(os.Stdout)
		return 0
	}

	cfg, err := loadServeConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	// Command-line overrides have the highest priority
	if *nodeID >= 0 {
		cfg.Node.ID = int32(*nodeID)
	}
	if *peerAddress != "" {
		cfg.Node.PeerAddress = *peerAddress
	}
	if *httpAddress != "" {
		cfg.HTTP.Address = *httpAddress
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	errs := config.ValidateConfig(cfg)
	if len(errs) > 0 {
		fmt.Fprintln(os.Stderr, "Configuration errors:")
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
		return 1
	}

	srv, err := NewServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		return 1
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	srv.logger.Info("received signal, shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		return 1
	}
	return 0
}
