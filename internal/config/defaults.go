package config

import "time"

const (
	defaultMaxSegmentSize    = 16 * 1024 * 1024
	defaultSnapshotChunkSize = 64 * 1024
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:          1,
			PeerAddress: ":2602",
			Peers:       nil,
		},
		Cluster: ClusterConfig{
			ElectionTimeout:   300 * time.Millisecond,
			HeartbeatTimeout:  100 * time.Millisecond,
			RequestTimeout:    time.Second,
			ReconnectDelay:    500 * time.Millisecond,
			SnapshotChunkSize: "64KB",
			StaleReads:        false,
		},
		Storage: StorageConfig{
			DataDir:                "/var/lib/taskflux",
			MaxSegmentSize:         "16MB",
			SegmentsBeforeSnapshot: 5,
			CompressSnapshots:      true,
		},
		HTTP: HTTPConfig{
			Address:         ":2622",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Discovery: DiscoveryConfig{
			Enabled:        false,
			Servers:        nil,
			RootPath:       "/taskflux",
			SessionTimeout: 5 * time.Second,
		},
	}
}

// ExampleYAML is the annotated configuration written by `taskflux config init`.
const ExampleYAML = `# taskflux node configuration
node:
  id: 1
  peerAddress: ":2602"
  peers:
    - id: 2
      address: "node2:2602"
    - id: 3
      address: "node3:2602"

cluster:
  electionTimeout: 300ms
  heartbeatTimeout: 100ms
  requestTimeout: 1s
  reconnectDelay: 500ms
  snapshotChunkSize: 64KB
  staleReads: false

storage:
  dataDir: /var/lib/taskflux
  maxSegmentSize: 16MB
  segmentsBeforeSnapshot: 5
  compressSnapshots: true

http:
  address: ":2622"
  readTimeout: 30s
  writeTimeout: 30s
  shutdownTimeout: 5s

logging:
  level: info
  format: json
  output: stdout

discovery:
  enabled: false
  servers: []
  rootPath: /taskflux
  sessionTimeout: 5s
`
