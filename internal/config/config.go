// Package config provides configuration loading and validation for the taskflux node.
package config

import "time"

// Config holds the complete node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Storage   StorageConfig   `yaml:"storage"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LogConfig       `yaml:"logging"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// NodeConfig identifies this node and its static peer set.
type NodeConfig struct {
	ID          int32        `yaml:"id"`
	PeerAddress string       `yaml:"peerAddress"`
	Peers       []PeerConfig `yaml:"peers"`
}

// PeerConfig is one other member of the cluster.
type PeerConfig struct {
	ID      int32  `yaml:"id"`
	Address string `yaml:"address"`
}

// ClusterConfig holds consensus timing and transfer settings.
type ClusterConfig struct {
	ElectionTimeout   time.Duration `yaml:"electionTimeout"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	ReconnectDelay    time.Duration `yaml:"reconnectDelay"`
	SnapshotChunkSize string        `yaml:"snapshotChunkSize"`
	StaleReads        bool          `yaml:"staleReads"`
}

// StorageConfig holds the persistence settings.
type StorageConfig struct {
	DataDir                string `yaml:"dataDir"`
	MaxSegmentSize         string `yaml:"maxSegmentSize"`
	SegmentsBeforeSnapshot int    `yaml:"segmentsBeforeSnapshot"`
	CompressSnapshots      bool   `yaml:"compressSnapshots"`
}

// HTTPConfig holds the client API server settings.
type HTTPConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DiscoveryConfig configures leader announcement through ZooKeeper.
type DiscoveryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Servers        []string      `yaml:"servers"`
	RootPath       string        `yaml:"rootPath"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
}

// MaxSegmentSizeBytes returns the parsed segment size limit.
func (c *StorageConfig) MaxSegmentSizeBytes() int64 {
	n, err := ParseSize(c.MaxSegmentSize)
	if err != nil || n <= 0 {
		return defaultMaxSegmentSize
	}
	return n
}

// SnapshotChunkSizeBytes returns the parsed snapshot chunk size.
func (c *ClusterConfig) SnapshotChunkSizeBytes() int {
	n, err := ParseSize(c.SnapshotChunkSize)
	if err != nil || n <= 0 {
		return defaultSnapshotChunkSize
	}
	return int(n)
}
