package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateConfig validates the configuration and returns a list of validation errors.
// An empty slice indicates the configuration is valid.
func ValidateConfig(config *Config) []error {
	var errs []error

	errs = append(errs, validateNodeConfig(&config.Node)...)
	errs = append(errs, validateClusterConfig(&config.Cluster)...)
	errs = append(errs, validateStorageConfig(&config.Storage)...)
	errs = append(errs, validateHTTPConfig(&config.HTTP)...)
	errs = append(errs, validateLogConfig(&config.Logging)...)
	errs = append(errs, validateDiscoveryConfig(&config.Discovery)...)

	return errs
}

func validateNodeConfig(config *NodeConfig) []error {
	var errs []error

	if config.ID < 0 {
		errs = append(errs, ValidationError{Field: "node.id", Message: "must be non-negative"})
	}

	if err := validateAddress(config.PeerAddress); err != nil {
		errs = append(errs, ValidationError{Field: "node.peerAddress", Message: err.Error()})
	}

	seen := map[int32]bool{config.ID: true}
	for i, peer := range config.Peers {
		field := fmt.Sprintf("node.peers[%d]", i)
		if peer.ID < 0 {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "must be non-negative"})
		}
		if seen[peer.ID] {
			errs = append(errs, ValidationError{
				Field:   field + ".id",
				Message: fmt.Sprintf("duplicate node id %d", peer.ID),
			})
		}
		seen[peer.ID] = true

		if err := validateAddress(peer.Address); err != nil {
			errs = append(errs, ValidationError{Field: field + ".address", Message: err.Error()})
		}
	}

	return errs
}

func validateClusterConfig(config *ClusterConfig) []error {
	var errs []error

	if config.HeartbeatTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "cluster.heartbeatTimeout", Message: "must be positive"})
	}
	if config.ElectionTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "cluster.electionTimeout", Message: "must be positive"})
	} else if config.ElectionTimeout <= config.HeartbeatTimeout {
		errs = append(errs, ValidationError{
			Field:   "cluster.electionTimeout",
			Message: "must be greater than heartbeatTimeout",
		})
	}
	if config.RequestTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "cluster.requestTimeout", Message: "must be positive"})
	}
	if config.ReconnectDelay < 0 {
		errs = append(errs, ValidationError{Field: "cluster.reconnectDelay", Message: "must be non-negative"})
	}
	if config.SnapshotChunkSize != "" {
		if _, err := ParseSize(config.SnapshotChunkSize); err != nil {
			errs = append(errs, ValidationError{Field: "cluster.snapshotChunkSize", Message: err.Error()})
		}
	}

	return errs
}

func validateStorageConfig(config *StorageConfig) []error {
	var errs []error

	if config.DataDir == "" {
		errs = append(errs, ValidationError{Field: "storage.dataDir", Message: "data directory is required"})
	} else if !filepath.IsAbs(config.DataDir) {
		errs = append(errs, ValidationError{Field: "storage.dataDir", Message: "must be an absolute path"})
	}

	if config.MaxSegmentSize != "" {
		if _, err := ParseSize(config.MaxSegmentSize); err != nil {
			errs = append(errs, ValidationError{Field: "storage.maxSegmentSize", Message: err.Error()})
		}
	}

	if config.SegmentsBeforeSnapshot < 1 {
		errs = append(errs, ValidationError{Field: "storage.segmentsBeforeSnapshot", Message: "must be at least 1"})
	}

	return errs
}

func validateHTTPConfig(config *HTTPConfig) []error {
	var errs []error

	if config.Address != "" {
		if err := validateAddress(config.Address); err != nil {
			errs = append(errs, ValidationError{Field: "http.address", Message: err.Error()})
		}
	}
	if config.ReadTimeout < 0 {
		errs = append(errs, ValidationError{Field: "http.readTimeout", Message: "must be non-negative"})
	}
	if config.WriteTimeout < 0 {
		errs = append(errs, ValidationError{Field: "http.writeTimeout", Message: "must be non-negative"})
	}

	return errs
}

func validateLogConfig(config *LogConfig) []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if config.Level != "" && !validLevels[strings.ToLower(config.Level)] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: debug, info, warn, error",
		})
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if config.Format != "" && !validFormats[strings.ToLower(config.Format)] {
		errs = append(errs, ValidationError{Field: "logging.format", Message: "must be one of: text, json"})
	}

	return errs
}

func validateDiscoveryConfig(config *DiscoveryConfig) []error {
	if !config.Enabled {
		return nil
	}

	var errs []error
	if len(config.Servers) == 0 {
		errs = append(errs, ValidationError{
			Field:   "discovery.servers",
			Message: "at least one server is required when discovery is enabled",
		})
	}
	if !strings.HasPrefix(config.RootPath, "/") {
		errs = append(errs, ValidationError{Field: "discovery.rootPath", Message: "must start with /"})
	}
	return errs
}

func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %v", err)
	}
	if port == "" {
		return fmt.Errorf("port is required")
	}
	return nil
}

// sizeSuffixes is ordered so that "MB" is tried before "B".
var sizeSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"TB", 1024 * 1024 * 1024 * 1024},
	{"GB", 1024 * 1024 * 1024},
	{"MB", 1024 * 1024},
	{"KB", 1024},
	{"B", 1},
}

// ParseSize parses sizes such as "64KB" or "16MB" into bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, nil
	}

	mult := int64(1)
	for _, sz := range sizeSuffixes {
		if strings.HasSuffix(s, sz.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, sz.suffix))
			mult = sz.mult
			break
		}
	}

	var num int64
	var rest string
	if n, _ := fmt.Sscanf(s, "%d%s", &num, &rest); n < 1 || rest != "" || num < 0 {
		return 0, fmt.Errorf("invalid size format: %s", s)
	}
	return num * mult, nil
}
