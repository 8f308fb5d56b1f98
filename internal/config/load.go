package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader errors.
var (
	ErrFileNotFound = errors.New("config: configuration file not found")
	ErrInvalidYAML  = errors.New("config: invalid YAML")
)

// Environment variables that override file values.
const (
	EnvNodeID      = "TASKFLUX_NODE_ID"
	EnvPeerAddress = "TASKFLUX_PEER_ADDRESS"
	EnvHTTPAddress = "TASKFLUX_HTTP_ADDRESS"
	EnvDataDir     = "TASKFLUX_DATA_DIR"
	EnvLogLevel    = "TASKFLUX_LOG_LEVEL"
)

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadConfig loads configuration from a file path and applies
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig parses YAML data on top of DefaultConfig.
// ${VAR} and ${VAR:-default} references are substituted first.
func ParseConfig(data []byte) (*Config, error) {
	data = substituteEnvVars(data)

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from TASKFLUX_* variables.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv(EnvNodeID); v != "" {
		id, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvNodeID, err)
		}
		cfg.Node.ID = int32(id)
	}
	if v := os.Getenv(EnvPeerAddress); v != "" {
		cfg.Node.PeerAddress = v
	}
	if v := os.Getenv(EnvHTTPAddress); v != "" {
		cfg.HTTP.Address = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

func substituteEnvVars(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		content := string(match[2 : len(match)-1])

		if idx := strings.Index(content, ":-"); idx != -1 {
			if val := os.Getenv(content[:idx]); val != "" {
				return []byte(val)
			}
			return []byte(content[idx+2:])
		}
		return []byte(os.Getenv(content))
	})
}
