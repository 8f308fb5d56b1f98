package main

import (
	"fmt"
	"io"
)

// printUsage prints the main usage information to the given writer.
func printUsage(w io.Writer) {
	fmt.Fprint(w, `taskflux - Replicated priority task queues

Usage:
  taskflux <command> [options]

Commands:
  serve       Start a cluster node
  config      Configuration management
  version     Show version information

Use "taskflux <command> -h" for more information about a command.
`)
}

// printServeUsage prints the serve command usage.
func printServeUsage(w io.Writer) {
	fmt.Fprint(w, `Start a cluster node

Usage:
  taskflux serve [options]

Options:
  -config string
        Path to configuration file
  -node-id int
        Node ID (overrides config)
  -peer-address string
        Peer listen address (overrides config, default ":2602")
  -http-address string
        Client API listen address (overrides config, default ":2622")
  -data-dir string
        Data directory path (overrides config, default "/var/lib/taskflux")
  -log-level string
        Log level: debug, info, warn, error (overrides config)
  -h, -help
        Show this help message

Environment Variables:
  TASKFLUX_NODE_ID         Override node ID
  TASKFLUX_PEER_ADDRESS    Override peer listen address
  TASKFLUX_HTTP_ADDRESS    Override client API listen address
  TASKFLUX_DATA_DIR        Override data directory path
  TASKFLUX_LOG_LEVEL       Override log level
`)
}

// printConfigUsage prints the config command usage.
func printConfigUsage(w io.Writer) {
	fmt.Fprint(w, `Configuration management

Usage:
  taskflux config <subcommand> [options]

Subcommands:
  validate    Validate configuration file
  init        Generate default configuration
  show        Show effective configuration

Use "taskflux config <subcommand> -h" for more information.
`)
}

// printVersionUsage prints the version command usage.
func printVersionUsage(w io.Writer) {
	fmt.Fprint(w, `Show version information

Usage:
  taskflux version [options]

Options:
  -short
        Show only version number
  -h, -help
        Show this help message
`)
}
