package main

// Package main is the entry point for the exchange-agent.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Poll service and node metrics from the fleet API
//   - Analyze every tracked entity on a fixed interval and raise alerts
//   - Serve the REST API, the alert WebSocket and the gRPC health service
//   - Shut down gracefully on SIGINT/SIGTERM, flushing the audit trail

import (
	"fmt"
	"os"

	"github.com/kubilitics/exchange-agent/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
