// Package cmd provides the CLI commands for WardenGate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardengate/wardengate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "wardengate",
	Short: "WardenGate - MCP policy gateway",
	Long: `WardenGate is a security and governance gateway for Model Context
Protocol (MCP) servers.

It sits between untrusted clients and a fleet of MCP backends, and for
every tool invocation it authenticates the caller, evaluates the policy
engine, proxies the approved call over the backend's native transport,
and records a structured audit record. Virtual group endpoints
aggregate multiple backends behind one MCP mount, and a supervisor
adapts local stdio servers into HTTP endpoints.

Quick start:
  1. Create a config file: wardengate.yaml
  2. Run: wardengate serve

Configuration:
  Config is loaded from wardengate.yaml in the current directory,
  $HOME/.wardengate/, or /etc/wardengate/.

  Environment variables can override config values with the WARDENGATE_ prefix.
  Example: WARDENGATE_SERVER_HTTP_ADDR=:9090

Commands:
  serve         Start the gateway
  check-policy  Validate a policy document offline
  hash-key      Generate a hash for an admin API key
  version       Print version information

Exit codes:
  0  normal termination
  1  configuration error
  2  policy store unreachable at startup
  3  signal-terminated after graceful drain`,
}

// exitCode is set by subcommands that need a code other than 0/1,
// notably serve's store-unreachable and signal-drain paths.
var exitCode int

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode != 0 {
			return exitCode
		}
		return 1
	}
	return exitCode
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./wardengate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
