package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Task orchestration engine for heterogeneous AI agent pools",
	Long: `Drover assigns AI-inference and tool-execution tasks to a pool of
worker agents spread across a cluster. Network agents are reached over an
HTTP endpoint; shell agents are reached over pooled SSH sessions.

The engine handles capability-based agent selection, adaptive load
balancing, dependency-aware workflow scheduling, result caching, and
periodic agent health probing.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: XDG config, then .drover.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(versionCmd)
}
