// Package main provides the taskd binary: the dispatch-plane API node
// and the worker process, selected by subcommand.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "taskd"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Task dispatch and tracking service",
		Long: `Taskd dispatches long-running media-production jobs onto typed
work queues and tracks them through their lifecycle.

It provides:
- An authenticated HTTP API for submit / status / cancel / retry
- A worker pool with per-type timeouts, retries, and cancellation
- Durable task records, metrics counters, and webhook delivery

Run "taskd serve" for an API node and "taskd worker" for a worker
process. With no broker configured, "serve" runs a self-contained
dev instance with an embedded worker.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the API node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, logLevel)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "worker",
		Short: "Run a worker process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(configPath, logLevel)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}
