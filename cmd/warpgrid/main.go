package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warpgrid/warpgrid/pkg/errdefs"
	"github.com/warpgrid/warpgrid/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errdefs.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "warpgrid",
	Short: "WarpGrid - cluster orchestrator for WebAssembly workloads",
	Long: `WarpGrid schedules WebAssembly components across a cluster:
deployments become warm, health-monitored, resource-capped instances
with host-mediated I/O (DNS, filesystem, database connections)
injected into otherwise pure Wasm guests.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"WarpGrid version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); defaults to WARPGRID_LOG")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(nodesCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	if logLevel == "" {
		logLevel = os.Getenv("WARPGRID_LOG")
	}
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
