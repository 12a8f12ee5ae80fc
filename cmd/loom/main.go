package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/controlplane"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/metrics"
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
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - deployment orchestration control plane",
	Long: `Loom is the control plane that turns declared service specs into
running workloads: builds, progressive rollouts with health gates,
multi-region routing, budget enforcement, and webhook delivery.`,
	Version: Version,
}

var configPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the control plane daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: !cfg.Log.Pretty,
		})
		metrics.SetVersion(Version)

		daemon, err := controlplane.New(cfg)
		if err != nil {
			return fmt.Errorf("wire control plane: %w", err)
		}
		if err := daemon.Start(); err != nil {
			return fmt.Errorf("start control plane: %w", err)
		}

		var watcher *config.Watcher
		if configPath != "" {
			watcher, err = config.NewWatcher(configPath, daemon.ApplyConfig)
			if err != nil {
				logger := log.WithComponent("main")
				logger.Warn().Err(err).Msg("Config watch unavailable")
			} else {
				watcher.Start()
			}
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger2 := log.WithComponent("main")
		logger2.Info().Str("signal", sig.String()).Msg("Shutting down")

		if watcher != nil {
			watcher.Stop()
		}
		return daemon.Shutdown()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Loom version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Loom version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.AddCommand(runCmd, versionCmd)
}
