// Command dozerd runs one Dozer node: it loads a pipeline definition from a
// YAML config file, tails the declared upstream sources, materializes the
// declared SQL endpoints, and serves them over REST, gRPC, and the
// logreplication API for downstream chaining.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/dozer/pkg/config"
	"github.com/cuemby/dozer/pkg/log"
	"github.com/cuemby/dozer/pkg/metrics"
)

var (
	// Version is set via ldflags at build time.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "dozerd",
	Short:   "dozerd runs a Dozer real-time SQL pipeline node",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("dozerd version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().StringP("config", "c", "dozer.yaml", "Path to the pipeline YAML config")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func runServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	cfg.InitLogging()

	logger := log.WithComponent("dozerd")

	p, err := buildPipeline(cfg)
	if err != nil {
		return fmt.Errorf("dozerd: build pipeline: %w", err)
	}
	if err := p.Start(); err != nil {
		return fmt.Errorf("dozerd: start pipeline: %w", err)
	}
	logger.Info().Str("node_id", cfg.NodeID).Int("sources", len(cfg.Sources)).Int("endpoints", len(cfg.Endpoints)).Msg("pipeline started")

	metrics.SetVersion(Version)
	metrics.RegisterComponent("pipeline", true, "running")

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", metrics.HealthHandler())
		mux.HandleFunc("/readyz", metrics.ReadyHandler())
		mux.HandleFunc("/livez", metrics.LivenessHandler())
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil && err != http.ErrServerClosed {
				logger.Errorf("metrics server exited: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if err := p.Stop(); err != nil {
		return fmt.Errorf("dozerd: stop pipeline: %w", err)
	}
	return nil
}
