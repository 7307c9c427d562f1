// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/0n6k4v/raven/pkg/raven"
	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the raven server",
	Long: `Start the raven server. Models load in the background; /readyz reports
ready once the segmentation and narcotic models are loaded.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	defaults := raven.DefaultConfig()

	// Run command flags
	runCmd.Flags().String("api-url", defaults.ApiUrl, "address the API server listens on")
	runCmd.Flags().Int("health-port", 4200, "health/metrics server port")
	runCmd.Flags().Bool("warmup", defaults.WarmupEnabled, "run a warm-up forward pass once models load")
	runCmd.Flags().Duration("warmup-timeout", defaults.Warmup.TimeoutPerModel, "timeout per warm-up forward pass")
	runCmd.Flags().Duration("warmup-retry-interval", defaults.Warmup.RetryInterval, "pause between warm-up batches")
	runCmd.Flags().Int("warmup-max-retries", defaults.Warmup.MaxRetries, "maximum warm-up batches")
	runCmd.Flags().Duration("cache-ttl", defaults.CacheTTL, "embedding cache TTL (0 disables caching)")
	runCmd.Flags().String("vectors-file", "", "JSONL file of stored vectors served by /api/search")

	mustBindPFlag("api_url", runCmd.Flags().Lookup("api-url"))
	mustBindPFlag("health_port", runCmd.Flags().Lookup("health-port"))
	mustBindPFlag("warmup.enabled", runCmd.Flags().Lookup("warmup"))
	mustBindPFlag("warmup.timeout_per_model", runCmd.Flags().Lookup("warmup-timeout"))
	mustBindPFlag("warmup.retry_interval", runCmd.Flags().Lookup("warmup-retry-interval"))
	mustBindPFlag("warmup.max_retries", runCmd.Flags().Lookup("warmup-max-retries"))
	mustBindPFlag("cache_ttl", runCmd.Flags().Lookup("cache-ttl"))
	mustBindPFlag("vectors_file", runCmd.Flags().Lookup("vectors-file"))
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Create logger from config
	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Running as raven")

	cfg := configFromViper()

	// RunAsRaven picks up the same singleton
	manager, err := raven.DefaultModelManager(cfg, logger.Named("raven"))
	if err != nil {
		return err
	}

	// Track readiness state
	ready := &atomic.Bool{}
	ready.Store(false)
	readyC := make(chan struct{})

	// Start health server with readiness checker
	healthserver.Start(logger, viper.GetInt("health_port"), readinessCheck(ready, manager))

	// Wait for ready signal in background
	go func() {
		<-readyC
		ready.Store(true)
		logger.Info("Raven is ready")
	}()

	raven.RunAsRaven(ctx, logger, cfg, readyC)
	return nil
}

// readinessCheck reports ready once the API server is up and the models are.
func readinessCheck(server *atomic.Bool, models interface{ IsReady() bool }) func() bool {
	return func() bool {
		return server.Load() && models.IsReady()
	}
}
