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
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/0n6k4v/raven/pkg/raven"
	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is set by main from build flags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "raven",
	Short: "Evidence image analysis service",
	Long: `Raven loads segmentation and classification models from a models
directory and serves weapon/narcotic detection, firearm brand and model
identification, and drug image embeddings for similarity search.

Configuration is read from flags, RAVEN_* environment variables and an
optional config file. MODEL_PATH is accepted as an alias for the models
directory.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	raven.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := raven.DefaultConfig()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.raven.yaml)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-style", "terminal", "log style (terminal, json)")
	pf.String("models-dir", defaults.ModelsDir, "root of the models directory")
	pf.String("model-extension", defaults.ModelExtension, "model file extension")
	pf.Int("num-threads", defaults.NumThreads, "intra-op threads per model session (0 = runtime default)")
	pf.Int("max-concurrency", defaults.MaxConcurrency, "concurrent forward passes per model")
	pf.Int("dimension", defaults.Dimension, "embedding dimension")
	pf.StringSlice("drug-classes", defaults.DrugClasses, "segmentation classes treated as drug evidence")
	pf.Duration("wait-timeout", defaults.WaitTimeout, "how long requests wait for models still loading")
	pf.String("debug-dir", "", "directory receiving drug crops used for embeddings")

	mustBindPFlag("log.level", pf.Lookup("log-level"))
	mustBindPFlag("log.style", pf.Lookup("log-style"))
	mustBindPFlag("models_dir", pf.Lookup("models-dir"))
	mustBindPFlag("model_extension", pf.Lookup("model-extension"))
	mustBindPFlag("num_threads", pf.Lookup("num-threads"))
	mustBindPFlag("max_concurrency", pf.Lookup("max-concurrency"))
	mustBindPFlag("dimension", pf.Lookup("dimension"))
	mustBindPFlag("drug_classes", pf.Lookup("drug-classes"))
	mustBindPFlag("wait_timeout", pf.Lookup("wait-timeout"))
	mustBindPFlag("debug_dir", pf.Lookup("debug-dir"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".raven")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("RAVEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("models_dir", "RAVEN_MODELS_DIR", "MODEL_PATH")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// newLogger builds the process logger from config
func newLogger() *zap.Logger {
	return logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
}

// configFromViper assembles a raven.Config from flags, env and config file.
// Keys only registered by the run command fall back to their defaults.
func configFromViper() raven.Config {
	cfg := raven.DefaultConfig()
	cfg.ModelsDir = viper.GetString("models_dir")
	cfg.ModelExtension = viper.GetString("model_extension")
	cfg.NumThreads = viper.GetInt("num_threads")
	cfg.MaxConcurrency = viper.GetInt("max_concurrency")
	cfg.Dimension = viper.GetInt("dimension")
	cfg.DrugClasses = viper.GetStringSlice("drug_classes")
	cfg.WaitTimeout = viper.GetDuration("wait_timeout")
	cfg.DebugDir = viper.GetString("debug_dir")

	if viper.IsSet("api_url") {
		cfg.ApiUrl = viper.GetString("api_url")
	}
	if viper.IsSet("warmup.enabled") {
		cfg.WarmupEnabled = viper.GetBool("warmup.enabled")
	}
	if viper.IsSet("warmup.timeout_per_model") {
		cfg.Warmup.TimeoutPerModel = viper.GetDuration("warmup.timeout_per_model")
	}
	if viper.IsSet("warmup.retry_interval") {
		cfg.Warmup.RetryInterval = viper.GetDuration("warmup.retry_interval")
	}
	if viper.IsSet("warmup.max_retries") {
		cfg.Warmup.MaxRetries = viper.GetInt("warmup.max_retries")
	}
	if viper.IsSet("warmup.brand_sample") {
		cfg.Warmup.BrandSample = viper.GetInt("warmup.brand_sample")
	}
	if viper.IsSet("cache_ttl") {
		cfg.CacheTTL = viper.GetDuration("cache_ttl")
	}
	cfg.VectorsFile = viper.GetString("vectors_file")
	return cfg
}

// loadManager discovers and loads models, waiting up to the configured
// timeout for loading to finish.
func loadManager(logger *zap.Logger, cfg raven.Config) (*raven.ModelManager, error) {
	manager, err := raven.NewModelManager(cfg, nil, logger)
	if err != nil {
		return nil, err
	}
	wait := cfg.WaitTimeout
	if wait <= 0 {
		wait = 30 * time.Second
	}
	if !manager.WaitForModels(wait) {
		logger.Warn("Models still loading after timeout", zap.Duration("timeout", wait))
	}
	return manager, nil
}
