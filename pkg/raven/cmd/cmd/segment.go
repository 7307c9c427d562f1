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
	"fmt"
	"os"

	"github.com/0n6k4v/raven/pkg/raven/lib/segmentation"
	"github.com/spf13/cobra"
)

var segmentCmd = &cobra.Command{
	Use:   "segment <image>",
	Short: "Segment an image and print the detected objects",
	Long: `Load the segmentation model, run it on one image and print the detected
objects as JSON.

Examples:
  # Detected objects only
  raven segment evidence.jpg

  # Include base64 white-background crops per object
  raven segment evidence.jpg --crops`,
	Args: cobra.ExactArgs(1),
	RunE: runSegment,
}

func init() {
	rootCmd.AddCommand(segmentCmd)

	segmentCmd.Flags().Bool("crops", false, "include a base64 JPEG crop per object")
}

func runSegment(cmd *cobra.Command, args []string) error {
	includeCrops, _ := cmd.Flags().GetBool("crops")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	cfg := configFromViper()
	manager, err := loadManager(logger, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	opts := segmentation.DefaultOptions()
	opts.WaitTimeout = cfg.WaitTimeout
	opts.IncludeCrops = includeCrops

	result, err := segmentation.NewSegmenter(manager, logger).Run(context.Background(), data, opts)
	if err != nil {
		return err
	}
	return printJSON(result)
}
