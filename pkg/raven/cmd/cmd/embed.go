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
	"path/filepath"
	"strings"

	"github.com/0n6k4v/raven/pkg/raven/lib/embeddings"
	"github.com/0n6k4v/raven/pkg/raven/lib/similarity"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

var embedCmd = &cobra.Command{
	Use:   "embed <image>",
	Short: "Embed an image into a fixed-dimension vector",
	Long: `Crop the most confident drug detection (unless --segment-first=false),
run the narcotic backbone and print the base64 vector with its segmentation
metadata.

Examples:
  # Print the embedding
  raven embed pill.jpg

  # Append the vector to a JSONL store used by "raven search"
  raven embed pill.jpg --append vectors.jsonl --id case-42`,
	Args: cobra.ExactArgs(1),
	RunE: runEmbed,
}

func init() {
	rootCmd.AddCommand(embedCmd)

	embedCmd.Flags().Bool("segment-first", true, "crop the most confident drug detection before embedding")
	embedCmd.Flags().String("append", "", "append the vector as a JSONL record to this file")
	embedCmd.Flags().String("id", "", "record id used with --append (default: image file name)")
}

func runEmbed(cmd *cobra.Command, args []string) error {
	segmentFirst, _ := cmd.Flags().GetBool("segment-first")
	appendPath, _ := cmd.Flags().GetString("append")
	id, _ := cmd.Flags().GetString("id")

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

	embedder := embeddings.NewEmbedder(manager, cfg.EmbedderConfig(), logger)
	emb, err := embedder.CreateEmbedding(context.Background(), data, segmentFirst)
	if err != nil {
		return err
	}

	if appendPath != "" {
		if id == "" {
			id = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		}
		if err := appendRecord(appendPath, similarity.Record{ID: id, VectorBase64: emb.VectorBase64}); err != nil {
			return err
		}
	}
	return printJSON(emb)
}

func appendRecord(path string, rec similarity.Record) error {
	line, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening vectors file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
