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
	"errors"
	"fmt"
	"os"

	"github.com/0n6k4v/raven/pkg/raven/lib/embeddings"
	"github.com/0n6k4v/raven/pkg/raven/lib/similarity"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search <image>",
	Short: "Rank stored vectors by similarity to an image",
	Long: `Embed an image and rank the vectors of a JSONL store by cosine
distance, nearest first.

Examples:
  raven search pill.jpg --vectors vectors.jsonl -k 5`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().StringP("vectors", "f", "", "JSONL file of stored vectors (required)")
	searchCmd.Flags().IntP("top-k", "k", 10, "number of results")
	searchCmd.Flags().Bool("segment-first", true, "crop the most confident drug detection before embedding")
}

type searchOutput struct {
	Segmentation embeddings.SegmentationInfo `json:"segmentation_info"`
	Results      []similarity.Result         `json:"results"`
}

func runSearch(cmd *cobra.Command, args []string) error {
	vectorsPath, _ := cmd.Flags().GetString("vectors")
	k, _ := cmd.Flags().GetInt("top-k")
	segmentFirst, _ := cmd.Flags().GetBool("segment-first")
	if vectorsPath == "" {
		return errors.New("--vectors is required")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	cfg := configFromViper()
	embCfg := cfg.EmbedderConfig()

	f, err := os.Open(vectorsPath)
	if err != nil {
		return fmt.Errorf("opening vectors file: %w", err)
	}
	index, err := similarity.LoadJSONL(f, embCfg.Dimension)
	_ = f.Close()
	if err != nil {
		return err
	}

	manager, err := loadManager(logger, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	emb, err := embeddings.NewEmbedder(manager, embCfg, logger).CreateEmbedding(context.Background(), data, segmentFirst)
	if err != nil {
		return err
	}
	results, err := index.Search(emb.Vector, k)
	if err != nil {
		return err
	}
	return printJSON(searchOutput{Segmentation: emb.Segmentation, Results: results})
}
