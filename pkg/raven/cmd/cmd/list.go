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
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/0n6k4v/raven/pkg/raven/lib/modelregistry"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List models discovered in the models directory",
	Long: `List the model artifacts found under the models directory without
loading them.

Examples:
  # List models under the default directory
  raven list

  # List models under a custom directory as JSON
  raven list --models-dir ./ai_models --json`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	// List command flags
	listCmd.Flags().Bool("json", false, "print the discovery as JSON")
}

type listedModel struct {
	Key     string `json:"key"`
	Display string `json:"display"`
	Task    string `json:"task"`
	Path    string `json:"path"`
	Present bool   `json:"present"`
}

func runList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	cfg := configFromViper()

	discovery, err := modelregistry.Discover(cfg.ModelsDir, modelregistry.WithExtension(cfg.ModelExtension))
	if err != nil {
		return err
	}

	artifacts := discovery.Artifacts()
	models := make([]listedModel, len(artifacts))
	for i, a := range artifacts {
		models[i] = listedModel{
			Key:     a.Key,
			Display: a.Display,
			Task:    string(a.Task),
			Path:    a.Path,
			Present: a.Exists(),
		}
	}

	if asJSON {
		return printJSON(models)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tNAME\tTASK\tPRESENT\tPATH")
	for _, m := range models {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", m.Key, m.Display, m.Task, m.Present, m.Path)
	}
	return w.Flush()
}

// printJSON writes v to stdout as indented JSON
func printJSON(v any) error {
	data, err := sonic.ConfigDefault.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}
